package httputil

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStandardClientWraps(t *testing.T) {
	custom := &http.Client{}
	assert.Same(t, custom, NewStandardClient(custom).Client)
	assert.Same(t, http.DefaultClient, NewStandardClient(nil).Client)
}

func TestGetJSON(t *testing.T) {
	mock := NewMockHTTPClient().AddResponse(http.StatusOK, `{"ticks": 12}`)

	var out struct {
		Ticks int `json:"ticks"`
	}
	require.NoError(t, GetJSON(context.Background(), mock, "http://admin/api/status", &out))
	assert.Equal(t, 12, out.Ticks)
	require.Equal(t, 1, mock.RequestCount())
	assert.Equal(t, http.MethodGet, mock.Requests[0].Method)
	assert.Equal(t, "/api/status", mock.Requests[0].URL.Path)
}

func TestGetJSONErrors(t *testing.T) {
	ctx := context.Background()
	var out map[string]any

	mock := NewMockHTTPClient().AddResponse(http.StatusNotFound, `{"error":"no tracker"}`)
	err := GetJSON(ctx, mock, "http://admin/api/trackers", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404: no tracker")

	mock = NewMockHTTPClient().AddResponse(http.StatusBadGateway, `<html>`)
	err = GetJSON(ctx, mock, "http://admin/api/trackers", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 502")

	mock = NewMockHTTPClient().AddResponse(http.StatusOK, `not json`)
	err = GetJSON(ctx, mock, "http://admin/api/trackers", &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode")

	refused := errors.New("connection refused")
	mock = NewMockHTTPClient().AddErrorResponse(refused)
	assert.ErrorIs(t, GetJSON(ctx, mock, "http://admin/api/trackers", &out), refused)
}

func TestGetJSONOverRealServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSONOK(w, map[string]string{"path": r.URL.Path})
	}))
	defer srv.Close()

	var out map[string]string
	require.NoError(t, GetJSON(context.Background(), NewStandardClient(srv.Client()), srv.URL+"/api/trackers", &out))
	assert.Equal(t, "/api/trackers", out["path"])
}
