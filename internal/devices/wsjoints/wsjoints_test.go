package wsjoints

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posebridge/internal/joints"
)

// newServer streams the given frames to every client, then holds the
// connection open until the client goes away.
func newServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDeviceReceivesFrames(t *testing.T) {
	srv := newServer(t,
		`{"joints":[{"name":"waist","position":[0,1,2],"orientation":[1,0,0,0],"state":2}]}`,
		`not json`,
		`{"joints":[{"name":"left_foot","position":[-0.1,0,2],"orientation":[2,0,0,0],"state":1}]}`,
	)
	d := New("phone", wsURL(srv))
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Initialize())
	assert.True(t, d.Status().OK())

	require.Eventually(t, func() bool {
		if err := d.Update(); err != nil {
			return false
		}
		return len(d.TrackedJoints()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	got := d.TrackedJoints()
	assert.Equal(t, "waist", got[0].Name)
	assert.InDelta(t, 1.0, got[0].Position.Y, 1e-12)
	assert.Equal(t, "left_foot", got[1].Name)
	assert.InDelta(t, 1.0, got[1].Orientation.W, 1e-12, "orientation is normalised")
	assert.Equal(t, joints.Inferred, got[1].State)
	assert.True(t, d.Tracked())

	require.NoError(t, d.Shutdown())
	assert.False(t, d.Status().OK())
}

func TestDeviceDialFailure(t *testing.T) {
	d := New("phone", "ws://127.0.0.1:1/none")
	d.dialTimeout = 200 * time.Millisecond
	assert.Error(t, d.Initialize())
	assert.Equal(t, joints.StatusDisconnected, d.Status().Code)
	assert.ErrorIs(t, d.Update(), joints.ErrNotInitialized)
}

func TestServerCloseMarksDisconnected(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
	}))
	defer srv.Close()

	d := New("phone", wsURL(srv))
	require.NoError(t, d.Initialize())
	require.Eventually(t, func() bool {
		return d.Status().Code == joints.StatusDisconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestFactory(t *testing.T) {
	_, err := Factory(joints.ManifestEntry{Name: "x"})
	assert.Error(t, err)

	dev, err := Factory(joints.ManifestEntry{Name: "x", Options: map[string]string{"url": "ws://host/joints", "dial_timeout": "2s"}})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, dev.(*Device).dialTimeout)
	assert.Equal(t, joints.JointsBasis, dev.Kind())
}
