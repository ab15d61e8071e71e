package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketPath(t *testing.T) {
	var dir string
	t.Run("inner", func(t *testing.T) {
		path := SocketPath(t)
		dir = filepath.Dir(path)
		assert.Less(t, len(path), 100)

		lis, err := net.Listen("unix", path)
		require.NoError(t, err)
		lis.Close()
	})
	_, err := os.Stat(dir)
	assert.True(t, os.IsNotExist(err), "the socket dir is removed with the test")
}

func TestWriteFile(t *testing.T) {
	path := WriteFile(t, "a.toml", "x = 1\n")
	assert.Equal(t, "a.toml", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))
}

func TestLoopback(t *testing.T) {
	lis := Loopback(t)
	addr := lis.Addr().(*net.TCPAddr)
	assert.True(t, addr.IP.IsLoopback())
	assert.NotZero(t, addr.Port)
}
