// Package testutil provides shared test fixtures.
package testutil

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

// SocketPath returns a unix socket path that is removed with the test.
// Socket paths are limited to about 100 bytes, which t.TempDir often
// exceeds, so the directory lives directly under os.TempDir.
func SocketPath(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "pb")
	if err != nil {
		t.Fatalf("failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "sock")
}

// WriteFile writes body to name inside a fresh temp dir and returns the
// full path.
func WriteFile(t testing.TB, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
	return path
}

// Loopback listens on an ephemeral TCP port on 127.0.0.1.
func Loopback(t testing.TB) net.Listener {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	t.Cleanup(func() { lis.Close() })
	return lis
}
