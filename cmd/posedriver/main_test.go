package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/config"
	"github.com/banshee-data/posebridge/internal/driver"
	"github.com/banshee-data/posebridge/internal/legacypipe"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/testutil"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracker"
)

func strPtr(s string) *string { return &s }

type served struct {
	rt     *driver.LogRuntime
	cancel context.CancelFunc
	done   chan error
}

// start runs serve on cfg's address and returns the bound address.
func start(t *testing.T, cfg *config.Config) (*served, string) {
	t.Helper()
	lis, err := listen(cfg)
	require.NoError(t, err)

	s := &served{rt: driver.NewLogRuntime(zap.NewNop()), done: make(chan error, 1)}
	var ctx context.Context
	ctx, s.cancel = context.WithCancel(context.Background())
	f := &serveFlags{frameRate: 200, watchdog: 10 * time.Millisecond}
	go func() { s.done <- serve(ctx, cfg, lis, s.rt, f, zap.NewNop()) }()
	return s, lis.Addr().String()
}

func (s *served) stop(t *testing.T) {
	t.Helper()
	s.cancel()
	select {
	case err := <-s.done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func exercise(t *testing.T, tr syncproto.Transport, s *served, serial string) {
	t.Helper()
	ctx := context.Background()
	replies, err := tr.SetTrackerStates(ctx, []syncproto.StateRequest{{Role: tracker.Waist, Active: true, WantReply: true}})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Success, replies[0].Message)

	want := spatial.Pose{Position: spatial.V(0, 1, 2), Orientation: spatial.YawQuat(1)}
	_, err = tr.UpdateTrackers(ctx, []syncproto.PoseRequest{{Role: tracker.Waist, Pose: want, WantReply: true}})
	require.NoError(t, err)

	got, ok := s.rt.Pose(serial)
	require.True(t, ok)
	assert.Equal(t, want, got.Pose)
	assert.True(t, got.Connected)

	_, err = tr.Ping(ctx)
	require.NoError(t, err)
	require.NoError(t, tr.RequestRestart(ctx, "test"))
	assert.Equal(t, []string{"test"}, s.rt.Restarts())

	require.Eventually(t, func() bool {
		_, _, beats := s.rt.Counters()
		return beats >= 2
	}, 2*time.Second, 5*time.Millisecond, "the watchdog keeps beating")
}

func TestServeGRPC(t *testing.T) {
	cfg := config.Empty()
	cfg.Sync.Address = strPtr("127.0.0.1:0")
	cfg.Trackers = []config.TrackerConfig{{Role: "waist", Serial: strPtr("CUSTOM-WAIST")}}

	s, addr := start(t, cfg)

	c, err := syncproto.Dial(addr)
	require.NoError(t, err)
	exercise(t, c, s, "CUSTOM-WAIST")
	require.NoError(t, c.Close())
	s.stop(t)

	got, ok := s.rt.Pose("CUSTOM-WAIST")
	require.True(t, ok)
	assert.False(t, got.Connected, "cleanup disconnects every tracker")
}

func TestServePipe(t *testing.T) {
	path := testutil.SocketPath(t)
	require.NoError(t, os.WriteFile(path, nil, 0o600), "a stale socket file is replaced")

	cfg := config.Empty()
	cfg.Sync.Transport = strPtr(config.TransportPipe)
	cfg.Sync.Address = &path
	s, _ := start(t, cfg)

	c, err := legacypipe.Dial(path)
	require.NoError(t, err)
	exercise(t, c, s, tracker.Waist.DefaultSerial())
	require.NoError(t, c.Close())
	s.stop(t)
}

func TestServeRejectsMissingInterfaces(t *testing.T) {
	cfg := config.Empty()
	cfg.Sync.Address = strPtr("127.0.0.1:0")
	lis, err := listen(cfg)
	require.NoError(t, err)

	rt := driver.NewLogRuntime(zap.NewNop())
	rt.OfferVersions()
	err = serve(context.Background(), cfg, lis, rt, &serveFlags{frameRate: 90}, zap.NewNop())
	assert.ErrorIs(t, err, driver.ErrInterfaceVersion)
}

func TestSerials(t *testing.T) {
	got, err := serials(config.Empty())
	require.NoError(t, err)
	assert.Equal(t, "AME-WAIST", got[tracker.Waist])
	assert.Equal(t, "AME-LKNEE", got[tracker.LeftKnee])

	cfg := config.Empty()
	cfg.Trackers = []config.TrackerConfig{{Role: "chest", Serial: strPtr("MY-CHEST")}}
	got, err = serials(cfg)
	require.NoError(t, err)
	assert.Equal(t, map[tracker.Role]string{tracker.Chest: "MY-CHEST"}, got)
}

func TestFrameClock(t *testing.T) {
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	frames := make(chan struct{}, 16)
	done := make(chan struct{})
	go func() {
		frameClock(ctx, clock, 10*time.Millisecond, func() { frames <- struct{}{} })
		close(done)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(10 * time.Millisecond)
		return len(frames) >= 3
	}, time.Second, time.Millisecond)
	cancel()
	<-done
}

func TestServeFlagsValidate(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "none.toml")
	cmd := newServeCmd()
	require.NoError(t, cmd.Flags().Set("config", missing))
	f := &serveFlags{configPath: missing, frameRate: 90}
	_, err := f.config(cmd)
	assert.Error(t, err, "an explicit config must exist")

	cmd = newServeCmd()
	f = &serveFlags{configPath: missing, frameRate: 0}
	_, err = f.config(cmd)
	assert.ErrorContains(t, err, "frame-rate")
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "posedriver ")
}
