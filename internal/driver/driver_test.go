package driver

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracker"
)

func newProvider(t *testing.T, opts ...ProviderOption) (*Provider, *LogRuntime) {
	t.Helper()
	rt := NewLogRuntime(zap.NewNop())
	p := NewProvider(rt, append([]ProviderOption{WithProviderLogger(zap.NewNop())}, opts...)...)
	require.NoError(t, p.Init())
	return p, rt
}

func TestTrackerLifecycle(t *testing.T) {
	rt := NewLogRuntime(zap.NewNop())
	tr := NewTracker(tracker.Waist, "AME-WAIST")

	assert.False(t, tr.Update(rt), "unregistered trackers report nothing")
	require.NoError(t, tr.Spawn(rt))
	require.NoError(t, tr.Spawn(rt), "spawn is idempotent")
	assert.Equal(t, []string{"AME-WAIST"}, rt.Serials())

	st := tr.Status()
	assert.True(t, st.Added)
	assert.True(t, st.Activated)
	assert.Equal(t, 1, st.Index)

	props := rt.Properties("AME-WAIST")
	assert.Equal(t, "posebridge", props[PropManufacturer])
	assert.Equal(t, "posebridge BodyTracker", props[PropModelNumber])
	assert.Equal(t, "{htc}vr_tracker_vive_1_0", props[PropRenderModel])
	assert.Equal(t, "vive_tracker_waist", props[PropControllerType])
	assert.Equal(t, "TrackerRole_Waist", props[PropRoleHint])
	assert.Equal(t, "AME-WAIST", props[PropSerialNumber])

	require.True(t, tr.Update(rt))
	pose, ok := rt.Pose("AME-WAIST")
	require.True(t, ok)
	assert.False(t, pose.Connected, "inactive trackers are disconnected")

	tr.SetState(true)
	tr.SetPose(rt, spatial.Pose{Position: spatial.V(1, 2, 3), Orientation: spatial.Identity()})
	pose, _ = rt.Pose("AME-WAIST")
	assert.True(t, pose.Connected)
	assert.True(t, pose.Valid)
	assert.Equal(t, spatial.V(1, 2, 3), pose.Pose.Position)
}

func TestSpawnFailuresDoNotCrash(t *testing.T) {
	rt := NewLogRuntime(zap.NewNop())
	assert.ErrorIs(t, NewTracker(tracker.Waist, "").Spawn(rt), ErrEmptySerial)

	require.NoError(t, NewTracker(tracker.Waist, "SAME").Spawn(rt))
	dup := NewTracker(tracker.Chest, "SAME")
	assert.ErrorIs(t, dup.Spawn(rt), ErrDuplicateSerial)
	assert.False(t, dup.Status().Added)
}

func TestProviderInitChecksVersions(t *testing.T) {
	rt := NewLogRuntime(zap.NewNop())
	rt.OfferVersions("IServerTrackedDeviceProvider_004")
	err := NewProvider(rt, WithProviderLogger(zap.NewNop())).Init()
	require.ErrorIs(t, err, ErrInterfaceVersion)
	assert.Contains(t, err.Error(), "IVRWatchdogProvider_001")
}

func TestProviderStateAndPoses(t *testing.T) {
	p, rt := newProvider(t)

	reply := p.UpdateTracker(syncproto.PoseRequest{Role: tracker.LeftFoot, Pose: spatial.IdentityPose()})
	assert.False(t, reply.Success)
	assert.Equal(t, ErrNotRegistered.Error(), reply.Message)

	reply = p.SetTrackerState(syncproto.StateRequest{Role: tracker.LeftFoot, Active: true})
	require.True(t, reply.Success)
	assert.Equal(t, tracker.LeftFoot, reply.Role)

	for i := 0; i < 3; i++ {
		reply = p.UpdateTracker(syncproto.PoseRequest{
			Role: tracker.LeftFoot,
			Pose: spatial.Pose{Position: spatial.V(float64(i), 0, 0), Orientation: spatial.Identity()},
		})
		require.True(t, reply.Success)
	}
	pose, ok := rt.Pose(tracker.LeftFoot.DefaultSerial())
	require.True(t, ok)
	assert.Equal(t, spatial.V(2, 0, 0), pose.Pose.Position, "last pose wins")

	before, _, _ := rt.Counters()
	assert.True(t, p.RefreshTracker(syncproto.RefreshRequest{Role: tracker.LeftFoot}).Success)
	after, _, _ := rt.Counters()
	assert.Equal(t, before+1, after)
	assert.False(t, p.RefreshTracker(syncproto.RefreshRequest{Role: tracker.Chest}).Success)

	require.NoError(t, p.RequestRestart("settings changed"))
	assert.Equal(t, []string{"settings changed"}, rt.Restarts())
}

func TestProviderDuplicateSerialIsPerEntry(t *testing.T) {
	p, _ := newProvider(t, WithSerials(map[tracker.Role]string{tracker.Chest: tracker.Waist.DefaultSerial()}))

	assert.True(t, p.SetTrackerState(syncproto.StateRequest{Role: tracker.Waist, Active: true}).Success)
	reply := p.SetTrackerState(syncproto.StateRequest{Role: tracker.Chest, Active: true})
	assert.False(t, reply.Success)
	assert.Contains(t, reply.Message, "already registered")
	assert.True(t, p.SetTrackerState(syncproto.StateRequest{Role: tracker.RightFoot, Active: true}).Success)
}

func TestProviderConcurrentStateRequestsSpawnOnce(t *testing.T) {
	p, rt := newProvider(t)

	const streams = 16
	replies := make([]syncproto.StateReply, streams)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			replies[i] = p.SetTrackerState(syncproto.StateRequest{Role: tracker.Waist, Active: true})
		}(i)
	}
	close(start)
	wg.Wait()

	for i, r := range replies {
		assert.True(t, r.Success, "stream %d: %s", i, r.Message)
	}
	assert.Equal(t, []string{tracker.Waist.DefaultSerial()}, rt.Serials())
}

func TestTrackerConcurrentSpawn(t *testing.T) {
	rt := NewLogRuntime(zap.NewNop())
	tr := NewTracker(tracker.Chest, "AME-CHEST")

	errs := make(chan error, 8)
	var wg sync.WaitGroup
	for i := 0; i < cap(errs); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- tr.Spawn(rt)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.True(t, tr.Status().Added)
}

func TestProviderSetStateAllAndCleanup(t *testing.T) {
	p, rt := newProvider(t)

	replies := p.SetStateAll(true)
	require.Len(t, replies, len(tracker.Roles()))
	for _, r := range replies {
		assert.True(t, r.Success, r.Role.String())
	}
	assert.Len(t, rt.Serials(), len(tracker.Roles()))

	p.Cleanup()
	for _, st := range p.Trackers() {
		assert.False(t, st.Active, st.Role.String())
		pose, ok := rt.Pose(st.Serial)
		require.True(t, ok)
		assert.False(t, pose.Connected)
	}
}

func TestProviderRunFrames(t *testing.T) {
	p, rt := newProvider(t)
	require.True(t, p.SetTrackerState(syncproto.StateRequest{Role: tracker.Waist, Active: true}).Success)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunFrames(ctx) }()

	before, _, _ := rt.Counters()
	require.Eventually(t, func() bool {
		p.RunFrame()
		return p.Frames() >= 3
	}, time.Second, time.Millisecond)
	after, _, _ := rt.Counters()
	assert.Greater(t, after, before, "frames push registered trackers")

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchdog(t *testing.T) {
	rt := NewLogRuntime(zap.NewNop())
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	w := &Watchdog{Runtime: rt, Clock: clock, Interval: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		_, _, beats := rt.Counters()
		return beats >= 3
	}, time.Second, time.Millisecond)

	cancel()
	<-stopped
}

func TestProviderOverGRPC(t *testing.T) {
	p, rt := newProvider(t)

	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	syncproto.NewServer(p, syncproto.WithServerLogger(zap.NewNop())).Register(gs)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	c, err := syncproto.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	ctx := context.Background()
	replies, err := c.SetTrackerStates(ctx, []syncproto.StateRequest{
		{Role: tracker.Waist, Active: true, WantReply: true},
		{Role: tracker.RightKnee, Active: true, WantReply: true},
	})
	require.NoError(t, err)
	require.Len(t, replies, 2)
	assert.True(t, replies[0].Success)
	assert.True(t, replies[1].Success)

	want := spatial.Pose{Position: spatial.V(0.1, 0.9, 2.4), Orientation: spatial.YawQuat(0.3)}
	replies, err = c.UpdateTrackers(ctx, []syncproto.PoseRequest{{Role: tracker.Waist, Pose: want, WantReply: true}})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Success)

	got, ok := rt.Pose(tracker.Waist.DefaultSerial())
	require.True(t, ok)
	assert.Equal(t, want, got.Pose)
	assert.True(t, got.Connected)
}
