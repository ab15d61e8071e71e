package legacypipe

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/testutil"
	"github.com/banshee-data/posebridge/internal/tracker"
)

type backend struct {
	mu       sync.Mutex
	active   map[tracker.Role]bool
	poses    map[tracker.Role]spatial.Pose
	refresh  []tracker.Role
	restarts []string
	stall    chan struct{}
}

func newBackend() *backend {
	return &backend{active: make(map[tracker.Role]bool), poses: make(map[tracker.Role]spatial.Pose)}
}

func (b *backend) SetTrackerState(r syncproto.StateRequest) syncproto.StateReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r.Role == tracker.Camera {
		return syncproto.StateReply{Role: r.Role, Message: "spawn refused"}
	}
	b.active[r.Role] = r.Active
	return syncproto.StateReply{Role: r.Role, Success: true}
}

func (b *backend) UpdateTracker(r syncproto.PoseRequest) syncproto.StateReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poses[r.Role] = r.Pose
	return syncproto.StateReply{Role: r.Role, Success: true}
}

func (b *backend) RefreshTracker(r syncproto.RefreshRequest) syncproto.StateReply {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = append(b.refresh, r.Role)
	return syncproto.StateReply{Role: r.Role, Success: true}
}

func (b *backend) RequestRestart(reason string) error {
	if b.stall != nil {
		<-b.stall
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.restarts = append(b.restarts, reason)
	return nil
}

func startPipe(t *testing.T, b syncproto.Backend) *Client {
	t.Helper()
	path := testutil.SocketPath(t)

	lis, err := net.Listen("unix", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- NewServer(b, zap.NewNop()).Serve(ctx, lis) }()

	c, err := Dial(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		c.Close()
		cancel()
		assert.NoError(t, <-served)
	})
	return c
}

func TestPipeStateVector(t *testing.T) {
	b := newBackend()
	c := startPipe(t, b)

	replies, err := c.SetTrackerStates(context.Background(), []syncproto.StateRequest{
		{Role: tracker.Waist, Active: true, WantReply: true},
		{Role: tracker.Camera, Active: true, WantReply: true},
		{Role: tracker.LeftFoot, Active: true},
		{Role: tracker.RightFoot, Active: true, WantReply: true},
	})
	require.NoError(t, err)
	require.Len(t, replies, 3)
	assert.True(t, replies[0].Success)
	assert.False(t, replies[1].Success)
	assert.Equal(t, "spawn refused", replies[1].Message)
	assert.True(t, replies[2].Success, "failure must not abort later entries")
	assert.Equal(t, tracker.RightFoot, replies[2].Role)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.True(t, b.active[tracker.LeftFoot])
}

func TestPipePosesInOrder(t *testing.T) {
	b := newBackend()
	c := startPipe(t, b)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := c.UpdateTrackers(ctx, []syncproto.PoseRequest{{
			Role: tracker.Chest,
			Pose: spatial.Pose{Position: spatial.V(float64(i), 1, 2), Orientation: spatial.Identity()},
		}})
		require.NoError(t, err)
	}
	// A reply-wanted call on the same connection is answered after every
	// earlier frame was handled.
	_, err := c.Ping(ctx)
	require.NoError(t, err)

	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, spatial.V(19, 1, 2), b.poses[tracker.Chest].Position, "last payload wins")
}

func TestPipeRefreshAndStateAll(t *testing.T) {
	b := newBackend()
	c := startPipe(t, b)
	ctx := context.Background()

	replies, err := c.RefreshTrackers(ctx, []syncproto.RefreshRequest{{Role: tracker.LeftKnee, WantReply: true}})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	assert.True(t, replies[0].Success)

	require.NoError(t, c.SetStateAll(ctx, false))
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, []tracker.Role{tracker.LeftKnee}, b.refresh)
	assert.False(t, b.active[tracker.Waist])
	assert.Contains(t, b.active, tracker.RightHip)
}

func TestPipeRestartValidation(t *testing.T) {
	c := startPipe(t, newBackend())
	err := c.RequestRestart(context.Background(), "")
	require.Error(t, err)
	assert.ErrorIs(t, err, syncproto.ErrRestartRefused)
	assert.Contains(t, err.Error(), "BadRequest")
}

func TestPipeTimeoutKeepsConnection(t *testing.T) {
	b := newBackend()
	b.stall = make(chan struct{})
	c := startPipe(t, b)
	c.SetReplyTimeout(50 * time.Millisecond)

	err := c.RequestRestart(context.Background(), "slow")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout))

	close(b.stall)
	c.SetReplyTimeout(time.Second)
	_, err = c.Ping(context.Background())
	assert.NoError(t, err, "a timed out call must not tear down the connection")
}

func TestPipeClosedConnection(t *testing.T) {
	server, client := net.Pipe()
	c := NewClient(client)
	server.Close()
	<-c.done

	_, err := c.Ping(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	c.Close()
}

func TestDispatchRejectsBadFrames(t *testing.T) {
	s := NewServer(newBackend(), zap.NewNop())

	f := s.dispatch(Frame{Type: MessageType(42)})
	assert.Equal(t, BadRequest, f.Result)

	f = s.dispatch(Frame{Type: UpdateTrackerPoseVector})
	assert.Equal(t, BadRequest, f.Result, "vector frames need entries")

	f = s.dispatch(Frame{Type: SetTrackerStateVector, Entries: []Entry{{Role: 77}}})
	require.Len(t, f.Entries, 1)
	assert.Equal(t, ParsingError, f.Entries[0].Result)
}

func TestFrameEncodingIsDeterministic(t *testing.T) {
	f := Frame{ID: 7, Type: UpdateTrackerPoseVector, Entries: []Entry{{Role: 2, Pose: packPose(spatial.IdentityPose())}}}
	a, err := encMode.Marshal(f)
	require.NoError(t, err)
	b, err := encMode.Marshal(f)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var back Frame
	require.NoError(t, decMode.Unmarshal(a, &back))
	assert.Equal(t, f, back)
	assert.Equal(t, spatial.IdentityPose(), unpackPose(back.Entries[0].Pose))
}
