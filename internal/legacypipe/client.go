package legacypipe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/syncproto"
)

// DefaultReplyTimeout bounds reply-wanted calls.
const DefaultReplyTimeout = time.Second

// Client errors.
var (
	ErrTimeout = errors.New("legacypipe: reply timed out")
	ErrClosed  = errors.New("legacypipe: connection closed")
)

// Client is the pipe Transport. One connection carries every call; replies
// are matched to requests by frame ID.
type Client struct {
	conn    net.Conn
	enc     *cbor.Encoder
	timeout time.Duration
	log     *zap.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan Frame
	err     error
	done    chan struct{}
}

var _ syncproto.Transport = (*Client)(nil)

// Dial connects to the driver's pipe at path.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", path, err)
	}
	return NewClient(conn), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn) *Client {
	c := &Client{
		conn:    conn,
		enc:     newEncoder(conn),
		timeout: DefaultReplyTimeout,
		log:     monitoring.L(),
		pending: make(map[uint64]chan Frame),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetReplyTimeout changes how long reply-wanted calls wait.
func (c *Client) SetReplyTimeout(d time.Duration) { c.timeout = d }

// Close tears down the connection.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	dec := newDecoder(c.conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			c.fail(err)
			return
		}
		if !f.Reply {
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[f.ID]
		delete(c.pending, f.ID)
		c.mu.Unlock()
		if ok {
			ch <- f
		} else {
			c.log.Debug("late pipe reply dropped", zap.Uint64("id", f.ID), zap.Stringer("type", f.Type))
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// call writes f and, when f wants a reply, waits for it. A timeout only
// abandons this call; the connection stays up.
func (c *Client) call(ctx context.Context, f Frame) (Frame, error) {
	var ch chan Frame
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Frame{}, err
	}
	c.nextID++
	f.ID = c.nextID
	if f.WantReply {
		ch = make(chan Frame, 1)
		c.pending[f.ID] = ch
	}
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.enc.Encode(f)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(f.ID)
		return Frame{}, fmt.Errorf("failed to write %s: %w", f.Type, err)
	}
	if ch == nil {
		return Frame{}, nil
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case reply, ok := <-ch:
		if !ok {
			c.mu.Lock()
			defer c.mu.Unlock()
			return Frame{}, c.err
		}
		return reply, nil
	case <-timer.C:
		c.forget(f.ID)
		return Frame{}, fmt.Errorf("%s: %w", f.Type, ErrTimeout)
	case <-ctx.Done():
		c.forget(f.ID)
		return Frame{}, ctx.Err()
	}
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// vector sends entries in one frame and returns replies for the entries
// that asked for one.
func (c *Client) vector(ctx context.Context, t MessageType, entries []Entry) ([]syncproto.StateReply, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	want := false
	for _, e := range entries {
		want = want || e.WantReply
	}
	reply, err := c.call(ctx, Frame{Type: t, WantReply: want, Entries: entries, Timestamp: syncproto.Now()})
	if err != nil || !want {
		return nil, err
	}
	if reply.Result != OK && len(reply.Entries) == 0 {
		return nil, fmt.Errorf("%s failed: %s: %s", t, reply.Result, reply.Message)
	}
	var out []syncproto.StateReply
	for i, e := range reply.Entries {
		if i < len(entries) && entries[i].WantReply {
			out = append(out, toReply(e))
		}
	}
	return out, nil
}

func (c *Client) SetTrackerStates(ctx context.Context, reqs []syncproto.StateRequest) ([]syncproto.StateReply, error) {
	entries := make([]Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = Entry{Role: int(r.Role), Active: r.Active, WantReply: r.WantReply}
	}
	return c.vector(ctx, SetTrackerStateVector, entries)
}

func (c *Client) UpdateTrackers(ctx context.Context, reqs []syncproto.PoseRequest) ([]syncproto.StateReply, error) {
	entries := make([]Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = Entry{Role: int(r.Role), Pose: packPose(r.Pose), WantReply: r.WantReply}
	}
	return c.vector(ctx, UpdateTrackerPoseVector, entries)
}

func (c *Client) RefreshTrackers(ctx context.Context, reqs []syncproto.RefreshRequest) ([]syncproto.StateReply, error) {
	entries := make([]Entry, len(reqs))
	for i, r := range reqs {
		entries[i] = Entry{Role: int(r.Role), WantReply: r.WantReply}
	}
	return c.vector(ctx, RefreshTracker, entries)
}

// SetStateAll activates or deactivates every tracker the driver knows.
func (c *Client) SetStateAll(ctx context.Context, active bool) error {
	reply, err := c.call(ctx, Frame{Type: SetStateAll, Active: active, WantReply: true, Timestamp: syncproto.Now()})
	if err != nil {
		return err
	}
	if reply.Result != OK {
		return fmt.Errorf("SetStateAll failed: %s: %s", reply.Result, reply.Message)
	}
	return nil
}

func (c *Client) RequestRestart(ctx context.Context, reason string) error {
	reply, err := c.call(ctx, Frame{Type: RequestRestart, Reason: reason, WantReply: true, Timestamp: syncproto.Now()})
	if err != nil {
		return err
	}
	if reply.Result != OK {
		return fmt.Errorf("%w: %s: %s", syncproto.ErrRestartRefused, reply.Result, reply.Message)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if _, err := c.call(ctx, Frame{Type: Ping, WantReply: true, Timestamp: syncproto.Now()}); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}
