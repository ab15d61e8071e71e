package syncproto

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Transport is the logical client side of the sync protocol. Vector calls
// return one reply per entry that asked for one, in request order.
type Transport interface {
	SetTrackerStates(ctx context.Context, reqs []StateRequest) ([]StateReply, error)
	UpdateTrackers(ctx context.Context, reqs []PoseRequest) ([]StateReply, error)
	RefreshTrackers(ctx context.Context, reqs []RefreshRequest) ([]StateReply, error)
	RequestRestart(ctx context.Context, reason string) error
	// Ping returns the round-trip time.
	Ping(ctx context.Context) (time.Duration, error)
	Close() error
}

// ErrRestartRefused is returned when the driver answered a restart request
// without performing it.
var ErrRestartRefused = errors.New("restart refused")

// Client is the gRPC Transport.
type Client struct {
	conn *grpc.ClientConn
}

var _ Transport = (*Client)(nil)

// Dial connects to a TrackerSync server at target. Extra options are
// appended after the defaults, so tests can swap the dialer.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	all := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)
	conn, err := grpc.NewClient(target, all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync client for %s: %w", target, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) SetTrackerStates(ctx context.Context, reqs []StateRequest) ([]StateReply, error) {
	return callVector(ctx, c.conn, 0, MethodSetTrackerStateVector, reqs)
}

func (c *Client) UpdateTrackers(ctx context.Context, reqs []PoseRequest) ([]StateReply, error) {
	return callVector(ctx, c.conn, 1, MethodUpdateTrackerVector, reqs)
}

func (c *Client) RefreshTrackers(ctx context.Context, reqs []RefreshRequest) ([]StateReply, error) {
	return callVector(ctx, c.conn, 2, MethodRefreshTrackerPoseVector, reqs)
}

func (c *Client) RequestRestart(ctx context.Context, reason string) error {
	var reply StatusReply
	req := &RestartRequest{Reason: reason, Timestamp: Now()}
	if err := c.conn.Invoke(ctx, MethodRequestVRRestart, req, &reply); err != nil {
		return err
	}
	if !reply.Success {
		return fmt.Errorf("%w: %s", ErrRestartRefused, reply.Message)
	}
	return nil
}

func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	var reply PingReply
	if err := c.conn.Invoke(ctx, MethodPingDriverService, &PingRequest{SentAt: Now()}, &reply); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// callVector streams reqs and collects the replies. Replies are read
// concurrently so a large batch never stalls on flow control.
func callVector[Req any, PReq interface {
	*Req
	Message
}](ctx context.Context, conn *grpc.ClientConn, index int, method string, reqs []Req) ([]StateReply, error) {
	if len(reqs) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, &ServiceDesc.Streams[index], method)
	if err != nil {
		return nil, err
	}

	type result struct {
		replies []StateReply
		err     error
	}
	done := make(chan result, 1)
	go func() {
		var r result
		for {
			var reply StateReply
			if err := stream.RecvMsg(&reply); err != nil {
				if !errors.Is(err, io.EOF) {
					r.err = err
				}
				done <- r
				return
			}
			r.replies = append(r.replies, reply)
		}
	}()

	for i := range reqs {
		if err := stream.SendMsg(PReq(&reqs[i])); err != nil {
			if errors.Is(err, io.EOF) {
				// The server ended the stream; RecvMsg has the status.
				break
			}
			cancel()
			<-done
			return nil, err
		}
	}
	if err := stream.CloseSend(); err != nil {
		cancel()
		<-done
		return nil, err
	}
	r := <-done
	return r.replies, r.err
}
