package legacypipe

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// StateAller is implemented by backends that can switch every tracker at
// once. Other backends get one SetTrackerState per role.
type StateAller interface {
	SetStateAll(active bool) []syncproto.StateReply
}

// Server answers pipe frames with a Backend.
type Server struct {
	backend syncproto.Backend
	log     *zap.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

// NewServer returns a Server for backend. log may be nil.
func NewServer(backend syncproto.Backend, log *zap.Logger) *Server {
	if log == nil {
		log = monitoring.L()
	}
	return &Server{backend: backend, log: log, conns: make(map[net.Conn]struct{})}
}

// Serve accepts connections until ctx is cancelled or lis fails. Each
// connection is handled on its own goroutine; frames on one connection are
// handled in order.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		lis.Close()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	}()

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.wg.Wait()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	dec := newDecoder(conn)
	enc := newEncoder(conn)
	for {
		var f Frame
		if err := dec.Decode(&f); err != nil {
			if !errors.Is(err, net.ErrClosed) && !isEOF(err) {
				s.log.Warn("pipe frame decode failed", zap.Error(err))
			}
			return
		}
		reply := s.dispatch(f)
		if !f.WantReply {
			continue
		}
		reply.ID, reply.Type, reply.Reply = f.ID, f.Type, true
		reply.Received = syncproto.Now()
		if err := enc.Encode(reply); err != nil {
			s.log.Warn("pipe reply write failed", zap.Error(err))
			return
		}
	}
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

// dispatch handles one frame. Per-entry failures are reported in the
// entries; the frame result is OK unless the frame itself was bad.
func (s *Server) dispatch(f Frame) (reply Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("pipe handler panicked", zap.Any("panic", r), zap.Stringer("type", f.Type))
			reply = Frame{Result: Exception, Message: "internal error"}
		}
	}()

	switch f.Type {
	case SetTrackerState, SetTrackerStateVector:
		return s.entries(f, func(r tracker.Role, e Entry) Entry {
			res := s.backend.SetTrackerState(syncproto.StateRequest{Role: r, Active: e.Active, Timestamp: f.Timestamp})
			return Entry{Role: e.Role, Result: resultOf(res, e.Active), Message: res.Message}
		})
	case UpdateTrackerPoseVector:
		return s.entries(f, func(r tracker.Role, e Entry) Entry {
			res := s.backend.UpdateTracker(syncproto.PoseRequest{Role: r, Pose: unpackPose(e.Pose), Timestamp: f.Timestamp})
			return Entry{Role: e.Role, Result: resultOf(res, false), Message: res.Message}
		})
	case RefreshTracker:
		return s.entries(f, func(r tracker.Role, e Entry) Entry {
			res := s.backend.RefreshTracker(syncproto.RefreshRequest{Role: r, Timestamp: f.Timestamp})
			return Entry{Role: e.Role, Result: resultOf(res, false), Message: res.Message}
		})
	case SetStateAll:
		return s.setStateAll(f.Active)
	case RequestRestart:
		if strings.TrimSpace(f.Reason) == "" {
			return Frame{Result: BadRequest, Message: "restart reason is required"}
		}
		if err := s.backend.RequestRestart(f.Reason); err != nil {
			return Frame{Result: Exception, Message: err.Error()}
		}
		return Frame{Result: OK}
	case Ping:
		return Frame{Result: OK, Timestamp: f.Timestamp}
	}
	return Frame{Result: BadRequest, Message: "unknown message type " + f.Type.String()}
}

func (s *Server) entries(f Frame, fn func(tracker.Role, Entry) Entry) Frame {
	if len(f.Entries) == 0 {
		return Frame{Result: BadRequest, Message: "no entries"}
	}
	out := Frame{Result: OK, Entries: make([]Entry, len(f.Entries))}
	for i, e := range f.Entries {
		r, ok := role(e)
		if !ok {
			out.Entries[i] = Entry{Role: e.Role, Result: ParsingError, Message: "unknown role"}
			continue
		}
		out.Entries[i] = fn(r, e)
	}
	return out
}

func (s *Server) setStateAll(active bool) Frame {
	var replies []syncproto.StateReply
	if sa, ok := s.backend.(StateAller); ok {
		replies = sa.SetStateAll(active)
	} else {
		for _, r := range tracker.Roles() {
			replies = append(replies, s.backend.SetTrackerState(syncproto.StateRequest{Role: r, Active: active}))
		}
	}
	out := Frame{Result: OK}
	for _, r := range replies {
		out.Entries = append(out.Entries, Entry{Role: int(r.Role), Result: resultOf(r, active), Message: r.Message})
	}
	return out
}
