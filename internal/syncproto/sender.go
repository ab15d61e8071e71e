package syncproto

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/monitoring"
)

// Sender errors.
var (
	ErrQueueFull    = errors.New("sync queue full")
	ErrSenderClosed = errors.New("sync sender closed")
)

// DefaultQueueSize holds a little over a second of 100 Hz pose batches.
const DefaultQueueSize = 128

// DefaultCallTimeout bounds each call the sender makes on its transport.
const DefaultCallTimeout = time.Second

type jobKind int

const (
	jobStates jobKind = iota
	jobPoses
	jobRefresh
)

type job struct {
	kind    jobKind
	states  []StateRequest
	poses   []PoseRequest
	refresh []RefreshRequest
}

// AsyncSender hands batches to one goroutine that forwards them to a
// Transport in enqueue order. Enqueueing never blocks; a full queue drops
// the batch.
type AsyncSender struct {
	transport Transport
	log       *zap.Logger
	timeout   time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// SenderOption configures an AsyncSender.
type SenderOption func(*AsyncSender)

// WithSenderLogger sets the sender's logger.
func WithSenderLogger(l *zap.Logger) SenderOption {
	return func(s *AsyncSender) { s.log = l }
}

// WithCallTimeout bounds each transport call.
func WithCallTimeout(d time.Duration) SenderOption {
	return func(s *AsyncSender) { s.timeout = d }
}

// NewAsyncSender starts the sender goroutine. size <= 0 uses
// DefaultQueueSize.
func NewAsyncSender(t Transport, size int, opts ...SenderOption) *AsyncSender {
	if size <= 0 {
		size = DefaultQueueSize
	}
	s := &AsyncSender{
		transport: t,
		log:       monitoring.L(),
		timeout:   DefaultCallTimeout,
		queue:     make(chan job, size),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// EnqueueStates queues a state change batch.
func (s *AsyncSender) EnqueueStates(reqs []StateRequest) error {
	return s.enqueue(job{kind: jobStates, states: reqs})
}

// EnqueuePoses queues a pose batch.
func (s *AsyncSender) EnqueuePoses(reqs []PoseRequest) error {
	return s.enqueue(job{kind: jobPoses, poses: reqs})
}

// EnqueueRefresh queues a refresh batch.
func (s *AsyncSender) EnqueueRefresh(reqs []RefreshRequest) error {
	return s.enqueue(job{kind: jobRefresh, refresh: reqs})
}

// SetTrackerStates calls the transport directly and waits for the replies.
func (s *AsyncSender) SetTrackerStates(ctx context.Context, reqs []StateRequest) ([]StateReply, error) {
	return s.transport.SetTrackerStates(ctx, reqs)
}

func (s *AsyncSender) enqueue(j job) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSenderClosed
	}
	select {
	case s.queue <- j:
		return nil
	default:
		n := s.dropped.Add(1)
		if n == 1 || n%100 == 0 {
			s.log.Warn("sync queue full, dropping batch", zap.Uint64("dropped", n))
		}
		return ErrQueueFull
	}
}

// Stats reports delivered, dropped and failed batch counts.
func (s *AsyncSender) Stats() (sent, dropped, failed uint64) {
	return s.sent.Load(), s.dropped.Load(), s.failed.Load()
}

// Close stops accepting batches, delivers what is queued and waits for the
// sender goroutine. The transport is left open.
func (s *AsyncSender) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *AsyncSender) run() {
	defer s.wg.Done()
	for j := range s.queue {
		if err := s.deliver(j); err != nil {
			n := s.failed.Add(1)
			if n == 1 || n%100 == 0 {
				s.log.Warn("sync batch failed", zap.Error(err), zap.Uint64("failed", n))
			}
			continue
		}
		s.sent.Add(1)
	}
}

func (s *AsyncSender) deliver(j job) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var (
		replies []StateReply
		err     error
	)
	switch j.kind {
	case jobStates:
		replies, err = s.transport.SetTrackerStates(ctx, j.states)
	case jobPoses:
		replies, err = s.transport.UpdateTrackers(ctx, j.poses)
	case jobRefresh:
		replies, err = s.transport.RefreshTrackers(ctx, j.refresh)
	}
	for _, r := range replies {
		if !r.Success {
			s.log.Debug("tracker entry failed", zap.Stringer("role", r.Role), zap.String("message", r.Message))
		}
	}
	return err
}
