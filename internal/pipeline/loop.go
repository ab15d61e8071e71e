package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/timeutil"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// ErrTooManyCrashes is returned by Run after more than MaxCrashes
// consecutive failed ticks.
var ErrTooManyCrashes = errors.New("pose loop crashed too many times")

const (
	// DefaultPeriod is the 100 Hz tick.
	DefaultPeriod = 10 * time.Millisecond
	// OverrunWarning is the tick length above which a tick is logged.
	OverrunWarning = 30 * time.Millisecond
	// SanitizeAfter consecutive crashes trigger Controller.Sanitize.
	SanitizeAfter = 3
	// MaxCrashes consecutive crashes stop the loop.
	MaxCrashes = 7
	// DefaultRefreshEvery is the frozen-tracker refresh interval in ticks.
	DefaultRefreshEvery = 1000
	// shutdownAttempts bounds every shutdown step.
	shutdownAttempts = 3
)

// Sink receives the loop's output. syncproto.AsyncSender implements it.
type Sink interface {
	EnqueueStates([]syncproto.StateRequest) error
	EnqueuePoses([]syncproto.PoseRequest) error
	EnqueueRefresh([]syncproto.RefreshRequest) error
	// SetTrackerStates is the blocking call used to spawn trackers at start
	// and for the deactivate-all burst.
	SetTrackerStates(ctx context.Context, reqs []syncproto.StateRequest) ([]syncproto.StateReply, error)
}

var _ Sink = (*syncproto.AsyncSender)(nil)

// Loop drives a Pipeline at a fixed rate.
type Loop struct {
	Controller *Controller
	Pipeline   *Pipeline
	Sink       Sink
	Clock      timeutil.Clock
	Log        *zap.Logger

	Period       time.Duration
	RefreshEvery uint64

	// OnTick, when set, is called after every tick with its outputs.
	OnTick func(tick uint64, out []Output, err error)

	tick       uint64
	crashes    int
	generation uint64
	active     map[tracker.Role]bool
	lastMoved  map[tracker.Role]uint64
	devStatus  map[string]string
}

func (l *Loop) defaults() {
	if l.Pipeline == nil {
		l.Pipeline = New()
	}
	if l.Clock == nil {
		l.Clock = timeutil.RealClock{}
	}
	if l.Log == nil {
		l.Log = monitoring.L()
	}
	if l.Period <= 0 {
		l.Period = DefaultPeriod
	}
	if l.RefreshEvery == 0 {
		l.RefreshEvery = DefaultRefreshEvery
	}
	l.active = make(map[tracker.Role]bool)
	l.lastMoved = make(map[tracker.Role]uint64)
	l.devStatus = make(map[string]string)
}

// Run spawns the enabled trackers and ticks until ctx is cancelled, then
// shuts down. It returns ErrTooManyCrashes when the crash limit is hit.
func (l *Loop) Run(ctx context.Context) error {
	if l.Controller == nil || l.Sink == nil {
		return errors.New("pose loop needs a controller and a sink")
	}
	l.defaults()

	snap := l.Controller.Snapshot()
	l.spawn(ctx, snap)

	last := l.Clock.Now()
	for {
		if ctx.Err() != nil {
			l.shutdown()
			return nil
		}

		start := l.Clock.Now()
		dt := start.Sub(last)
		if l.tick == 0 || dt <= 0 {
			dt = l.Period
		}
		last = start

		snap = l.Controller.Snapshot()
		out, err := l.step(snap, dt.Seconds())
		l.tick++
		if l.OnTick != nil {
			l.OnTick(l.tick, out, err)
		}

		if err != nil {
			l.crashes++
			l.Log.Warn("pose tick failed", zap.Error(err), zap.Int("consecutive", l.crashes))
			if l.crashes > MaxCrashes {
				l.Log.Error("pose loop giving up", zap.Int("crashes", l.crashes))
				l.shutdown()
				return ErrTooManyCrashes
			}
			if l.crashes > SanitizeAfter {
				if n, serr := l.Controller.Sanitize(); serr != nil {
					l.Log.Warn("sanitize failed", zap.Error(serr))
				} else {
					l.Log.Info("tracker settings sanitized", zap.Int("fixed", n))
				}
			}
		} else {
			l.crashes = 0
		}

		elapsed := l.Clock.Since(start)
		if elapsed > OverrunWarning {
			l.Log.Warn("pose tick overran", zap.Duration("elapsed", elapsed), zap.Uint64("tick", l.tick))
		}
		if elapsed < l.Period {
			l.Clock.Sleep(l.Period - elapsed)
		}
	}
}

// step runs one tick. A panic anywhere in it is returned as an error.
func (l *Loop) step(snap *Context, dt float64) (out []Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tick panicked: %v", r)
		}
	}()

	l.updateDevice(snap.Base)
	if snap.Override != nil {
		l.updateDevice(snap.Override)
	}
	if snap.Generation != l.generation {
		l.syncStates(snap)
	}

	out, err = l.Pipeline.Step(snap, dt)

	poses := make([]syncproto.PoseRequest, 0, len(out))
	now := syncproto.Now()
	for _, o := range out {
		if !o.Valid {
			continue
		}
		if o.Moved {
			l.lastMoved[o.Role] = l.tick
		}
		poses = append(poses, syncproto.PoseRequest{Role: o.Role, Pose: o.Pose, Timestamp: now})
	}
	if len(poses) > 0 {
		// A full queue has already been logged by the sink.
		_ = l.Sink.EnqueuePoses(poses)
	}
	if l.tick > 0 && l.tick%l.RefreshEvery == 0 {
		l.refreshFrozen(out, now)
	}
	return out, err
}

// updateDevice refreshes one device. Errors are reported when the device
// status changes and never fail the tick.
func (l *Loop) updateDevice(d joints.Device) {
	if d == nil {
		return
	}
	msg := ""
	if err := d.Update(); err != nil {
		msg = err.Error()
	} else if st := d.Status(); !st.OK() {
		msg = st.String()
	}
	if prev, seen := l.devStatus[d.Name()]; !seen || prev != msg {
		if msg != "" {
			l.Log.Warn("device unhealthy", zap.String("device", d.Name()), zap.String("status", msg))
		} else if seen {
			l.Log.Info("device recovered", zap.String("device", d.Name()))
		}
		l.devStatus[d.Name()] = msg
	}
}

// syncStates tells the driver about trackers enabled or disabled since the
// last generation.
func (l *Loop) syncStates(snap *Context) {
	want := enabledRoles(snap)
	var reqs []syncproto.StateRequest
	now := syncproto.Now()
	for r := range want {
		if !l.active[r] {
			reqs = append(reqs, syncproto.StateRequest{Role: r, Active: true, Timestamp: now})
		}
	}
	for r := range l.active {
		if !want[r] {
			reqs = append(reqs, syncproto.StateRequest{Role: r, Active: false, Timestamp: now})
		}
	}
	l.active = want
	l.generation = snap.Generation
	if len(reqs) > 0 {
		_ = l.Sink.EnqueueStates(reqs)
	}
}

// spawn registers and activates every enabled tracker before the first
// tick, waiting for the driver's answers.
func (l *Loop) spawn(ctx context.Context, snap *Context) {
	var reqs []syncproto.StateRequest
	now := syncproto.Now()
	for _, t := range snap.Trackers {
		if t.Enabled {
			reqs = append(reqs, syncproto.StateRequest{Role: t.Role, Active: true, WantReply: true, Timestamp: now})
		}
	}
	l.active = enabledRoles(snap)
	l.generation = snap.Generation
	if len(reqs) == 0 {
		return
	}
	replies, err := l.retry(func() ([]syncproto.StateReply, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		return l.Sink.SetTrackerStates(callCtx, reqs)
	})
	if err != nil {
		l.Log.Warn("tracker spawn failed", zap.Error(err))
	}
	for _, r := range replies {
		if !r.Success {
			l.Log.Warn("tracker not spawned", zap.Stringer("role", r.Role), zap.String("message", r.Message))
		}
	}
}

func (l *Loop) refreshFrozen(out []Output, now int64) {
	var reqs []syncproto.RefreshRequest
	for _, o := range out {
		if !o.Valid {
			continue
		}
		if l.tick-l.lastMoved[o.Role] >= l.RefreshEvery {
			reqs = append(reqs, syncproto.RefreshRequest{Role: o.Role, Timestamp: now})
		}
	}
	if len(reqs) > 0 {
		_ = l.Sink.EnqueueRefresh(reqs)
	}
}

// shutdown deactivates every tracker and disconnects the devices. Each step
// is retried a bounded number of times.
func (l *Loop) shutdown() {
	snap := l.Controller.Snapshot()

	var reqs []syncproto.StateRequest
	now := syncproto.Now()
	for _, t := range snap.Trackers {
		reqs = append(reqs, syncproto.StateRequest{Role: t.Role, Active: false, Timestamp: now})
	}
	if len(reqs) > 0 {
		_, err := l.retry(func() ([]syncproto.StateReply, error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return l.Sink.SetTrackerStates(ctx, reqs)
		})
		if err != nil {
			l.Log.Warn("deactivate burst failed", zap.Error(err))
		}
	}

	for _, d := range []joints.Device{snap.Base, snap.Override} {
		if d == nil {
			continue
		}
		if _, err := l.retry(func() ([]syncproto.StateReply, error) { return nil, d.Shutdown() }); err != nil {
			l.Log.Warn("device shutdown failed", zap.String("device", d.Name()), zap.Error(err))
		}
	}
	l.Log.Info("pose loop stopped", zap.Uint64("ticks", l.tick))
}

func (l *Loop) retry(fn func() ([]syncproto.StateReply, error)) ([]syncproto.StateReply, error) {
	var err error
	for attempt := 0; attempt < shutdownAttempts; attempt++ {
		var replies []syncproto.StateReply
		if replies, err = fn(); err == nil {
			return replies, nil
		}
	}
	return nil, err
}

// Tick returns how many ticks have run. It must only be read from OnTick
// or after Run returned.
func (l *Loop) Tick() uint64 { return l.tick }

func enabledRoles(snap *Context) map[tracker.Role]bool {
	out := make(map[tracker.Role]bool)
	for _, t := range snap.Trackers {
		if t.Enabled {
			out[t.Role] = true
		}
	}
	return out
}
