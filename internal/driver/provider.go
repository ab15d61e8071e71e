package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/legacypipe"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/syncproto"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// InterfaceVersions are the runtime interfaces the provider is built
// against. Init fails when the runtime does not offer all of them.
var InterfaceVersions = []string{
	"IServerTrackedDeviceProvider_004",
	"IVRWatchdogProvider_001",
	"IVRProperties_001",
	"IVRDriverInput_003",
}

// ErrInterfaceVersion is returned by Init when the runtime lacks a
// required interface.
var ErrInterfaceVersion = errors.New("runtime does not offer a required interface version")

// Provider owns one Tracker per role and answers the sync protocol.
type Provider struct {
	rt  Runtime
	log *zap.Logger

	mu       sync.Mutex
	trackers map[tracker.Role]*Tracker

	// spawnMu makes the duplicate-serial check and registration one step
	// across concurrent sync streams.
	spawnMu sync.Mutex

	frame  chan struct{}
	frames atomic.Uint64
}

var (
	_ syncproto.Backend     = (*Provider)(nil)
	_ legacypipe.StateAller = (*Provider)(nil)
)

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithProviderLogger sets the provider's logger.
func WithProviderLogger(l *zap.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.log = l
		}
	}
}

// WithSerials replaces the default serial of the listed roles.
func WithSerials(serials map[tracker.Role]string) ProviderOption {
	return func(p *Provider) {
		for r, s := range serials {
			if r.Valid() {
				p.trackers[r] = NewTracker(r, s)
			}
		}
	}
}

// NewProvider prepares an unregistered, inactive tracker for every role.
func NewProvider(rt Runtime, opts ...ProviderOption) *Provider {
	p := &Provider{
		rt:       rt,
		log:      monitoring.L(),
		trackers: make(map[tracker.Role]*Tracker),
		frame:    make(chan struct{}, 1),
	}
	for _, r := range tracker.Roles() {
		p.trackers[r] = NewTracker(r, r.DefaultSerial())
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Init checks the runtime's interface versions.
func (p *Provider) Init() error {
	offered := p.rt.InterfaceVersions()
	var missing []string
	for _, v := range InterfaceVersions {
		if !slices.Contains(offered, v) {
			missing = append(missing, v)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrInterfaceVersion, missing)
	}
	p.log.Info("driver provider initialized", zap.Int("trackers", len(p.trackers)))
	return nil
}

// Cleanup disconnects every registered tracker.
func (p *Provider) Cleanup() {
	for _, t := range p.all() {
		t.SetState(false)
		t.Update(p.rt)
	}
	p.log.Info("driver provider cleaned up")
}

// RunFrame is the runtime's per-frame callback. It never blocks; frames
// that arrive while the previous one is still being handled are merged.
func (p *Provider) RunFrame() {
	select {
	case p.frame <- struct{}{}:
	default:
	}
}

// RunFrames pushes the pose of every activated tracker once per frame
// until ctx is cancelled.
func (p *Provider) RunFrames(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.frame:
			for _, t := range p.all() {
				t.Update(p.rt)
			}
			p.frames.Add(1)
		}
	}
}

// Frames is the number of frames handled by RunFrames.
func (p *Provider) Frames() uint64 { return p.frames.Load() }

// Tracker returns the tracker of role r.
func (p *Provider) Tracker(r tracker.Role) (*Tracker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.trackers[r]
	return t, ok
}

// Trackers returns the status of every tracker in role order.
func (p *Provider) Trackers() []Status {
	var out []Status
	for _, t := range p.all() {
		out = append(out, t.Status())
	}
	return out
}

func (p *Provider) all() []*Tracker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Tracker, 0, len(p.trackers))
	for _, r := range tracker.Roles() {
		if t, ok := p.trackers[r]; ok {
			out = append(out, t)
		}
	}
	return out
}

// spawn registers t unless another registered tracker holds its serial.
func (p *Provider) spawn(t *Tracker) error {
	p.spawnMu.Lock()
	defer p.spawnMu.Unlock()
	if t.registered() {
		return nil
	}
	for _, other := range p.all() {
		if other != t && other.Serial() == t.Serial() && other.registered() {
			return fmt.Errorf("%w: %s", ErrDuplicateSerial, t.Serial())
		}
	}
	return t.Spawn(p.rt)
}

func (p *Provider) SetTrackerState(req syncproto.StateRequest) syncproto.StateReply {
	t, ok := p.Tracker(req.Role)
	if !ok {
		return syncproto.StateReply{Role: req.Role, Message: "unknown role"}
	}
	if err := p.spawn(t); err != nil {
		p.log.Warn("tracker spawn failed", zap.Stringer("role", req.Role), zap.Error(err))
		return syncproto.StateReply{Role: req.Role, Message: err.Error()}
	}
	t.SetState(req.Active)
	t.Update(p.rt)
	return syncproto.StateReply{Role: req.Role, Success: true}
}

// SetStateAll applies active to every tracker. Failures are reported per
// tracker.
func (p *Provider) SetStateAll(active bool) []syncproto.StateReply {
	var out []syncproto.StateReply
	for _, t := range p.all() {
		out = append(out, p.SetTrackerState(syncproto.StateRequest{Role: t.Role(), Active: active}))
	}
	return out
}

func (p *Provider) UpdateTracker(req syncproto.PoseRequest) syncproto.StateReply {
	t, ok := p.Tracker(req.Role)
	if !ok || !t.registered() {
		return syncproto.StateReply{Role: req.Role, Message: ErrNotRegistered.Error()}
	}
	t.SetPose(p.rt, req.Pose)
	return syncproto.StateReply{Role: req.Role, Success: true}
}

func (p *Provider) RefreshTracker(req syncproto.RefreshRequest) syncproto.StateReply {
	t, ok := p.Tracker(req.Role)
	if !ok || !t.registered() {
		return syncproto.StateReply{Role: req.Role, Message: ErrNotRegistered.Error()}
	}
	t.Update(p.rt)
	return syncproto.StateReply{Role: req.Role, Success: true}
}

func (p *Provider) RequestRestart(reason string) error {
	p.log.Info("restart requested", zap.String("reason", reason))
	return p.rt.RequestRestart(reason)
}
