package driver

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/monitoring"
)

// Runtime is the VR runtime a Provider registers trackers with.
type Runtime interface {
	// AddDevice registers a tracker under serial. The runtime calls
	// dev.Activate once it has assigned an index, possibly before AddDevice
	// returns.
	AddDevice(serial string, dev *Tracker) error
	SetProperties(index int, props Properties) error
	PoseUpdated(index int, pose DriverPose)
	RequestRestart(reason string) error
	// InterfaceVersions lists the interface versions the runtime offers.
	InterfaceVersions() []string
	// Heartbeat is the watchdog's liveness signal.
	Heartbeat()
}

// LogRuntime is a headless Runtime. It activates devices immediately,
// keeps the last pose and properties of each, and logs what it receives.
type LogRuntime struct {
	log      *zap.Logger
	versions []string

	mu         sync.Mutex
	serials    []string
	index      map[string]int
	props      map[int]Properties
	poses      map[int]DriverPose
	updates    int
	restarts   []string
	heartbeats int
}

var _ Runtime = (*LogRuntime)(nil)

// NewLogRuntime returns a runtime offering every version the Provider
// requires. log may be nil.
func NewLogRuntime(log *zap.Logger) *LogRuntime {
	if log == nil {
		log = monitoring.L()
	}
	return &LogRuntime{
		log:      log,
		versions: append([]string(nil), InterfaceVersions...),
		index:    make(map[string]int),
		props:    make(map[int]Properties),
		poses:    make(map[int]DriverPose),
	}
}

// OfferVersions replaces the interface versions the runtime reports.
func (r *LogRuntime) OfferVersions(v ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.versions = v
}

func (r *LogRuntime) AddDevice(serial string, dev *Tracker) error {
	r.mu.Lock()
	if _, dup := r.index[serial]; dup {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateSerial, serial)
	}
	idx := len(r.serials) + 1 // index 0 is the headset
	r.serials = append(r.serials, serial)
	r.index[serial] = idx
	r.mu.Unlock()

	r.log.Info("tracker added", zap.String("serial", serial), zap.Int("index", idx))
	return dev.Activate(r, idx)
}

func (r *LogRuntime) SetProperties(index int, props Properties) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make(Properties, len(props))
	for k, v := range props {
		cp[k] = v
	}
	r.props[index] = cp
	return nil
}

func (r *LogRuntime) PoseUpdated(index int, pose DriverPose) {
	r.mu.Lock()
	prev, seen := r.poses[index]
	r.poses[index] = pose
	r.updates++
	r.mu.Unlock()

	if !seen || prev.Connected != pose.Connected {
		r.log.Info("tracker connection changed", zap.Int("index", index), zap.Bool("connected", pose.Connected))
	}
	r.log.Debug("pose",
		zap.Int("index", index),
		zap.Float64("x", pose.Pose.Position.X),
		zap.Float64("y", pose.Pose.Position.Y),
		zap.Float64("z", pose.Pose.Position.Z))
}

func (r *LogRuntime) RequestRestart(reason string) error {
	r.mu.Lock()
	r.restarts = append(r.restarts, reason)
	r.mu.Unlock()
	r.log.Warn("runtime restart requested", zap.String("reason", reason))
	return nil
}

func (r *LogRuntime) InterfaceVersions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.versions...)
}

func (r *LogRuntime) Heartbeat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.heartbeats++
}

// Serials lists registered serials in registration order.
func (r *LogRuntime) Serials() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.serials...)
}

// Pose returns the last pose reported for serial.
func (r *LogRuntime) Pose(serial string) (DriverPose, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx, ok := r.index[serial]
	if !ok {
		return DriverPose{}, false
	}
	p, ok := r.poses[idx]
	return p, ok
}

// Properties returns the properties written for serial.
func (r *LogRuntime) Properties(serial string) Properties {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.props[r.index[serial]]
}

// Counters reports pose updates, restart requests and heartbeats so far.
func (r *LogRuntime) Counters() (updates, restarts, heartbeats int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updates, len(r.restarts), r.heartbeats
}

// Restarts returns the reasons of every restart request.
func (r *LogRuntime) Restarts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.restarts...)
}
