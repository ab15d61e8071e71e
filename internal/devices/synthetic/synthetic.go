// Package synthetic provides a SkeletonBasis device that generates a
// standing, optionally swaying and turning skeleton. It is used for demos,
// for exercising a full pipeline without hardware, and by tests that need a
// device whose joints they can set directly.
package synthetic

import (
	"fmt"
	"math"
	"sync"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// Driver is the manifest driver name.
const Driver = "synthetic"

// restPose holds joint offsets from the body root for a person facing the
// sensor (towards -Z). The person's right is +X.
var restPose = map[joints.Type]spatial.Vec{
	joints.Head:          spatial.V(0, 1.65, 0),
	joints.Neck:          spatial.V(0, 1.50, 0),
	joints.SpineShoulder: spatial.V(0, 1.45, 0),
	joints.ShoulderLeft:  spatial.V(-0.20, 1.40, 0),
	joints.ElbowLeft:     spatial.V(-0.25, 1.15, 0),
	joints.WristLeft:     spatial.V(-0.27, 0.90, 0),
	joints.HandLeft:      spatial.V(-0.28, 0.85, 0),
	joints.HandTipLeft:   spatial.V(-0.29, 0.78, 0),
	joints.ThumbLeft:     spatial.V(-0.25, 0.82, -0.03),
	joints.ShoulderRight: spatial.V(0.20, 1.40, 0),
	joints.ElbowRight:    spatial.V(0.25, 1.15, 0),
	joints.WristRight:    spatial.V(0.27, 0.90, 0),
	joints.HandRight:     spatial.V(0.28, 0.85, 0),
	joints.HandTipRight:  spatial.V(0.29, 0.78, 0),
	joints.ThumbRight:    spatial.V(0.25, 0.82, -0.03),
	joints.SpineMiddle:   spatial.V(0, 1.20, 0),
	joints.SpineWaist:    spatial.V(0, 0.95, 0),
	joints.HipLeft:       spatial.V(-0.10, 0.90, 0),
	joints.KneeLeft:      spatial.V(-0.10, 0.50, -0.02),
	joints.AnkleLeft:     spatial.V(-0.10, 0.08, 0),
	joints.FootLeft:      spatial.V(-0.10, 0.03, -0.12),
	joints.HipRight:      spatial.V(0.10, 0.90, 0),
	joints.KneeRight:     spatial.V(0.10, 0.50, -0.02),
	joints.AnkleRight:    spatial.V(0.10, 0.08, 0),
	joints.FootRight:     spatial.V(0.10, 0.03, -0.12),
}

// Device is a synthetic SkeletonBasis device.
type Device struct {
	name            string
	characteristics joints.Characteristics

	// Root is where the body stands in sensor space.
	Root spatial.Vec
	// SwayAmplitude (metres) and SwayPeriod (updates) move the root side to
	// side. Zero amplitude keeps the body still.
	SwayAmplitude float64
	SwayPeriod    int

	mu          sync.Mutex
	facing      float64
	step        int
	initialized bool
	tracked     bool
	status      joints.Status
	skeleton    joints.Skeleton
	overrides   map[joints.Type]joints.Joint
}

// New returns a Full device standing 2.5 m in front of the sensor.
func New(name string) *Device {
	return &Device{
		name:            name,
		characteristics: joints.Full,
		Root:            spatial.V(0, 0, 2.5),
		SwayPeriod:      200,
		tracked:         true,
		status:          joints.Status{Code: joints.StatusNotInitialized, Message: "not initialized"},
		skeleton:        joints.NewSkeleton(),
		overrides:       make(map[joints.Type]joints.Joint),
	}
}

// Factory builds a device from a manifest entry. Options:
// characteristics (basic|simple|full), sway (metres), period (updates).
func Factory(e joints.ManifestEntry) (joints.Device, error) {
	d := New(e.Name)
	switch e.Option("characteristics", "full") {
	case "basic":
		d.characteristics = joints.Basic
	case "simple":
		d.characteristics = joints.Simple
	case "full":
		d.characteristics = joints.Full
	default:
		return nil, fmt.Errorf("unknown characteristics %q", e.Options["characteristics"])
	}
	period, err := e.IntOption("period", d.SwayPeriod)
	if err != nil {
		return nil, err
	}
	d.SwayPeriod = period
	if v := e.Option("sway", ""); v != "" {
		if _, err := fmt.Sscanf(v, "%g", &d.SwayAmplitude); err != nil {
			return nil, fmt.Errorf("option sway: %w", err)
		}
	}
	return d, nil
}

var _ joints.SkeletonDevice = (*Device)(nil)

func (d *Device) Name() string                            { return d.name }
func (d *Device) Kind() joints.Kind                       { return joints.SkeletonBasis }
func (d *Device) FlipSupported() bool                     { return true }
func (d *Device) OnLoad() error                           { return nil }

func (d *Device) Characteristics() joints.Characteristics {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.characteristics
}

func (d *Device) MathSupported() bool {
	return d.Characteristics() >= joints.Simple
}

// SetCharacteristics changes the declared joint richness.
func (d *Device) SetCharacteristics(c joints.Characteristics) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.characteristics = c
}

func (d *Device) Initialize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		return nil
	}
	d.initialized = true
	d.status = joints.Status{Code: joints.StatusOK, Message: "synthetic skeleton running"}
	d.compose()
	return nil
}

func (d *Device) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return joints.ErrNotInitialized
	}
	d.step++
	d.compose()
	return nil
}

func (d *Device) Shutdown() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initialized = false
	d.status = joints.Status{Code: joints.StatusNotInitialized, Message: "shut down"}
	return nil
}

func (d *Device) Status() joints.Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) Tracked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tracked
}

func (d *Device) Skeleton() joints.Skeleton {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.skeleton
}

// SetFacing turns the body about the vertical axis (radians, 0 = facing
// the sensor).
func (d *Device) SetFacing(yaw float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.facing = yaw
	d.compose()
}

// SetJoint pins one joint to a fixed value, overriding the generated one.
func (d *Device) SetJoint(t joints.Type, j joints.Joint) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.overrides[t] = j
	d.skeleton[t] = j
}

// SetTracked sets the tracked flag reported after the next update.
func (d *Device) SetTracked(tracked bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tracked = tracked
}

// SetStatus forces a status, e.g. to simulate a disconnected sensor.
func (d *Device) SetStatus(s joints.Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.status = s
}

func (d *Device) compose() {
	root := d.Root
	if d.SwayAmplitude != 0 && d.SwayPeriod > 0 {
		root.X += d.SwayAmplitude * math.Sin(2*math.Pi*float64(d.step)/float64(d.SwayPeriod))
	}
	turn := spatial.YawQuat(d.facing)

	for t, offset := range restPose {
		state := joints.Tracked
		if !d.tracked {
			state = joints.Inferred
		}
		p := turn.Rotate(offset)
		d.skeleton[t] = joints.Joint{
			Position:    spatial.V(root.X+p.X, root.Y+p.Y, root.Z+p.Z),
			Orientation: turn,
			State:       state,
		}
	}
	for t, j := range d.overrides {
		d.skeleton[t] = j
	}
}
