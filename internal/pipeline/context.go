// Package pipeline turns device joints into finished tracker poses. A
// Controller owns the configuration and publishes immutable Context
// snapshots; Pipeline composes one pose per tracker from a snapshot; Loop
// runs the pipeline at a fixed rate and hands poses to the sync layer.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/monitoring"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// ErrNoTracker is returned when a role is not configured.
var ErrNoTracker = errors.New("tracker not configured")

// VR is the live state of the VR runtime the pipeline reads each tick.
type VR interface {
	// HMD is the headset pose in play-space.
	HMD() spatial.Pose
	// PlayspaceYaw is the heading of the play-space relative to the
	// runtime's raw tracking space.
	PlayspaceYaw() float64
	// ExternalWaist is the orientation of a real waist tracker, when one
	// is used for flip detection.
	ExternalWaist() (spatial.Quat, bool)
}

// StaticVR is a VR that never moves. It stands in when no runtime is
// connected and in tests.
type StaticVR struct {
	Head      spatial.Pose
	Playspace float64
	Waist     *spatial.Quat
}

func (s StaticVR) HMD() spatial.Pose      { return s.Head }
func (s StaticVR) PlayspaceYaw() float64 { return s.Playspace }
func (s StaticVR) ExternalWaist() (spatial.Quat, bool) {
	if s.Waist == nil {
		return spatial.Quat{}, false
	}
	return *s.Waist, true
}

// FlipSettings controls body-facing detection.
type FlipSettings struct {
	Enabled bool
	// External uses a real waist tracker instead of the headset, measured
	// against ExternalYaw instead of the calibration yaw.
	External    bool
	ExternalYaw float64
}

// Context is one immutable configuration snapshot.
type Context struct {
	Generation uint64

	Trackers []tracker.Tracker
	Base     joints.Device
	Override joints.Device

	Calibration [2]calibration.Record
	Flip        FlipSettings
	VR          VR
}

func (c *Context) clone() *Context {
	out := *c
	out.Trackers = append([]tracker.Tracker(nil), c.Trackers...)
	return &out
}

// CalibrationFor returns the record of slot.
func (c *Context) CalibrationFor(slot calibration.Slot) calibration.Record {
	if slot < 0 || int(slot) >= len(c.Calibration) {
		return calibration.Empty()
	}
	return c.Calibration[slot]
}

// Controller is the single writer of pipeline configuration. Readers call
// Snapshot and never see a half-applied change.
type Controller struct {
	mu      sync.Mutex
	current atomic.Pointer[Context]
}

// NewController publishes initial as generation 1.
func NewController(initial Context) (*Controller, error) {
	if err := tracker.Validate(initial.Trackers); err != nil {
		return nil, err
	}
	if initial.VR == nil {
		initial.VR = StaticVR{Head: spatial.IdentityPose()}
	}
	for i := range initial.Calibration {
		if initial.Calibration[i].Rotation.IsZero() {
			initial.Calibration[i] = calibration.Empty()
		}
	}
	c := &Controller{}
	initial.Generation = 1
	ctx := initial.clone()
	c.current.Store(ctx)
	return c, nil
}

// Snapshot returns the current configuration.
func (c *Controller) Snapshot() *Context {
	return c.current.Load()
}

// Update clones the current snapshot, applies fn and publishes the result
// under a new generation. If fn or validation fails nothing changes.
func (c *Controller) Update(fn func(*Context) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.current.Load().clone()
	if err := fn(next); err != nil {
		return err
	}
	if err := tracker.Validate(next.Trackers); err != nil {
		return err
	}
	next.Generation++
	c.current.Store(next)
	return nil
}

// AddTracker appends t. The role must not be configured yet.
func (c *Controller) AddTracker(t tracker.Tracker) error {
	return c.Update(func(ctx *Context) error {
		ctx.Trackers = append(ctx.Trackers, t)
		return nil
	})
}

// RemoveTracker drops the tracker with role r.
func (c *Controller) RemoveTracker(r tracker.Role) error {
	return c.Update(func(ctx *Context) error {
		for i, t := range ctx.Trackers {
			if t.Role == r {
				ctx.Trackers = append(ctx.Trackers[:i], ctx.Trackers[i+1:]...)
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNoTracker, r)
	})
}

// SetTracker replaces the tracker with the same role.
func (c *Controller) SetTracker(t tracker.Tracker) error {
	return c.Update(func(ctx *Context) error {
		for i := range ctx.Trackers {
			if ctx.Trackers[i].Role == t.Role {
				ctx.Trackers[i] = t
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrNoTracker, t.Role)
	})
}

// SetOverridePair sets the override flags of every tracker in pair.
func (c *Controller) SetOverridePair(pair tracker.Pair, position, rotation bool) error {
	if pair == tracker.PairNone {
		return errors.New("override pair must name a joint group")
	}
	return c.Update(func(ctx *Context) error {
		for i := range ctx.Trackers {
			if ctx.Trackers[i].Role.Pair() == pair {
				ctx.Trackers[i].OverridePosition = position
				ctx.Trackers[i].OverrideRotation = rotation
			}
		}
		return nil
	})
}

// SetDevices selects the base and override devices. override may be nil.
// Spectators cannot be selected, and the two must differ.
func (c *Controller) SetDevices(base, override joints.Device) error {
	if base == nil {
		return errors.New("a base device is required")
	}
	if base.Kind() == joints.Spectator || (override != nil && override.Kind() == joints.Spectator) {
		return errors.New("spectator devices cannot be selected")
	}
	if override != nil && override.Name() == base.Name() {
		return errors.New("override device must differ from the base device")
	}
	return c.Update(func(ctx *Context) error {
		ctx.Base = base
		ctx.Override = override
		return nil
	})
}

// CommitCalibration makes rec visible to the pipeline.
func (c *Controller) CommitCalibration(slot calibration.Slot, rec calibration.Record) error {
	return c.Update(func(ctx *Context) error {
		if slot < 0 || int(slot) >= len(ctx.Calibration) {
			return fmt.Errorf("invalid calibration slot %d", slot)
		}
		ctx.Calibration[slot] = rec
		return nil
	})
}

// SetFlip replaces the flip settings. Flip is forced off for a base device
// that cannot flip.
func (c *Controller) SetFlip(f FlipSettings) error {
	return c.Update(func(ctx *Context) error {
		if f.Enabled && !flipCapable(ctx.Base) {
			f.Enabled = false
		}
		ctx.Flip = f
		return nil
	})
}

// SetVR swaps the VR state source.
func (c *Controller) SetVR(vr VR) error {
	if vr == nil {
		return errors.New("vr source is required")
	}
	return c.Update(func(ctx *Context) error {
		ctx.VR = vr
		return nil
	})
}

// Sanitize repairs tracker settings the current devices cannot serve and
// returns how many were changed. The loop calls it after repeated crashes.
func (c *Controller) Sanitize() (int, error) {
	log := monitoring.L()
	fixed := 0
	err := c.Update(func(ctx *Context) error {
		baseJoints := jointCount(ctx.Base)
		overrideJoints := jointCount(ctx.Override)
		fix := func(t *tracker.Tracker, setting string) {
			fixed++
			log.Debug("tracker setting reset", zap.Stringer("role", t.Role), zap.String("setting", setting))
		}
		for i := range ctx.Trackers {
			t := &ctx.Trackers[i]
			if outOfRange(t.BaseJoint, baseJoints) {
				t.BaseJoint = 0
				fix(t, "base_joint")
			}
			if outOfRange(t.OverrideJoint, overrideJoints) {
				t.OverrideJoint = 0
				fix(t, "override_joint")
			}
			if ctx.Override == nil && (t.OverridePosition || t.OverrideRotation) {
				t.OverridePosition, t.OverrideRotation = false, false
				fix(t, "override")
			}
			if t.Rotation.IsSoftware() && !t.Role.IsFoot() {
				t.Rotation = tracker.DeviceInferred
				fix(t, "rotation")
			}
		}
		return nil
	})
	return fixed, err
}

// outOfRange reports whether index cannot address one of n joints. Index 0
// is the reset value and never counts, even on a device with no joints; n
// below zero means the device has no joint list.
func outOfRange(index, n int) bool {
	if n < 0 || index == 0 {
		return false
	}
	return index < 0 || index >= n
}

// jointCount is the named-joint count of a JointsBasis device, or -1 for
// any other device.
func jointCount(d joints.Device) int {
	jd, ok := d.(joints.JointsDevice)
	if !ok || d.Kind() != joints.JointsBasis {
		return -1
	}
	return len(jd.TrackedJoints())
}

func flipCapable(d joints.Device) bool {
	sd, ok := d.(joints.SkeletonDevice)
	return ok && d.Kind() == joints.SkeletonBasis && sd.FlipSupported()
}
