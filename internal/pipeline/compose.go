package pipeline

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/filter"
	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/spatial"
	"github.com/banshee-data/posebridge/internal/tracker"
)

// ErrJointIndex is returned when a tracker selects a joint the device does
// not report.
var ErrJointIndex = errors.New("joint index out of range")

// Output is the finished pose of one enabled tracker.
type Output struct {
	Role   tracker.Role
	Serial string
	Pose   spatial.Pose
	// Valid is false until the tracker has produced its first pose.
	Valid bool
	// Moved reports whether the pose changed this tick.
	Moved bool
}

// pass is one device's contribution to a tick.
type pass int

const (
	basePass pass = iota
	overridePass
)

type trackerState struct {
	banks [2]*filter.Bank
	// merged is the last pose before offsets, pose the last output.
	merged spatial.Pose
	pose   spatial.Pose
	valid  bool
}

// Pipeline composes tracker poses. Step must be called from one goroutine;
// Latest and Flipped may be called from anywhere.
type Pipeline struct {
	states map[tracker.Role]*trackerState
	feet   [2]footSolver

	mu      sync.RWMutex
	flipped bool
	latest  []Output
}

// New returns a pipeline with no tracker state.
func New() *Pipeline {
	return &Pipeline{states: make(map[tracker.Role]*trackerState)}
}

// Flipped reports the current body-facing decision of the base device.
func (p *Pipeline) Flipped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.flipped
}

// Latest returns a copy of the poses produced by the most recent Step.
func (p *Pipeline) Latest() []Output {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Output(nil), p.latest...)
}

// Step composes every enabled tracker of ctx. dt is the measured tick
// length in seconds. Trackers that fail keep their previous pose; their
// errors are joined into the returned error.
func (p *Pipeline) Step(ctx *Context, dt float64) ([]Output, error) {
	p.mu.RLock()
	flip := p.flipped
	p.mu.RUnlock()
	flip = decideFlip(ctx, flip)

	p.forgetRemoved(ctx.Trackers)

	base := p.prepare(basePass, ctx.Base)
	var over *prepared
	if ctx.Override != nil && anyOverride(ctx.Trackers) {
		over = p.prepare(overridePass, ctx.Override)
	}

	var errs []error
	out := make([]Output, 0, len(ctx.Trackers))
	for _, t := range ctx.Trackers {
		if !t.Enabled {
			continue
		}
		st := p.state(t.Role)
		prev := st.pose

		pose, ok, err := p.compose(ctx, base, basePass, t, flip, st, dt)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Role, err))
		}
		if over != nil && (t.OverridePosition || t.OverrideRotation) {
			op, ook, oerr := p.compose(ctx, over, overridePass, t, false, st, dt)
			if oerr != nil {
				errs = append(errs, fmt.Errorf("%s override: %w", t.Role, oerr))
			}
			if ook {
				if !ok {
					pose, ok = st.merged, true
				}
				if t.OverridePosition {
					pose.Position = op.Position
				}
				if t.OverrideRotation {
					pose.Orientation = op.Orientation
				}
			}
		}

		if ok {
			st.merged = pose
			offset := t.OrientationOffset
			if offset == (spatial.Quat{}) {
				offset = spatial.Identity()
			}
			pose.Position = r3.Add(pose.Position, t.PositionOffset)
			pose.Orientation = pose.Orientation.Mul(offset).Normalize()
			st.pose, st.valid = pose, true
		}
		out = append(out, Output{
			Role:   t.Role,
			Serial: t.Serial,
			Pose:   st.pose,
			Valid:  st.valid,
			Moved:  ok && moved(prev, st.pose),
		})
	}

	p.mu.Lock()
	p.flipped = flip
	p.latest = out
	p.mu.Unlock()
	return out, errors.Join(errs...)
}

// prepared is the per-tick device read shared by every tracker of a pass.
type prepared struct {
	dev      joints.Device
	skeleton *joints.Skeleton
	chars    joints.Characteristics
	math     bool
	tracked  bool
	named    []joints.NamedJoint
	feet     [2]spatial.Quat
}

func (p *Pipeline) prepare(ps pass, dev joints.Device) *prepared {
	if dev == nil {
		return nil
	}
	pr := &prepared{dev: dev, tracked: dev.Tracked()}
	switch d := dev.(type) {
	case joints.SkeletonDevice:
		if dev.Kind() != joints.SkeletonBasis {
			break
		}
		sk := d.Skeleton()
		pr.skeleton = &sk
		pr.chars = d.Characteristics()
		pr.math = d.MathSupported() && pr.chars >= joints.Simple
		if pr.math && pr.tracked {
			pr.feet = p.feet[ps].solve(sk)
		}
	case joints.JointsDevice:
		pr.named = d.TrackedJoints()
	}
	return pr
}

// compose runs one pass for one tracker: raw pose, filter bank, then the
// pass's calibration. ok is false when the device cannot serve the tracker
// this tick.
func (p *Pipeline) compose(ctx *Context, pr *prepared, ps pass, t tracker.Tracker, flip bool, st *trackerState, dt float64) (spatial.Pose, bool, error) {
	if pr == nil {
		return spatial.Pose{}, false, nil
	}
	slot := calibration.Base
	if ps == overridePass {
		slot = calibration.Override
	}
	rec := ctx.CalibrationFor(slot)

	var (
		raw spatial.Pose
		ok  bool
		err error
	)
	switch {
	case pr.skeleton != nil:
		raw, ok = p.skeletonPose(ctx, pr, t, flip, rec)
	case pr.dev.Kind() == joints.JointsBasis:
		index := t.BaseJoint
		if ps == overridePass {
			index = t.OverrideJoint
		}
		raw, ok, err = jointsPose(ctx, pr, t, index)
	}
	if !ok {
		return spatial.Pose{}, false, err
	}

	bank := st.banks[ps]
	bank.Update(raw, dt)
	filtered := bank.Pose(t.PositionFilter, t.OrientationFilter)
	filtered.Position = rec.Apply(filtered.Position)
	return filtered, true, nil
}

// skeletonPose is the raw pose of t on a SkeletonBasis device, with flip
// and calibration yaw already folded into the orientation. A joint the
// device lost this tick leaves the tracker on its last pose.
func (p *Pipeline) skeletonPose(ctx *Context, pr *prepared, t tracker.Tracker, flip bool, rec calibration.Record) (spatial.Pose, bool) {
	jt := t.Role.Joint()
	if !pr.chars.Supports(jt) {
		return spatial.Pose{}, false
	}
	src := jt
	if flip {
		src = jt.Mirror()
	}
	sk := pr.skeleton
	if sk[src].State == joints.NotTracked {
		return spatial.Pose{}, false
	}
	pose := spatial.Pose{Position: sk[src].Position}

	mode := effectiveRotation(t, pr)
	switch mode {
	case tracker.Disabled:
		pose.Orientation = spatial.Identity()
		return pose, true
	case tracker.FollowHMD:
		pose.Orientation = followHMD(ctx.VR)
		return pose, true
	case tracker.SoftwareCalculated:
		side := footSideOf(t.Role)
		if flip {
			pose.Orientation = pr.feet[1-side].Normalize().Inverse()
		} else {
			pose.Orientation = pr.feet[side]
		}
	case tracker.SoftwareCalculatedV2:
		j := footJoints[footSideOf(t.Role)]
		knee, ankle := j.knee, j.ankle
		if flip {
			knee, ankle = knee.Mirror(), ankle.Mirror()
		}
		pose.Orientation = footFromLeg(sk[knee].Position, sk[ankle].Position)
	default:
		pose.Orientation = sk[src].Orientation
		if flip && src != jt {
			pose.Orientation = pose.Orientation.Inverse()
		}
	}

	calYaw := spatial.YawQuat(rec.YawOffset())
	if flip {
		e := pose.Orientation.Euler()
		mirrored := spatial.FromEuler(e.X-pitchShift(t.Role, mode), -e.Y, -e.Z)
		pose.Orientation = calYaw.Mul(spatial.YawQuat(math.Pi)).Mul(mirrored)
	} else {
		pose.Orientation = calYaw.Mul(pose.Orientation)
	}
	if mode == tracker.SoftwareCalculated {
		pose.Orientation = unflipGimbal(pose.Orientation)
	}
	return pose, true
}

// jointsPose is the raw pose of t on a JointsBasis device.
func jointsPose(ctx *Context, pr *prepared, t tracker.Tracker, index int) (spatial.Pose, bool, error) {
	if len(pr.named) == 0 {
		return spatial.Pose{}, false, nil
	}
	if index < 0 || index >= len(pr.named) {
		return spatial.Pose{}, false, fmt.Errorf("%w: %d of %d on %s", ErrJointIndex, index, len(pr.named), pr.dev.Name())
	}
	j := pr.named[index]
	if j.State == joints.NotTracked {
		return spatial.Pose{}, false, nil
	}
	pose := j.Pose()
	switch t.Rotation {
	case tracker.Disabled:
		pose.Orientation = spatial.Identity()
	case tracker.FollowHMD:
		pose.Orientation = followHMD(ctx.VR)
	}
	return pose, true, nil
}

// effectiveRotation falls software modes back to device orientation when
// the device cannot calculate feet this tick.
func effectiveRotation(t tracker.Tracker, pr *prepared) tracker.RotationMode {
	if !t.Rotation.IsSoftware() {
		return t.Rotation
	}
	if !t.Role.IsFoot() || !pr.math || !pr.tracked {
		return tracker.DeviceInferred
	}
	return t.Rotation
}

// pitchShift is removed from a flipped orientation's pitch so mirrored
// limbs keep pointing the right way.
func pitchShift(r tracker.Role, mode tracker.RotationMode) float64 {
	switch {
	case r.IsFoot() && (mode == tracker.DeviceInferred || mode == tracker.SoftwareCalculated):
		return math.Pi / 4
	case r.IsElbow() && mode == tracker.DeviceInferred:
		return math.Pi / 4
	case r.IsKnee() && mode == tracker.DeviceInferred:
		return math.Pi / 9
	}
	return 0
}

// followHMD is the headset heading in raw tracking space.
func followHMD(vr VR) spatial.Quat {
	return spatial.YawQuat(-vr.PlayspaceYaw()).Mul(spatial.YawQuat(vr.HMD().Orientation.Yaw()))
}

func footSideOf(r tracker.Role) footSide {
	if r == tracker.RightFoot {
		return rightFoot
	}
	return leftFoot
}

func anyOverride(ts []tracker.Tracker) bool {
	for _, t := range ts {
		if t.Enabled && (t.OverridePosition || t.OverrideRotation) {
			return true
		}
	}
	return false
}

func (p *Pipeline) state(r tracker.Role) *trackerState {
	st, ok := p.states[r]
	if !ok {
		st = &trackerState{
			banks:  [2]*filter.Bank{filter.NewBank(), filter.NewBank()},
			merged: spatial.IdentityPose(),
			pose:   spatial.IdentityPose(),
		}
		p.states[r] = st
	}
	return st
}

// forgetRemoved drops state of roles no longer configured or disabled, so
// a re-added tracker starts from fresh filters.
func (p *Pipeline) forgetRemoved(ts []tracker.Tracker) {
	keep := make(map[tracker.Role]bool, len(ts))
	for _, t := range ts {
		if t.Enabled {
			keep[t.Role] = true
		}
	}
	for r := range p.states {
		if !keep[r] {
			delete(p.states, r)
		}
	}
}

func moved(a, b spatial.Pose) bool {
	return r3.Norm(r3.Sub(a.Position, b.Position)) > 1e-4 ||
		spatial.AngleBetween(a.Orientation, b.Orientation) > 1e-3
}
