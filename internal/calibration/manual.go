package calibration

import (
	"math"
	"time"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// ManualMode is the sub-mode a manual run is adjusting.
type ManualMode int

const (
	AdjustTranslation ManualMode = iota
	AdjustRotation
)

func (m ManualMode) String() string {
	if m == AdjustRotation {
		return "rotation"
	}
	return "translation"
}

// Manual tuning constants.
const (
	TranslationStep     = 0.015
	TranslationStepFine = 0.0015
	RotationStep        = math.Pi / 280
	RotationFineFactor  = 0.1
	ManualTick          = 5 * time.Millisecond
)

// Controls is the joystick and button state read each manual tick.
type Controls struct {
	LeftX, LeftY float64
	RightY       float64
	Fine         bool
	// Swap toggles between translation and rotation adjustment. It is an
	// edge: the caller reports it once per chord press.
	Swap    bool
	Confirm bool
	Cancel  bool
}

// ManualState is one snapshot of a manual run.
type ManualState struct {
	Phase  Phase
	Mode   ManualMode
	Record Record
	Err    error
}

// StartManual enters manual mode. The record is calibrated immediately
// with an identity rotation and the origin fixed at origin.
func StartManual(origin spatial.Vec) ManualState {
	return ManualState{
		Phase: Collecting,
		Mode:  AdjustTranslation,
		Record: Record{
			Rotation:     spatial.Identity3(),
			Origin:       origin,
			IsCalibrated: true,
		},
	}
}

// StepManual applies one tick of controls. playspaceYaw is the current
// play-space heading; translation deltas are un-rotated by it so stick
// directions match what the user sees.
func StepManual(s ManualState, c Controls, playspaceYaw float64) ManualState {
	if s.Phase.Done() || s.Phase == Idle {
		return s
	}
	switch {
	case c.Cancel:
		s.Phase = Aborted
		s.Err = ErrAborted
		return s
	case c.Confirm:
		s.Phase = Calibrated
		return s
	case c.Swap:
		if s.Mode == AdjustTranslation {
			s.Mode = AdjustRotation
		} else {
			s.Mode = AdjustTranslation
		}
		return s
	}

	switch s.Mode {
	case AdjustTranslation:
		m := TranslationStep
		if c.Fine {
			m = TranslationStepFine
		}
		delta := spatial.V(c.LeftX*m, c.RightY*m, -c.LeftY*m)
		delta = spatial.YawQuat(playspaceYaw).Inverse().Rotate(delta)
		t := s.Record.Translation
		s.Record.Translation = spatial.V(t.X+delta.X, t.Y+delta.Y, t.Z+delta.Z)
	case AdjustRotation:
		m := 1.0
		if c.Fine {
			m = RotationFineFactor
		}
		s.Record.Yaw += c.LeftX * RotationStep * m
		s.Record.Pitch += c.RightY * RotationStep * m
		s.Record.Rotation = ManualRotation(s.Record.Yaw, s.Record.Pitch)
	}
	return s
}

// ManualRotation is yaw about +Y applied after pitch about +X.
func ManualRotation(yaw, pitch float64) spatial.Mat3 {
	return spatial.Mat3FromQuat(spatial.YawQuat(yaw).Mul(spatial.AxisAngle(spatial.UnitX, pitch)))
}
