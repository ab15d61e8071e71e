package filter

import (
	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// Bank holds every filter for one tracker. It is owned by the pipeline
// goroutine and is not safe for concurrent use.
type Bank struct {
	kalman  [3]*Kalman
	lowPass [3]LowPass

	raw      spatial.Pose
	lerp     spatial.Vec
	slerp    spatial.Quat
	slerpLow spatial.Quat
	seeded   bool
}

// NewBank returns an empty bank. The first Update seeds every filter with
// the first sample so no filter slides in from the origin.
func NewBank() *Bank {
	b := &Bank{
		slerp:    spatial.Identity(),
		slerpLow: spatial.Identity(),
		raw:      spatial.IdentityPose(),
	}
	for i := range b.kalman {
		b.kalman[i] = NewKalman()
		b.lowPass[i].CutoffHz = DefaultCutoffHz
	}
	return b
}

// Update feeds one raw sample into every filter. dt is the measured tick
// length in seconds; non-positive values fall back to DefaultDeltaT.
// Samples with NaN or infinite components are dropped so one bad reading
// cannot poison the filter state.
func (b *Bank) Update(raw spatial.Pose, dt float64) {
	if !raw.IsFinite() {
		return
	}
	if dt <= 0 {
		dt = DefaultDeltaT
	}
	p := raw.Position
	axes := [3]float64{p.X, p.Y, p.Z}

	if !b.seeded {
		b.seed(raw)
	}
	b.raw = raw

	for i := range axes {
		b.kalman[i].Step(axes[i])
		b.lowPass[i].Update(axes[i], dt)
	}

	b.lerp = spatial.Lerp(b.lerp, p, LERPAlpha)
	b.slerp = spatial.Slerp(b.slerp, raw.Orientation, SLERPFast)
	b.slerpLow = spatial.Slerp(b.slerpLow, raw.Orientation, SLERPSlow)
}

func (b *Bank) seed(raw spatial.Pose) {
	p := raw.Position
	axes := [3]float64{p.X, p.Y, p.Z}
	for i := range axes {
		b.kalman[i].x = mat.NewVecDense(3, []float64{axes[i], 0, 0})
		b.lowPass[i].output = axes[i]
	}
	b.lerp = p
	b.slerp = raw.Orientation.Normalize()
	b.slerpLow = b.slerp
	b.seeded = true
}

// Position returns the output of the selected position filter.
func (b *Bank) Position(mode PositionMode) spatial.Vec {
	switch mode {
	case PositionLERP:
		return b.lerp
	case PositionLowPass:
		return spatial.V(b.lowPass[0].Output(), b.lowPass[1].Output(), b.lowPass[2].Output())
	case PositionKalman:
		return spatial.V(b.kalman[0].Position(), b.kalman[1].Position(), b.kalman[2].Position())
	default:
		return b.raw.Position
	}
}

// Orientation returns the output of the selected orientation filter.
func (b *Bank) Orientation(mode OrientationMode) spatial.Quat {
	switch mode {
	case OrientationSLERP:
		return b.slerp
	case OrientationSLERPSlow:
		return b.slerpLow
	default:
		return b.raw.Orientation
	}
}

// Pose returns the filtered pose for the given selections.
func (b *Bank) Pose(pm PositionMode, om OrientationMode) spatial.Pose {
	return spatial.Pose{Position: b.Position(pm), Orientation: b.Orientation(om)}
}
