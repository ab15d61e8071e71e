package pipeline

import (
	"math"

	"github.com/banshee-data/posebridge/internal/calibration"
	"github.com/banshee-data/posebridge/internal/spatial"
)

// Facing thresholds in degrees. Between them the previous decision holds.
const (
	FlipOffBelow = 25.0
	FlipOnAbove  = 155.0
)

// FacingDegrees is the angular distance between yaw and neutral, folded into
// [0, 180].
func FacingDegrees(yaw, neutral float64) float64 {
	d := math.Mod(spatial.Degrees(yaw-neutral), 360)
	if d < 0 {
		d += 360
	}
	return math.Min(d, 360-d)
}

// NextFlip applies the hysteresis band to one facing sample.
func NextFlip(prev bool, facing float64) bool {
	switch {
	case facing <= FlipOffBelow:
		return false
	case facing >= FlipOnAbove:
		return true
	}
	return prev
}

// decideFlip returns the new flip state for the base pass. When no heading
// is available this tick the previous state is kept.
func decideFlip(ctx *Context, prev bool) bool {
	if !ctx.Flip.Enabled || !flipCapable(ctx.Base) {
		return false
	}
	var yaw, neutral float64
	if ctx.Flip.External {
		q, ok := ctx.VR.ExternalWaist()
		if !ok {
			return prev
		}
		yaw, neutral = q.Yaw(), ctx.Flip.ExternalYaw
	} else {
		yaw = ctx.VR.HMD().Orientation.Yaw()
		neutral = ctx.CalibrationFor(calibration.Base).YawOffset()
	}
	return NextFlip(prev, FacingDegrees(yaw, neutral))
}
