package pipeline

import (
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/banshee-data/posebridge/internal/joints"
	"github.com/banshee-data/posebridge/internal/spatial"
)

const (
	// footYawSmoothing is the slerp factor of the persistent foot yaw.
	footYawSmoothing = 0.25
	// footTibiaTilt pre-tilts the knee-to-ankle direction.
	footTibiaTilt = math.Pi / 5
	// footTibiaPitch is removed from the tilted tibia pitch.
	footTibiaPitch = math.Pi / 1.6
	// footNeutralPitch turns the composed foot into tracker space.
	footNeutralPitch = 2.8623399733

	// footFog bounds the V2 vertical correction.
	footFog = 0.4
)

// footSolver derives foot orientation from leg joints. It keeps a smoothed
// yaw per foot across ticks and belongs to one device pass.
type footSolver struct {
	yaw    [2]spatial.Quat
	seeded [2]bool
}

// footSide indexes footSolver arrays.
type footSide int

const (
	leftFoot footSide = iota
	rightFoot
)

var footJoints = [2]struct{ knee, ankle, foot joints.Type }{
	leftFoot:  {joints.KneeLeft, joints.AnkleLeft, joints.FootLeft},
	rightFoot: {joints.KneeRight, joints.AnkleRight, joints.FootRight},
}

// solve returns the calculated orientation of both feet.
func (f *footSolver) solve(sk joints.Skeleton) [2]spatial.Quat {
	var out [2]spatial.Quat
	for side := leftFoot; side <= rightFoot; side++ {
		j := footJoints[side]
		knee, ankle, foot := sk[j.knee], sk[j.ankle], sk[j.foot]

		yaw := spatial.YawQuat(dampenFootYaw(footHeading(r3.Sub(foot.Position, ankle.Position))))
		if !f.seeded[side] {
			f.yaw[side], f.seeded[side] = yaw, true
		} else {
			f.yaw[side] = spatial.Slerp(f.yaw[side], yaw, footYawSmoothing)
		}

		tibia := spatial.AxisAngle(spatial.UnitX, footTibiaTilt).
			Mul(spatial.FromTwoVectors(spatial.Forward, r3.Sub(ankle.Position, knee.Position)))
		e := tibia.Euler()
		tibia = spatial.FromEuler(e.X-footTibiaPitch, 0, -e.Y)

		calc := tibia
		if ankle.State == joints.Tracked {
			calc = f.yaw[side].Mul(tibia)
		}
		out[side] = spatial.AxisAngle(spatial.UnitX, footNeutralPitch).Mul(calc)
	}
	return out
}

// footHeading is the horizontal heading of d measured from a foot pointing
// at the sensor.
func footHeading(d spatial.Vec) float64 {
	if math.Abs(d.X) < 1e-9 && math.Abs(d.Z) < 1e-9 {
		return 0
	}
	return math.Pi - math.Atan2(d.X, d.Z)
}

// dampenFootYaw halves the deviation of yaw from straight ahead.
func dampenFootYaw(yaw float64) float64 {
	deg := math.Mod(spatial.Degrees(yaw), 360)
	if deg < 0 {
		deg += 360
	}
	switch {
	case deg > 180 && deg < 360:
		deg = 360 - math.Abs(deg-360)*0.5
	case deg > 0 && deg < 180:
		deg *= 0.5
	}
	return spatial.Radians(deg)
}

// unflipGimbal folds a foot orientation that landed in the wrong Euler
// branch after a flip back into the expected one.
func unflipGimbal(q spatial.Quat) spatial.Quat {
	e := q.Euler()
	if e.Y >= -1 && e.Y <= 0 && e.Z >= -math.Pi && e.Z <= -1 {
		e.Y -= math.Pi
		return spatial.FromEulerVec(e)
	}
	return q
}

// footFromLeg is the stateless foot orientation: it points the tracker
// along the knee-to-ankle line with the vertical component softened so a
// straight leg does not pitch the foot fully downwards.
func footFromLeg(knee, ankle spatial.Vec) spatial.Quat {
	d := r3.Sub(knee, ankle)
	if r3.Norm(d) == 0 {
		return spatial.Identity()
	}
	d = r3.Unit(d)
	blend := clamp(0.4*footFog*d.Y-0.8*footFog, 0, 1)
	curve := lerp(0, d.Y*d.Y, clamp(d.Y, 0, footFog)/footFog)
	d.Y = lerp(d.Y, curve, blend)
	if r3.Norm(d) == 0 {
		return spatial.Identity()
	}
	d = r3.Unit(d)
	return spatial.FromTwoVectors(spatial.UnitX, r3.Sub(d, spatial.UnitX))
}

func lerp(a, b, t float64) float64 { return a + (b-a)*t }

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
