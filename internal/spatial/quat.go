// Package spatial holds the vector, quaternion and rotation-matrix helpers
// shared by the pipeline, the filters and the calibration engine.
//
// Vectors are gonum r3 vectors. Quaternions are stored as (W, X, Y, Z) and
// use gonum's num/quat for the Hamilton product. Euler angles always mean
// intrinsic X then Y then Z, so FromEuler(x, y, z) = Rx(x)·Ry(y)·Rz(z).
package spatial

import (
	"math"

	"gonum.org/v1/gonum/num/quat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Vec is a point or direction in a right-handed, Y-up space.
type Vec = r3.Vec

// Common axes.
var (
	UnitX   = Vec{X: 1}
	UnitY   = Vec{Y: 1}
	UnitZ   = Vec{Z: 1}
	Forward = UnitZ
)

// V is shorthand for a Vec literal.
func V(x, y, z float64) Vec { return Vec{X: x, Y: y, Z: z} }

// Lerp blends a towards b by t.
func Lerp(a, b Vec, t float64) Vec {
	return r3.Add(r3.Scale(1-t, a), r3.Scale(t, b))
}

// Quat is a rotation quaternion.
type Quat struct {
	W, X, Y, Z float64
}

// Identity returns the no-rotation quaternion.
func Identity() Quat { return Quat{W: 1} }

func (q Quat) number() quat.Number {
	return quat.Number{Real: q.W, Imag: q.X, Jmag: q.Y, Kmag: q.Z}
}

func fromNumber(n quat.Number) Quat {
	return Quat{W: n.Real, X: n.Imag, Y: n.Jmag, Z: n.Kmag}
}

// Mul returns the Hamilton product q·r (apply r, then q).
func (q Quat) Mul(r Quat) Quat {
	return fromNumber(quat.Mul(q.number(), r.number()))
}

// Conj returns the conjugate.
func (q Quat) Conj() Quat {
	return fromNumber(quat.Conj(q.number()))
}

// Inverse returns the multiplicative inverse. For unit quaternions this is
// the conjugate.
func (q Quat) Inverse() Quat {
	if q.Norm() == 0 {
		return Identity()
	}
	return fromNumber(quat.Inv(q.number()))
}

// Norm returns |q|.
func (q Quat) Norm() float64 {
	return quat.Abs(q.number())
}

// Normalize returns q scaled to unit length. A zero quaternion becomes the
// identity.
func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n == 0 || math.IsNaN(n) {
		return Identity()
	}
	return fromNumber(quat.Scale(1/n, q.number()))
}

// Dot returns the 4D dot product.
func (q Quat) Dot(r Quat) float64 {
	return q.W*r.W + q.X*r.X + q.Y*r.Y + q.Z*r.Z
}

// Rotate applies q to v.
func (q Quat) Rotate(v Vec) Vec {
	p := quat.Number{Imag: v.X, Jmag: v.Y, Kmag: v.Z}
	n := q.number()
	r := quat.Mul(quat.Mul(n, p), quat.Conj(n))
	return Vec{X: r.Imag, Y: r.Jmag, Z: r.Kmag}
}

// AxisAngle builds a rotation of angle radians about axis.
func AxisAngle(axis Vec, angle float64) Quat {
	axis = r3.Unit(axis)
	s, c := math.Sincos(angle / 2)
	return Quat{W: c, X: axis.X * s, Y: axis.Y * s, Z: axis.Z * s}
}

// FromEuler builds Rx(x)·Ry(y)·Rz(z).
func FromEuler(x, y, z float64) Quat {
	return AxisAngle(UnitX, x).Mul(AxisAngle(UnitY, y)).Mul(AxisAngle(UnitZ, z))
}

// FromEulerVec is FromEuler on a packed vector.
func FromEulerVec(e Vec) Quat { return FromEuler(e.X, e.Y, e.Z) }

// YawQuat is a rotation about the vertical axis.
func YawQuat(yaw float64) Quat { return AxisAngle(UnitY, yaw) }

// Euler decomposes q into intrinsic XYZ angles. Y is in [-π/2, π/2].
func (q Quat) Euler() Vec {
	return Mat3FromQuat(q).Euler()
}

// Yaw returns the heading of q: the angle about +Y of its forward vector
// projected onto the horizontal plane. A forward vector pointing straight
// up or down has no heading and yields 0.
func (q Quat) Yaw() float64 {
	f := q.Rotate(Forward)
	if math.Abs(f.X) < 1e-12 && math.Abs(f.Z) < 1e-12 {
		return 0
	}
	return math.Atan2(f.X, f.Z)
}

// FromTwoVectors returns the shortest rotation taking the direction of a
// onto the direction of b.
func FromTwoVectors(a, b Vec) Quat {
	if r3.Norm(a) == 0 || r3.Norm(b) == 0 {
		return Identity()
	}
	a, b = r3.Unit(a), r3.Unit(b)
	d := r3.Dot(a, b)
	if d < -1+1e-9 {
		// Opposite directions: turn half way round any axis orthogonal to a.
		axis := r3.Cross(UnitX, a)
		if r3.Norm(axis) < 1e-6 {
			axis = r3.Cross(UnitY, a)
		}
		return AxisAngle(axis, math.Pi)
	}
	c := r3.Cross(a, b)
	s := math.Sqrt((1 + d) * 2)
	return Quat{W: s / 2, X: c.X / s, Y: c.Y / s, Z: c.Z / s}.Normalize()
}

// Slerp interpolates from a towards b by t along the shortest arc. The
// result is always unit length.
func Slerp(a, b Quat, t float64) Quat {
	a, b = a.Normalize(), b.Normalize()
	d := a.Dot(b)
	if d < 0 {
		b = Quat{W: -b.W, X: -b.X, Y: -b.Y, Z: -b.Z}
		d = -d
	}
	if d > 0.9995 {
		return Quat{
			W: a.W + t*(b.W-a.W),
			X: a.X + t*(b.X-a.X),
			Y: a.Y + t*(b.Y-a.Y),
			Z: a.Z + t*(b.Z-a.Z),
		}.Normalize()
	}
	theta := math.Acos(d)
	sinTheta := math.Sin(theta)
	wa := math.Sin((1-t)*theta) / sinTheta
	wb := math.Sin(t*theta) / sinTheta
	return Quat{
		W: wa*a.W + wb*b.W,
		X: wa*a.X + wb*b.X,
		Y: wa*a.Y + wb*b.Y,
		Z: wa*a.Z + wb*b.Z,
	}.Normalize()
}

// AngleBetween returns the rotation angle separating a and b, in radians.
func AngleBetween(a, b Quat) float64 {
	d := math.Abs(a.Normalize().Dot(b.Normalize()))
	if d > 1 {
		d = 1
	}
	return 2 * math.Acos(d)
}

// Pose is a position plus orientation.
type Pose struct {
	Position    Vec
	Orientation Quat
}

// IdentityPose is the origin with no rotation.
func IdentityPose() Pose {
	return Pose{Orientation: Identity()}
}

// IsFinite reports whether every component is a real number.
func (p Pose) IsFinite() bool {
	for _, v := range [...]float64{
		p.Position.X, p.Position.Y, p.Position.Z,
		p.Orientation.W, p.Orientation.X, p.Orientation.Y, p.Orientation.Z,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Degrees converts radians to degrees.
func Degrees(rad float64) float64 { return rad * 180 / math.Pi }

// Radians converts degrees to radians.
func Radians(deg float64) float64 { return deg * math.Pi / 180 }
