package spatial

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Mat3 is a row-major 3x3 matrix. It is a value type so calibration
// records can be copied and compared directly.
type Mat3 [9]float64

// Identity3 returns the identity matrix.
func Identity3() Mat3 {
	return Mat3{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

// At returns element (i, j).
func (m Mat3) At(i, j int) float64 { return m[i*3+j] }

// IsZero reports whether every element is zero.
func (m Mat3) IsZero() bool { return m == Mat3{} }

// MulVec returns m·v.
func (m Mat3) MulVec(v Vec) Vec {
	return Vec{
		X: m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		Y: m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		Z: m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

// Mul returns m·n.
func (m Mat3) Mul(n Mat3) Mat3 {
	var c mat.Dense
	c.Mul(m.Dense(), n.Dense())
	return Mat3FromDense(&c)
}

// T returns the transpose.
func (m Mat3) T() Mat3 {
	return Mat3{m[0], m[3], m[6], m[1], m[4], m[7], m[2], m[5], m[8]}
}

// Det returns the determinant.
func (m Mat3) Det() float64 {
	return mat.Det(m.Dense())
}

// Dense copies m into a gonum matrix.
func (m Mat3) Dense() *mat.Dense {
	data := make([]float64, 9)
	copy(data, m[:])
	return mat.NewDense(3, 3, data)
}

// Mat3FromDense copies the top-left 3x3 block of a.
func Mat3FromDense(a mat.Matrix) Mat3 {
	var m Mat3
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m[i*3+j] = a.At(i, j)
		}
	}
	return m
}

// Mat3FromQuat returns the rotation matrix of q.
func Mat3FromQuat(q Quat) Mat3 {
	q = q.Normalize()
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}

// Mat3FromEuler returns Rx(x)·Ry(y)·Rz(z) as a matrix.
func Mat3FromEuler(x, y, z float64) Mat3 {
	return Mat3FromQuat(FromEuler(x, y, z))
}

// Quat converts a rotation matrix to a unit quaternion.
func (m Mat3) Quat() Quat {
	tr := m[0] + m[4] + m[8]
	var q Quat
	switch {
	case tr > 0:
		s := math.Sqrt(tr+1) * 2
		q = Quat{W: s / 4, X: (m[7] - m[5]) / s, Y: (m[2] - m[6]) / s, Z: (m[3] - m[1]) / s}
	case m[0] > m[4] && m[0] > m[8]:
		s := math.Sqrt(1+m[0]-m[4]-m[8]) * 2
		q = Quat{W: (m[7] - m[5]) / s, X: s / 4, Y: (m[1] + m[3]) / s, Z: (m[2] + m[6]) / s}
	case m[4] > m[8]:
		s := math.Sqrt(1+m[4]-m[0]-m[8]) * 2
		q = Quat{W: (m[2] - m[6]) / s, X: (m[1] + m[3]) / s, Y: s / 4, Z: (m[5] + m[7]) / s}
	default:
		s := math.Sqrt(1+m[8]-m[0]-m[4]) * 2
		q = Quat{W: (m[3] - m[1]) / s, X: (m[2] + m[6]) / s, Y: (m[5] + m[7]) / s, Z: s / 4}
	}
	return q.Normalize()
}

// Euler decomposes the matrix into intrinsic XYZ angles.
func (m Mat3) Euler() Vec {
	sy := m[2]
	if sy > 1 {
		sy = 1
	} else if sy < -1 {
		sy = -1
	}
	y := math.Asin(sy)
	if math.Abs(sy) > 1-1e-9 {
		// Gimbal lock: fold Z into X.
		return Vec{X: math.Atan2(m[7], m[4]), Y: y, Z: 0}
	}
	return Vec{
		X: math.Atan2(-m[5], m[8]),
		Y: y,
		Z: math.Atan2(-m[1], m[0]),
	}
}

// Yaw returns the heading of the matrix's forward column.
func (m Mat3) Yaw() float64 {
	if math.Abs(m[2]) < 1e-12 && math.Abs(m[8]) < 1e-12 {
		return 0
	}
	return math.Atan2(m[2], m[8])
}
