package calibration

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/posebridge/internal/spatial"
)

// MinPoints is the fewest point pairs Kabsch accepts.
const MinPoints = 3

// Kabsch returns the rotation R and translation t minimising
// Σ|R·a[i] + t − b[i]|². Reflections are corrected so det(R) = +1.
func Kabsch(a, b []spatial.Vec) (spatial.Mat3, spatial.Vec, error) {
	if len(a) != len(b) {
		return spatial.Mat3{}, spatial.Vec{}, fmt.Errorf("point sets differ in size: %d vs %d", len(a), len(b))
	}
	if len(a) < MinPoints {
		return spatial.Mat3{}, spatial.Vec{}, fmt.Errorf("need at least %d points, got %d", MinPoints, len(a))
	}

	for i := range a {
		if !finite(a[i]) || !finite(b[i]) {
			return spatial.Mat3{}, spatial.Vec{}, fmt.Errorf("point %d is not finite", i)
		}
	}

	ca, cb := centroid(a), centroid(b)
	n := len(a)
	am := mat.NewDense(3, n, nil)
	bm := mat.NewDense(3, n, nil)
	for i := range a {
		am.Set(0, i, a[i].X-ca.X)
		am.Set(1, i, a[i].Y-ca.Y)
		am.Set(2, i, a[i].Z-ca.Z)
		bm.Set(0, i, b[i].X-cb.X)
		bm.Set(1, i, b[i].Y-cb.Y)
		bm.Set(2, i, b[i].Z-cb.Z)
	}

	var h mat.Dense
	h.Mul(am, bm.T())

	var svd mat.SVD
	if ok := svd.Factorize(&h, mat.SVDFull); !ok {
		return spatial.Mat3{}, spatial.Vec{}, errors.New("svd did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)

	var r mat.Dense
	r.Mul(&v, u.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			v.Set(i, 2, -v.At(i, 2))
		}
		r.Mul(&v, u.T())
	}

	rot := spatial.Mat3FromDense(&r)
	rc := rot.MulVec(ca)
	t := spatial.V(cb.X-rc.X, cb.Y-rc.Y, cb.Z-rc.Z)
	return rot, t, nil
}

// Residual is the RMS distance between R·a + t and b.
func Residual(rot spatial.Mat3, t spatial.Vec, a, b []spatial.Vec) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return math.NaN()
	}
	var sum float64
	for i := range a {
		p := rot.MulVec(a[i])
		dx := p.X + t.X - b[i].X
		dy := p.Y + t.Y - b[i].Y
		dz := p.Z + t.Z - b[i].Z
		sum += dx*dx + dy*dy + dz*dz
	}
	return math.Sqrt(sum / float64(len(a)))
}

func finite(v spatial.Vec) bool {
	for _, f := range [3]float64{v.X, v.Y, v.Z} {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

func centroid(ps []spatial.Vec) spatial.Vec {
	var c spatial.Vec
	for _, p := range ps {
		c.X += p.X
		c.Y += p.Y
		c.Z += p.Z
	}
	n := float64(len(ps))
	return spatial.V(c.X/n, c.Y/n, c.Z/n)
}

// FromKabsch builds the auto-calibration record for a solved transform.
func FromKabsch(rot spatial.Mat3, t spatial.Vec) Record {
	return Record{
		Rotation:     rot,
		Translation:  t,
		Yaw:          rot.Yaw(),
		IsCalibrated: true,
		IsAuto:       true,
	}
}
