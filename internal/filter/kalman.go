package filter

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// KalmanDt is the fixed step the position Kalman model is tuned for.
const KalmanDt = 1.0 / 100

// Kalman is a one-dimensional constant-velocity Kalman filter with a
// three-element state (position, velocity, acceleration) and a
// position-only measurement. Control input is always zero so B is omitted.
type Kalman struct {
	a  *mat.Dense // 3x3 system dynamics
	c  *mat.Dense // 1x3 output
	q  *mat.Dense // 3x3 process noise
	r  float64    // measurement noise
	p0 *mat.Dense

	x *mat.VecDense // state estimate
	p *mat.Dense    // estimate covariance
}

// NewKalman returns a filter with the tuned default model and a zero
// initial state.
func NewKalman() *Kalman {
	dt := KalmanDt
	k := &Kalman{
		a: mat.NewDense(3, 3, []float64{
			1, dt, 0,
			0, 1, dt,
			0, 0, 1,
		}),
		c: mat.NewDense(1, 3, []float64{1, 0, 0}),
		q: mat.NewDense(3, 3, []float64{
			.17, .17, 0,
			.17, .17, 0,
			0, 0, 0,
		}),
		r: 5,
		p0: mat.NewDense(3, 3, []float64{
			.3, .3, .3,
			.3, 30000, 30,
			.3, 30, 300,
		}),
	}
	k.Reset()
	return k
}

// Reset zeroes the state and restores the initial covariance.
func (k *Kalman) Reset() {
	k.x = mat.NewVecDense(3, nil)
	k.p = mat.DenseCopyOf(k.p0)
}

// Predict advances the state one step: x = A·x, P = A·P·Aᵀ + Q.
func (k *Kalman) Predict() {
	var x mat.VecDense
	x.MulVec(k.a, k.x)
	k.x = &x

	var ap, apa mat.Dense
	ap.Mul(k.a, k.p)
	apa.Mul(&ap, k.a.T())
	apa.Add(&apa, k.q)
	k.p = &apa
}

// Correct folds in a position measurement y.
func (k *Kalman) Correct(y float64) {
	// S = C·P·Cᵀ + R is a scalar for a single measurement.
	var pct mat.Dense
	pct.Mul(k.p, k.c.T()) // 3x1
	var cpct mat.Dense
	cpct.Mul(k.c, &pct)
	s := cpct.At(0, 0) + k.r
	if s == 0 {
		return
	}

	// K = P·Cᵀ / S
	gain := mat.NewVecDense(3, nil)
	for i := 0; i < 3; i++ {
		gain.SetVec(i, pct.At(i, 0)/s)
	}

	innovation := y - k.x.AtVec(0)
	k.x.AddScaledVec(k.x, innovation, gain)

	// P = (I − K·C)·P
	var kc mat.Dense
	kc.Outer(1, gain, mat.NewVecDense(3, []float64{1, 0, 0}))
	ikc := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
	ikc.Sub(ikc, &kc)
	var p mat.Dense
	p.Mul(ikc, k.p)
	k.p = &p

	if !k.finite() {
		k.Reset()
	}
}

// Step runs one predict-then-correct cycle and returns the filtered
// position.
func (k *Kalman) Step(y float64) float64 {
	k.Predict()
	k.Correct(y)
	return k.Position()
}

// Position is the first state component.
func (k *Kalman) Position() float64 { return k.x.AtVec(0) }

func (k *Kalman) finite() bool {
	for i := 0; i < 3; i++ {
		v := k.x.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
