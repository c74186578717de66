package tracking

import (
	"gonum.org/v1/gonum/mat"
)

const processNoise = 0.03

// MotionPredictor is a constant-velocity Kalman filter over [x y vx vy]
// measured through [x y].
type MotionPredictor struct {
	x *mat.VecDense // state
	p *mat.Dense    // state covariance
	f *mat.Dense    // transition
	h *mat.Dense    // measurement
	q *mat.Dense    // process noise
	r *mat.Dense    // measurement noise
}

// NewMotionPredictor creates a filter seeded at the given centroid with zero velocity
func NewMotionPredictor(cx, cy float64) *MotionPredictor {
	q := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		q.Set(i, i, processNoise)
	}
	return &MotionPredictor{
		x: mat.NewVecDense(4, []float64{cx, cy, 0, 0}),
		p: identity(4),
		f: mat.NewDense(4, 4, []float64{
			1, 0, 1, 0,
			0, 1, 0, 1,
			0, 0, 1, 0,
			0, 0, 0, 1,
		}),
		h: mat.NewDense(2, 4, []float64{
			1, 0, 0, 0,
			0, 1, 0, 0,
		}),
		q: q,
		r: identity(2),
	}
}

// Predict advances the state one frame
func (k *MotionPredictor) Predict() (float64, float64) {
	var x mat.VecDense
	x.MulVec(k.f, k.x)
	k.x = &x

	// P = F P F' + Q
	var fp, p mat.Dense
	fp.Mul(k.f, k.p)
	p.Mul(&fp, k.f.T())
	p.Add(&p, k.q)
	k.p = &p

	return k.x.AtVec(0), k.x.AtVec(1)
}

// Correct folds a measured centroid into the state.
// A singular innovation covariance leaves the state unchanged.
func (k *MotionPredictor) Correct(mx, my float64) {
	z := mat.NewVecDense(2, []float64{mx, my})

	// y = z - H x
	var hx, y mat.VecDense
	hx.MulVec(k.h, k.x)
	y.SubVec(z, &hx)

	// S = H P H' + R
	var hp, s mat.Dense
	hp.Mul(k.h, k.p)
	s.Mul(&hp, k.h.T())
	s.Add(&s, k.r)

	var sInv mat.Dense
	if err := sInv.Inverse(&s); err != nil {
		return
	}

	// K = P H' S^-1
	var pht, gain mat.Dense
	pht.Mul(k.p, k.h.T())
	gain.Mul(&pht, &sInv)

	var ky, x mat.VecDense
	ky.MulVec(&gain, &y)
	x.AddVec(k.x, &ky)
	k.x = &x

	// P = (I - K H) P
	var kh, ikh, p mat.Dense
	kh.Mul(&gain, k.h)
	ikh.Sub(identity(4), &kh)
	p.Mul(&ikh, k.p)
	k.p = &p
}

// Position returns the current position estimate
func (k *MotionPredictor) Position() (float64, float64) {
	return k.x.AtVec(0), k.x.AtVec(1)
}

// Velocity returns the current velocity estimate in px/frame
func (k *MotionPredictor) Velocity() (float64, float64) {
	return k.x.AtVec(2), k.x.AtVec(3)
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
