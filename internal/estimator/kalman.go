// Package estimator implements the shaft state estimator: a three-state
// discrete linear Kalman filter over angle, angular velocity and angular
// acceleration with a constant-acceleration model.
//
//	x = [θ, ω, α]ᵀ
//	F(dt) = [1  dt  dt²/2]
//	        [0  1   dt   ]
//	        [0  0   1    ]
//	H = [0 1 0]   (only velocity is measured)
//
// Covariance propagation is P' = F·P·Fᵀ + Q; the correction uses the Joseph
// form so P stays symmetric positive semi-definite under rounding.
package estimator

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNonFiniteMeasurement is returned by Update for NaN or infinite input.
var ErrNonFiniteMeasurement = errors.New("measurement is not finite")

const (
	stateDim = 3

	// symmetryTolerance is the largest relative asymmetry accepted in a
	// propagated covariance before it is considered corrupt.
	symmetryTolerance = 1e-6
	// eigenTolerance is the most negative relative eigenvalue accepted as
	// rounding noise around zero.
	eigenTolerance = 1e-9
)

// State is the filtered shaft state.
type State struct {
	Angle        float64 // rad, unbounded
	Velocity     float64 // rad/s
	Acceleration float64 // rad/s²
}

// Estimator is the Kalman filter. It is not safe for concurrent use.
type Estimator struct {
	cfg Config

	x *mat.VecDense
	p *mat.SymDense

	h *mat.Dense // 1x3 observation
	r float64

	fNominal *mat.Dense
	resets   int
}

// New creates an estimator with zero state and the configured initial
// covariance.
func New(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Estimator{
		cfg:      cfg,
		x:        mat.NewVecDense(stateDim, nil),
		p:        mat.NewSymDense(stateDim, nil),
		h:        mat.NewDense(1, stateDim, []float64{0, 1, 0}),
		r:        cfg.MeasurementNoise,
		fNominal: transition(cfg.NominalDt),
	}
	e.resetCovariance()
	return e, nil
}

// Config returns the model constants in use.
func (e *Estimator) Config() Config { return e.cfg }

// transition builds F for a constant-acceleration step of dt seconds.
func transition(dt float64) *mat.Dense {
	return mat.NewDense(stateDim, stateDim, []float64{
		1, dt, 0.5 * dt * dt,
		0, 1, dt,
		0, 0, 1,
	})
}

// Predict advances the state by one nominal time step.
func (e *Estimator) Predict() {
	e.predict(e.fNominal, 1)
}

// PredictDt advances the state by dt seconds, recomputing F and scaling Q to
// the elapsed time. Non-positive dt is ignored; dt above MaxDt is clamped.
func (e *Estimator) PredictDt(dt float64) {
	if !finite(dt) || dt <= 0 {
		return
	}
	if dt > e.cfg.MaxDt {
		dt = e.cfg.MaxDt
	}
	e.predict(transition(dt), dt/e.cfg.NominalDt)
}

func (e *Estimator) predict(f *mat.Dense, qScale float64) {
	// x' = F·x
	var nx mat.VecDense
	nx.MulVec(f, e.x)
	e.x.CopyVec(&nx)

	// P' = F·P·Fᵀ + Q
	var fp, fpft mat.Dense
	fp.Mul(f, e.p)
	fpft.Mul(&fp, f.T())
	for i := 0; i < stateDim; i++ {
		fpft.Set(i, i, fpft.At(i, i)+e.cfg.ProcessNoise[i]*qScale)
	}

	e.storeCovariance(&fpft)
}

// Update corrects the state with a measured angular velocity in rad/s.
func (e *Estimator) Update(measuredVelocity float64) error {
	if !finite(measuredVelocity) {
		return ErrNonFiniteMeasurement
	}

	// S = H·P·Hᵀ + R
	var pht, hpht mat.Dense
	pht.Mul(e.p, e.h.T())
	hpht.Mul(e.h, &pht)
	s := hpht.At(0, 0) + e.r
	if !finite(s) || s <= 0 {
		e.guard(false)
		return nil
	}

	// K = P·Hᵀ·S⁻¹
	var k mat.Dense
	k.Scale(1/s, &pht)

	// x' = x + K·(z - H·x)
	var hx mat.VecDense
	hx.MulVec(e.h, e.x)
	innovation := measuredVelocity - hx.AtVec(0)
	for i := 0; i < stateDim; i++ {
		e.x.SetVec(i, e.x.AtVec(i)+k.At(i, 0)*innovation)
	}

	// P' = (I - K·H)·P·(I - K·H)ᵀ + K·R·Kᵀ
	var kh, ikh mat.Dense
	kh.Mul(&k, e.h)
	ikh.Sub(identity(), &kh)

	var a, joseph, krk mat.Dense
	a.Mul(&ikh, e.p)
	joseph.Mul(&a, ikh.T())
	krk.Mul(&k, k.T())
	krk.Scale(e.r, &krk)
	joseph.Add(&joseph, &krk)

	e.storeCovariance(&joseph)
	return nil
}

func identity() *mat.Dense {
	return mat.NewDense(stateDim, stateDim, []float64{
		1, 0, 0,
		0, 1, 0,
		0, 0, 1,
	})
}

// storeCovariance checks a freshly propagated covariance and writes its
// symmetric part into P, or resets P when the check fails.
func (e *Estimator) storeCovariance(m *mat.Dense) {
	symmetric := isSymmetric(m)
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			e.p.SetSym(i, j, 0.5*(m.At(i, j)+m.At(j, i)))
		}
	}
	e.guard(symmetric)
}

// guard resets the filter when P or x has become numerically meaningless.
func (e *Estimator) guard(symmetric bool) {
	stateOK := true
	for i := 0; i < stateDim; i++ {
		if !finite(e.x.AtVec(i)) {
			stateOK = false
		}
	}
	if symmetric && stateOK && isPositiveSemiDefinite(e.p) {
		return
	}

	e.resets++
	if !stateOK {
		e.x.Zero()
	}
	e.resetCovariance()
}

func isSymmetric(m *mat.Dense) bool {
	r, c := m.Dims()
	if r != c {
		return false
	}
	scale := 0.0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := m.At(i, j)
			if !finite(v) {
				return false
			}
			scale = math.Max(scale, math.Abs(v))
		}
	}
	for i := 0; i < r; i++ {
		for j := i + 1; j < c; j++ {
			if math.Abs(m.At(i, j)-m.At(j, i)) > symmetryTolerance*math.Max(scale, 1) {
				return false
			}
		}
	}
	return true
}

func isPositiveSemiDefinite(p *mat.SymDense) bool {
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			if !finite(p.At(i, j)) {
				return false
			}
		}
		if p.At(i, i) < 0 {
			return false
		}
	}

	var eig mat.EigenSym
	if ok := eig.Factorize(p, false); !ok {
		return false
	}
	values := eig.Values(nil)
	largest := 0.0
	for _, v := range values {
		largest = math.Max(largest, math.Abs(v))
	}
	for _, v := range values {
		if v < -eigenTolerance*math.Max(largest, 1) {
			return false
		}
	}
	return true
}

func (e *Estimator) resetCovariance() {
	for i := 0; i < stateDim; i++ {
		for j := i; j < stateDim; j++ {
			v := 0.0
			if i == j {
				v = e.cfg.InitialCovariance[i]
			}
			e.p.SetSym(i, j, v)
		}
	}
}

// State returns the current estimate.
func (e *Estimator) State() State {
	return State{
		Angle:        e.x.AtVec(0),
		Velocity:     e.x.AtVec(1),
		Acceleration: e.x.AtVec(2),
	}
}

// Covariance returns a copy of P.
func (e *Estimator) Covariance() *mat.SymDense {
	out := mat.NewSymDense(stateDim, nil)
	out.CopySym(e.p)
	return out
}

// Resets returns how many times the numerical guard restored the initial
// covariance.
func (e *Estimator) Resets() int { return e.resets }

// ResetMotion zeroes velocity and acceleration and restores their initial
// uncertainty, keeping the accumulated angle. Used when rotation has stopped.
func (e *Estimator) ResetMotion() {
	e.x.SetVec(1, 0)
	e.x.SetVec(2, 0)
	for i := 1; i < stateDim; i++ {
		for j := 0; j < stateDim; j++ {
			if i == j {
				e.p.SetSym(i, j, e.cfg.InitialCovariance[i])
			} else {
				e.p.SetSym(i, j, 0)
			}
		}
	}
}

// Reset restores the start-up state: zero state, initial covariance.
func (e *Estimator) Reset() {
	e.x.Zero()
	e.resetCovariance()
}
