// Package kalman implements a linear-Gaussian state estimator with an
// online calibration phase. The filter is constructed around identity
// transition and observation models (the tracked coordinate is assumed
// constant between frames and directly observed) and can re-estimate its
// process and measurement noise covariances from a buffer of recent raw
// observations via expectation-maximisation.
package kalman

import (
	"gonum.org/v1/gonum/mat"
)

const (
	// DefaultTrainSize is the number of observations collected before the
	// first automatic calibration pass.
	DefaultTrainSize = 15
	// DefaultEMIterations is the number of EM sweeps per calibration pass.
	DefaultEMIterations = 5

	// minNoiseVariance keeps the estimated noise covariances invertible
	// when the calibration window happens to contain near-constant data.
	minNoiseVariance = 1e-9
)

// Config holds construction parameters for a Filter.
type Config struct {
	// TrainSize arms the initial calibration countdown. Zero disables
	// automatic calibration.
	TrainSize int
	// EMIterations is the EM sweep count used when calibration fires.
	EMIterations int
}

// DefaultConfig returns the standard tracking configuration.
func DefaultConfig() Config {
	return Config{
		TrainSize:    DefaultTrainSize,
		EMIterations: DefaultEMIterations,
	}
}

// Filter is an adaptive Kalman filter of fixed dimension. It is not safe
// for concurrent use; the tracking worker is its single writer.
type Filter struct {
	dim int

	f *mat.Dense // state transition
	h *mat.Dense // observation model
	q *mat.Dense // process noise covariance
	r *mat.Dense // measurement noise covariance

	mean *mat.VecDense
	cov  *mat.Dense

	learning bool

	countdown int
	emIters   int
	pending   []*mat.VecDense
}

// New creates a Filter seeded with the given initial mean. The dimension is
// fixed by len(initial) and never changes. Transition and observation
// matrices are identity; noise covariances start at identity and are
// re-estimated when calibration fires.
func New(initial []float64, cfg Config) *Filter {
	dim := len(initial)
	kf := &Filter{
		dim:      dim,
		f:        eye(dim),
		h:        eye(dim),
		q:        eye(dim),
		r:        eye(dim),
		mean:     mat.NewVecDense(dim, append([]float64(nil), initial...)),
		cov:      eye(dim),
		learning: true,
		emIters:  cfg.EMIterations,
	}
	if kf.emIters <= 0 {
		kf.emIters = DefaultEMIterations
	}
	if cfg.TrainSize > 0 {
		kf.Calibrate(cfg.TrainSize, kf.emIters)
	}
	return kf
}

// Dim returns the filter's fixed state dimension.
func (kf *Filter) Dim() int { return kf.dim }

// SetLearning toggles covariance updates. With learning off only the mean
// moves; the covariance (and therefore the gain) is held fixed, which is
// the cheap steady-state path once the noise estimates are trusted.
func (kf *Filter) SetLearning(on bool) { kf.learning = on }

// Learning reports whether covariance updates are enabled.
func (kf *Filter) Learning() bool { return kf.learning }

// Mean returns a copy of the current state estimate.
func (kf *Filter) Mean() []float64 {
	out := make([]float64, kf.dim)
	copy(out, kf.mean.RawVector().Data)
	return out
}

// Covariance returns a copy of the current state covariance.
func (kf *Filter) Covariance() *mat.Dense {
	return mat.DenseCopyOf(kf.cov)
}

// CalibrationCountdown returns the number of observations still to collect
// before the next calibration pass, zero when disarmed.
func (kf *Filter) CalibrationCountdown() int { return kf.countdown }

// PendingObservations returns the current calibration buffer length.
func (kf *Filter) PendingObservations() int { return len(kf.pending) }

// Calibrate arms (or re-arms) the calibration routine: after the next
// observations updates, the noise covariances are re-estimated with emIters
// EM sweeps over the buffered observations.
func (kf *Filter) Calibrate(observations, emIters int) {
	kf.countdown = observations
	if emIters > 0 {
		kf.emIters = emIters
	}
}

// Update feeds one observation through the filter and returns the updated
// mean estimate. While the calibration countdown is armed the raw
// observation is buffered; when the countdown reaches zero the buffer is
// consumed by a recalibration pass exactly once.
func (kf *Filter) Update(observation []float64) []float64 {
	z := mat.NewVecDense(kf.dim, append([]float64(nil), observation...))

	mean, cov := kf.step(kf.mean, kf.cov, z)
	kf.mean = mean
	if kf.learning {
		kf.cov = cov
	}

	if kf.countdown > 0 {
		kf.pending = append(kf.pending, z)
		kf.countdown--
		if kf.countdown == 0 {
			kf.recalibrate()
		}
	}

	return kf.Mean()
}

// step runs one predict/update cycle from the given state and returns the
// posterior mean and covariance without mutating the filter.
func (kf *Filter) step(x *mat.VecDense, p *mat.Dense, z *mat.VecDense) (*mat.VecDense, *mat.Dense) {
	xp, pp := kf.predict(x, p)
	return kf.correct(xp, pp, z)
}

// predict propagates the state through the transition model.
func (kf *Filter) predict(x *mat.VecDense, p *mat.Dense) (*mat.VecDense, *mat.Dense) {
	xp := mat.NewVecDense(kf.dim, nil)
	xp.MulVec(kf.f, x)

	pp := mat.NewDense(kf.dim, kf.dim, nil)
	pp.Product(kf.f, p, kf.f.T())
	pp.Add(pp, kf.q)
	return xp, pp
}

// correct folds an observation into a predicted state.
func (kf *Filter) correct(xp *mat.VecDense, pp *mat.Dense, z *mat.VecDense) (*mat.VecDense, *mat.Dense) {
	// S = H P- H^T + R
	s := mat.NewDense(kf.dim, kf.dim, nil)
	s.Product(kf.h, pp, kf.h.T())
	s.Add(s, kf.r)

	var sInv mat.Dense
	if err := sInv.Inverse(s); err != nil {
		// Singular innovation covariance: leave the state at the prediction.
		return xp, pp
	}

	// K = P- H^T S^-1
	k := mat.NewDense(kf.dim, kf.dim, nil)
	k.Product(pp, kf.h.T(), &sInv)

	// x = x- + K (z - H x-)
	innov := mat.NewVecDense(kf.dim, nil)
	innov.MulVec(kf.h, xp)
	innov.SubVec(z, innov)

	x := mat.NewVecDense(kf.dim, nil)
	x.MulVec(k, innov)
	x.AddVec(xp, x)

	// P = (I - K H) P-
	kh := mat.NewDense(kf.dim, kf.dim, nil)
	kh.Mul(k, kf.h)
	ikh := eye(kf.dim)
	ikh.Sub(ikh, kh)

	p := mat.NewDense(kf.dim, kf.dim, nil)
	p.Mul(ikh, pp)
	return x, p
}

func eye(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}
