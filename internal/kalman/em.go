package kalman

import (
	"log"
	"time"

	"gonum.org/v1/gonum/mat"
)

// forwardPass holds the per-step results of a filtering sweep, kept so the
// smoother can run backwards over them.
type forwardPass struct {
	xf []*mat.VecDense // filtered means
	pf []*mat.Dense    // filtered covariances
	xp []*mat.VecDense // predicted means
	pp []*mat.Dense    // predicted covariances
}

// smoothPass holds the results of an RTS backward sweep.
type smoothPass struct {
	xs []*mat.VecDense // smoothed means
	ps []*mat.Dense    // smoothed covariances
	j  []*mat.Dense    // smoother gains, j[t] maps step t -> t+1
}

// recalibrate re-estimates the process and measurement noise covariances
// from the buffered observations, then rebuilds the filter state from a
// final smoothing sweep over that same buffer. The buffer is consumed.
func (kf *Filter) recalibrate() {
	obs := kf.pending
	kf.pending = nil
	if len(obs) == 0 {
		return
	}

	start := time.Now()

	// EM holds the initial state fixed at the first buffered observation
	// with unit covariance; only Q and R are re-estimated.
	x0 := mat.VecDenseCopyOf(obs[0])
	p0 := eye(kf.dim)

	if len(obs) > 1 {
		for i := 0; i < kf.emIters; i++ {
			fp := kf.forward(obs, x0, p0)
			sp := kf.smooth(fp)
			kf.estimateNoise(obs, fp, sp)
		}
	}

	// Final sweep with the refit noise parameters; the filter restarts from
	// the last smoothed state, discarding the state evolved during
	// collection.
	fp := kf.forward(obs, x0, p0)
	sp := kf.smooth(fp)
	last := len(obs) - 1
	kf.mean = mat.VecDenseCopyOf(sp.xs[last])
	kf.cov = mat.DenseCopyOf(sp.ps[last])

	log.Printf("kalman: calibrated over %d observations in %s", len(obs), time.Since(start).Round(time.Microsecond))
}

// forward runs a filtering sweep over obs from the given initial state.
func (kf *Filter) forward(obs []*mat.VecDense, x0 *mat.VecDense, p0 *mat.Dense) forwardPass {
	n := len(obs)
	fp := forwardPass{
		xf: make([]*mat.VecDense, n),
		pf: make([]*mat.Dense, n),
		xp: make([]*mat.VecDense, n),
		pp: make([]*mat.Dense, n),
	}

	x, p := x0, p0
	for t := 0; t < n; t++ {
		fp.xp[t], fp.pp[t] = kf.predict(x, p)
		fp.xf[t], fp.pf[t] = kf.correct(fp.xp[t], fp.pp[t], obs[t])
		x, p = fp.xf[t], fp.pf[t]
	}
	return fp
}

// smooth runs the Rauch-Tung-Striebel backward sweep over a forward pass.
func (kf *Filter) smooth(fp forwardPass) smoothPass {
	n := len(fp.xf)
	sp := smoothPass{
		xs: make([]*mat.VecDense, n),
		ps: make([]*mat.Dense, n),
		j:  make([]*mat.Dense, n),
	}

	sp.xs[n-1] = mat.VecDenseCopyOf(fp.xf[n-1])
	sp.ps[n-1] = mat.DenseCopyOf(fp.pf[n-1])

	for t := n - 2; t >= 0; t-- {
		var ppInv mat.Dense
		if err := ppInv.Inverse(fp.pp[t+1]); err != nil {
			// Singular prediction covariance: carry the filtered state.
			sp.xs[t] = mat.VecDenseCopyOf(fp.xf[t])
			sp.ps[t] = mat.DenseCopyOf(fp.pf[t])
			sp.j[t] = mat.NewDense(kf.dim, kf.dim, nil)
			continue
		}

		// J = Pf F^T (Pp)^-1
		j := mat.NewDense(kf.dim, kf.dim, nil)
		j.Product(fp.pf[t], kf.f.T(), &ppInv)
		sp.j[t] = j

		// xs = xf + J (xs[t+1] - xp[t+1])
		dx := mat.NewVecDense(kf.dim, nil)
		dx.SubVec(sp.xs[t+1], fp.xp[t+1])
		xs := mat.NewVecDense(kf.dim, nil)
		xs.MulVec(j, dx)
		xs.AddVec(fp.xf[t], xs)
		sp.xs[t] = xs

		// Ps = Pf + J (Ps[t+1] - Pp[t+1]) J^T
		dp := mat.NewDense(kf.dim, kf.dim, nil)
		dp.Sub(sp.ps[t+1], fp.pp[t+1])
		ps := mat.NewDense(kf.dim, kf.dim, nil)
		ps.Product(j, dp, j.T())
		ps.Add(fp.pf[t], ps)
		sp.ps[t] = ps
	}
	return sp
}

// estimateNoise updates Q and R from smoothed sufficient statistics
// (Shumway-Stoffer M-step with the transition and observation models held
// fixed).
func (kf *Filter) estimateNoise(obs []*mat.VecDense, fp forwardPass, sp smoothPass) {
	n := len(obs)
	d := kf.dim

	qSum := mat.NewDense(d, d, nil)
	for t := 1; t < n; t++ {
		// Lag-one smoothed covariance: cov(x_t, x_{t-1}) = Ps[t] J[t-1]^T.
		lag := mat.NewDense(d, d, nil)
		lag.Mul(sp.ps[t], sp.j[t-1].T())

		// E[x_t x_{t-1}^T] and the two second moments.
		exx1 := addOuter(lag, sp.xs[t], sp.xs[t-1])
		exx := addOuter(mat.DenseCopyOf(sp.ps[t]), sp.xs[t], sp.xs[t])
		ex1x1 := addOuter(mat.DenseCopyOf(sp.ps[t-1]), sp.xs[t-1], sp.xs[t-1])

		// Q += E[xx] - E[xx1] F^T - F E[xx1]^T + F E[x1x1] F^T
		term := mat.NewDense(d, d, nil)
		term.Mul(exx1, kf.f.T())
		exx.Sub(exx, term)
		term.Mul(kf.f, exx1.T())
		exx.Sub(exx, term)
		term.Product(kf.f, ex1x1, kf.f.T())
		exx.Add(exx, term)

		qSum.Add(qSum, exx)
	}
	qSum.Scale(1/float64(n-1), qSum)
	kf.q = symmetrize(qSum)
	clampDiagonal(kf.q, minNoiseVariance)

	rSum := mat.NewDense(d, d, nil)
	resid := mat.NewVecDense(d, nil)
	for t := 0; t < n; t++ {
		// resid = z - H xs
		resid.MulVec(kf.h, sp.xs[t])
		resid.SubVec(obs[t], resid)

		outer := mat.NewDense(d, d, nil)
		outer.Outer(1, resid, resid)

		hph := mat.NewDense(d, d, nil)
		hph.Product(kf.h, sp.ps[t], kf.h.T())

		rSum.Add(rSum, outer)
		rSum.Add(rSum, hph)
	}
	rSum.Scale(1/float64(n), rSum)
	kf.r = symmetrize(rSum)
	clampDiagonal(kf.r, minNoiseVariance)
}

// addOuter returns m + a b^T.
func addOuter(m *mat.Dense, a, b *mat.VecDense) *mat.Dense {
	outer := mat.NewDense(a.Len(), b.Len(), nil)
	outer.Outer(1, a, b)
	m.Add(m, outer)
	return m
}

// symmetrize returns (m + m^T) / 2.
func symmetrize(m *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(m)
	out.Add(out, m.T())
	out.Scale(0.5, out)
	return out
}

// clampDiagonal enforces a floor on diagonal entries so later inversions
// stay well conditioned.
func clampDiagonal(m *mat.Dense, floor float64) {
	r, _ := m.Dims()
	for i := 0; i < r; i++ {
		if m.At(i, i) < floor {
			m.Set(i, i, floor)
		}
	}
}
