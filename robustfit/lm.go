package robustfit

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// Model is a scalar model y = f(x; p).
type Model func(x float64, p []float64) float64

const (
	lmTolerance = 1e-12
	lmMaxIter   = 500
)

type lmResult struct {
	params []float64
	cost   float64
	jac    *mat.Dense
	iters  int
}

// leastSquares minimises sum (f(x_i; p) - y_i)^2 for p inside [lower, upper]
// with a damped Gauss-Newton (Levenberg-Marquardt) iteration. A parameter
// sitting on a bound with the gradient pushing it outward is held fixed for
// the step and left out of the gradient test; steps that leave the box are
// clamped back onto it.
func leastSquares(x, y []float64, f Model, p0, lower, upper []float64) (*lmResult, error) {
	const op = "robustfit.leastSquares"
	n := len(p0)
	m := len(x)
	if m < n {
		return nil, fiterr.Newf(op, fiterr.KindNonConvergence, "%d points for %d parameters: %w", m, n, fiterr.ErrInsufficientData)
	}

	p := append([]float64(nil), p0...)
	fi := make([]float64, m)
	cost := residuals(x, y, f, p, fi)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, fiterr.Newf(op, fiterr.KindNonConvergence, "non-finite residuals at initial guess %v: %w", p0, fiterr.ErrFitFailed)
	}
	jac := mat.NewDense(m, n, nil)
	jacobian(x, f, p, lower, upper, jac)

	lambda := 1e-3
	nu := 2.0

	var jtj mat.Dense
	var jtf mat.VecDense
	var dx mat.VecDense
	pNew := make([]float64, n)
	fiNew := make([]float64, m)
	active := make([]bool, n)

	for iter := 0; iter < lmMaxIter; iter++ {
		if cost == 0 {
			return &lmResult{params: p, cost: cost, jac: jac, iters: iter}, nil
		}
		jtj.Mul(jac.T(), jac)
		jtf.MulVec(jac.T(), mat.NewVecDense(m, fi))
		nFree := activeSet(p, jtf.RawVector().Data, lower, upper, active)
		if nFree == 0 || projectedNorm(&jtf, active) < lmTolerance*cost {
			return &lmResult{params: p, cost: cost, jac: jac, iters: iter}, nil
		}

		for tries := 0; tries < 30; tries++ {
			a := mat.DenseCopyOf(&jtj)
			rhs := mat.VecDenseCopyOf(&jtf)
			rhs.ScaleVec(-1, rhs)
			for i := 0; i < n; i++ {
				if active[i] {
					// pinned: dx_i = 0 and no coupling to the free block
					for k := 0; k < n; k++ {
						a.Set(i, k, 0)
						a.Set(k, i, 0)
					}
					a.Set(i, i, 1)
					rhs.SetVec(i, 0)
					continue
				}
				d := jtj.At(i, i)
				if d < 1e-12 {
					d = 1e-12
				}
				a.Set(i, i, d*(1+lambda))
			}
			if err := dx.SolveVec(a, rhs); err != nil {
				if _, ok := err.(mat.Condition); !ok {
					lambda *= nu
					nu *= 2
					continue
				}
			}

			moved := false
			for j := 0; j < n; j++ {
				pNew[j] = clampLM(p[j]+dx.AtVec(j), lower[j], upper[j])
				moved = moved || pNew[j] != p[j]
			}
			if !moved {
				// the projected step is below float resolution
				return &lmResult{params: p, cost: cost, jac: jac, iters: iter + 1}, nil
			}
			costNew := residuals(x, y, f, pNew, fiNew)

			if costNew < cost {
				improvement := (cost - costNew) / cost
				copy(p, pNew)
				copy(fi, fiNew)
				cost = costNew
				lambda = math.Max(lambda/3, 1e-15)
				nu = 2
				jacobian(x, f, p, lower, upper, jac)
				if improvement < lmTolerance {
					return &lmResult{params: p, cost: cost, jac: jac, iters: iter + 1}, nil
				}
				break
			}
			lambda *= nu
			nu *= 2
			if lambda > 1e16 {
				// no downhill step left: p is a minimum to working precision
				return &lmResult{params: p, cost: cost, jac: jac, iters: iter + 1}, nil
			}
		}
	}
	return nil, fiterr.Newf(op, fiterr.KindNonConvergence, "no convergence after %d iterations: %w", lmMaxIter, fiterr.ErrFitFailed)
}

// activeSet flags the parameters on a bound whose gradient g = J^T f
// points out of the box, and returns how many remain free.
func activeSet(p, g, lower, upper []float64, active []bool) int {
	free := 0
	for j := range p {
		active[j] = (p[j] <= lower[j] && g[j] > 0) || (p[j] >= upper[j] && g[j] < 0)
		if !active[j] {
			free++
		}
	}
	return free
}

func projectedNorm(g *mat.VecDense, active []bool) float64 {
	var s float64
	for j := 0; j < g.Len(); j++ {
		if !active[j] {
			s += g.AtVec(j) * g.AtVec(j)
		}
	}
	return math.Sqrt(s)
}

// covariance is inv(J^T J) scaled by the residual variance, the unweighted
// least-squares estimate.
func covariance(res *lmResult, m int) (*mat.SymDense, error) {
	n := len(res.params)
	var jtj mat.SymDense
	jtj.SymOuterK(1, res.jac.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&jtj); !ok {
		return nil, fiterr.Newf("robustfit.covariance", fiterr.KindNonConvergence, "singular jacobian: %w", fiterr.ErrFitFailed)
	}
	cov := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fiterr.Newf("robustfit.covariance", fiterr.KindNonConvergence, "singular jacobian: %w", fiterr.ErrFitFailed)
	}
	if m > n {
		cov.ScaleSym(res.cost/float64(m-n), cov)
	} else {
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				cov.SetSym(i, j, math.Inf(1))
			}
		}
	}
	return cov, nil
}

func residuals(x, y []float64, f Model, p, out []float64) float64 {
	cost := 0.0
	for i := range x {
		out[i] = f(x[i], p) - y[i]
		cost += out[i] * out[i]
	}
	return cost
}

// jacobian fills jac with finite differences, one-sided where a central
// step would leave the bounds.
func jacobian(x []float64, f Model, p, lower, upper []float64, jac *mat.Dense) {
	q := append([]float64(nil), p...)
	for j := range p {
		h := 1e-6 * math.Max(math.Abs(p[j]), 1)
		lo, hi := p[j]-h, p[j]+h
		if lo < lower[j] {
			lo = p[j]
		}
		if hi > upper[j] {
			hi = p[j]
		}
		if hi == lo {
			// parameter pinned by its bounds
			for i := range x {
				jac.Set(i, j, 0)
			}
			continue
		}
		for i := range x {
			q[j] = hi
			fh := f(x[i], q)
			q[j] = lo
			fl := f(x[i], q)
			jac.Set(i, j, (fh-fl)/(hi-lo))
		}
		q[j] = p[j]
	}
}

func clampLM(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
