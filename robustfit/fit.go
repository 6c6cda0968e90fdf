// Package robustfit wraps a bounded nonlinear least-squares fit in a
// sigma-clipping loop.
//
// The loop runs a fixed number of iterations and does not stop early when
// the clipped set stabilises; pick NIter large enough for the data.
package robustfit

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/profile"
)

// Bounds are inclusive per-parameter limits. A nil *Bounds means unbounded.
type Bounds struct {
	Lower, Upper []float64
}

// Range keeps data with Min < x < Max.
type Range struct {
	Min, Max float64
}

type Options struct {
	Bounds *Bounds
	Range  *Range
	// NIter is the number of refit-and-clip rounds after the seed fit.
	NIter int
	// KStd is the clipping threshold in robust standard deviations.
	KStd float64
}

// DefaultOptions mirrors the usual bootstrap settings: three rounds at 5 sigma.
func DefaultOptions() Options {
	return Options{NIter: 3, KStd: 5}
}

type Result struct {
	Params []float64
	Cov    *mat.SymDense
	// Scale is the robust residual standard deviation of the final round.
	Scale float64
	KStd  float64
	// X and Y are the data left after the range cut; Clipped flags the
	// outliers among them.
	X, Y    []float64
	Clipped []bool

	model Model
}

// Errors returns the 1-sigma parameter uncertainties from the covariance
// diagonal.
func (r *Result) Errors() []float64 {
	out := make([]float64, len(r.Params))
	for i := range out {
		out[i] = math.Sqrt(r.Cov.At(i, i))
	}
	return out
}

// IsOutlier classifies a point against the final fit with the final scale.
func (r *Result) IsOutlier(x, y float64) bool {
	res := y - r.model(x, r.Params)
	return res*res > (r.KStd*r.Scale)*(r.KStd*r.Scale)
}

// Predict evaluates the fitted model.
func (r *Result) Predict(x float64) float64 { return r.model(x, r.Params) }

// Fit runs the robust iterative fit of f to (x, y) starting from p0.
func Fit(x, y []float64, f Model, p0 []float64, opts Options) (*Result, error) {
	const op = "robustfit.Fit"
	if len(x) != len(y) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "len(x)=%d != len(y)=%d", len(x), len(y))
	}
	if len(p0) == 0 {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "empty initial guess")
	}
	lower, upper, err := resolveBounds(p0, opts.Bounds)
	if err != nil {
		return nil, fiterr.New(op, fiterr.KindNonConvergence, err)
	}
	if opts.KStd <= 0 {
		opts.KStd = 5
	}

	var xs, ys []float64
	for i := range x {
		if opts.Range != nil && !(x[i] > opts.Range.Min && x[i] < opts.Range.Max) {
			continue
		}
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}

	lm, err := leastSquares(xs, ys, f, p0, lower, upper)
	if err != nil {
		return nil, fmt.Errorf("seed fit: %w", err)
	}

	clip := make([]bool, len(xs))
	scale := 0.0
	res := make([]float64, len(xs))
	for it := 0; it < opts.NIter; it++ {
		var xc, yc []float64
		for i := range xs {
			if !clip[i] {
				xc = append(xc, xs[i])
				yc = append(yc, ys[i])
			}
		}
		lm, err = leastSquares(xc, yc, f, p0, lower, upper)
		if err != nil {
			return nil, fmt.Errorf("round %d: %w", it+1, err)
		}
		for i := range xs {
			res[i] = ys[i] - f(xs[i], lm.params)
		}
		scale = MADStd(res)
		for i, r := range res {
			clip[i] = r*r > (opts.KStd*scale)*(opts.KStd*scale)
		}
	}

	if opts.NIter == 0 {
		for i := range xs {
			res[i] = ys[i] - f(xs[i], lm.params)
		}
		scale = MADStd(res)
	}
	m, _ := lm.jac.Dims()
	cov, err := covariance(lm, m)
	if err != nil {
		return nil, fiterr.New(op, fiterr.KindNonConvergence, err)
	}

	return &Result{
		Params:  lm.params,
		Cov:     cov,
		Scale:   scale,
		KStd:    opts.KStd,
		X:       xs,
		Y:       ys,
		Clipped: clip,
		model:   f,
	}, nil
}

func resolveBounds(p0 []float64, b *Bounds) (lower, upper []float64, err error) {
	n := len(p0)
	lower = make([]float64, n)
	upper = make([]float64, n)
	for i := range p0 {
		lower[i], upper[i] = math.Inf(-1), math.Inf(1)
	}
	if b != nil {
		if len(b.Lower) != n || len(b.Upper) != n {
			return nil, nil, fmt.Errorf("bounds have %d/%d entries for %d parameters: %w", len(b.Lower), len(b.Upper), n, fiterr.ErrBadBounds)
		}
		copy(lower, b.Lower)
		copy(upper, b.Upper)
	}
	for i, v := range p0 {
		if !(lower[i] < upper[i]) {
			return nil, nil, fmt.Errorf("parameter %d: lower %g >= upper %g: %w", i, lower[i], upper[i], fiterr.ErrBadBounds)
		}
		if v < lower[i] || v > upper[i] || math.IsNaN(v) {
			return nil, nil, fmt.Errorf("initial guess p[%d]=%g outside [%g, %g]: %w", i, v, lower[i], upper[i], fiterr.ErrFitFailed)
		}
	}
	return lower, upper, nil
}

// MADStd is the median absolute deviation scaled to a normal standard
// deviation (1.4826 * MAD).
func MADStd(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	med := profile.Median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return 1.4826 * profile.Median(dev)
}
