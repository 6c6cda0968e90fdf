// Package nested holds the nested-sampling boundary: the Backend a fit
// engine drives, the Result it returns, and the standard rule for combining
// independent runs over the same parameter space.
package nested

import (
	"math"
	"sort"
	"time"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// Result is the output of one sampling run or of several merged runs.
// Samples are ordered by increasing log-likelihood.
type Result struct {
	Samples  [][]float64 `json:"samples"`
	SamplesU [][]float64 `json:"samples_u"`
	LogL     []float64   `json:"logl"`
	LogWt    []float64   `json:"logwt"`
	LogVol   []float64   `json:"logvol"`
	LogZ     []float64   `json:"logz"`
	// NLive is the number of live points in force when each sample died.
	NLive []int `json:"samples_n"`

	NDim       int           `json:"ndim"`
	Labels     []string      `json:"labels"`
	NCall      int           `json:"ncall"`
	Iterations int           `json:"niter"`
	Batches    int           `json:"nbatch"`
	RunTime    time.Duration `json:"run_time"`
	Converged  bool          `json:"converged"`
}

func (r *Result) Len() int { return len(r.LogL) }

// LogZFinal is the final evidence estimate, -Inf for an empty result.
func (r *Result) LogZFinal() float64 {
	if len(r.LogZ) == 0 {
		return math.Inf(-1)
	}
	return r.LogZ[len(r.LogZ)-1]
}

// Weights returns the normalized importance weights exp(logwt - logz).
func (r *Result) Weights() []float64 {
	lz := r.LogZFinal()
	w := make([]float64, len(r.LogWt))
	for i, lw := range r.LogWt {
		w[i] = math.Exp(lw - lz)
	}
	return w
}

// run is one independent stretch of sampling: samples sorted by logL, the
// live-point count at each, and the likelihood bound the run started from.
type run struct {
	samples  [][]float64
	samplesU [][]float64
	logl     []float64
	nlive    []int
	bound    float64
}

func (r *run) nliveAt(l float64) int {
	if !(l > r.bound) {
		return 0
	}
	i := sort.SearchFloat64s(r.logl, l)
	if i == len(r.logl) {
		return 0
	}
	return r.nlive[i]
}

type indexed struct {
	run, i int
	logl   float64
}

// combine merges runs into a single sample sequence. At each likelihood
// level the live-point count is the sum over runs of the count the run had
// at its first sample at or above that level; volumes, weights and the
// evidence follow from that count.
func combine(runs []run) *Result {
	var all []indexed
	for k, r := range runs {
		for i, l := range r.logl {
			all = append(all, indexed{run: k, i: i, logl: l})
		}
	}
	sort.SliceStable(all, func(a, b int) bool { return all[a].logl < all[b].logl })

	res := &Result{}
	logX := 0.0
	prevL := math.Inf(-1)
	logZ := math.Inf(-1)
	for _, s := range all {
		n := 0
		for k := range runs {
			n += runs[k].nliveAt(s.logl)
		}
		if n < 1 {
			n = 1
		}
		r := runs[s.run]
		logDX := logX - math.Log(float64(n+1))
		logX += math.Log(float64(n) / float64(n+1))
		logWt := logAddExp(prevL, s.logl) + math.Log(0.5) + logDX
		logZ = logAddExp(logZ, logWt)
		prevL = s.logl

		res.Samples = append(res.Samples, r.samples[s.i])
		var u []float64
		if s.i < len(r.samplesU) {
			u = r.samplesU[s.i]
		}
		res.SamplesU = append(res.SamplesU, u)
		res.LogL = append(res.LogL, s.logl)
		res.NLive = append(res.NLive, n)
		res.LogVol = append(res.LogVol, logX)
		res.LogWt = append(res.LogWt, logWt)
		res.LogZ = append(res.LogZ, logZ)
	}
	return res
}

// asRun views a finished result as a single run covering the whole prior.
func (r *Result) asRun() run {
	return run{
		samples:  r.Samples,
		samplesU: r.SamplesU,
		logl:     r.LogL,
		nlive:    r.NLive,
		bound:    math.Inf(-1),
	}
}

// Merge combines independent results over the same parameter space.
// Bookkeeping totals (calls, iterations, batches, run time) are summed and
// the merged result is converged only if every input is.
func Merge(results ...*Result) (*Result, error) {
	const op = "nested.Merge"
	if len(results) == 0 {
		return nil, fiterr.New(op, fiterr.KindSampling, fiterr.ErrEmptyResult)
	}
	first := results[0]
	runs := make([]run, 0, len(results))
	for k, r := range results {
		if r == nil {
			return nil, fiterr.Newf(op, fiterr.KindSampling, "result %d is nil: %w", k, fiterr.ErrEmptyResult)
		}
		if r.NDim != first.NDim {
			return nil, fiterr.Newf(op, fiterr.KindSampling, "result %d has %d dimensions, want %d: %w", k, r.NDim, first.NDim, fiterr.ErrIncompatibleRuns)
		}
		if !sameLabels(r.Labels, first.Labels) {
			return nil, fiterr.Newf(op, fiterr.KindSampling, "result %d labels %v differ from %v: %w", k, r.Labels, first.Labels, fiterr.ErrIncompatibleRuns)
		}
		if len(r.NLive) != len(r.LogL) || len(r.Samples) != len(r.LogL) {
			return nil, fiterr.Newf(op, fiterr.KindSampling, "result %d has mismatched sample lengths: %w", k, fiterr.ErrIncompatibleRuns)
		}
		runs = append(runs, r.asRun())
	}

	out := combine(runs)
	out.NDim = first.NDim
	out.Labels = append([]string(nil), first.Labels...)
	out.Converged = true
	for _, r := range results {
		out.NCall += r.NCall
		out.Iterations += r.Iterations
		out.Batches += r.Batches
		out.RunTime += r.RunTime
		out.Converged = out.Converged && r.Converged
	}
	return out, nil
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func logAddExp(a, b float64) float64 {
	if math.IsInf(a, -1) {
		return b
	}
	if math.IsInf(b, -1) {
		return a
	}
	if a > b {
		return a + math.Log1p(math.Exp(b-a))
	}
	return b + math.Log1p(math.Exp(a-b))
}
