package nested

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/logger"
)

// Eval is one likelihood evaluation. U may differ from the proposed point
// when the evaluator had to nudge it to get a finite likelihood.
type Eval struct {
	U, V  []float64
	LogL  float64
	NCall int
}

// Evaluator maps unit-cube points through the prior transform and the
// log-likelihood. Implementations may evaluate the batch in parallel but
// must return results in input order.
type Evaluator interface {
	Evaluate(ctx context.Context, us [][]float64) ([]Eval, error)
}

// Backend runs a nested-sampling search.
type Backend interface {
	Run(ctx context.Context, eval Evaluator, cfg Config) (*Result, error)
}

const (
	BoundNone   = "none"
	BoundSingle = "single"

	SampleAuto = "auto"
	SampleUnif = "unif"
)

type Config struct {
	NDim   int
	Labels []string

	NLiveInit  int
	NLiveBatch int
	MaxBatch   int
	// MaxIter caps dead points over the whole run, batches included.
	MaxIter int
	DLogZ   float64
	// PFrac splits batch placement between posterior (PFrac) and
	// evidence (1-PFrac) importance.
	PFrac float64
	// QueueSize is the number of proposals sent to the evaluator at once.
	QueueSize int
	Sample    string
	Bound     string
	Seed      uint64
	// MaxProposals caps the proposals spent replacing one live point.
	MaxProposals int

	Logger *slog.Logger
}

// Validate checks the settings a backend relies on.
func (c Config) Validate() error {
	const op = "nested.Config"
	switch {
	case c.NDim < 1:
		return fiterr.Newf(op, fiterr.KindConfig, "ndim %d < 1", c.NDim)
	case c.NLiveInit < 2:
		return fiterr.Newf(op, fiterr.KindConfig, "nlive_init %d < 2", c.NLiveInit)
	case c.MaxBatch > 0 && c.NLiveBatch < 2:
		return fiterr.Newf(op, fiterr.KindConfig, "nlive_batch %d < 2", c.NLiveBatch)
	case c.MaxIter < 0 || c.MaxBatch < 0:
		return fiterr.Newf(op, fiterr.KindConfig, "negative iteration or batch limit")
	case !(c.DLogZ > 0):
		return fiterr.Newf(op, fiterr.KindConfig, "dlogz %g must be positive", c.DLogZ)
	case c.PFrac < 0 || c.PFrac > 1:
		return fiterr.Newf(op, fiterr.KindConfig, "pfrac %g outside [0,1]", c.PFrac)
	case c.Bound != BoundNone && c.Bound != BoundSingle:
		return fiterr.Newf(op, fiterr.KindConfig, "unsupported bound %q", c.Bound)
	case c.Sample != SampleAuto && c.Sample != SampleUnif:
		return fiterr.Newf(op, fiterr.KindConfig, "unsupported sample method %q", c.Sample)
	case len(c.Labels) != 0 && len(c.Labels) != c.NDim:
		return fiterr.Newf(op, fiterr.KindConfig, "%d labels for %d dimensions", len(c.Labels), c.NDim)
	}
	return nil
}

// Dynamic is a compact dynamic nested sampler: a static run with
// NLiveInit points until the remaining evidence drops below DLogZ, then up
// to MaxBatch batches of NLiveBatch points placed where the PFrac
// importance weight is highest. New points are drawn uniformly from the
// unit cube or from the enlarged bounding box of the live points.
type Dynamic struct{}

type sampler struct {
	cfg   Config
	eval  Evaluator
	rng   *rand.Rand
	log   *slog.Logger
	ncall int
	niter int
}

type live struct {
	u, v []float64
	logl float64
}

func (Dynamic) Run(ctx context.Context, eval Evaluator, cfg Config) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	if cfg.MaxProposals < 1 {
		cfg.MaxProposals = 100000
	}
	start := time.Now()
	s := &sampler{
		cfg:  cfg,
		eval: eval,
		rng:  rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		log:  logger.Or(cfg.Logger),
	}
	res := &Result{NDim: cfg.NDim, Labels: append([]string(nil), cfg.Labels...)}
	if cfg.MaxIter == 0 {
		s.log.Info("nested.run.skipped", "reason", "max_iter=0")
		return res, nil
	}

	initial, converged, err := s.static(ctx)
	if err != nil {
		return nil, err
	}
	runs := []run{initial}
	combined := combine(runs)
	s.log.Info("nested.static.done", "samples", combined.Len(), "logz", combined.LogZFinal(), "converged", converged)

	batches := 0
	for batches < cfg.MaxBatch && s.niter < cfg.MaxIter {
		lo, hi := batchBounds(combined, cfg.PFrac)
		b, err := s.batch(ctx, combined, lo, hi)
		if err != nil {
			return nil, err
		}
		if len(b.logl) == 0 {
			break
		}
		runs = append(runs, b)
		combined = combine(runs)
		batches++
		s.log.Info("nested.batch.done", "batch", batches, "logl_min", lo, "logl_max", hi,
			"samples", combined.Len(), "logz", combined.LogZFinal())
	}

	combined.NDim = cfg.NDim
	combined.Labels = res.Labels
	combined.NCall = s.ncall
	combined.Iterations = s.niter
	combined.Batches = batches
	combined.Converged = converged
	combined.RunTime = time.Since(start)
	return combined, nil
}

// static runs the initial phase. converged reports whether the remaining
// evidence estimate fell below DLogZ before MaxIter.
func (s *sampler) static(ctx context.Context) (run, bool, error) {
	pts, err := s.initialPoints(ctx, s.cfg.NLiveInit)
	if err != nil {
		return run{}, false, err
	}
	return s.evolve(ctx, pts, math.Inf(-1), math.Inf(1))
}

func (s *sampler) initialPoints(ctx context.Context, n int) ([]live, error) {
	us := make([][]float64, n)
	for i := range us {
		us[i] = s.uniform(nil, nil)
	}
	evals, err := s.evaluate(ctx, us)
	if err != nil {
		return nil, err
	}
	pts := make([]live, n)
	for i, e := range evals {
		pts[i] = live{u: e.U, v: e.V, logl: e.LogL}
	}
	return pts, nil
}

// evolve replaces the worst live point until the remaining evidence falls
// below DLogZ or the worst live point reaches lmax, and returns the dead
// points followed by the remaining live points.
func (s *sampler) evolve(ctx context.Context, pts []live, bound, lmax float64) (run, bool, error) {
	k := len(pts)
	r := run{bound: bound}
	logX := 0.0
	logZ := math.Inf(-1)
	prevL := math.Inf(-1)
	converged := false

	for s.niter < s.cfg.MaxIter {
		if err := ctx.Err(); err != nil {
			return run{}, false, fiterr.Newf("nested.Run", fiterr.KindResource, "cancelled: %w", err)
		}
		worst := 0
		lmaxLive := pts[0].logl
		for i := range pts {
			if pts[i].logl < pts[worst].logl {
				worst = i
			}
			lmaxLive = math.Max(lmaxLive, pts[i].logl)
		}
		lstar := pts[worst].logl

		if logAddExp(logZ, lmaxLive+logX)-logZ < s.cfg.DLogZ {
			converged = true
			break
		}
		if lstar >= lmax {
			break
		}

		// record the dead point
		logDX := logX - math.Log(float64(k+1))
		logX += math.Log(float64(k) / float64(k+1))
		logZ = logAddExp(logZ, logAddExp(prevL, lstar)+math.Log(0.5)+logDX)
		prevL = lstar
		r.append(pts[worst], k)
		s.niter++

		repl, ok, err := s.replace(ctx, pts, lstar)
		if err != nil {
			return run{}, false, err
		}
		if !ok {
			s.log.Warn("nested.proposals.exhausted", "logl", lstar, "max_proposals", s.cfg.MaxProposals)
			pts = append(pts[:worst], pts[worst+1:]...)
			break
		}
		pts[worst] = repl
	}

	// the remaining live points die in order with a shrinking count
	sort.SliceStable(pts, func(i, j int) bool { return pts[i].logl < pts[j].logl })
	for i, p := range pts {
		r.append(p, len(pts)-i)
	}
	return r, converged, nil
}

func (r *run) append(p live, n int) {
	r.samples = append(r.samples, p.v)
	r.samplesU = append(r.samplesU, p.u)
	r.logl = append(r.logl, p.logl)
	r.nlive = append(r.nlive, n)
}

// replace draws proposals in QueueSize groups until one beats lstar.
func (s *sampler) replace(ctx context.Context, pts []live, lstar float64) (live, bool, error) {
	lo, hi := s.box(pts)
	for spent := 0; spent < s.cfg.MaxProposals; spent += s.cfg.QueueSize {
		us := make([][]float64, s.cfg.QueueSize)
		for i := range us {
			us[i] = s.uniform(lo, hi)
		}
		evals, err := s.evaluate(ctx, us)
		if err != nil {
			return live{}, false, err
		}
		for _, e := range evals {
			if e.LogL > lstar {
				return live{u: e.U, v: e.V, logl: e.LogL}, true, nil
			}
		}
	}
	return live{}, false, nil
}

// box returns the sampling region: the unit cube, or the live points'
// bounding box enlarged by 25% and clipped to the cube.
func (s *sampler) box(pts []live) (lo, hi []float64) {
	if s.cfg.Bound != BoundSingle || len(pts) < 2 {
		return nil, nil
	}
	d := s.cfg.NDim
	lo = make([]float64, d)
	hi = make([]float64, d)
	col := make([]float64, len(pts))
	for j := 0; j < d; j++ {
		for i, p := range pts {
			col[i] = p.u[j]
		}
		mn, mx := floats.Min(col), floats.Max(col)
		if mx-mn < 1e-12 {
			lo[j], hi[j] = 0, 1
			continue
		}
		c, half := (mn+mx)/2, 1.25*(mx-mn)/2
		lo[j] = math.Max(0, c-half)
		hi[j] = math.Min(1, c+half)
	}
	return lo, hi
}

func (s *sampler) uniform(lo, hi []float64) []float64 {
	u := make([]float64, s.cfg.NDim)
	for j := range u {
		if lo == nil {
			u[j] = s.rng.Float64()
		} else {
			u[j] = lo[j] + (hi[j]-lo[j])*s.rng.Float64()
		}
	}
	return u
}

func (s *sampler) evaluate(ctx context.Context, us [][]float64) ([]Eval, error) {
	evals, err := s.eval.Evaluate(ctx, us)
	if err != nil {
		return nil, err
	}
	if len(evals) != len(us) {
		return nil, fiterr.Newf("nested.Run", fiterr.KindResource, "evaluator returned %d results for %d points", len(evals), len(us))
	}
	for _, e := range evals {
		s.ncall += max(e.NCall, 1)
	}
	return evals, nil
}

// batch runs NLiveBatch live points from the likelihood level lo up to hi.
// Live points are seeded from the combined run's samples above lo.
func (s *sampler) batch(ctx context.Context, combined *Result, lo, hi float64) (run, error) {
	var seeds []live
	for i, l := range combined.LogL {
		if l > lo {
			seeds = append(seeds, live{u: combined.SamplesU[i], v: combined.Samples[i], logl: l})
		}
	}
	if len(seeds) == 0 {
		return run{}, nil
	}
	pts := make([]live, 0, s.cfg.NLiveBatch)
	blo, bhi := s.box(seeds)
	for spent := 0; len(pts) < s.cfg.NLiveBatch; spent += s.cfg.QueueSize {
		if spent >= s.cfg.MaxProposals {
			return run{}, fiterr.Newf("nested.Run", fiterr.KindSampling, "could not seed batch above logl %g", lo)
		}
		us := make([][]float64, s.cfg.QueueSize)
		for i := range us {
			us[i] = s.uniform(blo, bhi)
		}
		evals, err := s.evaluate(ctx, us)
		if err != nil {
			return run{}, err
		}
		for _, e := range evals {
			if e.LogL > lo && len(pts) < s.cfg.NLiveBatch {
				pts = append(pts, live{u: e.U, v: e.V, logl: e.LogL})
			}
		}
	}
	r, _, err := s.evolve(ctx, pts, lo, hi)
	if err != nil {
		return run{}, fmt.Errorf("batch: %w", err)
	}
	return r, nil
}

// batchBounds picks the likelihood interval where the combined importance
// weight, PFrac posterior plus (1-PFrac) evidence, exceeds 80% of its peak.
func batchBounds(res *Result, pfrac float64) (lo, hi float64) {
	n := res.Len()
	if n == 0 {
		return math.Inf(-1), math.Inf(1)
	}
	lz := res.LogZFinal()
	post := res.Weights()
	evid := make([]float64, n)
	for i := range evid {
		// evidence still to be accumulated beyond sample i
		evid[i] = 1 - math.Exp(res.LogZ[i]-lz)
	}
	if s := floats.Sum(evid); s > 0 {
		floats.Scale(1/s, evid)
	}
	if s := floats.Sum(post); s > 0 {
		floats.Scale(1/s, post)
	}
	w := make([]float64, n)
	floats.AddScaledTo(w, floats.ScaleTo(w, pfrac, post), 1-pfrac, evid)
	peak := floats.Max(w)

	first, last := -1, -1
	for i, v := range w {
		if v > 0.8*peak {
			if first < 0 {
				first = i
			}
			last = i
		}
	}
	lo = math.Inf(-1)
	if first > 0 {
		lo = res.LogL[first-1]
	}
	hi = math.Inf(1)
	if last >= 0 && last+1 < n {
		hi = res.LogL[last+1]
	}
	return lo, hi
}
