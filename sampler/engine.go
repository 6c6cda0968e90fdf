// Package sampler drives a nested-sampling backend over a fit problem: it
// owns the worker pool for the duration of a run, turns unit-cube proposals
// into likelihood evaluations on the workers, and summarizes the posterior.
package sampler

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/nested"
)

type Config struct {
	NLiveInit  int     `json:"nlive_init" yaml:"nlive_init"`
	NLiveBatch int     `json:"nlive_batch" yaml:"nlive_batch"`
	MaxBatch   int     `json:"max_batch" yaml:"max_batch"`
	MaxIter    int     `json:"max_iter" yaml:"max_iter"`
	// DLogZ is the initial-phase stopping precision; zero means
	// DefaultDLogZ(NLiveInit).
	DLogZ float64 `json:"dlogz" yaml:"dlogz"`
	PFrac float64 `json:"pfrac" yaml:"pfrac"`
	// Workers is the pool size; zero means DefaultWorkers.
	Workers int `json:"workers" yaml:"workers"`
	// QueueSize is the number of proposals per round; zero means Workers.
	QueueSize int    `json:"queue_size" yaml:"queue_size"`
	Sample    string `json:"sample" yaml:"sample"`
	Bound     string `json:"bound" yaml:"bound"`
	Seed      uint64 `json:"seed" yaml:"seed"`
	// MaxNudges bounds the retries toward the cube centre after a
	// non-finite likelihood.
	MaxNudges int `json:"max_nudges" yaml:"max_nudges"`
	// Persist keeps the pool open after Run; the caller must Close.
	Persist bool `json:"persist" yaml:"persist"`
}

// DefaultConfig returns the standard two-batch dynamic run.
func DefaultConfig() Config {
	return Config{
		NLiveInit:  100,
		NLiveBatch: 50,
		MaxBatch:   2,
		MaxIter:    10000,
		PFrac:      0.8,
		Sample:     nested.SampleAuto,
		Bound:      nested.BoundSingle,
		MaxNudges:  10,
	}
}

// DefaultDLogZ scales the stopping precision with the live-point count.
func DefaultDLogZ(nliveInit int) float64 {
	return 1e-3*float64(nliveInit-1) + 0.01
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithBackend(b nested.Backend) Option { return func(e *Engine) { e.backend = b } }

// WithPool runs on an existing pool. The engine does not close it.
func WithPool(p *Pool) Option {
	return func(e *Engine) {
		e.pool = p
		e.ownPool = false
	}
}

// Engine owns one problem and, while it runs, one worker pool.
type Engine struct {
	problem Problem
	cfg     Config
	backend nested.Backend
	log     *slog.Logger

	pool    *Pool
	ownPool bool
}

func New(problem Problem, cfg Config, opts ...Option) (*Engine, error) {
	if problem == nil {
		return nil, fiterr.Newf("sampler.New", fiterr.KindConfig, "nil problem")
	}
	e := &Engine{problem: problem, cfg: cfg, backend: nested.Dynamic{}, ownPool: true}
	for _, o := range opts {
		o(e)
	}
	e.log = logger.Or(e.log)
	if e.cfg.DLogZ == 0 {
		e.cfg.DLogZ = DefaultDLogZ(e.cfg.NLiveInit)
	}
	if e.cfg.MaxNudges < 0 {
		e.cfg.MaxNudges = 0
	}
	return e, nil
}

func (e *Engine) Config() Config { return e.cfg }

// Run validates the problem, opens the pool if needed and runs the backend.
// A run that exhausts its budget returns its samples with Converged unset.
// On error nothing partial is returned.
func (e *Engine) Run(ctx context.Context) (res *nested.Result, err error) {
	if err := e.problem.Validate(); err != nil {
		return nil, err
	}
	if e.pool == nil {
		e.pool = OpenPool(e.cfg.Workers, e.log)
		e.ownPool = true
	}
	if e.ownPool && !e.cfg.Persist {
		defer func() {
			if cerr := e.Close(); cerr != nil && err == nil {
				res, err = nil, cerr
			}
		}()
	}

	queue := e.cfg.QueueSize
	if queue < 1 {
		queue = e.pool.Size()
	}
	ncfg := nested.Config{
		NDim:       e.problem.Dim(),
		Labels:     e.problem.Labels(),
		NLiveInit:  e.cfg.NLiveInit,
		NLiveBatch: e.cfg.NLiveBatch,
		MaxBatch:   e.cfg.MaxBatch,
		MaxIter:    e.cfg.MaxIter,
		DLogZ:      e.cfg.DLogZ,
		PFrac:      e.cfg.PFrac,
		QueueSize:  queue,
		Sample:     e.cfg.Sample,
		Bound:      e.cfg.Bound,
		Seed:       e.cfg.Seed,
		Logger:     e.log,
	}
	e.log.Info("sampler.run.start", "ndim", ncfg.NDim, "nlive_init", ncfg.NLiveInit,
		"nlive_batch", ncfg.NLiveBatch, "max_batch", ncfg.MaxBatch, "dlogz", ncfg.DLogZ, "workers", e.pool.Size())

	start := time.Now()
	ev := &poolEvaluator{pool: e.pool, problem: e.problem, maxNudges: e.cfg.MaxNudges}
	res, err = e.backend.Run(ctx, ev, ncfg)
	if err != nil {
		e.log.Error("sampler.run.failed", "err", err)
		return nil, err
	}
	if res.RunTime == 0 {
		res.RunTime = time.Since(start)
	}
	if res.Converged {
		e.log.Info("sampler.run.done", "samples", res.Len(), "logz", res.LogZFinal(), "ncall", res.NCall, "elapsed", res.RunTime)
	} else {
		e.log.Warn("sampler.run.not_converged", "samples", res.Len(), "iterations", res.Iterations, "max_iter", ncfg.MaxIter)
	}
	return res, nil
}

// Close shuts down a pool the engine opened. It is a no-op otherwise.
func (e *Engine) Close() error {
	if e.pool == nil || !e.ownPool {
		return nil
	}
	err := e.pool.Close()
	e.pool = nil
	return err
}

// poolEvaluator runs prior transform and likelihood on the pool workers.
type poolEvaluator struct {
	pool      *Pool
	problem   Problem
	maxNudges int
}

func (p *poolEvaluator) Evaluate(ctx context.Context, us [][]float64) ([]nested.Eval, error) {
	out := make([]nested.Eval, len(us))
	err := p.pool.Map(ctx, len(us), func(i int) error {
		ev, err := p.one(us[i])
		out[i] = ev
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// one evaluates u, pulling it toward the cube centre while the likelihood
// is not finite.
func (p *poolEvaluator) one(u []float64) (nested.Eval, error) {
	u = append([]float64(nil), u...)
	for nudge := 0; ; nudge++ {
		v := p.problem.PriorTransform(u)
		l := p.problem.LogLikelihood(v)
		if !math.IsNaN(l) && !math.IsInf(l, 0) {
			return nested.Eval{U: u, V: v, LogL: l, NCall: nudge + 1}, nil
		}
		if nudge >= p.maxNudges {
			return nested.Eval{}, fiterr.Newf("sampler.Evaluate", fiterr.KindSampling,
				"logl=%g at %v after %d nudges: %w", l, v, nudge, fiterr.ErrNonFiniteLikelihood)
		}
		for j := range u {
			u[j] = 0.5 + 0.5*(u[j]-0.5)
		}
	}
}

// Merge combines independent runs of identically configured problems.
func Merge(l *slog.Logger, results ...*nested.Result) (*nested.Result, error) {
	out, err := nested.Merge(results...)
	if err != nil {
		return nil, err
	}
	logger.Or(l).Info("sampler.merge", "runs", len(results), "samples", out.Len(), "logz", out.LogZFinal())
	return out, nil
}
