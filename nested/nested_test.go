package nested

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"testing"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// funcEval evaluates serially with a box prior of half-width 5.
type funcEval struct {
	logl  func(v []float64) float64
	calls int
}

func (f *funcEval) Evaluate(ctx context.Context, us [][]float64) ([]Eval, error) {
	out := make([]Eval, len(us))
	for i, u := range us {
		v := make([]float64, len(u))
		for j := range u {
			v[j] = 10*u[j] - 5
		}
		f.calls++
		out[i] = Eval{U: u, V: v, LogL: f.logl(v), NCall: 1}
	}
	return out, nil
}

func gaussian(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += (x - 1) * (x - 1)
	}
	return -0.5*s - float64(len(v))*0.5*math.Log(2*math.Pi)
}

func flatRun(start, step float64, n, nlive int) *Result {
	r := &Result{NDim: 1, Labels: []string{"a"}}
	for i := 0; i < n; i++ {
		r.Samples = append(r.Samples, []float64{float64(i)})
		r.SamplesU = append(r.SamplesU, []float64{0.5})
		r.LogL = append(r.LogL, (start+step*float64(i))*1e-12)
		r.NLive = append(r.NLive, nlive)
	}
	return r
}

func TestCombineSingleRun(t *testing.T) {
	r := flatRun(0, 1, 10, 4)
	res := combine([]run{r.asRun()})
	// unit likelihood: Z is the shrunk volume less half the first slab
	want := 1 - math.Pow(0.8, 10) - 0.1
	if got := math.Exp(res.LogZFinal()); math.Abs(got-want) > 1e-9 {
		t.Errorf("Z = %.12f, want %.12f", got, want)
	}
	if math.Abs(res.LogVol[9]-10*math.Log(0.8)) > 1e-12 {
		t.Errorf("final logvol %g", res.LogVol[9])
	}
	var sum float64
	for _, w := range res.Weights() {
		sum += w
	}
	if math.Abs(sum-1) > 1e-12 {
		t.Errorf("weights sum to %g", sum)
	}
}

func TestMergeInterleavedRuns(t *testing.T) {
	a := flatRun(0, 2, 10, 4)
	b := flatRun(1, 2, 10, 4)
	a.NCall, b.NCall = 30, 40
	a.Converged, b.Converged = true, false

	m, err := Merge(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if m.Len() != 20 || m.NCall != 70 || m.Converged {
		t.Errorf("len=%d ncall=%d converged=%v", m.Len(), m.NCall, m.Converged)
	}
	for i := 0; i < 19; i++ {
		if m.NLive[i] != 8 {
			t.Fatalf("NLive[%d] = %d, want 8", i, m.NLive[i])
		}
	}
	if m.NLive[19] != 4 {
		t.Errorf("last NLive = %d, want 4", m.NLive[19])
	}
	want := 1 - math.Pow(8.0/9, 19)*0.8 - 1.0/18
	if got := math.Exp(m.LogZFinal()); math.Abs(got-want) > 1e-9 {
		t.Errorf("Z = %.12f, want %.12f", got, want)
	}
	for i := 1; i < m.Len(); i++ {
		if m.LogL[i] < m.LogL[i-1] {
			t.Fatal("merged samples not sorted by logl")
		}
	}
}

func TestMergeRejectsIncompatible(t *testing.T) {
	a := flatRun(0, 1, 5, 3)
	b := flatRun(0, 1, 5, 3)
	b.NDim = 2
	c := flatRun(0, 1, 5, 3)
	c.Labels = []string{"b"}
	d := flatRun(0, 1, 5, 3)
	d.NLive = d.NLive[:2]

	for name, other := range map[string]*Result{"ndim": b, "labels": c, "lengths": d} {
		_, err := Merge(a, other)
		if !errors.Is(err, fiterr.ErrIncompatibleRuns) || !fiterr.IsKind(err, fiterr.KindSampling) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if _, err := Merge(); !errors.Is(err, fiterr.ErrEmptyResult) {
		t.Errorf("empty merge: %v", err)
	}
}

func testConfig() Config {
	return Config{
		NDim:       2,
		Labels:     []string{"x", "y"},
		NLiveInit:  200,
		NLiveBatch: 100,
		MaxBatch:   1,
		MaxIter:    20000,
		DLogZ:      0.01,
		PFrac:      0.8,
		QueueSize:  4,
		Sample:     SampleAuto,
		Bound:      BoundSingle,
		Seed:       11,
		Logger:     slog.New(slog.DiscardHandler),
	}
}

func TestDynamicGaussian(t *testing.T) {
	ev := &funcEval{logl: gaussian}
	res, err := Dynamic{}.Run(context.Background(), ev, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Converged {
		t.Error("run did not converge")
	}
	if res.Batches != 1 {
		t.Errorf("batches = %d", res.Batches)
	}
	// normalized likelihood under a uniform prior of area 100
	if lz := res.LogZFinal(); math.Abs(lz-math.Log(0.01)) > 0.5 {
		t.Errorf("logz = %g, want %g", lz, math.Log(0.01))
	}
	w := res.Weights()
	for j := 0; j < 2; j++ {
		var mean float64
		for i, s := range res.Samples {
			mean += w[i] * s[j]
		}
		if math.Abs(mean-1) > 0.3 {
			t.Errorf("mean[%d] = %g, want 1", j, mean)
		}
	}
	if res.NCall != ev.calls {
		t.Errorf("NCall = %d, evaluator saw %d", res.NCall, ev.calls)
	}
}

func TestDynamicDeterministic(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIter = 300
	a, err := Dynamic{}.Run(context.Background(), &funcEval{logl: gaussian}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Dynamic{}.Run(context.Background(), &funcEval{logl: gaussian}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if a.Len() != b.Len() || a.LogZFinal() != b.LogZFinal() {
		t.Errorf("runs differ: %d/%g vs %d/%g", a.Len(), a.LogZFinal(), b.Len(), b.LogZFinal())
	}
}

func TestDynamicMaxIterZero(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIter = 0
	ev := &funcEval{logl: gaussian}
	res, err := Dynamic{}.Run(context.Background(), ev, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Converged || res.Len() != 0 || ev.calls != 0 {
		t.Errorf("converged=%v len=%d calls=%d", res.Converged, res.Len(), ev.calls)
	}
	if !math.IsInf(res.LogZFinal(), -1) {
		t.Errorf("logz = %g", res.LogZFinal())
	}
}

func TestDynamicIterationBudget(t *testing.T) {
	cfg := testConfig()
	cfg.MaxIter = 50
	cfg.MaxBatch = 0
	res, err := Dynamic{}.Run(context.Background(), &funcEval{logl: gaussian}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Converged {
		t.Error("budget-limited run marked converged")
	}
	if res.Iterations != 50 || res.Len() != 50+cfg.NLiveInit {
		t.Errorf("iterations=%d len=%d", res.Iterations, res.Len())
	}
}

func TestDynamicCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Dynamic{}.Run(ctx, &funcEval{logl: gaussian}, testConfig())
	if !fiterr.IsKind(err, fiterr.KindResource) || !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	for name, mut := range map[string]func(*Config){
		"bound":  func(c *Config) { c.Bound = "multi" },
		"sample": func(c *Config) { c.Sample = "rwalk" },
		"nlive":  func(c *Config) { c.NLiveInit = 1 },
		"dlogz":  func(c *Config) { c.DLogZ = 0 },
		"pfrac":  func(c *Config) { c.PFrac = 1.5 },
		"labels": func(c *Config) { c.Labels = []string{"x"} },
	} {
		cfg := testConfig()
		mut(&cfg)
		if err := cfg.Validate(); !fiterr.IsKind(err, fiterr.KindConfig) {
			t.Errorf("%s: err = %v", name, err)
		}
	}
	if err := testConfig().Validate(); err != nil {
		t.Error(err)
	}
}
