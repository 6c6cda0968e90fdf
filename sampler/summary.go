package sampler

import (
	"log/slog"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/nested"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

// Summary holds the importance-weighted posterior moments and the median of
// an equal-weight resample.
type Summary struct {
	Median []float64
	Mean   []float64
	Cov    *mat.SymDense
	// Equal is the equal-weight resample the median was taken from.
	Equal [][]float64
}

// Std returns the square roots of the covariance diagonal.
func (s *Summary) Std() []float64 {
	n := len(s.Mean)
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Sqrt(s.Cov.At(i, i))
	}
	return out
}

// PosteriorSummary weights samples by exp(logwt - logz), then resamples
// them to equal weight with a generator seeded by seed.
func PosteriorSummary(res *nested.Result, seed uint64) (*Summary, error) {
	if res == nil || res.Len() == 0 {
		return nil, fiterr.New("sampler.PosteriorSummary", fiterr.KindSampling, fiterr.ErrEmptyResult)
	}
	w := res.Weights()
	mean, cov := meanAndCov(res.Samples, w)
	eq := ResampleEqual(res.Samples, w, rand.New(rand.NewPCG(seed, seed)))

	d := len(mean)
	med := make([]float64, d)
	col := make([]float64, len(eq))
	for j := 0; j < d; j++ {
		for i, s := range eq {
			col[i] = s[j]
		}
		med[j] = profile.Median(col)
	}
	return &Summary{Median: med, Mean: mean, Cov: cov, Equal: eq}, nil
}

// meanAndCov returns the weighted mean and the reliability-weighted
// covariance sum w (x-m)(x-m)^T / (1 - sum w^2).
func meanAndCov(samples [][]float64, w []float64) ([]float64, *mat.SymDense) {
	d := len(samples[0])
	mean := make([]float64, d)
	col := make([]float64, len(samples))
	for j := 0; j < d; j++ {
		for i, s := range samples {
			col[i] = s[j]
		}
		mean[j] = stat.Mean(col, w)
	}
	cov := mat.NewSymDense(d, nil)
	diff := mat.NewVecDense(d, nil)
	var sw, sw2 float64
	for i, s := range samples {
		for j := range s {
			diff.SetVec(j, s[j]-mean[j])
		}
		cov.SymRankOne(cov, w[i], diff)
		sw += w[i]
		sw2 += w[i] * w[i]
	}
	norm := sw - sw2/sw
	if norm > 0 {
		cov.ScaleSym(1/norm, cov)
	}
	return mean, cov
}

// ResampleEqual draws len(samples) samples with systematic resampling so
// each carries equal weight. Weights are normalized first.
func ResampleEqual(samples [][]float64, weights []float64, rng *rand.Rand) [][]float64 {
	n := len(samples)
	if n == 0 {
		return nil
	}
	cum := make([]float64, n)
	floats.CumSum(cum, weights)
	total := cum[n-1]

	out := make([][]float64, 0, n)
	off := rng.Float64()
	j := 0
	for i := 0; i < n; i++ {
		pos := (off + float64(i)) / float64(n) * total
		for j < n-1 && cum[j] < pos {
			j++
		}
		out = append(out, samples[j])
	}
	// shuffle so order carries no weight information
	rng.Shuffle(n, func(a, b int) { out[a], out[b] = out[b], out[a] })
	return out
}

// Reconstruction is a PSF rebuilt from the posterior median.
type Reconstruction struct {
	Model  *psf.Model
	Params []float64
	Labels []string
	Mu     float64
	Sigma  float64
}

// ReconstructModel maps the posterior median back onto base through the
// layout. Without a fitted sigma the noise is stdEst.
func ReconstructModel(res *nested.Result, layout *Layout, base *psf.Model, stdEst float64, seed uint64) (*Reconstruction, error) {
	if res != nil && res.NDim != 0 && res.NDim != layout.Dim() {
		return nil, fiterr.Newf("sampler.ReconstructModel", fiterr.KindSampling,
			"result has %d dimensions, layout %d: %w", res.NDim, layout.Dim(), fiterr.ErrIncompatibleRuns)
	}
	sum, err := PosteriorSummary(res, seed)
	if err != nil {
		return nil, err
	}
	m, mu, sigma, err := buildModel(layout, base, sum.Median, stdEst)
	if err != nil {
		return nil, fiterr.Newf("sampler.ReconstructModel", fiterr.KindDomain, "median %v: %w", sum.Median, err)
	}
	return &Reconstruction{Model: m, Params: sum.Median, Labels: layout.Labels(), Mu: mu, Sigma: sigma}, nil
}

// Reconstruct is ReconstructModel for the container's own layout and base.
func (c *Container) Reconstruct(res *nested.Result, seed uint64) (*Reconstruction, error) {
	return ReconstructModel(res, c.layout, c.base, c.spec.Sigma, seed)
}

// ReducedChi2 is sum(((fit-data)/sigma)^2) / (len(data) - dof).
func ReducedChi2(l *slog.Logger, fit, data, sigma []float64, dof int) float64 {
	var chi2 float64
	for i := range data {
		r := (fit[i] - data[i]) / sigma[i]
		chi2 += r * r
	}
	v := chi2 / float64(len(data)-dof)
	logger.Or(l).Info("sampler.chi2", "reduced_chi2", v, "n", len(data), "dof", dof)
	return v
}
