package sampler

import (
	"fmt"
	"math"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

// Problem is what the engine samples: a prior transform and a
// log-likelihood over Dim dimensions. Both must be safe for concurrent use.
type Problem interface {
	Dim() int
	Labels() []string
	PriorTransform(u []float64) []float64
	LogLikelihood(v []float64) float64
	Validate() error
}

// PriorSpec describes the multi-power aureole parameter space.
type PriorSpec struct {
	// NSpline is the number of aureole power-law segments fitted.
	NSpline int
	// NEst and NErr come from the first-index bootstrap. With N0Free the
	// first index gets the flat [NMin, NMax] prior instead.
	NEst, NErr float64
	N0Free     bool
	NMin, NMax float64
	// ThetaIn and ThetaOut bound the fitted transition radii (arcsec).
	ThetaIn, ThetaOut float64
	// Mu and Sigma are the sky mean and noise estimates.
	Mu, Sigma float64
	FitSigma  bool
	FitFrac   bool
}

// DefaultPriorSpec returns the usual three-segment set-up.
func DefaultPriorSpec() PriorSpec {
	return PriorSpec{
		NSpline:  3,
		NEst:     3.2,
		NErr:     0.3,
		NMin:     1.2,
		NMax:     4,
		ThetaIn:  50,
		ThetaOut: 300,
		FitSigma: true,
	}
}

// Parameter names used by the multi-power layout.
const (
	ParamMu       = "mu"
	ParamLogSigma = "log_sigma"
	ParamLogFrac  = "log_frac"
)

func indexName(i int) string      { return fmt.Sprintf("n%d", i) }
func transitionName(i int) string { return fmt.Sprintf("log_theta%d", i) }

// MultiPowerLayout lays out n_0..n_{K-1}, log10 theta_1..theta_{K-1}, mu,
// then the optional log10 sigma and log10 frac.
func MultiPowerLayout(s PriorSpec) *Layout {
	var ps []Param
	for i := 0; i < s.NSpline; i++ {
		prior := Prior{Kind: Uniform, A: s.NMin, B: s.NMax}
		if i == 0 && !s.N0Free && s.NErr > 0 {
			prior = Prior{Kind: Normal, A: s.NEst, B: s.NErr}
		}
		ps = append(ps, Param{Name: indexName(i), Scale: Linear, Prior: prior, Enabled: true})
	}
	for i := 1; i < s.NSpline; i++ {
		ps = append(ps, Param{
			Name:    transitionName(i),
			Scale:   Log10,
			Prior:   Prior{Kind: Ordered, A: math.Log10(s.ThetaIn), B: math.Log10(s.ThetaOut)},
			Enabled: true,
		})
	}
	ps = append(ps,
		Param{Name: ParamMu, Scale: Linear, Prior: Prior{Kind: Normal, A: s.Mu, B: s.Sigma}, Enabled: true},
		Param{Name: ParamLogSigma, Scale: Log10,
			Prior:   Prior{Kind: Uniform, A: math.Log10(s.Sigma) - 0.3, B: math.Log10(s.Sigma) + 0.3},
			Enabled: s.FitSigma},
		Param{Name: ParamLogFrac, Scale: Log10,
			Prior:   Prior{Kind: Uniform, A: -2, B: math.Log10(0.5)},
			Enabled: s.FitFrac},
	)
	return NewLayout(ps...)
}

// Container binds a base PSF, the observed stars and the prior layout into
// a Problem. Everything it references is read-only after NewContainer.
type Container struct {
	layout *Layout
	spec   PriorSpec
	base   *psf.Model

	image     [][]float64
	mask      [][]bool
	baseImage [][]float64
	stars     []psf.Star
	render    psf.RenderOptions
	h, w      int
	nPix      int
}

// ContainerData is the observed side of a fit.
type ContainerData struct {
	Image [][]float64
	// Mask is true for excluded pixels.
	Mask [][]bool
	// BaseImage holds faint stars rendered once and kept fixed; may be nil.
	BaseImage [][]float64
	Stars     []psf.Star
	Render    psf.RenderOptions
}

// NewContainer checks the inputs and builds the layout from spec.
func NewContainer(base *psf.Model, spec PriorSpec, data ContainerData) (*Container, error) {
	const op = "sampler.NewContainer"
	if base == nil {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "nil base model")
	}
	if len(data.Image) == 0 || len(data.Image[0]) == 0 {
		return nil, fiterr.New(op, fiterr.KindDomain, fiterr.ErrEmptyImage)
	}
	if spec.NSpline < 1 {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "n_spline %d < 1", spec.NSpline)
	}
	if !(spec.Sigma > 0) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "sky noise estimate %g must be positive", spec.Sigma)
	}
	h, w := len(data.Image), len(data.Image[0])
	c := &Container{
		layout:    MultiPowerLayout(spec),
		spec:      spec,
		base:      base,
		image:     data.Image,
		mask:      data.Mask,
		baseImage: data.BaseImage,
		stars:     data.Stars,
		render:    data.Render,
		h:         h,
		w:         w,
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if !c.masked(y, x) {
				c.nPix++
			}
		}
	}
	if c.nPix == 0 {
		return nil, fiterr.New(op, fiterr.KindDomain, fiterr.ErrEmptyImage)
	}
	return c, nil
}

func (c *Container) masked(y, x int) bool {
	return c.mask != nil && c.mask[y][x]
}

func (c *Container) Layout() *Layout   { return c.layout }
func (c *Container) Spec() PriorSpec   { return c.spec }
func (c *Container) Base() *psf.Model  { return c.base }
func (c *Container) Dim() int          { return c.layout.Dim() }
func (c *Container) Labels() []string  { return c.layout.Labels() }
func (c *Container) NPix() int         { return c.nPix }
func (c *Container) Stars() []psf.Star { return c.stars }

// Validate checks the prior against the base model: transition radii must
// stay outside the fixed first radius and inside an enabled cutoff.
func (c *Container) Validate() error {
	if err := c.layout.Validate(); err != nil {
		return err
	}
	if c.spec.NSpline < 2 {
		return nil
	}
	bp := c.base.Params()
	if theta0 := bp.ThetaS[0]; !(c.spec.ThetaIn > theta0) {
		return fiterr.Newf("sampler.Container", fiterr.KindDomain,
			"theta_in %g must exceed theta_0 %g: %w", c.spec.ThetaIn, theta0, fiterr.ErrBadBounds)
	}
	if bp.Cutoff.Enabled && !(c.spec.ThetaOut < bp.Cutoff.Theta) {
		return fiterr.Newf("sampler.Container", fiterr.KindDomain,
			"theta_out %g must stay inside the cutoff radius %g: %w", c.spec.ThetaOut, bp.Cutoff.Theta, fiterr.ErrBadBounds)
	}
	return nil
}

func (c *Container) PriorTransform(u []float64) []float64 { return c.layout.Transform(u) }

// ModelFor builds the PSF and sky terms for a sampled vector.
func (c *Container) ModelFor(v []float64) (*psf.Model, float64, float64, error) {
	return buildModel(c.layout, c.base, v, c.spec.Sigma)
}

// buildModel maps v through the layout onto a model derived from base.
// Without a fitted sigma the fixed noise estimate stdEst is used.
func buildModel(l *Layout, base *psf.Model, v []float64, stdEst float64) (*psf.Model, float64, float64, error) {
	bp := base.Params()
	var ns []float64
	for i := 0; ; i++ {
		n, ok := l.Value(v, indexName(i))
		if !ok {
			break
		}
		ns = append(ns, n)
	}
	thetas := []float64{bp.ThetaS[0]}
	for i := 1; i < len(ns); i++ {
		t, ok := l.Value(v, transitionName(i))
		if !ok {
			return nil, 0, 0, fmt.Errorf("sampler: layout has %d indices but no %s", len(ns), transitionName(i))
		}
		thetas = append(thetas, t)
	}
	mu, ok := l.Value(v, ParamMu)
	if !ok {
		mu = bp.Background
	}
	sigma, ok := l.Value(v, ParamLogSigma)
	if !ok {
		sigma = stdEst
	}
	frac, fitFrac := l.Value(v, ParamLogFrac)

	m, err := base.Derive(func(p *psf.Params) {
		if len(ns) > 0 {
			p.NS = ns
			p.ThetaS = thetas
		}
		if fitFrac {
			p.Frac = frac
		}
		p.Background = mu
		p.BackgroundStd = sigma
	})
	if err != nil {
		return nil, 0, 0, err
	}
	return m, mu, sigma, nil
}

// ModelImage renders stars plus base image plus sky for a sampled vector.
func (c *Container) ModelImage(v []float64) ([][]float64, error) {
	m, mu, _, err := c.ModelFor(v)
	if err != nil {
		return nil, err
	}
	return c.imageFor(m, mu)
}

func (c *Container) imageFor(m *psf.Model, mu float64) ([][]float64, error) {
	img, err := m.RenderStars(c.h, c.w, c.stars, c.render)
	if err != nil {
		return nil, err
	}
	for y := range img {
		for x := range img[y] {
			img[y][x] += mu
			if c.baseImage != nil {
				img[y][x] += c.baseImage[y][x]
			}
		}
	}
	return img, nil
}

// LogLikelihood is the Gaussian log-likelihood of the unmasked pixels.
// Parameter vectors that do not give a valid model have zero likelihood.
func (c *Container) LogLikelihood(v []float64) float64 {
	m, mu, sigma, err := c.ModelFor(v)
	if err != nil || !(sigma > 0) {
		return math.Inf(-1)
	}
	img, err := c.imageFor(m, mu)
	if err != nil {
		return math.Inf(-1)
	}
	var chi2 float64
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			if c.masked(y, x) {
				continue
			}
			r := (c.image[y][x] - img[y][x]) / sigma
			chi2 += r * r
		}
	}
	n := float64(c.nPix)
	return -0.5*chi2 - n*math.Log(sigma) - 0.5*n*math.Log(2*math.Pi)
}

// Residuals returns data, model and per-pixel uncertainty over the unmasked
// pixels for a sampled vector, flattened row by row.
func (c *Container) Residuals(v []float64) (data, model, sigma []float64, err error) {
	m, mu, s, err := c.ModelFor(v)
	if err != nil {
		return nil, nil, nil, err
	}
	img, err := c.imageFor(m, mu)
	if err != nil {
		return nil, nil, nil, err
	}
	for y := 0; y < c.h; y++ {
		for x := 0; x < c.w; x++ {
			if c.masked(y, x) {
				continue
			}
			data = append(data, c.image[y][x])
			model = append(model, img[y][x])
			sigma = append(sigma, s)
		}
	}
	return data, model, sigma, nil
}
