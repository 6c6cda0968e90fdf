// Package psf builds the two-component point-spread function used for the
// aureole fit: a Moffat core blended with a multi-segment power-law aureole.
//
// A Model is immutable once built. Deriving a variant means building a new
// Model from a copy of the parameters (see Model.Derive); nothing is updated
// in place, so one Model can be shared by every likelihood worker.
package psf

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// Cutoff forces a steep extra power-law segment beyond Theta so the aureole
// has a bounded effective size.
type Cutoff struct {
	Enabled bool    `json:"enabled" yaml:"enabled"`
	N       float64 `json:"n_c" yaml:"n_c"`
	Theta   float64 `json:"theta_c" yaml:"theta_c"`
}

// Params is the plain parameter bundle a Model is built from. Radii (FWHM,
// ThetaS, Cutoff.Theta) are in arcsec; PixelScale is arcsec per pixel.
type Params struct {
	Frac          float64   `json:"frac" yaml:"frac"`
	Beta          float64   `json:"beta" yaml:"beta"`
	FWHM          float64   `json:"fwhm" yaml:"fwhm"`
	NS            []float64 `json:"n_s" yaml:"n_s"`
	ThetaS        []float64 `json:"theta_s" yaml:"theta_s"`
	Cutoff        Cutoff    `json:"cutoff" yaml:"cutoff"`
	Background    float64   `json:"background" yaml:"background"`
	BackgroundStd float64   `json:"background_std" yaml:"background_std"`
	PixelScale    float64   `json:"pixel_scale" yaml:"pixel_scale"`
}

// DefaultParams returns the fiducial wide-field PSF.
func DefaultParams() Params {
	return Params{
		Frac:       0.3,
		Beta:       6.6,
		FWHM:       6.0,
		NS:         []float64{3.3, 2.5},
		ThetaS:     []float64{5, 100},
		Cutoff:     Cutoff{Enabled: false, N: 4, Theta: 1200},
		PixelScale: 2.5,
	}
}

func (p Params) clone() Params {
	q := p
	q.NS = append([]float64(nil), p.NS...)
	q.ThetaS = append([]float64(nil), p.ThetaS...)
	return q
}

// Validate checks the parameter invariants Build relies on.
func (p Params) Validate() error {
	const op = "psf.Validate"
	switch {
	case math.IsNaN(p.Frac) || p.Frac < 0 || p.Frac > 1:
		return fiterr.Newf(op, fiterr.KindDomain, "frac %g outside [0,1]", p.Frac)
	case !(p.Beta > 1):
		return fiterr.Newf(op, fiterr.KindDomain, "beta %g must exceed 1", p.Beta)
	case !(p.FWHM > 0):
		return fiterr.Newf(op, fiterr.KindDomain, "fwhm %g must be positive", p.FWHM)
	case !(p.PixelScale > 0):
		return fiterr.Newf(op, fiterr.KindDomain, "pixel scale %g must be positive", p.PixelScale)
	case len(p.NS) == 0:
		return fiterr.Newf(op, fiterr.KindDomain, "aureole needs at least one power index")
	case len(p.NS) != len(p.ThetaS):
		return fiterr.Newf(op, fiterr.KindDomain, "%d power indices but %d transition radii", len(p.NS), len(p.ThetaS))
	case !(p.ThetaS[0] > 0):
		return fiterr.Newf(op, fiterr.KindDomain, "first transition radius %g must be positive", p.ThetaS[0])
	}
	for i, n := range p.NS {
		if !(n > 0) || math.IsInf(n, 0) {
			return fiterr.Newf(op, fiterr.KindDomain, "power index n_%d = %g must be positive", i, n)
		}
		if i > 0 && !(p.ThetaS[i] > p.ThetaS[i-1]) {
			return fiterr.Newf(op, fiterr.KindDomain, "transition radii not increasing at %d: %w", i, fiterr.ErrBadBinEdges)
		}
	}
	if p.Cutoff.Enabled {
		if !(p.Cutoff.N > 0) {
			return fiterr.Newf(op, fiterr.KindDomain, "cutoff index %g must be positive", p.Cutoff.N)
		}
		if !(p.Cutoff.Theta > p.ThetaS[len(p.ThetaS)-1]) {
			return fiterr.Newf(op, fiterr.KindDomain, "cutoff radius %g inside the last transition radius", p.Cutoff.Theta)
		}
	}
	return nil
}

// Model is a built PSF. Derived state (segment amplitudes, Moffat gamma)
// is computed at build time; grid normalizations are computed lazily per
// grid size and cached.
type Model struct {
	params Params
	gamma  float64

	// effective aureole segments, cutoff included
	n     []float64
	theta []float64
	amp   []float64

	mu    sync.Mutex
	norms map[int]gridNorm
}

type gridNorm struct {
	core, aureole float64
}

// Build validates p and returns a new Model.
func Build(p Params) (*Model, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	p = p.clone()
	m := &Model{
		params: p,
		gamma:  p.FWHM / 2 / math.Sqrt(math.Pow(2, 1/p.Beta)-1),
		n:      append([]float64(nil), p.NS...),
		theta:  append([]float64(nil), p.ThetaS...),
		norms:  make(map[int]gridNorm),
	}
	if p.Cutoff.Enabled {
		m.n = append(m.n, p.Cutoff.N)
		m.theta = append(m.theta, p.Cutoff.Theta)
	}
	m.amp = SegmentAmplitudes(m.n, m.theta)
	return m, nil
}

// MustBuild is Build for parameters known to be valid; it panics otherwise.
func MustBuild(p Params) *Model {
	m, err := Build(p)
	if err != nil {
		panic(err)
	}
	return m
}

// Derive builds a new Model from a copy of m's parameters after update has
// been applied to it. m itself is never modified.
func (m *Model) Derive(update func(p *Params)) (*Model, error) {
	p := m.params.clone()
	if update != nil {
		update(&p)
	}
	return Build(p)
}

// Params returns a copy of the parameters the model was built from.
func (m *Model) Params() Params { return m.params.clone() }

func (m *Model) Frac() float64       { return m.params.Frac }
func (m *Model) PixelScale() float64 { return m.params.PixelScale }

// Gamma is the Moffat scale radius derived from FWHM and beta.
func (m *Model) Gamma() float64 { return m.gamma }

// SegmentAmplitudes solves the amplitudes A_i of I_i(r) = A_i r^-n_i so that
// the first segment equals 1 at theta[0] and every segment meets the previous
// one at its transition radius.
func SegmentAmplitudes(n, theta []float64) []float64 {
	amp := make([]float64, len(n))
	if len(n) == 0 {
		return amp
	}
	amp[0] = math.Pow(theta[0], n[0])
	for i := 1; i < len(n); i++ {
		amp[i] = amp[i-1] * math.Pow(theta[i], n[i]-n[i-1])
	}
	return amp
}

// Amplitudes returns the solved aureole amplitudes, cutoff segment included.
func (m *Model) Amplitudes() []float64 { return append([]float64(nil), m.amp...) }

// Segments returns the effective power indices and transition radii,
// cutoff segment included.
func (m *Model) Segments() (n, theta []float64) {
	return append([]float64(nil), m.n...), append([]float64(nil), m.theta...)
}

// Segment evaluates segment i's power law at r regardless of whether r lies
// inside that segment.
func (m *Model) Segment(i int, r float64) float64 {
	return m.amp[i] * math.Pow(r, -m.n[i])
}

// Core1D is the Moffat core at radius r (arcsec), normalized to unit peak.
func (m *Model) Core1D(r float64) float64 {
	x := r / m.gamma
	return math.Pow(1+x*x, -m.params.Beta)
}

// Aureole1D is the piecewise power-law aureole at radius r (arcsec). It is
// flat at 1 inside theta_0.
func (m *Model) Aureole1D(r float64) float64 {
	if r < m.theta[0] {
		return m.Segment(0, m.theta[0])
	}
	// last segment whose transition radius is <= r
	i := sort.Search(len(m.theta), func(k int) bool { return m.theta[k] > r }) - 1
	return m.Segment(i, r)
}

// norm returns the pixel sums of the unit-peak core and aureole over a
// size x size grid centred on the PSF.
func (m *Model) norm(size int) gridNorm {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.norms[size]; ok {
		return g
	}
	var g gridNorm
	c := float64(size-1) / 2
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r := math.Hypot(float64(x)-c, float64(y)-c) * m.params.PixelScale
			g.core += m.Core1D(r)
			g.aureole += m.Aureole1D(r)
		}
	}
	m.norms[size] = g
	return g
}

// Value is the flux-normalized PSF at radius r (arcsec) for a size x size
// rendering grid: the core and aureole each integrate to one over the grid
// and are blended with weights (1-frac) and frac.
func (m *Model) Value(r float64, size int) float64 {
	g := m.norm(size)
	frac := m.params.Frac
	v := 0.0
	if frac < 1 {
		v += (1 - frac) * m.Core1D(r) / g.core
	}
	if frac > 0 {
		v += frac * m.Aureole1D(r) / g.aureole
	}
	return v
}

// Evaluate1D evaluates the flux-normalized PSF (see Value) at each radius.
func (m *Model) Evaluate1D(radii []float64, size int) []float64 {
	out := make([]float64, len(radii))
	for i, r := range radii {
		out[i] = m.Value(r, size)
	}
	return out
}

// SurfaceBrightness1D returns, for each star magnitude, the model surface
// brightness profile at radii for stars of that magnitude.
func (m *Model) SurfaceBrightness1D(radii, mags []float64, zeroPoint float64, size int) [][]float64 {
	profile := m.Evaluate1D(radii, size)
	out := make([][]float64, len(mags))
	for k, mag := range mags {
		amp := math.Pow(10, (mag-zeroPoint)/-2.5)
		out[k] = make([]float64, len(radii))
		for i, v := range profile {
			out[k][i] = SurfaceBrightnessOrNaN(v*amp, 0, zeroPoint, m.params.PixelScale)
		}
	}
	return out
}

func (m *Model) String() string {
	p := m.params
	return fmt.Sprintf("{frac=%.4g beta=%.4g fwhm=%.4g n_s=%v theta_s=%v cutoff=%v bkg=%.5g std=%.4g}",
		p.Frac, p.Beta, p.FWHM, p.NS, p.ThetaS, p.Cutoff.Enabled, p.Background, p.BackgroundStd)
}
