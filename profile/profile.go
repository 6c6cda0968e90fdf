// Package profile reduces a masked star image to a 1D radial brightness
// profile with linear bins inside the seeing core and logarithmic bins out
// to the radius where the signal drops into the background.
package profile

import (
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

type Unit int

const (
	Pixel Unit = iota
	Arcsec
)

func (u Unit) String() string {
	if u == Arcsec {
		return "arcsec"
	}
	return "pix"
}

type Brightness int

const (
	Intensity Brightness = iota
	SurfaceBrightness
)

func (b Brightness) String() string {
	if b == SurfaceBrightness {
		return "SB"
	}
	return "Intensity"
}

// Options configures Extract. The zero value of every field except the
// image itself selects the default noted on the field.
type Options struct {
	// Center in pixel coordinates; nil means the image centre.
	Center *[2]float64
	// Mask marks excluded pixels with true.
	Mask [][]bool
	// Background is a per-pixel background map. When nil the scalar
	// SkyMean is used everywhere.
	Background [][]float64
	SkyMean    float64
	// SkyStd is the per-pixel sky noise; default 3.
	SkyStd float64
	// Seeing in pixels, default 2.5. The core radius is int(2*Seeing).
	Seeing float64
	// Dr is the radial step in pixels, default 1.
	Dr float64
	// CoreUndersample bins the core at unique pixel radii.
	CoreUndersample bool
	// Edges overrides the adaptive bins. Must be strictly increasing.
	Edges []float64

	Unit       Unit
	Brightness Brightness
	ZeroPoint  float64
	// PixelScale in arcsec per pixel, default 2.5.
	PixelScale float64

	// ClipSigma and ClipIters control the in-bin sigma clip, default 5 and 5.
	ClipSigma float64
	ClipIters int

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SkyStd == 0 {
		o.SkyStd = 3
	}
	if o.Seeing == 0 {
		o.Seeing = 2.5
	}
	if o.Dr == 0 {
		o.Dr = 1
	}
	if o.PixelScale == 0 {
		o.PixelScale = 2.5
	}
	if o.ClipSigma == 0 {
		o.ClipSigma = 5
	}
	if o.ClipIters == 0 {
		o.ClipIters = 5
	}
}

// Bin is one radial sample of a profile.
type Bin struct {
	// R is the mean radius of the pixels kept in the bin.
	R float64
	// I is the clipped mean intensity, or surface brightness when the
	// profile is in SB units (NaN where intensity <= background).
	I float64
	// Err is the intensity error, LogErr the error on log10 intensity.
	Err    float64
	LogErr float64
	N      int
	// Lo and Hi are the bin edges.
	Lo, Hi float64
}

type Profile struct {
	Bins       []Bin
	Unit       Unit
	Brightness Brightness
	// RCore and RMax are the core radius and adaptive outer radius in Unit.
	RCore, RMax float64
	Edges       []float64
	Background  float64
}

// Radii returns the bin radii.
func (p *Profile) Radii() []float64 {
	out := make([]float64, len(p.Bins))
	for i, b := range p.Bins {
		out[i] = b.R
	}
	return out
}

// Values returns the bin brightnesses.
func (p *Profile) Values() []float64 {
	out := make([]float64, len(p.Bins))
	for i, b := range p.Bins {
		out[i] = b.I
	}
	return out
}

// Errors returns the bin intensity errors.
func (p *Profile) Errors() []float64 {
	out := make([]float64, len(p.Bins))
	for i, b := range p.Bins {
		out[i] = b.Err
	}
	return out
}

type pixel struct {
	r, z float64
}

// Extract computes the radial profile of img.
func Extract(img [][]float64, opts Options) (*Profile, error) {
	const op = "profile.Extract"
	opts.setDefaults()
	h := len(img)
	if h == 0 || len(img[0]) == 0 {
		return nil, fiterr.New(op, fiterr.KindDomain, fiterr.ErrEmptyImage)
	}
	w := len(img[0])
	if opts.Mask != nil && (len(opts.Mask) != h || len(opts.Mask[0]) != w) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "mask is %dx%d, image is %dx%d", len(opts.Mask[0]), len(opts.Mask), w, h)
	}
	if opts.Background != nil && (len(opts.Background) != h || len(opts.Background[0]) != w) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "background map does not match image shape")
	}
	if !(opts.Dr > 0) {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "radial step %g must be positive", opts.Dr)
	}

	cx, cy := float64(w-1)/2, float64(h-1)/2
	if opts.Center != nil {
		cx, cy = opts.Center[0], opts.Center[1]
	}

	bkg := opts.SkyMean
	if opts.Background != nil {
		bkg = backgroundLevel(opts.Background, opts.Mask)
	}

	pix := make([]pixel, 0, h*w)
	for y := 0; y < h; y++ {
		if len(img[y]) != w {
			return nil, fiterr.Newf(op, fiterr.KindDomain, "ragged image row %d", y)
		}
		for x := 0; x < w; x++ {
			if opts.Mask != nil && opts.Mask[y][x] {
				continue
			}
			z := img[y][x]
			if math.IsNaN(z) {
				continue
			}
			pix = append(pix, pixel{r: math.Hypot(float64(x)-cx, float64(y)-cy), z: z})
		}
	}
	if len(pix) == 0 {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "no unmasked pixels: %w", fiterr.ErrEmptyImage)
	}
	sort.SliceStable(pix, func(i, j int) bool { return pix[i].r < pix[j].r })

	rCore := float64(int(2 * opts.Seeing))
	rMax := math.Min(float64(min(h, w)/2), signalRadius(pix, bkg))
	dr := opts.Dr

	// binning is always done in pixels; scale converts to the output unit
	scale := 1.0
	if opts.Unit == Arcsec {
		scale = opts.PixelScale
	}

	var edges []float64
	if opts.Edges != nil {
		edges = make([]float64, len(opts.Edges))
		for i, e := range opts.Edges {
			edges[i] = e / scale
		}
	} else {
		edges = adaptiveEdges(pix, rCore, rMax, dr, opts.CoreUndersample)
	}
	if err := checkEdges(edges); err != nil {
		return nil, fiterr.New(op, fiterr.KindDomain, err)
	}

	prof := &Profile{
		Unit:       opts.Unit,
		Brightness: opts.Brightness,
		RCore:      rCore * scale,
		RMax:       rMax * scale,
		Edges:      make([]float64, len(edges)),
		Background: bkg,
	}
	for i, e := range edges {
		prof.Edges[i] = e * scale
	}
	if opts.Edges != nil {
		copy(prof.Edges, opts.Edges)
	}

	lo := sort.Search(len(pix), func(i int) bool { return pix[i].r >= edges[0] })
	for k := 0; k+1 < len(edges); k++ {
		last := k+2 == len(edges)
		hi := lo
		for hi < len(pix) && (pix[hi].r < edges[k+1] || (last && pix[hi].r == edges[k+1])) {
			hi++
		}
		members := pix[lo:hi]
		lo = hi
		if len(members) == 0 {
			continue
		}

		z := make([]float64, len(members))
		rs := make([]float64, len(members))
		for i, p := range members {
			z[i] = p.z
			rs[i] = p.r
		}
		kept := SigmaClip(z, opts.ClipSigma, opts.ClipIters)
		if len(kept) == 0 {
			continue
		}
		mean, std := stat.PopMeanStdDev(kept, nil)
		if len(kept) <= 10 {
			std = 0
		}
		errI := math.Sqrt((std*std + opts.SkyStd*opts.SkyStd) / float64(len(kept)))
		b := Bin{
			R:      stat.Mean(rs, nil) * scale,
			I:      mean,
			Err:    errI,
			LogErr: 0.434 * math.Abs(errI/(mean-bkg)),
			N:      len(kept),
			Lo:     prof.Edges[k],
			Hi:     prof.Edges[k+1],
		}
		if opts.Brightness == SurfaceBrightness {
			b.I = psf.SurfaceBrightnessOrNaN(mean, bkg, opts.ZeroPoint, opts.PixelScale)
		}
		prof.Bins = append(prof.Bins, b)
	}

	if len(prof.Bins) == 0 {
		return nil, fiterr.Newf(op, fiterr.KindDomain, "every bin is empty: %w", fiterr.ErrEmptyImage)
	}
	logger.Or(opts.Logger).Debug("profile.extracted",
		"bins", len(prof.Bins), "r_core", prof.RCore, "r_max", prof.RMax, "unit", opts.Unit.String())
	return prof, nil
}

// signalRadius walks the radius-sorted pixels and returns the radius beyond
// which the remaining background-subtracted flux is a 5e-5 fraction of the
// total divergence from a pure-background image.
func signalRadius(pix []pixel, bkg float64) float64 {
	n := len(pix)
	suffix := make([]float64, n)
	acc := 0.0
	for i := n - 1; i >= 0; i-- {
		acc += pix[i].z - bkg
		suffix[i] = math.Abs(acc)
	}
	target := 5e-5 * suffix[0]
	best, bestDiff := 0, math.Inf(1)
	for i, s := range suffix {
		if d := math.Abs(s - target); d < bestDiff {
			best, bestDiff = i, d
		}
	}
	return pix[best].r
}

func adaptiveEdges(pix []pixel, rCore, rMax, dr float64, undersample bool) []float64 {
	var edges []float64
	if undersample {
		prev := math.Inf(-1)
		for _, p := range pix {
			if p.r >= rCore {
				break
			}
			if p.r != prev {
				edges = append(edges, p.r-1e-3)
				prev = p.r
			}
		}
	} else {
		nInner := int(math.Min(rCore/dr*2, 6))
		switch {
		case nInner == 1, nInner > 1 && rCore-dr <= 0:
			edges = append(edges, -1e-3)
		case nInner > 1:
			inner := make([]float64, nInner)
			floats.Span(inner, 0, rCore-dr)
			floats.AddConst(-1e-3, inner)
			edges = append(edges, inner...)
		}
	}

	if rMax > rCore+dr {
		nOuter := max(6, min(int(rMax/dr/10), 50))
		outer := make([]float64, nOuter)
		floats.LogSpan(outer, rCore+dr, rMax+2*dr)
		edges = append(edges, outer...)
	}
	return edges
}

func checkEdges(edges []float64) error {
	if len(edges) < 2 {
		return fiterr.ErrBadBinEdges
	}
	for i := 1; i < len(edges); i++ {
		if !(edges[i] > edges[i-1]) {
			return fiterr.ErrBadBinEdges
		}
	}
	return nil
}

func backgroundLevel(bg [][]float64, mask [][]bool) float64 {
	var vals []float64
	for y := range bg {
		for x, v := range bg[y] {
			if mask != nil && mask[y][x] {
				continue
			}
			vals = append(vals, v)
		}
	}
	return Median(vals)
}
