package bootstrap

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"gonum.org/v1/gonum/integrate"
	"gonum.org/v1/gonum/interp"

	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/robustfit"
)

// NormMode selects how each star profile is brought to a common level
// before pooling.
type NormMode string

const (
	// NormInterp interpolates each profile at the reference radius.
	NormInterp NormMode = "intp"
	// NormIntegrated uses the trapezoidal mean over the fit window.
	NormIntegrated NormMode = "intg"
)

// Star is a cropped thumbnail of one bright star.
type Star struct {
	Image  [][]float64
	Mask   [][]bool
	Center [2]float64
	Mag    float64
	// Background is the local sky level; NaN means use N0Options.Background.
	Background float64
}

type N0Options struct {
	PixelScale float64
	ZeroPoint  float64
	Background float64
	SkyStd     float64
	// FitRange is the radius window (arcsec) used for the fit.
	FitRange [2]float64
	// RScale is the reference radius in pixels.
	RScale float64
	// NFit caps the number of stars, brightest first.
	NFit int
	// MagMax keeps stars brighter than this magnitude.
	MagMax float64
	// MinStars is the least number of qualifying stars; below it the
	// routine falls back.
	MinStars int
	INorm    float64
	Norm     NormMode
	// Dr is the profile step in pixels.
	Dr     float64
	Logger *slog.Logger
}

// DefaultN0Options returns the usual wide-field settings.
func DefaultN0Options() N0Options {
	return N0Options{
		PixelScale: 2.5,
		ZeroPoint:  27.1,
		SkyStd:     3,
		FitRange:   [2]float64{20, 40},
		RScale:     12,
		NFit:       15,
		MagMax:     13,
		MinStars:   1,
		INorm:      24,
		Norm:       NormInterp,
		Dr:         0.1,
	}
}

// N0Result is the outcome of FitN0. When Trigger is not TriggerNone the
// values come from the fallback table and Free is set.
type N0Result struct {
	N0, Err float64
	Free    bool
	Trigger Trigger
	NStars  int
	Fit     *robustfit.Result
	// R and SB are the pooled normalized profile the fit used.
	R, SB []float64
}

// FitN0 estimates the first aureole power index from the surface
// brightness profiles of bright stars.
func FitN0(stars []Star, opts N0Options) *N0Result {
	l := logger.Or(opts.Logger)
	r1, r2 := opts.FitRange[0], opts.FitRange[1]
	r0 := opts.RScale * opts.PixelScale

	fallback := func(t Trigger, reason error) *N0Result {
		f, _ := FallbackFor(RoutineN0, t)
		warnFallback(l, f, reason)
		return &N0Result{N0: f.Value[0], Err: f.Err[0], Free: true, Trigger: t}
	}

	if !(r1 < r0 && r0 < r2) {
		return fallback(TriggerReferenceOutside, fmt.Errorf("reference radius %g arcsec outside (%g, %g)", r0, r1, r2))
	}

	var sel []Star
	for _, s := range stars {
		if s.Mag < opts.MagMax {
			sel = append(sel, s)
		}
	}
	sort.SliceStable(sel, func(i, j int) bool { return sel[i].Mag < sel[j].Mag })
	if opts.NFit > 0 && len(sel) > opts.NFit {
		sel = sel[:opts.NFit]
	}
	minStars := max(opts.MinStars, 1)
	if len(sel) < minStars {
		return fallback(TriggerTooFewStars, fmt.Errorf("%d stars brighter than %g, need %d", len(sel), opts.MagMax, minStars))
	}
	l.Info("bootstrap.n0.start", "stars", len(sel), "norm", string(opts.Norm))

	var rAll, sbAll []float64
	used := 0
	for i, s := range sel {
		bkg := s.Background
		if math.IsNaN(bkg) {
			bkg = opts.Background
		}
		center := s.Center
		prof, err := profile.Extract(s.Image, profile.Options{
			Center:     &center,
			Mask:       s.Mask,
			SkyMean:    bkg,
			SkyStd:     opts.SkyStd,
			Dr:         opts.Dr,
			Unit:       profile.Arcsec,
			Brightness: profile.SurfaceBrightness,
			ZeroPoint:  opts.ZeroPoint,
			PixelScale: opts.PixelScale,
			Logger:     opts.Logger,
		})
		if err != nil {
			l.Debug("bootstrap.n0.skip", "star", i, "err", err)
			continue
		}
		r, sb := finite(prof.Radii(), prof.Values())
		wr, wsb := window(r, sb, r1, r2)
		if len(wr) <= 5 {
			l.Debug("bootstrap.n0.skip", "star", i, "points_in_window", len(wr))
			continue
		}

		var ref float64
		switch opts.Norm {
		case NormIntegrated:
			ref = integrate.Trapezoidal(wr, wsb) / (wr[len(wr)-1] - wr[0])
		default:
			var pl interp.PiecewiseLinear
			if err := pl.Fit(wr, wsb); err != nil {
				l.Debug("bootstrap.n0.skip", "star", i, "err", err)
				continue
			}
			ref = pl.Predict(clampTo(r0, wr[0], wr[len(wr)-1]))
		}

		for k := range r {
			rAll = append(rAll, r[k])
			sbAll = append(sbAll, sb[k]-ref+opts.INorm)
		}
		used++
	}
	if used == 0 {
		return fallback(TriggerNoUsableProfiles, errors.New("no star profile has more than 5 points in the fit window"))
	}

	var (
		model robustfit.Model
		p0    []float64
		bnd   *robustfit.Bounds
	)
	iNorm := opts.INorm
	if opts.Norm == NormIntegrated {
		// the pivot radius is degenerate with the offset, so it stays at r0
		model = func(x float64, p []float64) float64 { return p[0]*math.Log10(x/r0) + p[1] }
		p0 = []float64{10, iNorm}
		bnd = &robustfit.Bounds{Lower: []float64{3, iNorm - 1}, Upper: []float64{15, iNorm + 1}}
	} else {
		model = func(x float64, p []float64) float64 { return p[0]*math.Log10(x/r0) + iNorm }
		p0 = []float64{10}
		bnd = &robustfit.Bounds{Lower: []float64{3}, Upper: []float64{15}}
	}
	fit, err := robustfit.Fit(rAll, sbAll, model, p0, robustfit.Options{
		Bounds: bnd,
		Range:  &robustfit.Range{Min: r1, Max: r2},
		NIter:  3,
		KStd:   10,
	})
	if err != nil {
		return fallback(TriggerFitFailed, err)
	}

	res := &N0Result{
		N0:     fit.Params[0] / 2.5,
		Err:    math.Sqrt(fit.Cov.At(0, 0)) / 2.5,
		NStars: used,
		Fit:    fit,
		R:      rAll,
		SB:     sbAll,
	}
	l.Info("bootstrap.n0.done", "n0", res.N0, "err", res.Err, "stars", used)
	return res
}

func finite(r, v []float64) ([]float64, []float64) {
	var ro, vo []float64
	for i := range r {
		if math.IsNaN(v[i]) || math.IsInf(v[i], 0) {
			continue
		}
		ro = append(ro, r[i])
		vo = append(vo, v[i])
	}
	return ro, vo
}

func window(r, v []float64, lo, hi float64) ([]float64, []float64) {
	var ro, vo []float64
	for i := range r {
		if r[i] > lo && r[i] < hi {
			ro = append(ro, r[i])
			vo = append(vo, v[i])
		}
	}
	return ro, vo
}

func clampTo(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(v, hi))
}
