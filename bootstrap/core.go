package bootstrap

import (
	"errors"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/interp"

	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/robustfit"
)

type CoreOptions struct {
	// ThetaOut is the outermost radius (arcsec) of the fitted profile.
	ThetaOut float64
	// DTheta is the sampling step in arcsec, capped at the pixel scale.
	DTheta  float64
	BetaMax float64
	Logger  *slog.Logger
}

func DefaultCoreOptions() CoreOptions {
	return CoreOptions{ThetaOut: 30, DTheta: 1, BetaMax: 8}
}

// CoreResult holds the fitted core fraction and beta. On fallback the
// values come from the fallback table, errors are NaN and Free is set.
type CoreResult struct {
	Frac, Beta       float64
	FracErr, BetaErr float64
	Free             bool
	Trigger          Trigger
	// R, SB and Model are the sampled data and best-fit curves.
	R, SB, Model []float64
}

// FitCore fits (frac, beta) of base to the stacked PSF image, holding the
// FWHM and aureole shape at base's values. The image is normalized to unit
// sum and its centre pixel is taken as the PSF centre.
func FitCore(image [][]float64, base *psf.Model, opts CoreOptions) *CoreResult {
	l := logger.Or(opts.Logger)
	fallback := func(t Trigger, reason error) *CoreResult {
		f, _ := FallbackFor(RoutineCore, t)
		warnFallback(l, f, reason)
		return &CoreResult{Frac: f.Value[0], Beta: f.Value[1], FracErr: f.Err[0], BetaErr: f.Err[1], Free: true, Trigger: t}
	}

	size := len(image)
	if size == 0 || len(image[0]) != size {
		return fallback(TriggerNoUsableProfiles, errors.New("stacked PSF must be a non-empty square image"))
	}
	total := 0.0
	for _, row := range image {
		total += floats.Sum(row)
	}
	if !(total > 0) {
		return fallback(TriggerNoUsableProfiles, errors.New("stacked PSF has no positive flux"))
	}
	norm := make([][]float64, size)
	for y, row := range image {
		norm[y] = make([]float64, size)
		floats.ScaleTo(norm[y], 1/total, row)
	}

	ps := base.PixelScale()
	prof, err := profile.Extract(norm, profile.Options{
		Dr:              0.5,
		Seeing:          3,
		SkyStd:          3,
		Unit:            profile.Arcsec,
		Brightness:      profile.SurfaceBrightness,
		PixelScale:      ps,
		CoreUndersample: true,
		Logger:          opts.Logger,
	})
	if err != nil {
		return fallback(TriggerNoUsableProfiles, err)
	}
	r, sb := finite(prof.Radii(), prof.Values())
	if len(r) < 3 {
		return fallback(TriggerNoUsableProfiles, errors.New("fewer than 3 finite profile points"))
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(r, sb); err != nil {
		return fallback(TriggerNoUsableProfiles, err)
	}

	dTheta := math.Min(opts.DTheta, ps)
	var rp, ip []float64
	for x := 1.0; x < opts.ThetaOut+dTheta; x += dTheta {
		rp = append(rp, x)
		ip = append(ip, pl.Predict(clampTo(x, r[0], r[len(r)-1])))
	}

	model := coreModel(base, size)
	p0 := []float64{base.Frac(), base.Params().Beta}
	p0[0] = clampTo(p0[0], 1e-5, 0.5)
	p0[1] = clampTo(p0[1], 1.2, opts.BetaMax)
	l.Info("bootstrap.core.start", "points", len(rp), "size", size)
	fit, err := robustfit.Fit(rp, ip, model, p0, robustfit.Options{
		Bounds: &robustfit.Bounds{Lower: []float64{1e-5, 1.2}, Upper: []float64{0.5, opts.BetaMax}},
	})
	if err != nil {
		return fallback(TriggerFitFailed, err)
	}

	errs := fit.Errors()
	res := &CoreResult{
		Frac: fit.Params[0], Beta: fit.Params[1],
		FracErr: errs[0], BetaErr: errs[1],
		R: rp, SB: ip,
	}
	for _, x := range rp {
		res.Model = append(res.Model, fit.Predict(x))
	}
	l.Info("bootstrap.core.done", "frac", res.Frac, "frac_err", res.FracErr,
		"beta", res.Beta, "beta_err", res.BetaErr, "fwhm", base.Params().FWHM)
	return res
}

// coreModel returns the surface brightness of a unit-flux PSF derived from
// base with p = (frac, beta), rendered on a size x size grid. The last
// derived model is reused while the parameters stay the same.
func coreModel(base *psf.Model, size int) robustfit.Model {
	var (
		last  []float64
		model *psf.Model
	)
	ps := base.PixelScale()
	return func(x float64, p []float64) float64 {
		if model == nil || !slices.Equal(last, p) {
			m, err := base.Derive(func(q *psf.Params) {
				q.Frac = p[0]
				q.Beta = p[1]
			})
			if err != nil {
				return math.NaN()
			}
			model = m
			last = append(last[:0], p...)
		}
		return psf.SurfaceBrightnessOrNaN(model.Value(x, size), 0, 0, ps)
	}
}
