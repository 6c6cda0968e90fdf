package config

import (
	"log/slog"
	"math"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/logger"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/sampler"
)

// Half-range limits (arcsec) for contrast-sized stamps.
const (
	MinPSFRange = 60
	MaxPSFRange = 720
)

// ApplyHeader overrides header values with the non-zero image settings.
func (c *File) ApplyHeader(h *imageio.Header) {
	if c.Image.PixelScale > 0 {
		h.PixelScale = c.Image.PixelScale
	}
	if c.Image.ZeroPoint != 0 {
		h.ZeroPoint = c.Image.ZeroPoint
	}
	if c.Image.Background != 0 {
		h.Background = c.Image.Background
	}
}

// CropBounds returns the crop rectangle and whether one is set.
func (c *File) CropBounds() (imageio.Bounds, bool) {
	cr := c.Image.Crop
	if cr == [4]int{} {
		return imageio.Bounds{}, false
	}
	return imageio.Bounds{X0: cr[0], Y0: cr[1], X1: cr[2], Y1: cr[3]}, true
}

func (c *File) ProfileOptions(h *imageio.Header, skyStd float64, l *slog.Logger) profile.Options {
	unit, _ := c.unit()
	b, _ := c.brightness()
	return profile.Options{
		SkyMean:         h.Background,
		SkyStd:          skyStd,
		Seeing:          c.Profile.Seeing,
		Dr:              c.Profile.Dr,
		CoreUndersample: c.Profile.CoreUndersample,
		Unit:            unit,
		Brightness:      b,
		ZeroPoint:       h.ZeroPoint,
		PixelScale:      h.PixelScale,
		Logger:          l,
	}
}

func (c *File) N0Options(h *imageio.Header, skyStd float64, l *slog.Logger) bootstrap.N0Options {
	o := bootstrap.DefaultN0Options()
	o.PixelScale = h.PixelScale
	o.ZeroPoint = h.ZeroPoint
	o.Background = h.Background
	o.SkyStd = skyStd
	o.FitRange = c.Bootstrap.FitRange
	o.RScale = c.Bootstrap.RScale
	o.NFit = c.Bootstrap.NFit
	o.MagMax = c.Bootstrap.MagMax
	o.MinStars = c.Bootstrap.MinStars
	o.INorm = c.Bootstrap.INorm
	o.Norm = bootstrap.NormMode(c.Bootstrap.Norm)
	o.Logger = l
	return o
}

func (c *File) CoreOptions(l *slog.Logger) bootstrap.CoreOptions {
	o := bootstrap.DefaultCoreOptions()
	o.ThetaOut = c.Bootstrap.CoreThetaOut
	o.BetaMax = c.Bootstrap.BetaMax
	o.Logger = l
	return o
}

// PSFParams is the configured PSF on the image's pixel scale.
func (c *File) PSFParams(h *imageio.Header) psf.Params {
	p := c.PSF
	p.NS = append([]float64(nil), c.PSF.NS...)
	p.ThetaS = append([]float64(nil), c.PSF.ThetaS...)
	p.PixelScale = h.PixelScale
	p.Background = h.Background
	return p
}

// PriorSpec builds the sampling prior. A non-nil n0 result replaces the
// configured first-index estimate; a fallback result frees the index.
func (c *File) PriorSpec(n0 *bootstrap.N0Result, mu, sigma float64) sampler.PriorSpec {
	s := sampler.PriorSpec{
		NSpline:  c.Prior.NSpline,
		NEst:     c.Prior.NEst,
		NErr:     c.Prior.NErr,
		N0Free:   c.Prior.N0Free,
		NMin:     c.Prior.NMin,
		NMax:     c.Prior.NMax,
		ThetaIn:  c.Prior.ThetaIn,
		ThetaOut: c.Prior.ThetaOut,
		Mu:       mu,
		Sigma:    sigma,
		FitSigma: c.Prior.FitSigma,
		FitFrac:  c.Prior.FitFrac,
	}
	if n0 != nil {
		s.NEst, s.NErr = n0.N0, n0.Err
		s.N0Free = s.N0Free || n0.Free || math.IsNaN(n0.Err)
	}
	return s
}

// RenderOptions sizes the stamp from the model when no size is configured.
func (c *File) RenderOptions(m *psf.Model, l *slog.Logger) psf.RenderOptions {
	method, _ := c.renderMethod()
	size := c.Render.StampSize
	if size == 0 {
		p := m.Params()
		size = psf.PSFSize(p.NS[0], p.ThetaS[0], c.Render.Contrast, p.PixelScale, MinPSFRange, MaxPSFRange)
	}
	return psf.RenderOptions{
		Method:      method,
		StampSize:   size,
		MaxFFTSide:  c.Render.MaxFFTSide,
		ExactRadius: c.Render.ExactRadius,
		Logger:      l,
	}
}

func (c *File) LoggerConfig() logger.Config {
	return logger.Config{Level: c.Log.Level, JSON: c.Log.JSON, File: c.Log.File}
}
