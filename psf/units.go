package psf

import (
	"math"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// ToSurfaceBrightness converts a pixel intensity to surface brightness in
// mag/arcsec^2 given the background level, zero point and pixel scale.
// Intensities at or below the background have no defined surface brightness
// and return NaN with an ErrNegativeFlux domain error.
func ToSurfaceBrightness(intensity, background, zeroPoint, pixelScale float64) (float64, error) {
	if math.IsNaN(intensity) || intensity <= background {
		return math.NaN(), fiterr.Newf("psf.ToSurfaceBrightness", fiterr.KindDomain,
			"intensity %g <= background %g: %w", intensity, background, fiterr.ErrNegativeFlux)
	}
	return -2.5*math.Log10(intensity-background) + zeroPoint + 2.5*math.Log10(pixelScale*pixelScale), nil
}

// SurfaceBrightnessOrNaN is ToSurfaceBrightness with undefined samples
// reported as NaN only.
func SurfaceBrightnessOrNaN(intensity, background, zeroPoint, pixelScale float64) float64 {
	sb, _ := ToSurfaceBrightness(intensity, background, zeroPoint, pixelScale)
	return sb
}

// FromSurfaceBrightness is the exact inverse of ToSurfaceBrightness.
func FromSurfaceBrightness(sb, background, zeroPoint, pixelScale float64) float64 {
	return math.Pow(10, (sb-zeroPoint-2.5*math.Log10(pixelScale*pixelScale))/-2.5) + background
}

// MagnitudeToFlux converts a magnitude to flux for the given zero point.
func MagnitudeToFlux(mag, zeroPoint float64) float64 {
	return math.Pow(10, (mag-zeroPoint)/-2.5)
}
