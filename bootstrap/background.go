package bootstrap

import (
	"math"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/profile"
)

// DefaultGain is the detector gain in e-/ADU for a single frame.
const DefaultGain = 0.37

// EstimateBackground returns the 3-sigma clipped mean and standard
// deviation of the unmasked pixels.
func EstimateBackground(img [][]float64, mask [][]bool) (mu, std float64, err error) {
	var sky []float64
	for y, row := range img {
		for x, v := range row {
			if mask != nil && mask[y][x] {
				continue
			}
			if math.IsNaN(v) {
				continue
			}
			sky = append(sky, v)
		}
	}
	if len(sky) == 0 {
		return math.NaN(), math.NaN(), fiterr.Newf("bootstrap.EstimateBackground", fiterr.KindDomain, "no sky pixels: %w", fiterr.ErrEmptyImage)
	}
	mu, std, _ = profile.ClippedStats(sky, 3, 5)
	return mu, std, nil
}

// PoissonNoise estimates the sky Poisson noise in ADU from a stack of
// nFrames frames with the given single-frame gain. ok is false when no
// pixel is positive.
func PoissonNoise(img [][]float64, nFrames int, gain float64) (std float64, ok bool) {
	if nFrames < 1 {
		nFrames = 1
	}
	g := gain * float64(nFrames)
	var vals []float64
	for _, row := range img {
		for _, v := range row {
			if v >= 0 {
				vals = append(vals, math.Sqrt(v/g))
			}
		}
	}
	if len(vals) == 0 {
		return math.NaN(), false
	}
	return profile.Median(vals), true
}
