package psf

import (
	"math"
	"math/bits"
)

// RoundGoodFFT returns the smallest size >= x of the form 2^k or 3*2^k.
// Transform-based rendering grids are sized with it.
func RoundGoodFFT(x int) int {
	if x <= 2 {
		if x < 1 {
			return 1
		}
		return x
	}
	k := bits.Len(uint(x - 1))
	a := 1 << k
	b := 3 << (k - 2)
	if x > b {
		return a
	}
	return min(a, b)
}

// PSFSize picks the stamp side length (pixels) needed to draw an aureole
// with first index n0 starting at theta0 (arcsec) down to 1/contrast of its
// value at theta0. The half-range is clamped to [minRange, maxRange] arcsec.
func PSFSize(n0, theta0, contrast, pixelScale, minRange, maxRange float64) int {
	a0 := math.Pow(theta0, n0)
	opt := math.Floor(math.Pow(contrast*a0, 1/n0))
	psfRange := math.Max(minRange, math.Min(opt, maxRange))
	return RoundGoodFFT(int(math.Floor(2 * psfRange / pixelScale)))
}
