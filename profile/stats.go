package profile

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Median returns the median of x, averaging the middle pair for even
// lengths. It returns NaN for empty input and does not modify x.
func Median(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	s := append([]float64(nil), x...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// SigmaClip iteratively drops values further than nSigma population
// standard deviations from the median, for at most maxIters rounds or until
// nothing changes. The kept values are returned in input order.
func SigmaClip(x []float64, nSigma float64, maxIters int) []float64 {
	kept := append([]float64(nil), x...)
	for it := 0; it < maxIters && len(kept) > 0; it++ {
		med := Median(kept)
		_, std := stat.PopMeanStdDev(kept, nil)
		next := kept[:0:0]
		for _, v := range kept {
			if math.Abs(v-med) <= nSigma*std {
				next = append(next, v)
			}
		}
		if len(next) == len(kept) {
			break
		}
		kept = next
	}
	return kept
}

// ClippedStats returns the mean and population standard deviation of x after
// SigmaClip.
func ClippedStats(x []float64, nSigma float64, maxIters int) (mean, std float64, n int) {
	kept := SigmaClip(x, nSigma, maxIters)
	if len(kept) == 0 {
		return math.NaN(), math.NaN(), 0
	}
	mean, std = stat.PopMeanStdDev(kept, nil)
	return mean, std, len(kept)
}
