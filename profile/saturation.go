package profile

import "math"

// SaturationRadius returns the radius of the first bin, walking outward,
// whose mean intensity is below satLevel. Bins inside it are treated as
// saturated and should be masked in a fit. It returns 0 when the innermost
// bin is already unsaturated and NaN when every bin is saturated or the
// profile is not in intensity units.
func SaturationRadius(p *Profile, satLevel float64) float64 {
	if p == nil || p.Brightness != Intensity || len(p.Bins) == 0 {
		return math.NaN()
	}
	for i, b := range p.Bins {
		if b.I < satLevel {
			if i == 0 {
				return 0
			}
			return b.R
		}
	}
	return math.NaN()
}
