package sampler

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

// Scale says how a sampled value maps onto the physical parameter.
type Scale int

const (
	Linear Scale = iota
	// Log10 dimensions are sampled as log10 of the physical value.
	Log10
)

type PriorKind int

const (
	// Uniform on [A, B].
	Uniform PriorKind = iota
	// Normal with mean A and standard deviation B.
	Normal
	// Ordered is uniform between the previous Ordered dimension's value
	// (A for the first one) and B, which keeps the dimensions increasing.
	Ordered
)

type Prior struct {
	Kind PriorKind
	A, B float64
}

// Param is one entry of a parameter layout.
type Param struct {
	Name    string
	Scale   Scale
	Prior   Prior
	Enabled bool
}

// Physical maps a sampled value onto the model parameter.
func (p Param) Physical(v float64) float64 {
	if p.Scale == Log10 {
		return math.Pow(10, v)
	}
	return v
}

// Layout is the ordered parameter descriptor shared by the prior transform
// and model reconstruction. Disabled entries take no dimension.
type Layout struct {
	params []Param
	active []int
	index  map[string]int
}

// NewLayout builds a layout from params in order.
func NewLayout(params ...Param) *Layout {
	l := &Layout{index: make(map[string]int)}
	for _, p := range params {
		l.params = append(l.params, p)
		if p.Enabled {
			l.index[p.Name] = len(l.active)
			l.active = append(l.active, len(l.params)-1)
		}
	}
	return l
}

// Dim is the number of sampled dimensions.
func (l *Layout) Dim() int { return len(l.active) }

// Labels returns the names of the sampled dimensions in order.
func (l *Layout) Labels() []string {
	out := make([]string, len(l.active))
	for i, k := range l.active {
		out[i] = l.params[k].Name
	}
	return out
}

// Params returns the enabled parameters in sampling order.
func (l *Layout) Params() []Param {
	out := make([]Param, len(l.active))
	for i, k := range l.active {
		out[i] = l.params[k]
	}
	return out
}

// Index returns the sampling position of an enabled parameter.
func (l *Layout) Index(name string) (int, bool) {
	i, ok := l.index[name]
	return i, ok
}

// Value returns the physical value of name from a sampled vector v.
func (l *Layout) Value(v []float64, name string) (float64, bool) {
	i, ok := l.index[name]
	if !ok || i >= len(v) {
		return math.NaN(), false
	}
	return l.params[l.active[i]].Physical(v[i]), true
}

// Validate checks every enabled prior against its stated domain.
func (l *Layout) Validate() error {
	const op = "sampler.Layout"
	if len(l.active) == 0 {
		return fiterr.Newf(op, fiterr.KindDomain, "no enabled parameters: %w", fiterr.ErrBadBounds)
	}
	for _, p := range l.Params() {
		a, b := p.Prior.A, p.Prior.B
		if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
			return fiterr.Newf(op, fiterr.KindDomain, "%s: non-finite prior (%g, %g): %w", p.Name, a, b, fiterr.ErrBadBounds)
		}
		switch p.Prior.Kind {
		case Uniform, Ordered:
			if !(a < b) {
				return fiterr.Newf(op, fiterr.KindDomain, "%s: lower %g not below upper %g: %w", p.Name, a, b, fiterr.ErrBadBounds)
			}
		case Normal:
			if !(b > 0) {
				return fiterr.Newf(op, fiterr.KindDomain, "%s: prior width %g must be positive: %w", p.Name, b, fiterr.ErrBadBounds)
			}
		default:
			return fiterr.Newf(op, fiterr.KindDomain, "%s: unknown prior kind %d", p.Name, p.Prior.Kind)
		}
	}
	return nil
}

// Transform maps a unit-cube point onto the sampled parameter space.
func (l *Layout) Transform(u []float64) []float64 {
	v := make([]float64, len(l.active))
	lastOrdered := math.NaN()
	for i, k := range l.active {
		p := l.params[k].Prior
		switch p.Kind {
		case Normal:
			v[i] = distuv.Normal{Mu: p.A, Sigma: p.B}.Quantile(clampUnit(u[i]))
		case Ordered:
			lo := p.A
			if !math.IsNaN(lastOrdered) && lastOrdered > lo {
				lo = lastOrdered
			}
			v[i] = distuv.Uniform{Min: lo, Max: p.B}.Quantile(clamp01(u[i]))
			lastOrdered = v[i]
		default:
			v[i] = distuv.Uniform{Min: p.A, Max: p.B}.Quantile(clamp01(u[i]))
		}
	}
	return v
}

func clampUnit(u float64) float64 {
	const eps = 1e-12
	return math.Min(math.Max(u, eps), 1-eps)
}

func clamp01(u float64) float64 { return math.Min(math.Max(u, 0), 1) }
