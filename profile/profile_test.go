package profile

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/robustfit"
)

// powerLawImage draws I = amp * r^-n outside theta0 and flat inside it,
// centred on the middle pixel.
func powerLawImage(size int, amp, n, theta0 float64) [][]float64 {
	img := make([][]float64, size)
	c := float64(size-1) / 2
	for y := range img {
		img[y] = make([]float64, size)
		for x := range img[y] {
			r := math.Max(math.Hypot(float64(x)-c, float64(y)-c), theta0)
			img[y][x] = amp * math.Pow(r, -n)
		}
	}
	return img
}

func TestPowerLawRecovery(t *testing.T) {
	const amp, n = 1e6, 3.0
	img := powerLawImage(401, amp, n, 5)
	prof, err := Extract(img, Options{Seeing: 2.5, Dr: 0.5, SkyStd: 1e-3, PixelScale: 1})
	if err != nil {
		t.Fatal(err)
	}

	var lr, li []float64
	for _, b := range prof.Bins {
		lr = append(lr, math.Log10(b.R))
		li = append(li, math.Log10(b.I))
	}
	model := func(x float64, p []float64) float64 { return p[0] - p[1]*x }
	res, err := robustfit.Fit(lr, li, model, []float64{5, 2}, robustfit.Options{
		Range: &robustfit.Range{Min: 1, Max: math.Log10(150)},
		NIter: 3,
		KStd:  10,
	})
	if err != nil {
		t.Fatal(err)
	}
	if d := math.Abs(res.Params[1]-n) / n; d > 0.01 {
		t.Errorf("n = %g, want %g within 1%%", res.Params[1], n)
	}
	if d := math.Abs(math.Pow(10, res.Params[0])-amp) / amp; d > 0.01 {
		t.Errorf("amplitude = %g, want %g within 1%%", math.Pow(10, res.Params[0]), amp)
	}
}

func randomMask(h, w int, frac float64, seed int64) [][]bool {
	rng := rand.New(rand.NewSource(seed))
	m := make([][]bool, h)
	for y := range m {
		m[y] = make([]bool, w)
		for x := range m[y] {
			m[y][x] = rng.Float64() < frac
		}
	}
	return m
}

func TestRadiiIncreaseAndDeterministic(t *testing.T) {
	img := powerLawImage(151, 1e5, 2.8, 3)
	rng := rand.New(rand.NewSource(11))
	for y := range img {
		for x := range img[y] {
			img[y][x] += 100 + 3*rng.NormFloat64()
		}
	}
	opts := Options{Mask: randomMask(151, 151, 0.2, 5), SkyMean: 100, SkyStd: 3}
	a, err := Extract(img, opts)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i < len(a.Bins); i++ {
		if !(a.Bins[i].R > a.Bins[i-1].R) {
			t.Fatalf("radius %d (%g) not above radius %d (%g)", i, a.Bins[i].R, i-1, a.Bins[i-1].R)
		}
	}
	for i := 1; i < len(a.Edges); i++ {
		if !(a.Edges[i] > a.Edges[i-1]) {
			t.Fatalf("edges not strictly increasing: %v", a.Edges)
		}
	}
	for _, b := range a.Bins {
		if !(b.R >= b.Lo && b.R <= b.Hi) {
			t.Errorf("bin radius %g outside its edges [%g, %g]", b.R, b.Lo, b.Hi)
		}
		if b.N == 0 {
			t.Error("empty bin reported")
		}
	}

	b, err := Extract(img, opts)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Error("extraction is not deterministic")
	}
}

func TestMaskedPixelsExcluded(t *testing.T) {
	const size = 61
	img := make([][]float64, size)
	mask := randomMask(size, size, 0.3, 9)
	for y := range img {
		img[y] = make([]float64, size)
		for x := range img[y] {
			img[y][x] = 10
			if mask[y][x] {
				img[y][x] = 1e12
			}
		}
	}
	prof, err := Extract(img, Options{Mask: mask, Edges: []float64{0, 5, 10, 20, 30}})
	if err != nil {
		t.Fatal(err)
	}
	for _, b := range prof.Bins {
		if b.I != 10 {
			t.Errorf("bin at r=%g has intensity %g, masked pixels leaked", b.R, b.I)
		}
	}
}

func TestFullyMaskedImage(t *testing.T) {
	img := powerLawImage(32, 1, 3, 1)
	mask := make([][]bool, 32)
	for y := range mask {
		mask[y] = make([]bool, 32)
		for x := range mask[y] {
			mask[y][x] = true
		}
	}
	prof, err := Extract(img, Options{Mask: mask})
	if prof != nil {
		t.Error("got a profile for a fully masked image")
	}
	if !fiterr.IsKind(err, fiterr.KindDomain) || !errors.Is(err, fiterr.ErrEmptyImage) {
		t.Errorf("got %v, want a domain ErrEmptyImage", err)
	}

	if _, err := Extract(nil, Options{}); !fiterr.IsKind(err, fiterr.KindDomain) {
		t.Errorf("empty image: got %v", err)
	}
}

func TestBadEdges(t *testing.T) {
	img := powerLawImage(32, 1, 3, 1)
	for _, edges := range [][]float64{{0, 5, 5, 10}, {0, 10, 5}, {3}} {
		_, err := Extract(img, Options{Edges: edges})
		if !errors.Is(err, fiterr.ErrBadBinEdges) || !fiterr.IsKind(err, fiterr.KindDomain) {
			t.Errorf("edges %v: got %v", edges, err)
		}
	}
}

func TestUnitsAndSurfaceBrightness(t *testing.T) {
	img := powerLawImage(101, 1e5, 3, 4)
	for y := range img {
		for x := range img[y] {
			img[y][x] += 50
		}
	}
	base := Options{SkyMean: 50, PixelScale: 2.5, ZeroPoint: 27.1}
	pix, err := Extract(img, base)
	if err != nil {
		t.Fatal(err)
	}

	arc := base
	arc.Unit = Arcsec
	arc.Brightness = SurfaceBrightness
	sb, err := Extract(img, arc)
	if err != nil {
		t.Fatal(err)
	}
	if len(sb.Bins) != len(pix.Bins) {
		t.Fatalf("arcsec profile has %d bins, pixel profile %d", len(sb.Bins), len(pix.Bins))
	}
	for i := range pix.Bins {
		if d := math.Abs(sb.Bins[i].R - 2.5*pix.Bins[i].R); d > 1e-9 {
			t.Errorf("bin %d: arcsec radius %g, want %g", i, sb.Bins[i].R, 2.5*pix.Bins[i].R)
		}
		want := psf.SurfaceBrightnessOrNaN(pix.Bins[i].I, 50, 27.1, 2.5)
		if math.Abs(sb.Bins[i].I-want) > 1e-9 {
			t.Errorf("bin %d: SB %g, want %g", i, sb.Bins[i].I, want)
		}
		if sb.Bins[i].N != pix.Bins[i].N {
			t.Errorf("bin %d: %d pixels in arcsec, %d in pixels", i, sb.Bins[i].N, pix.Bins[i].N)
		}
	}
	if math.Abs(sb.RMax-2.5*pix.RMax) > 1e-9 || math.Abs(sb.RCore-2.5*pix.RCore) > 1e-9 {
		t.Errorf("r_core/r_max %g/%g, want %g/%g", sb.RCore, sb.RMax, 2.5*pix.RCore, 2.5*pix.RMax)
	}

	// explicit edges are given in the output unit
	pixEdges := []float64{0.5, 3.3, 7.7, 15.2, 30.1}
	arcEdges := make([]float64, len(pixEdges))
	for i, e := range pixEdges {
		arcEdges[i] = 2.5 * e
	}
	pe, err := Extract(img, Options{SkyMean: 50, Edges: pixEdges})
	if err != nil {
		t.Fatal(err)
	}
	ae, err := Extract(img, Options{SkyMean: 50, PixelScale: 2.5, Unit: Arcsec, Edges: arcEdges})
	if err != nil {
		t.Fatal(err)
	}
	if len(ae.Bins) != len(pe.Bins) {
		t.Fatalf("explicit edges: %d arcsec bins, %d pixel bins", len(ae.Bins), len(pe.Bins))
	}
	for i := range pe.Bins {
		if ae.Bins[i].N != pe.Bins[i].N || ae.Bins[i].Hi != arcEdges[i+1] {
			t.Errorf("explicit bin %d: %+v vs %+v", i, ae.Bins[i], pe.Bins[i])
		}
	}
}

func TestSigmaClip(t *testing.T) {
	x := []float64{1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 1, 2, 500}
	kept := SigmaClip(x, 3, 5)
	if len(kept) != len(x)-1 {
		t.Fatalf("kept %d of %d", len(kept), len(x))
	}
	for _, v := range kept {
		if v == 500 {
			t.Error("outlier survived")
		}
	}
	if got := Median([]float64{4, 1, 3, 2}); got != 2.5 {
		t.Errorf("Median = %g", got)
	}
}

func TestSaturationRadius(t *testing.T) {
	p := &Profile{Bins: []Bin{{R: 1, I: 6e4}, {R: 2, I: 6e4}, {R: 4, I: 3e4}, {R: 8, I: 1e3}}}
	if got := SaturationRadius(p, 5e4); got != 4 {
		t.Errorf("got %g, want 4", got)
	}
	if got := SaturationRadius(p, 1e5); got != 0 {
		t.Errorf("unsaturated profile: got %g, want 0", got)
	}
	if got := SaturationRadius(p, 10); !math.IsNaN(got) {
		t.Errorf("fully saturated profile: got %g, want NaN", got)
	}
}
