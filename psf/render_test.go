package psf

import (
	"errors"
	"math"
	"testing"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

func isGoodFFT(n int) bool {
	for n%2 == 0 {
		n /= 2
	}
	return n == 1 || n == 3
}

func TestRoundGoodFFT(t *testing.T) {
	for x := 1; x <= 5000; x++ {
		got := RoundGoodFFT(x)
		if got < x || !isGoodFFT(got) {
			t.Fatalf("RoundGoodFFT(%d) = %d", x, got)
		}
		for y := x; y < got; y++ {
			if isGoodFFT(y) {
				t.Fatalf("RoundGoodFFT(%d) = %d but %d is smaller", x, got, y)
			}
		}
		if again := RoundGoodFFT(x); again != got {
			t.Fatalf("RoundGoodFFT(%d) not deterministic", x)
		}
	}
	for _, tc := range []struct{ in, want int }{{0, 1}, {1, 1}, {5, 6}, {7, 8}, {90, 96}, {100, 128}, {1537, 2048}} {
		if got := RoundGoodFFT(tc.in); got != tc.want {
			t.Errorf("RoundGoodFFT(%d) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestPSFSizeClamps(t *testing.T) {
	// steep aureole hits the minimum range: 2*60/1 = 120 -> 128
	if got := PSFSize(10, 1, 1e5, 1, 60, 720); got != 128 {
		t.Errorf("min clamp: got %d, want 128", got)
	}
	// shallow aureole hits the maximum range: 2*720/1 = 1440 -> 1536
	if got := PSFSize(1, 5, 1e5, 1, 60, 720); got != 1536 {
		t.Errorf("max clamp: got %d, want 1536", got)
	}
}

func TestSurfaceBrightnessRoundTrip(t *testing.T) {
	for _, bkg := range []float64{0, 884.2} {
		for _, dI := range []float64{1e-3, 0.5, 1, 37.25, 1e4, 3e7} {
			in := bkg + dI
			sb, err := ToSurfaceBrightness(in, bkg, 27.1, 2.5)
			if err != nil {
				t.Fatal(err)
			}
			back := FromSurfaceBrightness(sb, bkg, 27.1, 2.5)
			if math.Abs(back-in) > 1e-9*math.Max(1, dI) {
				t.Errorf("bkg %g: %g -> %g -> %g", bkg, in, sb, back)
			}
		}
	}
}

func TestSurfaceBrightnessBelowBackground(t *testing.T) {
	for _, in := range []float64{100, 99, math.NaN()} {
		sb, err := ToSurfaceBrightness(in, 100, 27.1, 2.5)
		if !math.IsNaN(sb) {
			t.Errorf("I=%g: sb = %g, want NaN", in, sb)
		}
		if !errors.Is(err, fiterr.ErrNegativeFlux) || !fiterr.IsKind(err, fiterr.KindDomain) {
			t.Errorf("I=%g: err = %v", in, err)
		}
	}
}

func stars() []Star {
	return []Star{
		{X: 20, Y: 22, Flux: 1e5},
		{X: 41, Y: 10, Flux: 3e3},
		{X: 5, Y: 44, Flux: 2e4},
	}
}

func maxAbs(img [][]float64) float64 {
	m := 0.0
	for _, row := range img {
		for _, v := range row {
			m = math.Max(m, math.Abs(v))
		}
	}
	return m
}

func TestRenderStarsFFTMatchesDirect(t *testing.T) {
	m := MustBuild(Params{
		Frac: 0.2, Beta: 3, FWHM: 3, PixelScale: 1,
		NS: []float64{3, 2.2}, ThetaS: []float64{4, 15},
	})
	direct, err := m.RenderStars(48, 56, stars(), RenderOptions{Method: RenderDirect, StampSize: 31})
	if err != nil {
		t.Fatal(err)
	}
	viaFFT, err := m.RenderStars(48, 56, stars(), RenderOptions{Method: RenderFFT, StampSize: 31})
	if err != nil {
		t.Fatal(err)
	}
	tol := 1e-9 * maxAbs(direct)
	for y := range direct {
		for x := range direct[y] {
			if d := math.Abs(direct[y][x] - viaFFT[y][x]); d > tol {
				t.Fatalf("pixel (%d,%d): direct %g fft %g", x, y, direct[y][x], viaFFT[y][x])
			}
		}
	}
}

func TestRenderStarsFFTSubPixel(t *testing.T) {
	m := MustBuild(Params{
		Frac: 0.2, Beta: 3, FWHM: 3, PixelScale: 1,
		NS: []float64{3, 2.2}, ThetaS: []float64{4, 15},
	})
	// the stamp covers the whole image so truncation plays no part
	half := []Star{{X: 30.5, Y: 30.5, Flux: 1e5}, {X: 12.25, Y: 47.75, Flux: 4e3}}
	direct, err := m.RenderStars(61, 61, half, RenderOptions{Method: RenderDirect, StampSize: 121})
	if err != nil {
		t.Fatal(err)
	}
	peak := maxAbs(direct)

	cases := []struct {
		name  string
		exact int
		// rel bounds the per-pixel error outside the exact box
		rel float64
	}{
		{"default", 0, 0.02},
		{"whole stamp", 60, 1e-9},
	}
	for _, c := range cases {
		got, err := m.RenderStars(61, 61, half, RenderOptions{Method: RenderFFT, StampSize: 121, ExactRadius: c.exact})
		if err != nil {
			t.Fatal(err)
		}
		if d := math.Abs(got[30][30] - direct[30][30]); d > 1e-9*peak {
			t.Errorf("%s: peak pixel fft %g direct %g", c.name, got[30][30], direct[30][30])
		}
		for y := range direct {
			for x := range direct[y] {
				d := math.Abs(got[y][x] - direct[y][x])
				if d > c.rel*direct[y][x]+1e-9*peak {
					t.Fatalf("%s: pixel (%d,%d): direct %g fft %g", c.name, x, y, direct[y][x], got[y][x])
				}
			}
		}
	}
}

func TestRenderStarsFallsBackToDirect(t *testing.T) {
	m := MustBuild(DefaultParams())
	direct, err := m.RenderStars(48, 56, stars(), RenderOptions{Method: RenderDirect, StampSize: 30})
	if err != nil {
		t.Fatal(err)
	}
	// an 8 pixel transform limit cannot hold the image
	got, err := m.RenderStars(48, 56, stars(), RenderOptions{Method: RenderFFT, StampSize: 30, MaxFFTSide: 8})
	if err != nil {
		t.Fatalf("fallback should not fail: %v", err)
	}
	for y := range direct {
		for x := range direct[y] {
			if got[y][x] != direct[y][x] {
				t.Fatalf("fallback differs from direct at (%d,%d)", x, y)
			}
		}
	}
}

func TestConvolveFFTGridLimit(t *testing.T) {
	img := newImage(40, 40)
	kernel := newImage(9, 9)
	kernel[4][4] = 1
	if _, err := ConvolveFFT(img, kernel, ConvSame, 16); !errors.Is(err, ErrGridTooLarge) {
		t.Errorf("got %v, want ErrGridTooLarge", err)
	}
}

func TestConvolveFFTDelta(t *testing.T) {
	img := newImage(10, 12)
	img[3][7] = 2
	kernel := [][]float64{
		{0, 1, 0},
		{1, 4, 1},
		{0, 1, 0},
	}
	out, err := ConvolveFFT(img, kernel, ConvSame, 0)
	if err != nil {
		t.Fatal(err)
	}
	want := map[[2]int]float64{{3, 7}: 8, {2, 7}: 2, {4, 7}: 2, {3, 6}: 2, {3, 8}: 2}
	for y := range out {
		for x := range out[y] {
			if math.Abs(out[y][x]-want[[2]int{y, x}]) > 1e-12 {
				t.Errorf("(%d,%d) = %g, want %g", y, x, out[y][x], want[[2]int{y, x}])
			}
		}
	}
}
