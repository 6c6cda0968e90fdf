package robustfit

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
)

func line(x float64, p []float64) float64 { return p[0] + p[1]*x }

func powerLaw(x float64, p []float64) float64 { return p[0] * math.Pow(x, -p[1]) }

func noisyLine(seed int64) (x, y []float64) {
	rng := rand.New(rand.NewSource(seed))
	for i := 0; i < 80; i++ {
		xi := float64(i) / 4
		x = append(x, xi)
		y = append(y, 2-0.7*xi+0.05*rng.NormFloat64())
	}
	// gross outliers
	y[10] += 5
	y[33] -= 4
	y[61] += 8
	return x, y
}

func TestFitClipsOutliers(t *testing.T) {
	x, y := noisyLine(1)
	res, err := Fit(x, y, line, []float64{0, 0}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Params[0]-2) > 0.05 || math.Abs(res.Params[1]+0.7) > 0.01 {
		t.Errorf("params %v, want ~[2 -0.7]", res.Params)
	}
	for _, i := range []int{10, 33, 61} {
		if !res.Clipped[i] {
			t.Errorf("point %d not clipped", i)
		}
		if !res.IsOutlier(x[i], y[i]) {
			t.Errorf("predicate does not flag point %d", i)
		}
	}
	if res.IsOutlier(5, 2-0.7*5) {
		t.Error("predicate flags a point on the line")
	}
	for i, e := range res.Errors() {
		if !(e > 0) || math.IsInf(e, 0) {
			t.Errorf("error %d = %g", i, e)
		}
	}
}

func TestFitIsDeterministic(t *testing.T) {
	x, y := noisyLine(2)
	a, err := Fit(x, y, line, []float64{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	b, err := Fit(x, y, line, []float64{1, 1}, DefaultOptions())
	if err != nil {
		t.Fatal(err)
	}
	for i := range a.Params {
		if a.Params[i] != b.Params[i] {
			t.Fatalf("run 1 %v != run 2 %v", a.Params, b.Params)
		}
	}
}

func TestFitRespectsBoundsAndRange(t *testing.T) {
	var x, y []float64
	for i := 0; i < 80; i++ {
		xi := float64(i) / 4
		x = append(x, xi)
		y = append(y, 2-0.7*xi)
	}
	opts := Options{
		Bounds: &Bounds{Lower: []float64{-10, -0.5}, Upper: []float64{10, 1}},
		Range:  &Range{Min: 2, Max: 15},
	}
	res, err := Fit(x, y, line, []float64{0, 0}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Params[1] != -0.5 {
		t.Errorf("slope %g should sit on its lower bound", res.Params[1])
	}
	// best intercept with the slope pinned: mean(y + 0.5 x) over the kept points
	want := 0.0
	for i, xi := range res.X {
		if !(xi > 2 && xi < 15) {
			t.Fatalf("x=%g kept outside the range", xi)
		}
		want += res.Y[i] + 0.5*xi
	}
	want /= float64(len(res.X))
	if math.Abs(res.Params[0]-want) > 1e-4 {
		t.Errorf("intercept %g, want %g", res.Params[0], want)
	}
}

func TestFitOptimumOnUpperBound(t *testing.T) {
	var x, y []float64
	for i := 0; i < 10; i++ {
		x = append(x, float64(i))
		y = append(y, 1+3*float64(i))
	}
	opts := Options{Bounds: &Bounds{Lower: []float64{-100, 0}, Upper: []float64{100, 2}}, NIter: 2, KStd: 10}
	res, err := Fit(x, y, line, []float64{0, 1}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Params[1] != 2 {
		t.Errorf("slope %g should sit on its upper bound", res.Params[1])
	}
	// with the slope pinned at 2 the intercept is mean(y - 2x) = 1 + mean(x)
	if math.Abs(res.Params[0]-5.5) > 1e-6 {
		t.Errorf("intercept %g, want 5.5", res.Params[0])
	}
}

func TestFitPowerLawIndexOnBound(t *testing.T) {
	var x, y []float64
	for r := 5.0; r < 300; r *= 1.05 {
		x = append(x, r)
		y = append(y, 1e6*math.Pow(r, -3))
	}
	opts := Options{Bounds: &Bounds{Lower: []float64{0, 1}, Upper: []float64{1e9, 2.5}}, NIter: 1, KStd: 100}
	res, err := Fit(x, y, powerLaw, []float64{1e5, 2}, opts)
	if err != nil {
		t.Fatal(err)
	}
	if res.Params[1] != 2.5 {
		t.Fatalf("index %g should sit on its upper bound", res.Params[1])
	}
	var sxy, sxx float64
	for i := range x {
		g := math.Pow(x[i], -2.5)
		sxy += y[i] * g
		sxx += g * g
	}
	if want := sxy / sxx; math.Abs(res.Params[0]/want-1) > 1e-4 {
		t.Errorf("amplitude %g, want %g", res.Params[0], want)
	}
}

func TestFitPowerLaw(t *testing.T) {
	var x, y []float64
	for r := 5.0; r < 300; r *= 1.05 {
		x = append(x, r)
		y = append(y, 1e6*math.Pow(r, -3))
	}
	res, err := Fit(x, y, powerLaw, []float64{1e5, 2}, Options{NIter: 2, KStd: 10})
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(res.Params[1]-3) > 1e-6 || math.Abs(res.Params[0]/1e6-1) > 1e-5 {
		t.Errorf("params %v, want [1e6 3]", res.Params)
	}
}

func TestFitInitialGuessOutsideBounds(t *testing.T) {
	x, y := noisyLine(3)
	opts := DefaultOptions()
	opts.Bounds = &Bounds{Lower: []float64{0, 0}, Upper: []float64{1, 1}}
	_, err := Fit(x, y, line, []float64{5, 0.5}, opts)
	if !errors.Is(err, fiterr.ErrFitFailed) {
		t.Fatalf("got %v, want ErrFitFailed", err)
	}
	if !fiterr.IsKind(err, fiterr.KindNonConvergence) {
		t.Errorf("kind %q, want non_convergence", fiterr.KindOf(err))
	}
}

func TestFitTooFewPoints(t *testing.T) {
	_, err := Fit([]float64{1}, []float64{2}, line, []float64{0, 0}, DefaultOptions())
	if !errors.Is(err, fiterr.ErrInsufficientData) {
		t.Fatalf("got %v, want ErrInsufficientData", err)
	}
}

func TestMADStd(t *testing.T) {
	if got := MADStd([]float64{1, 2, 3, 4, 100}); math.Abs(got-1.4826) > 1e-12 {
		t.Errorf("MADStd = %g, want 1.4826", got)
	}
	// even length: median 2.5, deviations 1.5 0.5 0.5 1.5
	if got := MADStd([]float64{4, 1, 3, 2}); math.Abs(got-1.4826) > 1e-12 {
		t.Errorf("MADStd even = %g, want 1.4826", got)
	}
	rng := rand.New(rand.NewSource(4))
	x := make([]float64, 20000)
	for i := range x {
		x[i] = 3 * rng.NormFloat64()
	}
	if got := MADStd(x); math.Abs(got-3) > 0.1 {
		t.Errorf("MADStd of N(0,3) = %g", got)
	}
}
