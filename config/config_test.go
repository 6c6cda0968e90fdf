package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gonum.org/v1/gonum/floats"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseFormats(t *testing.T) {
	json5 := `{
		// wide-field r band
		image: {path: "stack.png", crop: [10, 10, 210, 210]},
		psf: {fwhm: 5, n_s: [3.1, 2.2], theta_s: [5, 80]},
		sampler: {nlive_init: 200, seed: 7},
		prior: {n_spline: 2, fit_frac: true},
	}`
	yml := `
image:
  path: stack.png
  crop: [10, 10, 210, 210]
psf:
  fwhm: 5
  n_s: [3.1, 2.2]
  theta_s: [5, 80]
sampler:
  nlive_init: 200
  seed: 7
prior:
  n_spline: 2
  fit_frac: true
`
	for name, data := range map[string]string{"run.json5": json5, "run.yaml": yml} {
		cfg, err := Parse(name, []byte(data))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if cfg.PSF.FWHM != 5 || len(cfg.PSF.NS) != 2 || cfg.PSF.NS[1] != 2.2 || cfg.PSF.Beta != 6.6 {
			t.Errorf("%s: psf %+v", name, cfg.PSF)
		}
		if cfg.Sampler.NLiveInit != 200 || cfg.Sampler.Seed != 7 || cfg.Sampler.NLiveBatch != 50 || cfg.Sampler.PFrac != 0.8 {
			t.Errorf("%s: sampler %+v", name, cfg.Sampler)
		}
		if cfg.Prior.NSpline != 2 || !cfg.Prior.FitFrac || !cfg.Prior.FitSigma || cfg.Prior.ThetaOut != 300 {
			t.Errorf("%s: prior %+v", name, cfg.Prior)
		}
		b, ok := cfg.CropBounds()
		if !ok || b != (imageio.Bounds{X0: 10, Y0: 10, X1: 210, Y1: 210}) {
			t.Errorf("%s: crop %+v", name, b)
		}
	}
}

func TestParseReplacesDefaultSlices(t *testing.T) {
	cases := []struct {
		name, data string
		ns, thetaS []float64
	}{
		{"one.json5", `{psf: {n_s: [3.1], theta_s: [5]}}`, []float64{3.1}, []float64{5}},
		{"one.yaml", "psf:\n  n_s: [3.1]\n  theta_s: [5]\n", []float64{3.1}, []float64{5}},
		{"three.json5", `{psf: {n_s: [3, 2.5, 2], theta_s: [5, 60, 200]}}`, []float64{3, 2.5, 2}, []float64{5, 60, 200}},
		{"none.json5", `{psf: {fwhm: 4}}`, []float64{3.3, 2.5}, []float64{5, 100}},
	}
	for _, c := range cases {
		cfg, err := Parse(c.name, []byte(c.data))
		if err != nil {
			t.Fatalf("%s: %v", c.name, err)
		}
		if !floats.Equal(cfg.PSF.NS, c.ns) || !floats.Equal(cfg.PSF.ThetaS, c.thetaS) {
			t.Errorf("%s: n_s=%v theta_s=%v, want %v %v", c.name, cfg.PSF.NS, cfg.PSF.ThetaS, c.ns, c.thetaS)
		}
	}
	// the defaults themselves must not be shared with a parsed file
	if d := Default(); !floats.Equal(d.PSF.NS, []float64{3.3, 2.5}) {
		t.Errorf("default n_s changed to %v", d.PSF.NS)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name, data string
	}{
		{"a.yaml", "profile:\n  unit: furlong\n"},
		{"b.yaml", "bootstrap:\n  norm: peak\n"},
		{"c.yaml", "prior:\n  n_min: 4\n  n_max: 2\n"},
		{"d.yaml", "sampler:\n  pfrac: 1.5\n"},
		{"e.yaml", "image:\n  crop: [5, 5, 2, 9]\n"},
		{"f.yaml", "render:\n  method: raytrace\n"},
		{"g.yaml", "sampler: [1, 2]\n"},
		{"h.toml", ""},
		{"i.yaml", "psf:\n  n_s: [3, 2]\n  theta_s: [50, 20]\n"},
		{"j.json5", "{psf: {n_s: [3]}}"},
		{"k.json5", "{psf: {beta: 0.5}}"},
	}
	for _, c := range cases {
		if _, err := Parse(c.name, []byte(c.data)); !fiterr.IsKind(err, fiterr.KindConfig) {
			t.Errorf("%s: err = %v", c.name, err)
		}
	}
}

func TestLoadResolvesPaths(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "run.yml")
	body := "image:\n  path: img.png\n  header: /abs/h.yaml\noutput:\n  dir: out\n  catalog: runs.db\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Image.Path != filepath.Join(dir, "img.png") || cfg.Image.Header != "/abs/h.yaml" {
		t.Errorf("image paths %+v", cfg.Image)
	}
	if cfg.Output.Catalog != filepath.Join(dir, "out", "runs.db") {
		t.Errorf("catalog %q", cfg.Output.Catalog)
	}

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	if !errors.Is(err, ErrConfigNotFound) || !fiterr.IsKind(err, fiterr.KindConfig) {
		t.Errorf("missing file: %v", err)
	}
}

func TestOptionBuilders(t *testing.T) {
	cfg := Default()
	cfg.Image.ZeroPoint = 28
	cfg.Profile.Unit = "pixel"
	h := &imageio.Header{Background: 800, ZeroPoint: 27, PixelScale: 2.5}
	cfg.ApplyHeader(h)
	if h.ZeroPoint != 28 || h.Background != 800 {
		t.Errorf("header %+v", h)
	}

	po := cfg.ProfileOptions(h, 4, nil)
	if po.Unit != profile.Pixel || po.Brightness != profile.SurfaceBrightness || po.SkyMean != 800 || po.ZeroPoint != 28 {
		t.Errorf("profile options %+v", po)
	}
	n0 := cfg.N0Options(h, 4, nil)
	if n0.Norm != bootstrap.NormInterp || n0.ZeroPoint != 28 || n0.SkyStd != 4 {
		t.Errorf("n0 options %+v", n0)
	}

	spec := cfg.PriorSpec(&bootstrap.N0Result{N0: 3.4, Err: 0.1}, 800, 4)
	if spec.NEst != 3.4 || spec.NErr != 0.1 || spec.N0Free || spec.Mu != 800 || spec.Sigma != 4 {
		t.Errorf("prior spec %+v", spec)
	}
	spec = cfg.PriorSpec(&bootstrap.N0Result{N0: 3.3, Err: 0.4, Free: true}, 800, 4)
	if !spec.N0Free {
		t.Error("fallback n0 should free the first index")
	}

	m := psf.MustBuild(cfg.PSFParams(h))
	ro := cfg.RenderOptions(m, nil)
	if ro.Method != psf.RenderFFT || ro.StampSize != psf.PSFSize(3.3, 5, 1e5, 2.5, MinPSFRange, MaxPSFRange) {
		t.Errorf("render options %+v", ro)
	}
	cfg.Render.StampSize = 101
	if got := cfg.RenderOptions(m, nil).StampSize; got != 101 {
		t.Errorf("explicit stamp size %d", got)
	}
}
