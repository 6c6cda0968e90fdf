package main

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/nested"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/store"
)

func execute(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	if code != 0 {
		t.Logf("stderr: %s", stderr.String())
	}
	return stdout.String(), code
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

// writeScene renders one star on a flat sky and writes image, header,
// star table and run configuration into dir.
func writeScene(t *testing.T, dir string) string {
	t.Helper()
	const zp, mag, sky = 27.0, 14.5, 100.0
	m := psf.MustBuild(psf.Params{Frac: 0.3, Beta: 6.6, FWHM: 6, PixelScale: 2.5, NS: []float64{3.1}, ThetaS: []float64{5}})
	img, err := m.RenderStars(31, 31, []psf.Star{{X: 15, Y: 15, Flux: psf.MagnitudeToFlux(mag, zp)}},
		psf.RenderOptions{Method: psf.RenderDirect, StampSize: 21})
	if err != nil {
		t.Fatal(err)
	}
	for y := range img {
		for x := range img[y] {
			img[y][x] += sky
		}
	}
	g16, err := imageio.MatrixToGray16(img, 4, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := imageio.SavePNG(filepath.Join(dir, "stack.png"), g16); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "stack.yaml"), "background: 100\nzero_point: 27\npixel_scale: 2.5\ndata_scale: 4\nband: r\n")
	writeFile(t, filepath.Join(dir, "stars.yaml"), "stars:\n  - {x: 15, y: 15, mag: 14.5}\n")

	cfg := `
image: {path: stack.png, header: stack.yaml, stars: stars.yaml, sky_std: 2}
render: {method: direct, stamp_size: 21}
bootstrap: {mag_max: 15}
prior: {n_spline: 1, n_est: 3.1, n_err: 0.3, fit_sigma: false}
sampler: {nlive_init: 30, nlive_batch: 15, max_batch: 1, max_iter: 3000, workers: 2, seed: 3}
output: {dir: out, name: star, catalog: runs.db, plots: true}
log: {level: warn}
`
	p := filepath.Join(dir, "run.yaml")
	writeFile(t, p, cfg)
	return p
}

func TestHelpAndVersion(t *testing.T) {
	out, code := execute(t, "--help")
	if code != 0 || !strings.Contains(out, "fit-core") || !strings.Contains(out, "merge") {
		t.Errorf("help (%d): %s", code, out)
	}
	out, code = execute(t, "--version")
	if code != 0 || !strings.Contains(out, version) {
		t.Errorf("version (%d): %s", code, out)
	}
	if _, code := execute(t, "merge", "only.gob"); code == 0 {
		t.Error("merge with one argument succeeded")
	}
	if _, code := execute(t, "--config", filepath.Join(t.TempDir(), "none.yaml"), "runs"); code == 0 {
		t.Error("missing config file accepted")
	}
}

func TestProfileCommand(t *testing.T) {
	cfg := writeScene(t, t.TempDir())
	out, code := execute(t, "--config", cfg, "profile", "--x", "15", "--y", "15", "--mag", "14.5", "--sat", "1000")
	if code != 0 {
		t.Fatalf("profile exited %d", code)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 4 || !strings.HasPrefix(strings.TrimSpace(lines[0]), "r_arcsec") {
		t.Fatalf("profile output:\n%s", out)
	}
	if !strings.Contains(out, "saturation radius") {
		t.Error("no saturation radius reported")
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(cfg), "out", "star_profile.png")); err != nil {
		t.Errorf("profile plot: %v", err)
	}
}

func TestFitSummaryAndRuns(t *testing.T) {
	dir := t.TempDir()
	cfg := writeScene(t, dir)
	out, code := execute(t, "--config", cfg, "fit", "--skip-n0")
	if code != 0 {
		t.Fatalf("fit exited %d:\n%s", code, out)
	}
	for _, want := range []string{"saved", "n0", "mu", "reduced chi2"} {
		if !strings.Contains(out, want) {
			t.Errorf("fit output lacks %q:\n%s", want, out)
		}
	}
	blob := filepath.Join(dir, "out", "star.gob")
	rec, err := store.Load(blob)
	if err != nil {
		t.Fatal(err)
	}
	if rec.PSF == nil || math.Abs(rec.PSF.NS[0]-3.1) > 0.3 {
		t.Errorf("reconstructed psf %+v", rec.PSF)
	}
	if rec.Info["band"] != "r" {
		t.Errorf("info %v", rec.Info)
	}
	if pn, err := strconv.ParseFloat(rec.Info["poisson_std"], 64); err != nil || !(pn > 0) {
		t.Errorf("poisson_std %q: %v", rec.Info["poisson_std"], err)
	}
	for _, f := range []string{"star_posterior.png", "star_model.png", "star_residual.png"} {
		if _, err := os.Stat(filepath.Join(dir, "out", f)); err != nil {
			t.Errorf("%s: %v", f, err)
		}
	}

	yml := filepath.Join(dir, "summary.yaml")
	out, code = execute(t, "--config", cfg, "summary", blob, "--yaml", yml)
	if code != 0 || !strings.Contains(out, "median") {
		t.Fatalf("summary (%d):\n%s", code, out)
	}
	data, err := os.ReadFile(yml)
	if err != nil || !strings.Contains(string(data), "label: n0") {
		t.Errorf("summary yaml: %v\n%s", err, data)
	}

	out, code = execute(t, "--config", cfg, "runs")
	if code != 0 || !strings.Contains(out, "star") {
		t.Errorf("runs (%d):\n%s", code, out)
	}
}

// saveRun samples a 1-d Gaussian and writes the result to path.
func saveRun(t *testing.T, path string, seed uint64) {
	t.Helper()
	cfg := nested.Config{
		NDim: 1, Labels: []string{"a"},
		NLiveInit: 40, NLiveBatch: 20, MaxBatch: 1, MaxIter: 5000,
		DLogZ: 0.05, PFrac: 0.8, QueueSize: 4,
		Sample: nested.SampleAuto, Bound: nested.BoundSingle, Seed: seed,
	}
	res, err := nested.Dynamic{}.Run(context.Background(), gaussEval{}, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Save(path, &store.Record{Result: res}); err != nil {
		t.Fatal(err)
	}
}

type gaussEval struct{}

func (gaussEval) Evaluate(_ context.Context, us [][]float64) ([]nested.Eval, error) {
	out := make([]nested.Eval, len(us))
	for i, u := range us {
		v := 10*u[0] - 5
		out[i] = nested.Eval{U: u, V: []float64{v}, LogL: -0.5 * (v - 1) * (v - 1), NCall: 1}
	}
	return out, nil
}

func TestMergeCommand(t *testing.T) {
	dir := t.TempDir()
	a, b := filepath.Join(dir, "a.gob"), filepath.Join(dir, "b.gob")
	saveRun(t, a, 1)
	saveRun(t, b, 2)
	merged := filepath.Join(dir, "ab.gob")
	out, code := execute(t, "merge", merged, a, b)
	if code != 0 || !strings.Contains(out, "merged 2 runs") {
		t.Fatalf("merge (%d): %s", code, out)
	}
	rec, err := store.Load(merged)
	if err != nil {
		t.Fatal(err)
	}
	ra, _ := store.Load(a)
	rb, _ := store.Load(b)
	if rec.Result.Len() != ra.Result.Len()+rb.Result.Len() {
		t.Errorf("merged %d samples from %d + %d", rec.Result.Len(), ra.Result.Len(), rb.Result.Len())
	}
	out, code = execute(t, "summary", merged)
	if code != 0 || !strings.Contains(out, "a ") {
		t.Errorf("summary of merged run (%d): %s", code, out)
	}
}
