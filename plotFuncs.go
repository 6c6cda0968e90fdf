package main

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/diagnostics"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/sampler"
)

const (
	plotWidthPx  = 800
	plotHeightPx = 600
)

// plotDir returns the output directory when plots are enabled.
func (a *app) plotDir() (string, bool) {
	if !a.cfg.Output.Plots {
		return "", false
	}
	dir := a.cfg.Output.Dir
	if err := os.MkdirAll(dir, 0o750); err != nil {
		a.log.Warn("main.plot.skipped", "dir", dir, "err", err)
		return "", false
	}
	return dir, true
}

func (a *app) saveProfilePlot(name string, prof *profile.Profile, curves ...diagnostics.Curve) {
	dir, ok := a.plotDir()
	if !ok {
		return
	}
	p, err := diagnostics.ProfilePlot(name, prof, curves...)
	if err == nil {
		err = diagnostics.Save(filepath.Join(dir, name+"_profile.png"), p, plotWidthPx, plotHeightPx)
	}
	a.logPlot(name+"_profile.png", err)
}

func (a *app) saveCorePlot(name string, res *bootstrap.CoreResult) {
	dir, ok := a.plotDir()
	if !ok || res.Free {
		return
	}
	title := fmt.Sprintf("core fit: frac=%.3f beta=%.2f", res.Frac, res.Beta)
	p, err := diagnostics.FitPlot(title, "radius (arcsec)", "surface brightness (mag/arcsec²)", res.R, res.SB,
		diagnostics.Curve{Name: "Moffat + aureole", X: res.R, Y: res.Model})
	if err == nil {
		err = diagnostics.Save(filepath.Join(dir, name+"_core.png"), p, plotWidthPx, plotHeightPx)
	}
	a.logPlot(name+"_core.png", err)
}

// saveN0Plot draws the pooled normalized profiles against log10 radius
// with the fitted first-index slope.
func (a *app) saveN0Plot(name string, res *bootstrap.N0Result, opts bootstrap.N0Options) {
	dir, ok := a.plotDir()
	if !ok || res.Free || res.Fit == nil {
		return
	}
	x := make([]float64, len(res.R))
	for i, r := range res.R {
		x[i] = math.Log10(r)
	}
	var fx, fy []float64
	r1, r2 := opts.FitRange[0], opts.FitRange[1]
	for i := 0; i <= 20 && r2 > r1; i++ {
		r := r1 + float64(i)*(r2-r1)/20
		fx = append(fx, math.Log10(r))
		fy = append(fy, res.Fit.Predict(r))
	}
	title := fmt.Sprintf("first aureole index n0 = %.3f ± %.3f (%d stars)", res.N0, res.Err, res.NStars)
	p, err := diagnostics.FitPlot(title, "log10 radius (arcsec)", "normalized SB (mag/arcsec²)", x, res.SB,
		diagnostics.Curve{Name: "fit", X: fx, Y: fy})
	if err == nil {
		err = diagnostics.Save(filepath.Join(dir, name+"_n0.png"), p, plotWidthPx, plotHeightPx)
	}
	a.logPlot(name+"_n0.png", err)
}

func (a *app) saveMarginals(name string, sum *sampler.Summary, labels []string) {
	dir, ok := a.plotDir()
	if !ok {
		return
	}
	plots, err := diagnostics.Marginals(sum.Equal, labels, 30)
	if err == nil {
		cols := min(len(plots), 3)
		rows := (len(plots) + cols - 1) / cols
		err = diagnostics.SaveGrid(filepath.Join(dir, name+"_posterior.png"), plots, cols, float64(cols)*320, float64(rows)*260)
	}
	a.logPlot(name+"_posterior.png", err)
}

func (a *app) logPlot(file string, err error) {
	if err != nil {
		a.log.Warn("main.plot.failed", "file", file, "err", err)
		return
	}
	a.log.Info("main.plot.saved", "file", file)
}
