package diagnostics

import (
	"errors"
	"fmt"
	"image"
	"image/color"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"

	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/profile"
)

// Curve is a named model curve drawn over data.
type Curve struct {
	Name string
	X, Y []float64
}

type errPoints struct {
	plotter.XYs
	plotter.YErrors
}

// ProfilePlot draws the bins of prof with error bars on a log radius axis
// and overlays the given curves. Surface brightness runs downward.
func ProfilePlot(title string, prof *profile.Profile, curves ...Curve) (*plot.Plot, error) {
	if prof == nil || len(prof.Bins) == 0 {
		return nil, errors.New("diagnostics: empty profile")
	}
	sb := prof.Brightness == profile.SurfaceBrightness
	yLabel := "intensity"
	if sb {
		yLabel = "surface brightness (mag/arcsec²)"
	}
	p := newPlot(title, fmt.Sprintf("radius (%s)", prof.Unit), yLabel)
	p.X.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	if sb {
		p.Y.Scale = plot.InvertedScale{Normalizer: plot.LinearScale{}}
	}

	var data errPoints
	for _, b := range prof.Bins {
		pts := finiteXY([]float64{b.R}, []float64{b.I}, true)
		if len(pts) == 0 {
			continue
		}
		e := b.Err
		if sb {
			e = 2.5 * b.LogErr
		}
		data.XYs = append(data.XYs, pts[0])
		data.YErrors = append(data.YErrors, struct{ Low, High float64 }{e, e})
	}
	if len(data.XYs) == 0 {
		return nil, errors.New("diagnostics: profile has no finite bins")
	}

	scatter, err := plotter.NewScatter(data)
	if err != nil {
		return nil, err
	}
	scatter.Color = black
	scatter.Radius = vg.Points(2)
	bars, err := plotter.NewYErrorBars(data)
	if err != nil {
		return nil, err
	}
	bars.Color = gray
	p.Add(bars, scatter)
	p.Legend.Add("data", scatter)

	colors := []color.Color{blue, red}
	for i, c := range curves {
		pts := finiteXY(c.X, c.Y, true)
		if len(pts) < 2 {
			continue
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.Color = colors[i%len(colors)]
		if i >= len(colors) {
			line.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		}
		p.Add(line)
		if c.Name != "" {
			p.Legend.Add(c.Name, line)
		}
	}
	return p, nil
}

// FitPlot draws data points and a best-fit curve on linear axes.
func FitPlot(title, xLabel, yLabel string, x, y []float64, fit Curve) (*plot.Plot, error) {
	pts := finiteXY(x, y, false)
	if len(pts) == 0 {
		return nil, errors.New("diagnostics: no finite data points")
	}
	p := newPlot(title, xLabel, yLabel)

	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return nil, err
	}
	scatter.Color = black
	scatter.Radius = vg.Points(1.5)
	p.Add(scatter)
	p.Legend.Add("data", scatter)

	if fp := finiteXY(fit.X, fit.Y, false); len(fp) >= 2 {
		line, err := plotter.NewLine(fp)
		if err != nil {
			return nil, err
		}
		line.Color = red
		line.Width = vg.Points(1.5)
		p.Add(line)
		p.Legend.Add(fit.Name, line)
	}
	return p, nil
}

// Marginals returns one histogram per dimension of equal-weight posterior
// samples, with the median marked by a dashed line.
func Marginals(samples [][]float64, labels []string, bins int) ([]*plot.Plot, error) {
	if len(samples) == 0 {
		return nil, errors.New("diagnostics: no samples")
	}
	d := len(samples[0])
	if len(labels) != d {
		return nil, fmt.Errorf("diagnostics: %d labels for %d dimensions", len(labels), d)
	}
	if bins < 1 {
		bins = 30
	}
	out := make([]*plot.Plot, d)
	for j := 0; j < d; j++ {
		vals := make(plotter.Values, len(samples))
		for i, s := range samples {
			vals[i] = s[j]
		}
		p := newPlot("", labels[j], "count")
		h, err := plotter.NewHist(vals, bins)
		if err != nil {
			return nil, fmt.Errorf("diagnostics: %s: %w", labels[j], err)
		}
		h.FillColor = blue
		h.Color = blue
		p.Add(h)

		med := profile.Median(append([]float64(nil), vals...))
		top := maxCount(h)
		vline, err := plotter.NewLine(plotter.XYs{{X: med, Y: 0}, {X: med, Y: top}})
		if err != nil {
			return nil, err
		}
		vline.Dashes = []vg.Length{vg.Points(6), vg.Points(4)}
		vline.Color = red
		p.Add(vline)
		out[j] = p
	}
	return out, nil
}

func maxCount(h *plotter.Histogram) float64 {
	top := 0.0
	for _, b := range h.Bins {
		top = max(top, b.Weight)
	}
	return top
}

// RenderGrid lays plots out in rows of cols and draws them into one image.
func RenderGrid(plots []*plot.Plot, cols int, wPx, hPx float64) image.Image {
	if cols < 1 {
		cols = 1
	}
	rows := (len(plots) + cols - 1) / cols
	grid := make([][]*plot.Plot, rows)
	for i := range grid {
		grid[i] = make([]*plot.Plot, cols)
		for j := 0; j < cols; j++ {
			if k := i*cols + j; k < len(plots) {
				grid[i][j] = plots[k]
			}
		}
	}

	width := vg.Length(wPx) * vg.Inch / dpi
	height := vg.Length(hPx) * vg.Inch / dpi
	c := vgimg.New(width, height)
	dc := draw.New(c)
	t := draw.Tiles{Rows: rows, Cols: cols, PadX: vg.Points(4), PadY: vg.Points(4)}
	canvases := plot.Align(grid, t, dc)
	for i := range grid {
		for j, p := range grid[i] {
			if p != nil {
				p.Draw(canvases[i][j])
			}
		}
	}
	return c.Image()
}

// SaveGrid is RenderGrid written to filename as PNG.
func SaveGrid(filename string, plots []*plot.Plot, cols int, wPx, hPx float64) error {
	if len(plots) == 0 {
		return errors.New("diagnostics: no plots")
	}
	return imageio.SavePNG(filename, RenderGrid(plots, cols, wPx, hPx))
}
