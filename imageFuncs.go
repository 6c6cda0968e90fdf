package main

import (
	"math"
	"path/filepath"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

// scene is the cropped image with its star table in cropped coordinates.
type scene struct {
	img     *imageio.Image
	header  *imageio.Header
	origin  imageio.Bounds
	entries []imageio.StarEntry
	// mu and std are the sky level and noise used for the fit.
	mu, std float64
	// poisson is the shot-noise estimate from the frame count, NaN when
	// the image has no usable pixel.
	poisson float64
}

// loadScene reads the configured image, mask, header and star table,
// crops them and settles the sky statistics.
func (a *app) loadScene() (*scene, error) {
	c := a.cfg.Image
	if c.Path == "" || c.Header == "" {
		return nil, fiterr.Newf("main.loadScene", fiterr.KindConfig, "image.path and image.header are required")
	}
	img, err := imageio.Load(c.Path, c.Mask, c.Header)
	if err != nil {
		return nil, err
	}
	a.cfg.ApplyHeader(img.Header)

	sc := &scene{img: img, header: img.Header}
	if b, ok := a.cfg.CropBounds(); ok {
		if sc.img, err = img.Crop(b); err != nil {
			return nil, err
		}
		sc.origin = b
	}
	h, w := len(sc.img.Data), len(sc.img.Data[0])

	if c.Stars != "" {
		all, err := imageio.LoadStars(c.Stars)
		if err != nil {
			return nil, err
		}
		for _, s := range all {
			x, y := s.X-float64(sc.origin.X0), s.Y-float64(sc.origin.Y0)
			if x >= 0 && y >= 0 && x < float64(w) && y < float64(h) {
				sc.entries = append(sc.entries, s)
			}
		}
	}

	sc.mu = sc.header.Background
	sc.std = c.SkyStd
	if sc.std == 0 {
		mu, std, err := bootstrap.EstimateBackground(sc.img.Data, sc.img.Mask)
		if err != nil {
			return nil, err
		}
		sc.std = std
		a.log.Info("main.sky", "clipped_mean", mu, "header_background", sc.mu, "std", std)
	}
	sc.poisson, _ = bootstrap.PoissonNoise(sc.img.Data, sc.header.NFrames, bootstrap.DefaultGain)
	a.log.Debug("main.sky.poisson", "std", sc.poisson, "nframes", sc.header.NFrames)
	a.log.Info("main.scene", "image", c.Path, "width", w, "height", h, "stars", len(sc.entries),
		"zero_point", sc.header.ZeroPoint, "pixel_scale", sc.header.PixelScale)
	return sc, nil
}

// splitStars returns the stars brighter than magMax, which are fitted,
// and the fainter ones, which are rendered once with the base model.
func (sc *scene) splitStars(magMax float64) (bright, faint []psf.Star) {
	for _, s := range sc.entries {
		src := imageio.Sources([]imageio.StarEntry{s}, sc.header.ZeroPoint, sc.origin)[0]
		if s.Mag < magMax {
			bright = append(bright, src)
		} else {
			faint = append(faint, src)
		}
	}
	return bright, faint
}

// thumbnails crops size x size windows around the stars brighter than
// magMax for the first-index bootstrap.
func (sc *scene) thumbnails(magMax float64, size int) []bootstrap.Star {
	var out []bootstrap.Star
	for _, s := range sc.entries {
		if s.Mag >= magMax {
			continue
		}
		x, y := s.X-float64(sc.origin.X0), s.Y-float64(sc.origin.Y0)
		t, center, err := sc.img.Thumbnail(x, y, size)
		if err != nil {
			continue
		}
		out = append(out, bootstrap.Star{
			Image:      t.Data,
			Mask:       t.Mask,
			Center:     center,
			Mag:        s.Mag,
			Background: math.NaN(),
		})
	}
	return out
}

// writeImages saves the model in the image's 16-bit encoding and a
// percentile-stretched view of the residual.
func (sc *scene) writeImages(dir, name string, model [][]float64) error {
	gray16, err := imageio.MatrixToGray16(model, sc.header.DataScale, sc.header.DataOffset)
	if err != nil {
		return err
	}
	if err := imageio.SavePNG(filepath.Join(dir, name+"_model.png"), gray16); err != nil {
		return err
	}

	res := make([][]float64, len(model))
	for y := range model {
		res[y] = make([]float64, len(model[y]))
		for x := range model[y] {
			if sc.img.Mask != nil && sc.img.Mask[y][x] {
				res[y][x] = math.NaN()
				continue
			}
			res[y][x] = sc.img.Data[y][x] - model[y][x]
		}
	}
	view, err := imageio.MatrixToGrayView(res, 1, 99)
	if err != nil {
		return err
	}
	return imageio.SavePNG(filepath.Join(dir, name+"_residual.png"), view)
}
