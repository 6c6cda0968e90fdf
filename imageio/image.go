package imageio

import (
	"fmt"
	"os"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/psf"
)

// Image is a stacked image with its mask and header.
type Image struct {
	Data [][]float64
	// Mask is true for excluded pixels; nil means nothing is masked.
	Mask   [][]bool
	Header *Header
}

// Load reads the image PNG, the header sidecar and, when maskPath is not
// empty, the mask PNG.
func Load(imagePath, maskPath, headerPath string) (*Image, error) {
	hdr, err := LoadHeader(headerPath)
	if err != nil {
		return nil, err
	}
	data, err := LoadGray16PNG(imagePath, hdr.DataScale, hdr.DataOffset)
	if err != nil {
		return nil, err
	}
	im := &Image{Data: data, Header: hdr}
	if maskPath != "" {
		mask, err := LoadMaskPNG(maskPath)
		if err != nil {
			return nil, err
		}
		if len(mask) != len(data) || len(mask[0]) != len(data[0]) {
			return nil, fiterr.Newf("imageio.Load", fiterr.KindDomain, "mask is %dx%d, image %dx%d",
				len(mask[0]), len(mask), len(data[0]), len(data))
		}
		im.Mask = mask
	}
	return im, nil
}

// Bounds is a pixel rectangle [X0, X1) x [Y0, Y1).
type Bounds struct {
	X0, Y0, X1, Y1 int
}

// Crop returns the part of the image inside b. Data is copied.
func (im *Image) Crop(b Bounds) (*Image, error) {
	h := len(im.Data)
	w := 0
	if h > 0 {
		w = len(im.Data[0])
	}
	if b.X0 < 0 || b.Y0 < 0 || b.X1 > w || b.Y1 > h || b.X0 >= b.X1 || b.Y0 >= b.Y1 {
		return nil, fiterr.Newf("imageio.Crop", fiterr.KindDomain, "bounds %+v outside %dx%d image", b, w, h)
	}
	out := &Image{Header: im.Header}
	for y := b.Y0; y < b.Y1; y++ {
		out.Data = append(out.Data, append([]float64(nil), im.Data[y][b.X0:b.X1]...))
		if im.Mask != nil {
			out.Mask = append(out.Mask, append([]bool(nil), im.Mask[y][b.X0:b.X1]...))
		}
	}
	return out, nil
}

// StarEntry is one row of a star table produced by source detection.
type StarEntry struct {
	X   float64 `json:"x" yaml:"x"`
	Y   float64 `json:"y" yaml:"y"`
	Mag float64 `json:"mag" yaml:"mag"`
}

// LoadStars reads a JSON5 or YAML table of stars under the key "stars".
func LoadStars(path string) ([]StarEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("imageio: %w", err)
	}
	table, err := decodeTable(path, data)
	if err != nil {
		return nil, err
	}
	raw, ok := getLeafValue(table, "stars")
	if !ok {
		return nil, fiterr.Newf("imageio.LoadStars", fiterr.KindDomain, "%s: stars: %w", path, fiterr.ErrMissingHeader)
	}
	list, ok := raw.([]interface{})
	if !ok {
		return nil, fiterr.Newf("imageio.LoadStars", fiterr.KindDomain, "%s: stars is not a list", path)
	}
	out := make([]StarEntry, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			return nil, fiterr.Newf("imageio.LoadStars", fiterr.KindDomain, "%s: star %d is not a table", path, i)
		}
		var s StarEntry
		for _, f := range []struct {
			key string
			dst *float64
		}{{"x", &s.X}, {"y", &s.Y}, {"mag", &s.Mag}} {
			v, ok := asFloat(m[f.key])
			if !ok {
				return nil, fiterr.Newf("imageio.LoadStars", fiterr.KindDomain, "%s: star %d: %s missing or not a number", path, i, f.key)
			}
			*f.dst = v
		}
		out = append(out, s)
	}
	return out, nil
}

// Sources converts star entries to point sources using the zero point.
// Coordinates shift by the crop origin.
func Sources(stars []StarEntry, zeroPoint float64, origin Bounds) []psf.Star {
	out := make([]psf.Star, len(stars))
	for i, s := range stars {
		out[i] = psf.Star{
			X:    s.X - float64(origin.X0),
			Y:    s.Y - float64(origin.Y0),
			Flux: psf.MagnitudeToFlux(s.Mag, zeroPoint),
		}
	}
	return out
}

// Thumbnail crops a size x size window around (cx, cy), clipped to the
// image. The returned centre is (cx, cy) in thumbnail coordinates.
func (im *Image) Thumbnail(cx, cy float64, size int) (*Image, [2]float64, error) {
	half := size / 2
	x0, y0 := int(cx+0.5)-half, int(cy+0.5)-half
	b := Bounds{X0: max(x0, 0), Y0: max(y0, 0), X1: x0 + size, Y1: y0 + size}
	if len(im.Data) > 0 {
		b.X1 = min(b.X1, len(im.Data[0]))
		b.Y1 = min(b.Y1, len(im.Data))
	}
	t, err := im.Crop(b)
	if err != nil {
		return nil, [2]float64{}, err
	}
	return t, [2]float64{cx - float64(b.X0), cy - float64(b.Y0)}, nil
}
