// Package imageio reads stacked images, masks, headers and star tables for
// the fit, and writes model and residual images back out as PNG.
package imageio

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"sort"
)

// LoadGray16PNG loads a 16-bit grayscale PNG and returns it as a matrix.
// Pixel values are converted back to intensity as value/scale + offset.
func LoadGray16PNG(filename string, scale, offset float64) (matrix [][]float64, err error) {
	if !(scale > 0) {
		return nil, fmt.Errorf("imageio: scale %g must be > 0", scale)
	}
	img, err := decodePNG(filename)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()

	matrix = make([][]float64, h)
	for y := 0; y < h; y++ {
		matrix[y] = make([]float64, w)
		for x := 0; x < w; x++ {
			c := img.At(x+bounds.Min.X, y+bounds.Min.Y)
			var v float64
			if gray, ok := c.(color.Gray16); ok {
				v = float64(gray.Y)
			} else {
				r, g, b, _ := c.RGBA()
				v = float64((r + g + b) / 3)
			}
			matrix[y][x] = v/scale + offset
		}
	}
	return matrix, nil
}

// LoadMaskPNG loads an 8-bit mask image. Any non-black pixel is masked.
func LoadMaskPNG(filename string) ([][]bool, error) {
	img, err := decodePNG(filename)
	if err != nil {
		return nil, err
	}
	bounds := img.Bounds()
	h := bounds.Dy()
	w := bounds.Dx()

	mask := make([][]bool, h)
	for y := 0; y < h; y++ {
		mask[y] = make([]bool, w)
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(x+bounds.Min.X, y+bounds.Min.Y).RGBA()
			mask[y][x] = (r+g+b)/3/256 > 0
		}
	}
	return mask, nil
}

func decodePNG(filename string) (img image.Image, err error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	img, err = png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return img, nil
}

func checkMatrix(m [][]float64) (h, w int, err error) {
	if len(m) == 0 || len(m[0]) == 0 {
		return 0, 0, errors.New("empty matrix")
	}
	h = len(m)
	w = len(m[0])
	for y := 1; y < h; y++ {
		if len(m[y]) != w {
			return 0, 0, errors.New("ragged matrix")
		}
	}
	return h, w, nil
}

// MatrixToGray16 maps (v - offset) * scale onto 16 bits, clamped to
// [0, 65535]. Non-finite values become 0.
func MatrixToGray16(m [][]float64, scale, offset float64) (*image.Gray16, error) {
	h, w, err := checkMatrix(m)
	if err != nil {
		return nil, err
	}
	if scale <= 0 {
		return nil, errors.New("scale must be > 0")
	}

	img := image.NewGray16(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := m[y][x]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				img.SetGray16(x, y, color.Gray16{})
				continue
			}
			u := math.Round((v - offset) * scale)
			u = math.Max(0, math.Min(u, 65535))
			img.SetGray16(x, y, color.Gray16{Y: uint16(u)})
		}
	}
	return img, nil
}

// MatrixToGrayView stretches the pLow..pHigh percentile range of m onto
// 0..255 for display.
func MatrixToGrayView(m [][]float64, pLow, pHigh float64) (*image.Gray, error) {
	h, w, err := checkMatrix(m)
	if err != nil {
		return nil, err
	}
	if !(0 <= pLow && pLow < pHigh && pHigh <= 100) {
		return nil, errors.New("percentiles must satisfy 0 <= pLow < pHigh <= 100")
	}

	vals := make([]float64, 0, h*w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := m[y][x]
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				vals = append(vals, v)
			}
		}
	}
	if len(vals) == 0 {
		return nil, errors.New("matrix has no finite values")
	}
	sort.Float64s(vals)

	lo := percentile(vals, pLow)
	hi := percentile(vals, pHigh)
	if hi == lo {
		hi = lo + 1
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		row := y * img.Stride
		for x := 0; x < w; x++ {
			v := m[y][x]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				img.Pix[row+x] = 0
				continue
			}
			t := math.Max(0, math.Min((v-lo)/(hi-lo), 1))
			img.Pix[row+x] = uint8(math.Round(t * 255.0))
		}
	}
	return img, nil
}

// percentile interpolates linearly in sorted vals.
func percentile(vals []float64, p float64) float64 {
	if p <= 0 {
		return vals[0]
	}
	if p >= 100 {
		return vals[len(vals)-1]
	}
	pos := (p / 100.0) * float64(len(vals)-1)
	i := int(math.Floor(pos))
	f := pos - float64(i)
	if i >= len(vals)-1 {
		return vals[len(vals)-1]
	}
	return vals[i]*(1-f) + vals[i+1]*f
}

// SavePNG writes img to filename.
func SavePNG(filename string, img image.Image) (err error) {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", filename, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return png.Encode(f, img)
}
