package psf

import (
	"errors"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

type ConvMode int

const (
	ConvSame ConvMode = iota
	ConvFull
)

// ErrGridTooLarge is returned when the transform grid would exceed the
// configured limit; callers fall back to direct evaluation.
var ErrGridTooLarge = errors.New("fft grid exceeds limit")

// DefaultMaxFFTSide bounds the side of the transform grid used by ConvolveFFT.
const DefaultMaxFFTSide = 6144

// ConvolveFFT convolves image with kernel using 2D FFTs on a grid sized by
// RoundGoodFFT.
//
// image:  HxW, zero outside its bounds
// kernel: PhxPw, peak at (Ph/2, Pw/2)
// mode:   Same or Full
func ConvolveFFT(image, kernel [][]float64, mode ConvMode, maxSide int) ([][]float64, error) {
	H, W, err := rectSize(image)
	if err != nil {
		return nil, err
	}
	Ph, Pw, err := rectSize(kernel)
	if err != nil {
		return nil, err
	}
	if H == 0 || W == 0 || Ph == 0 || Pw == 0 {
		return nil, errors.New("empty image or kernel")
	}
	if mode != ConvSame && mode != ConvFull {
		return nil, errors.New("unknown ConvMode")
	}
	if maxSide <= 0 {
		maxSide = DefaultMaxFFTSide
	}

	// Linear convolution needs at least the full size.
	FH := RoundGoodFFT(H + Ph - 1)
	FW := RoundGoodFFT(W + Pw - 1)
	if FH > maxSide || FW > maxSide {
		return nil, ErrGridTooLarge
	}

	A := makeComplex2D(FH, FW)
	B := makeComplex2D(FH, FW)

	// The image sits in the top-left corner of the zero-padded grid.
	for y := 0; y < H; y++ {
		for x := 0; x < W; x++ {
			A[y][x] = complex(image[y][x], 0)
		}
	}
	for y := 0; y < Ph; y++ {
		for x := 0; x < Pw; x++ {
			B[y][x] = complex(kernel[y][x], 0)
		}
	}

	fft2InPlace(A, true)
	fft2InPlace(B, true)
	for y := 0; y < FH; y++ {
		for x := 0; x < FW; x++ {
			A[y][x] *= B[y][x]
		}
	}
	fft2InPlace(A, false)

	// Gonum transforms are unnormalized: forward then inverse multiplies by N.
	scale := float64(FH * FW)

	full := make([][]float64, H+Ph-1)
	for y := range full {
		full[y] = make([]float64, W+Pw-1)
		for x := range full[y] {
			full[y][x] = real(A[y][x]) / scale
		}
	}
	if mode == ConvFull {
		return full, nil
	}

	// Centered crop of the full result to HxW.
	offY := Ph / 2
	offX := Pw / 2
	out := make([][]float64, H)
	for y := 0; y < H; y++ {
		out[y] = make([]float64, W)
		copy(out[y], full[y+offY][offX:offX+W])
	}
	return out, nil
}

var (
	fftMu    sync.Mutex
	fftCache = map[int]*fourier.CmplxFFT{}
)

// cmplxFFT returns a shared plan for length n. Plans are not safe for
// concurrent use, so each caller gets its own copy of the work buffers via
// a fresh plan when the cached one is in use.
func cmplxFFT(n int) *fourier.CmplxFFT {
	fftMu.Lock()
	defer fftMu.Unlock()
	if f, ok := fftCache[n]; ok {
		delete(fftCache, n)
		return f
	}
	return fourier.NewCmplxFFT(n)
}

func releaseFFT(n int, f *fourier.CmplxFFT) {
	fftMu.Lock()
	fftCache[n] = f
	fftMu.Unlock()
}

func fft2InPlace(a [][]complex128, forward bool) {
	h := len(a)
	w := len(a[0])

	rowFFT := cmplxFFT(w)
	defer releaseFFT(w, rowFFT)
	colFFT := rowFFT
	if h != w {
		colFFT = cmplxFFT(h)
		defer releaseFFT(h, colFFT)
	}

	// rows
	tmp := make([]complex128, w)
	for y := 0; y < h; y++ {
		copy(tmp, a[y])
		if forward {
			rowFFT.Coefficients(tmp, tmp)
		} else {
			rowFFT.Sequence(tmp, tmp)
		}
		copy(a[y], tmp)
	}

	// cols
	col := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = a[y][x]
		}
		if forward {
			colFFT.Coefficients(col, col)
		} else {
			colFFT.Sequence(col, col)
		}
		for y := 0; y < h; y++ {
			a[y][x] = col[y]
		}
	}
}

func rectSize(m [][]float64) (h, w int, err error) {
	h = len(m)
	if h == 0 {
		return 0, 0, nil
	}
	w = len(m[0])
	for i := 1; i < h; i++ {
		if len(m[i]) != w {
			return 0, 0, errors.New("ragged matrix")
		}
	}
	return h, w, nil
}

func makeComplex2D(h, w int) [][]complex128 {
	m := make([][]complex128, h)
	for i := range m {
		m[i] = make([]complex128, w)
	}
	return m
}
