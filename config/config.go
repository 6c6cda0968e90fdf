// Package config loads the run configuration for a fit from a JSON5 or
// YAML file, filling defaults for anything the file leaves out.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/KevinWang15/go-json5"
	"gopkg.in/yaml.v3"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/sampler"
)

// ErrConfigNotFound is returned when the configuration file does not exist.
var ErrConfigNotFound = errors.New("configuration file not found")

type Image struct {
	Path   string `json:"path" yaml:"path"`
	Mask   string `json:"mask" yaml:"mask"`
	Header string `json:"header" yaml:"header"`
	Stars  string `json:"stars" yaml:"stars"`
	// Crop is x0, y0, x1, y1 in pixels; all zero keeps the whole image.
	Crop [4]int `json:"crop" yaml:"crop"`
	// Non-zero values override the header.
	PixelScale float64 `json:"pixel_scale" yaml:"pixel_scale"`
	ZeroPoint  float64 `json:"zero_point" yaml:"zero_point"`
	Background float64 `json:"background" yaml:"background"`
	// SkyStd is the sky noise; zero means estimate it from the image.
	SkyStd float64 `json:"sky_std" yaml:"sky_std"`
}

type Profile struct {
	Seeing          float64 `json:"seeing" yaml:"seeing"`
	Dr              float64 `json:"dr" yaml:"dr"`
	CoreUndersample bool    `json:"core_undersample" yaml:"core_undersample"`
	// Unit is "pixel" or "arcsec"; Brightness is "intensity" or "sb".
	Unit       string `json:"unit" yaml:"unit"`
	Brightness string `json:"brightness" yaml:"brightness"`
}

type Bootstrap struct {
	FitRange [2]float64 `json:"fit_range" yaml:"fit_range"`
	RScale   float64    `json:"r_scale" yaml:"r_scale"`
	NFit     int        `json:"n_fit" yaml:"n_fit"`
	MagMax   float64    `json:"mag_max" yaml:"mag_max"`
	INorm    float64    `json:"i_norm" yaml:"i_norm"`
	Norm     string     `json:"norm" yaml:"norm"`
	MinStars int        `json:"min_stars" yaml:"min_stars"`
	// Thumb is the side in pixels of the bright-star thumbnails.
	Thumb int `json:"thumb" yaml:"thumb"`
	// CoreThetaOut bounds the radius range of the core fit (arcsec).
	CoreThetaOut float64 `json:"core_theta_out" yaml:"core_theta_out"`
	BetaMax      float64 `json:"beta_max" yaml:"beta_max"`
}

type Prior struct {
	NSpline  int     `json:"n_spline" yaml:"n_spline"`
	NEst     float64 `json:"n_est" yaml:"n_est"`
	NErr     float64 `json:"n_err" yaml:"n_err"`
	N0Free   bool    `json:"n0_free" yaml:"n0_free"`
	NMin     float64 `json:"n_min" yaml:"n_min"`
	NMax     float64 `json:"n_max" yaml:"n_max"`
	ThetaIn  float64 `json:"theta_in" yaml:"theta_in"`
	ThetaOut float64 `json:"theta_out" yaml:"theta_out"`
	FitSigma bool    `json:"fit_sigma" yaml:"fit_sigma"`
	FitFrac  bool    `json:"fit_frac" yaml:"fit_frac"`
}

type Render struct {
	// Method is "fft" or "direct".
	Method string `json:"method" yaml:"method"`
	// StampSize zero means size the stamp from the aureole contrast.
	StampSize  int     `json:"stamp_size" yaml:"stamp_size"`
	Contrast   float64 `json:"contrast" yaml:"contrast"`
	MaxFFTSide int     `json:"max_fft_side" yaml:"max_fft_side"`
	// ExactRadius is the box half-width around each star rendered at its
	// sub-pixel position by the fft method; zero picks the default.
	ExactRadius int `json:"exact_radius" yaml:"exact_radius"`
}

type Output struct {
	Dir     string `json:"dir" yaml:"dir"`
	Name    string `json:"name" yaml:"name"`
	Catalog string `json:"catalog" yaml:"catalog"`
	Plots   bool   `json:"plots" yaml:"plots"`
}

type Log struct {
	Level string `json:"level" yaml:"level"`
	JSON  bool   `json:"json" yaml:"json"`
	File  string `json:"file" yaml:"file"`
}

// File is a whole run configuration.
type File struct {
	Image     Image          `json:"image" yaml:"image"`
	Profile   Profile        `json:"profile" yaml:"profile"`
	PSF       psf.Params     `json:"psf" yaml:"psf"`
	Render    Render         `json:"render" yaml:"render"`
	Bootstrap Bootstrap      `json:"bootstrap" yaml:"bootstrap"`
	Sampler   sampler.Config `json:"sampler" yaml:"sampler"`
	Prior     Prior          `json:"prior" yaml:"prior"`
	Output    Output         `json:"output" yaml:"output"`
	Log       Log            `json:"log" yaml:"log"`
}

// Default returns the configuration used for every field a file omits.
func Default() *File {
	n0 := bootstrap.DefaultN0Options()
	core := bootstrap.DefaultCoreOptions()
	ps := sampler.DefaultPriorSpec()
	return &File{
		Profile: Profile{Seeing: 2.5, Dr: 1, Unit: "arcsec", Brightness: "sb"},
		PSF:     psf.DefaultParams(),
		Render:  Render{Method: "fft", Contrast: 1e5},
		Bootstrap: Bootstrap{
			FitRange:     n0.FitRange,
			RScale:       n0.RScale,
			NFit:         n0.NFit,
			MagMax:       n0.MagMax,
			INorm:        n0.INorm,
			Norm:         string(n0.Norm),
			MinStars:     n0.MinStars,
			Thumb:        201,
			CoreThetaOut: core.ThetaOut,
			BetaMax:      core.BetaMax,
		},
		Sampler: sampler.DefaultConfig(),
		Prior: Prior{
			NSpline:  ps.NSpline,
			NEst:     ps.NEst,
			NErr:     ps.NErr,
			NMin:     ps.NMin,
			NMax:     ps.NMax,
			ThetaIn:  ps.ThetaIn,
			ThetaOut: ps.ThetaOut,
			FitSigma: ps.FitSigma,
		},
		Output: Output{Dir: ".", Name: "fit", Plots: true},
		Log:    Log{Level: "info"},
	}
}

// Load reads a configuration file over the defaults and validates it.
// Relative image paths are resolved against the file's directory.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fiterr.New("config.Load", fiterr.KindConfig, ErrConfigNotFound)
		}
		return nil, fiterr.New("config.Load", fiterr.KindConfig, err)
	}
	cfg, err := Parse(path, data)
	if err != nil {
		return nil, err
	}
	cfg.resolve(filepath.Dir(path))
	return cfg, nil
}

// Parse decodes data by the extension of name and validates the result.
func Parse(name string, data []byte) (*File, error) {
	const op = "config.Parse"
	cfg := Default()
	// go-json5 appends to slices already present, so the defaulted ones
	// start empty and are restored only when the file leaves them out.
	defNS, defTheta := cfg.PSF.NS, cfg.PSF.ThetaS
	cfg.PSF.NS, cfg.PSF.ThetaS = nil, nil
	switch ext := strings.ToLower(filepath.Ext(name)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fiterr.Newf(op, fiterr.KindConfig, "%s: %w", name, err)
		}
	case ".json", ".json5":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fiterr.Newf(op, fiterr.KindConfig, "%s: %w", name, err)
		}
	default:
		return nil, fiterr.Newf(op, fiterr.KindConfig, "%s: unsupported config format %q", name, ext)
	}
	if cfg.PSF.NS == nil && cfg.PSF.ThetaS == nil {
		cfg.PSF.NS, cfg.PSF.ThetaS = defNS, defTheta
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *File) resolve(dir string) {
	for _, p := range []*string{&c.Image.Path, &c.Image.Mask, &c.Image.Header, &c.Image.Stars, &c.Output.Dir} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	if c.Output.Catalog != "" && !filepath.IsAbs(c.Output.Catalog) {
		c.Output.Catalog = filepath.Join(c.Output.Dir, c.Output.Catalog)
	}
}

// Validate checks values that have no usable interpretation.
func (c *File) Validate() error {
	bad := func(format string, args ...any) error {
		return fiterr.Newf("config.Validate", fiterr.KindConfig, format, args...)
	}
	cr := c.Image.Crop
	if cr != [4]int{} && (cr[0] < 0 || cr[1] < 0 || cr[2] <= cr[0] || cr[3] <= cr[1]) {
		return bad("image.crop %v is not x0, y0, x1, y1", cr)
	}
	if c.Image.PixelScale < 0 || c.Image.SkyStd < 0 {
		return bad("image.pixel_scale and image.sky_std must not be negative")
	}
	if _, err := c.unit(); err != nil {
		return err
	}
	if _, err := c.brightness(); err != nil {
		return err
	}
	if _, err := c.renderMethod(); err != nil {
		return err
	}
	if c.Profile.Seeing <= 0 || c.Profile.Dr <= 0 {
		return bad("profile.seeing and profile.dr must be positive")
	}
	switch bootstrap.NormMode(c.Bootstrap.Norm) {
	case bootstrap.NormInterp, bootstrap.NormIntegrated:
	default:
		return bad("bootstrap.norm %q is not intp or intg", c.Bootstrap.Norm)
	}
	if !(c.Bootstrap.FitRange[0] < c.Bootstrap.FitRange[1]) {
		return bad("bootstrap.fit_range %v is not increasing", c.Bootstrap.FitRange)
	}
	if c.Bootstrap.Thumb < 3 {
		return bad("bootstrap.thumb %d is too small", c.Bootstrap.Thumb)
	}
	if c.Prior.NSpline < 1 {
		return bad("prior.n_spline %d < 1", c.Prior.NSpline)
	}
	if !(c.Prior.NMin < c.Prior.NMax) || !(c.Prior.ThetaIn < c.Prior.ThetaOut) {
		return bad("prior bounds n=[%g,%g] theta=[%g,%g] are empty",
			c.Prior.NMin, c.Prior.NMax, c.Prior.ThetaIn, c.Prior.ThetaOut)
	}
	if c.Render.StampSize < 0 || c.Render.MaxFFTSide < 0 || c.Render.ExactRadius < 0 || (c.Render.StampSize == 0 && !(c.Render.Contrast > 1)) {
		return bad("render needs a positive stamp_size or a contrast > 1")
	}
	if err := c.PSF.Validate(); err != nil {
		return fiterr.New("config.Validate", fiterr.KindConfig, err)
	}
	if c.Output.Name == "" {
		return bad("output.name is empty")
	}
	s := c.Sampler
	if s.NLiveInit < 2 || s.NLiveBatch < 2 || s.MaxBatch < 0 || s.MaxIter < 0 {
		return bad("sampler sizes nlive_init=%d nlive_batch=%d max_batch=%d max_iter=%d", s.NLiveInit, s.NLiveBatch, s.MaxBatch, s.MaxIter)
	}
	if s.PFrac < 0 || s.PFrac > 1 {
		return bad("sampler.pfrac %g outside [0,1]", s.PFrac)
	}
	if s.Workers < 0 || s.DLogZ < 0 {
		return bad("sampler.workers and sampler.dlogz must not be negative")
	}
	return nil
}

func (c *File) unit() (profile.Unit, error) {
	switch strings.ToLower(c.Profile.Unit) {
	case "pixel", "px":
		return profile.Pixel, nil
	case "arcsec", "":
		return profile.Arcsec, nil
	}
	return 0, fiterr.Newf("config.Validate", fiterr.KindConfig, "profile.unit %q is not pixel or arcsec", c.Profile.Unit)
}

func (c *File) brightness() (profile.Brightness, error) {
	switch strings.ToLower(c.Profile.Brightness) {
	case "intensity":
		return profile.Intensity, nil
	case "sb", "":
		return profile.SurfaceBrightness, nil
	}
	return 0, fiterr.Newf("config.Validate", fiterr.KindConfig, "profile.brightness %q is not intensity or sb", c.Profile.Brightness)
}

func (c *File) renderMethod() (psf.RenderMethod, error) {
	switch strings.ToLower(c.Render.Method) {
	case "fft", "":
		return psf.RenderFFT, nil
	case "direct":
		return psf.RenderDirect, nil
	}
	return 0, fiterr.Newf("config.Validate", fiterr.KindConfig, "render.method %q is not fft or direct", c.Render.Method)
}

// String is a short description for logs.
func (c *File) String() string {
	return fmt.Sprintf("image=%s n_spline=%d nlive=%d/%d", c.Image.Path, c.Prior.NSpline, c.Sampler.NLiveInit, c.Sampler.NLiveBatch)
}
