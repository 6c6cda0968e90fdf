package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/bob-anderson-ok/aureolefit/bootstrap"
	"github.com/bob-anderson-ok/aureolefit/diagnostics"
	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/imageio"
	"github.com/bob-anderson-ok/aureolefit/profile"
	"github.com/bob-anderson-ok/aureolefit/psf"
	"github.com/bob-anderson-ok/aureolefit/sampler"
	"github.com/bob-anderson-ok/aureolefit/store"
)

func newProfileCmd(a *app) *cobra.Command {
	var x, y, mag, sat float64
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Extract the radial profile around a position in the image",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := a.loadScene()
			if err != nil {
				return err
			}
			opts := a.cfg.ProfileOptions(sc.header, sc.std, a.log)
			opts.Mask = sc.img.Mask
			if !math.IsNaN(x) && !math.IsNaN(y) {
				opts.Center = &[2]float64{x - float64(sc.origin.X0), y - float64(sc.origin.Y0)}
			}
			prof, err := profile.Extract(sc.img.Data, opts)
			if err != nil {
				return err
			}
			printProfile(cmd.OutOrStdout(), prof)

			if sat > 0 {
				iopts := opts
				iopts.Brightness = profile.Intensity
				ip, err := profile.Extract(sc.img.Data, iopts)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saturation radius (%s): %.3g\n", ip.Unit, profile.SaturationRadius(ip, sat))
			}

			var curves []diagnostics.Curve
			if !math.IsNaN(mag) && prof.Brightness == profile.SurfaceBrightness {
				base, err := psf.Build(a.cfg.PSFParams(sc.header))
				if err != nil {
					return err
				}
				radii := prof.Radii()
				if prof.Unit == profile.Pixel {
					for i := range radii {
						radii[i] *= sc.header.PixelScale
					}
				}
				size := a.cfg.RenderOptions(base, a.log).StampSize
				sb := base.SurfaceBrightness1D(radii, []float64{mag}, sc.header.ZeroPoint, size)[0]
				curves = append(curves, diagnostics.Curve{Name: "model", X: prof.Radii(), Y: sb})
			}
			a.saveProfilePlot(a.cfg.Output.Name, prof, curves...)
			return nil
		},
	}
	cmd.Flags().Float64Var(&x, "x", math.NaN(), "centre x in full-image pixels (default: image centre)")
	cmd.Flags().Float64Var(&y, "y", math.NaN(), "centre y in full-image pixels (default: image centre)")
	cmd.Flags().Float64Var(&mag, "mag", math.NaN(), "star magnitude for a model overlay")
	cmd.Flags().Float64Var(&sat, "sat", 0, "saturation level; reports the saturated radius when set")
	return cmd
}

func printProfile(w io.Writer, prof *profile.Profile) {
	fmt.Fprintf(w, "%10s %12s %10s %6s\n", "r_"+prof.Unit.String(), prof.Brightness.String(), "err", "n")
	for _, b := range prof.Bins {
		e := b.Err
		if prof.Brightness == profile.SurfaceBrightness {
			e = 2.5 * b.LogErr
		}
		fmt.Fprintf(w, "%10.3f %12.5g %10.3g %6d\n", b.R, b.I, e, b.N)
	}
}

func newFitCoreCmd(a *app) *cobra.Command {
	var scale, offset float64
	cmd := &cobra.Command{
		Use:   "fit-core <stacked-psf.png>",
		Short: "Fit the core fraction and Moffat beta to a stacked PSF image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := imageio.LoadGray16PNG(args[0], scale, offset)
			if err != nil {
				return err
			}
			h := &imageio.Header{PixelScale: a.cfg.PSF.PixelScale}
			a.cfg.ApplyHeader(h)
			base, err := psf.Build(a.cfg.PSFParams(h))
			if err != nil {
				return err
			}
			res := bootstrap.FitCore(data, base, a.cfg.CoreOptions(a.log))
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "frac = %.4g ± %.2g\nbeta = %.4g ± %.2g\n", res.Frac, res.FracErr, res.Beta, res.BetaErr)
			if res.Free {
				fmt.Fprintf(w, "fallback: %s\n", res.Trigger)
			}
			a.saveCorePlot(a.cfg.Output.Name, res)
			return nil
		},
	}
	cmd.Flags().Float64Var(&scale, "scale", 1, "16-bit value per unit intensity")
	cmd.Flags().Float64Var(&offset, "offset", 0, "intensity of a zero pixel")
	return cmd
}

func newFitN0Cmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fit-n0",
		Short: "Estimate the first aureole power index from bright star profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc, err := a.loadScene()
			if err != nil {
				return err
			}
			res, _ := a.fitN0(sc)
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "n0 = %.4g ± %.2g (%d stars)\n", res.N0, res.Err, res.NStars)
			if res.Free {
				fmt.Fprintf(w, "fallback: %s\n", res.Trigger)
			}
			return nil
		},
	}
}

func (a *app) fitN0(sc *scene) (*bootstrap.N0Result, bootstrap.N0Options) {
	opts := a.cfg.N0Options(sc.header, sc.std, a.log)
	res := bootstrap.FitN0(sc.thumbnails(opts.MagMax, a.cfg.Bootstrap.Thumb), opts)
	a.saveN0Plot(a.cfg.Output.Name, res, opts)
	return res, opts
}

func newFitCmd(a *app) *cobra.Command {
	var skipN0 bool
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Sample the aureole posterior with dynamic nested sampling",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return a.runFit(ctx, cmd.OutOrStdout(), skipN0)
		},
	}
	cmd.Flags().BoolVar(&skipN0, "skip-n0", false, "use the configured n0 prior instead of bootstrapping it")
	return cmd
}

func (a *app) runFit(ctx context.Context, w io.Writer, skipN0 bool) error {
	cfg := a.cfg
	sc, err := a.loadScene()
	if err != nil {
		return err
	}
	bright, faint := sc.splitStars(cfg.Bootstrap.MagMax)
	if len(bright) == 0 {
		return fiterr.Newf("main.fit", fiterr.KindDomain, "no star brighter than magnitude %g in the image", cfg.Bootstrap.MagMax)
	}

	var n0 *bootstrap.N0Result
	if !skipN0 {
		n0, _ = a.fitN0(sc)
	}
	spec := cfg.PriorSpec(n0, sc.mu, sc.std)

	base, err := psf.Build(cfg.PSFParams(sc.header))
	if err != nil {
		return err
	}
	render := cfg.RenderOptions(base, a.log)
	h, wd := len(sc.img.Data), len(sc.img.Data[0])
	var baseImage [][]float64
	if len(faint) > 0 {
		if baseImage, err = base.RenderStars(h, wd, faint, render); err != nil {
			return err
		}
	}
	a.log.Info("main.fit.stars", "bright", len(bright), "faint", len(faint), "stamp", render.StampSize, "method", render.Method.String())

	cont, err := sampler.NewContainer(base, spec, sampler.ContainerData{
		Image:     sc.img.Data,
		Mask:      sc.img.Mask,
		BaseImage: baseImage,
		Stars:     bright,
		Render:    render,
	})
	if err != nil {
		return err
	}
	eng, err := sampler.New(cont, cfg.Sampler, sampler.WithLogger(a.log))
	if err != nil {
		return err
	}
	res, err := eng.Run(ctx)
	if err != nil {
		return err
	}

	rec := &store.Record{Result: res, Info: fitInfo(cfg.Image.Path, sc, spec, n0)}
	var recon *sampler.Reconstruction
	if res.Len() > 0 {
		if recon, err = cont.Reconstruct(res, cfg.Sampler.Seed); err != nil {
			return err
		}
		p := recon.Model.Params()
		rec.PSF = &p
		rec.Params = recon.Params
	} else {
		a.log.Warn("main.fit.empty", "iterations", res.Iterations)
	}

	path := filepath.Join(cfg.Output.Dir, cfg.Output.Name+".gob")
	if err := store.Save(path, rec); err != nil {
		return err
	}
	if err := a.catalogAdd(ctx, cfg.Output.Name, path, rec); err != nil {
		return err
	}
	fmt.Fprintf(w, "saved %s\n", path)
	if recon == nil {
		return nil
	}

	sum, err := sampler.PosteriorSummary(res, cfg.Sampler.Seed)
	if err != nil {
		return err
	}
	printSummary(w, res, cont.Labels(), sum)
	fmt.Fprintf(w, "psf: %s\n", recon.Model)
	data, model, sigma, err := cont.Residuals(recon.Params)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "reduced chi2 = %.4g\n", sampler.ReducedChi2(a.log, model, data, sigma, cont.Dim()))

	if dir, ok := a.plotDir(); ok {
		a.saveMarginals(cfg.Output.Name, sum, cont.Labels())
		img, err := cont.ModelImage(recon.Params)
		if err == nil {
			err = sc.writeImages(dir, cfg.Output.Name, img)
		}
		a.logPlot(cfg.Output.Name+"_model.png", err)
	}
	return nil
}

func fitInfo(image string, sc *scene, spec sampler.PriorSpec, n0 *bootstrap.N0Result) map[string]string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	info := map[string]string{
		"image":       image,
		"band":        sc.header.Band,
		"object":      sc.header.Object,
		"zero_point":  f(sc.header.ZeroPoint),
		"pixel_scale": f(sc.header.PixelScale),
		"mu":          f(spec.Mu),
		"sigma":       f(spec.Sigma),
		"n_spline":    strconv.Itoa(spec.NSpline),
		"theta_in":    f(spec.ThetaIn),
		"theta_out":   f(spec.ThetaOut),
		"crop":        fmt.Sprintf("%d,%d,%d,%d", sc.origin.X0, sc.origin.Y0, sc.origin.X1, sc.origin.Y1),
		"fitted_at":   time.Now().UTC().Format(time.RFC3339),
	}
	if !math.IsNaN(sc.poisson) {
		info["poisson_std"] = f(sc.poisson)
	}
	if n0 != nil {
		info["n0"] = f(n0.N0)
		info["n0_err"] = f(n0.Err)
		if n0.Free {
			info["n0_fallback"] = string(n0.Trigger)
		}
	}
	return info
}
