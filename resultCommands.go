package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bob-anderson-ok/aureolefit/fiterr"
	"github.com/bob-anderson-ok/aureolefit/nested"
	"github.com/bob-anderson-ok/aureolefit/sampler"
	"github.com/bob-anderson-ok/aureolefit/store"
)

func newMergeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "merge <out.gob> <run.gob> <run.gob>...",
		Short: "Combine independent runs of the same problem into one result",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, inputs := args[0], args[1:]
			results := make([]*nested.Result, len(inputs))
			for i, p := range inputs {
				rec, err := store.Load(p)
				if err != nil {
					return err
				}
				results[i] = rec.Result
			}
			merged, err := sampler.Merge(a.log, results...)
			if err != nil {
				return err
			}
			rec := &store.Record{
				Result: merged,
				Info:   map[string]string{"merged_from": strings.Join(inputs, ",")},
			}
			if err := store.Save(out, rec); err != nil {
				return err
			}
			name := strings.TrimSuffix(filepath.Base(out), filepath.Ext(out))
			if err := a.catalogAdd(cmd.Context(), name, out, rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "merged %d runs: %d samples, logz = %.4f\n", len(inputs), merged.Len(), merged.LogZFinal())
			return nil
		},
	}
}

// paramSummary and runSummary are the YAML form of a summary.
type paramSummary struct {
	Label  string  `yaml:"label"`
	Median float64 `yaml:"median"`
	Mean   float64 `yaml:"mean"`
	Std    float64 `yaml:"std"`
}

type runSummary struct {
	File      string            `yaml:"file"`
	LogZ      float64           `yaml:"logz"`
	Samples   int               `yaml:"samples"`
	NCall     int               `yaml:"ncall"`
	Converged bool              `yaml:"converged"`
	Params    []paramSummary    `yaml:"params"`
	Info      map[string]string `yaml:"info,omitempty"`
}

func newSummaryCmd(a *app) *cobra.Command {
	var (
		seed    uint64
		yamlOut string
	)
	cmd := &cobra.Command{
		Use:   "summary <run.gob>",
		Short: "Print posterior medians, means and standard deviations of a saved run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := store.Load(args[0])
			if err != nil {
				return err
			}
			sum, err := sampler.PosteriorSummary(rec.Result, seed)
			if err != nil {
				return err
			}
			labels := resultLabels(rec.Result)
			printSummary(cmd.OutOrStdout(), rec.Result, labels, sum)
			if yamlOut == "" {
				return nil
			}
			rs := runSummary{
				File:      args[0],
				LogZ:      rec.Result.LogZFinal(),
				Samples:   rec.Result.Len(),
				NCall:     rec.Result.NCall,
				Converged: rec.Result.Converged,
				Info:      rec.Info,
			}
			std := sum.Std()
			for j, l := range labels {
				rs.Params = append(rs.Params, paramSummary{Label: l, Median: sum.Median[j], Mean: sum.Mean[j], Std: std[j]})
			}
			data, err := yaml.Marshal(rs)
			if err != nil {
				return fmt.Errorf("summary: %w", err)
			}
			if err := os.WriteFile(yamlOut, data, 0o600); err != nil {
				return fmt.Errorf("summary: %w", err)
			}
			a.log.Info("main.summary.saved", "file", yamlOut)
			return nil
		},
	}
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for the equal-weight resample")
	cmd.Flags().StringVar(&yamlOut, "yaml", "", "also write the summary to this YAML file")
	return cmd
}

func resultLabels(res *nested.Result) []string {
	if len(res.Labels) == res.NDim && res.NDim > 0 {
		return res.Labels
	}
	labels := make([]string, len(res.Samples[0]))
	for i := range labels {
		labels[i] = fmt.Sprintf("x%d", i)
	}
	return labels
}

func printSummary(w io.Writer, res *nested.Result, labels []string, sum *sampler.Summary) {
	fmt.Fprintf(w, "logz = %.4f  samples = %d  ncall = %d  converged = %v\n", res.LogZFinal(), res.Len(), res.NCall, res.Converged)
	fmt.Fprintf(w, "%-12s %12s %12s %12s\n", "param", "median", "mean", "std")
	std := sum.Std()
	for j, l := range labels {
		fmt.Fprintf(w, "%-12s %12.5g %12.5g %12.3g\n", l, sum.Median[j], sum.Mean[j], std[j])
	}
}

func newRunsCmd(a *app) *cobra.Command {
	var labels []string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List the runs recorded in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.Output.Catalog == "" {
				return fiterr.Newf("main.runs", fiterr.KindConfig, "output.catalog is not set")
			}
			cat, err := store.OpenCatalog(a.cfg.Output.Catalog)
			if err != nil {
				return err
			}
			defer cat.Close()
			entries, err := cat.List(cmd.Context(), labels)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%-20s %5s %10s %8s %9s %-25s %s\n", "name", "ndim", "logz", "samples", "converged", "saved", "path")
			for _, e := range entries {
				logz := "-"
				if !math.IsInf(e.LogZ, -1) {
					logz = fmt.Sprintf("%.4f", e.LogZ)
				}
				fmt.Fprintf(w, "%-20s %5d %10s %8d %9v %-25s %s\n",
					e.Name, e.NDim, logz, e.NSamples, e.Converged, e.SavedAt.Format(time.RFC3339), e.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&labels, "labels", nil, "only runs with exactly these parameter labels")
	return cmd
}

// catalogAdd records a saved run when a catalog is configured.
func (a *app) catalogAdd(ctx context.Context, name, path string, rec *store.Record) error {
	if a.cfg.Output.Catalog == "" {
		return nil
	}
	cat, err := store.OpenCatalog(a.cfg.Output.Catalog)
	if err != nil {
		return err
	}
	defer cat.Close()
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	id, err := cat.Add(ctx, name, abs, rec)
	if err != nil {
		return err
	}
	a.log.Info("main.catalog.added", "id", id, "name", name, "catalog", a.cfg.Output.Catalog)
	return nil
}
