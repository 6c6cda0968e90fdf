// Command aureolefit fits the wide-angle PSF of bright stars in a stacked
// image: it extracts radial profiles, bootstraps the core and first aureole
// index, runs nested sampling over the multi-power aureole and keeps the
// results on disk for merging and summaries.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/bob-anderson-ok/aureolefit/config"
	"github.com/bob-anderson-ok/aureolefit/logger"
)

const version = "1_0_0"

// app is the state shared by the subcommands of one invocation.
type app struct {
	cfgPath  string
	logLevel string
	logJSON  bool

	cfg     *config.File
	log     *slog.Logger
	cleanup func() error
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aureolefit",
		Short: "Fit the wide-angle PSF of bright stars in a stacked image",
		Long: `aureolefit models the extended PSF of a deep stacked image as a Moffat core
plus a multi-power-law aureole. Bootstrap commands estimate the core and the
first aureole index; fit samples the posterior of the aureole parameters with
dynamic nested sampling.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&a.cfgPath, "config", "c", "", "run configuration file (.json5, .json, .yaml, .yml)")
	cmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&a.logJSON, "log-json", false, "write logs as JSON")

	cmd.AddCommand(
		newProfileCmd(a),
		newFitCoreCmd(a),
		newFitN0Cmd(a),
		newFitCmd(a),
		newMergeCmd(a),
		newSummaryCmd(a),
		newRunsCmd(a),
	)
	return cmd
}

// setup loads the configuration and installs the process logger.
func (a *app) setup(cmd *cobra.Command) error {
	cfg := config.Default()
	if a.cfgPath != "" {
		var err error
		if cfg, err = config.Load(a.cfgPath); err != nil {
			return err
		}
	}
	lc := cfg.LoggerConfig()
	if cmd.Flags().Changed("log-level") {
		lc.Level = a.logLevel
	}
	if a.logJSON {
		lc.JSON = true
	}
	lc.Output = cmd.ErrOrStderr()
	cleanup, err := logger.Setup(lc)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.cleanup = cleanup
	a.log = logger.L().With("cmd", cmd.Name())
	a.log.Debug("config.loaded", "path", a.cfgPath, "summary", cfg.String())
	return nil
}

func (a *app) close() error {
	if a.cleanup == nil {
		return nil
	}
	err := a.cleanup()
	a.cleanup = nil
	return err
}

func run(args []string, stdout, stderr io.Writer) int {
	a := &app{}
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
