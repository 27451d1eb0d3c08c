// Package main provides the glucose analyser CLI.
// Analyses patients against the directory API and notifies those whose
// glucose level is above their tolerance.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/config"
	"github.com/drfirst/go-labwatch/internal/infrastructure/directoryhttp"
	"github.com/drfirst/go-labwatch/pkg/circuitbreaker"
)

// app holds state shared by all commands
type app struct {
	configPath string
	backendURL string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: zap.NewNop()}

	root := &cobra.Command{
		Use:   "glucose-analyser",
		Short: "Analyse glucose lab answers and notify patients above tolerance",
		Long: `glucose-analyser looks patients up in the directory API, waits out the
directory's warm-up, and compares each patient's glucose answer with the
tolerance for their zodiac sign. Patients above tolerance are told to eat
less sugar by SMS or letter.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			if a.backendURL != "" {
				cfg.Directory.BaseURL = a.backendURL
			}
			if a.verbose {
				cfg.Logging.Level = "debug"
			}
			logger, err := cfg.Logger()
			if err != nil {
				return fmt.Errorf("failed to initialize logger: %w", err)
			}
			a.cfg, a.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = a.logger.Sync()
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "configs/analyser.yaml", "path to the analyser config")
	root.PersistentFlags().StringVar(&a.backendURL, "backend", "", "directory API base URL (overrides config)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newAnalyzeCmd(a),
		newRegisterCmd(a),
		newRecordCmd(a),
		newToleranceCmd(a),
	)
	return root
}

func (a *app) directoryClient() (*directoryhttp.Client, error) {
	return directoryhttp.New(a.cfg.DirectoryClientConfig(), circuitbreaker.NewManager(a.logger), a.logger)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
