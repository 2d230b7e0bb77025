// Package cli implements the fwmon command-line interface.
//
// The root command is "fwmon" with subcommands for different operations:
//
//	fwmon run      - Start the monitoring daemon
//	fwmon status   - Show per-target status from the database
//	fwmon monitor  - Live terminal view of all targets
//	fwmon init     - Create an fwmon.yaml config
//	fwmon prune    - Delete records past the retention horizon
//	fwmon version  - Print version information
//
// Each command loads config, opens the store as needed, and delegates to
// the supervisor/store packages for the actual work.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/errors"
	"github.com/fwmon/fwmon/internal/logger"
)

var (
	configFlag string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "fwmon",
	Short: "Firewall health monitor",
	Long: `fwmon samples PAN-OS firewalls over their XML API and records
aggregated health metrics (management CPU, data plane CPU, packet buffer
utilization, session throughput and packet rate) to a local SQLite database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "path to fwmon.yaml (default: search upward, then ~/.config/fwmon)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

// Config returns the --config flag value.
func Config() string { return configFlag }

// newLogger builds the logger for a command, honoring --verbose.
func newLogger(prefix string) logger.Logger {
	if verbose {
		os.Setenv("FWMON_DEBUG", "1")
	}
	return logger.NewEnvLogger(prefix)
}

// loadConfig finds, loads, and validates the configuration.
func loadConfig() (*config.Config, error) {
	path, err := config.Find(Config())
	if err != nil {
		return nil, err
	}
	if path == "" {
		return nil, errors.New(errors.ErrConfig,
			"No config file found",
			"Run 'fwmon init' to create an fwmon.yaml config file")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
