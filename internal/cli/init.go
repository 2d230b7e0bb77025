package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/fwmon/fwmon/internal/config"
	"github.com/fwmon/fwmon/internal/errors"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create an fwmon.yaml configuration",
	Long: `Write an fwmon.yaml file in the current directory with default
settings and an example target to edit.

Examples:
  fwmon init
  fwmon init --force`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return initCommand()
	},
}

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing fwmon.yaml")
	rootCmd.AddCommand(initCmd)
}

func initCommand() error {
	path := config.ConfigFileName
	if _, err := os.Stat(path); err == nil && !initForce {
		return errors.New(errors.ErrConfig,
			path+" already exists",
			"Use --force to overwrite it")
	}

	// Durations are written as strings ("30s") rather than marshalling the
	// typed config, which would render them as raw nanosecond counts.
	doc := map[string]any{
		"version": config.CurrentConfigVersion,
		"targets": map[string]any{
			"edge-fw1": map[string]any{
				"host":          "192.0.2.1",
				"username":      "monitor",
				"password":      "changeme",
				"verify_ssl":    false,
				"enabled":       true,
				"poll_interval": "30s",
			},
		},
		"database": map[string]any{
			"path":           "fwmon.db",
			"pool_size":      4,
			"retention_days": 30,
			"cache_ttl":      "30s",
		},
		"sampling": map[string]any{
			"fast_interval":      "1s",
			"fast_timeout":       "5s",
			"slow_timeout":       "30s",
			"auth_failure_limit": 3,
			"buffer_max_samples": 7200,
			"buffer_max_age":     "2h",
		},
		"metrics": map[string]any{
			"enabled": true,
			"addr":    ":9633",
		},
	}

	data, err := yaml.Marshal(doc)
	if err != nil {
		return errors.Wrap(err, errors.ErrConfig, "failed to render config")
	}

	header := "# fwmon configuration. Credentials need API access to the\n" +
		"# keygen and op endpoints only; a read-only admin role is enough.\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return errors.WrapWithSuggestion(err, errors.ErrConfig,
			"failed to write "+path,
			"Check directory permissions")
	}

	fmt.Printf("Wrote %s\n", path)
	fmt.Println("Edit the target host and credentials, then start with 'fwmon run'")
	return nil
}
