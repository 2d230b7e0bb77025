package config

import (
	"os"
	"path/filepath"

	"github.com/fwmon/fwmon/internal/errors"
	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = "fwmon.yaml"
	// GlobalConfigDir is the directory for global config.
	GlobalConfigDir = ".config/fwmon"
	// GlobalConfigFile is the global config file name.
	GlobalConfigFile = "config.yaml"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithSuggestion(err, errors.ErrConfig,
				"Config file not found",
				"Run 'fwmon init' to create a config file, or specify one with --config")
		}
		return nil, errors.WrapWithSuggestion(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
//  1. Explicit path (from --config flag)
//  2. fwmon.yaml in the current directory
//  3. ~/.config/fwmon/config.yaml (global defaults)
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	// 1. Explicit path takes precedence
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithSuggestion(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithSuggestion(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	// 2. Current directory
	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithSuggestion(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}

	localConfig := filepath.Join(cwd, ConfigFileName)
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	// 3. Global config
	if home, _ := os.UserHomeDir(); home != "" {
		globalConfig := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", nil
}

// LoadOrDefault loads config from the found path, or returns defaults if
// not found. Useful for commands like 'fwmon init' that should work without
// an existing config.
func LoadOrDefault() (*Config, error) {
	path, err := Find("")
	if err != nil {
		return nil, err
	}

	if path == "" {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()

	setDefaults(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithSuggestion(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}

	// An omitted enabled flag means the target is enabled; the zero value
	// of bool would silently disable it otherwise.
	for name, target := range cfg.Targets {
		if !v.IsSet("targets." + name + ".enabled") {
			target.Enabled = true
		}
		if !v.IsSet("targets." + name + ".verify_ssl") {
			target.VerifySSL = true
		}
		if target.PollInterval <= 0 {
			target.PollInterval = DefaultPollInterval
		}
		cfg.Targets[name] = target
	}

	return cfg, nil
}

// setDefaults configures viper defaults for nested settings, including
// duration strings that viper parses into time.Duration fields.
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "fwmon.db")
	v.SetDefault("database.pool_size", 4)
	v.SetDefault("database.retention_days", 30)
	v.SetDefault("database.cache_ttl", "30s")
	v.SetDefault("sampling.fast_interval", "1s")
	v.SetDefault("sampling.fast_timeout", "5s")
	v.SetDefault("sampling.slow_timeout", "30s")
	v.SetDefault("sampling.auth_failure_limit", 3)
	v.SetDefault("sampling.buffer_max_samples", 7200)
	v.SetDefault("sampling.buffer_max_age", "2h")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9633")
}
