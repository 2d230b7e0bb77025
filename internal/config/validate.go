package config

import (
	"fmt"
	"strings"

	"github.com/fwmon/fwmon/internal/errors"
)

// Validate checks a loaded config for problems that would make startup
// unsafe. Validation failures are fatal before any worker starts; nothing
// is validated lazily at poll time.
func Validate(cfg *Config) error {
	var problems []string

	if len(cfg.Targets) == 0 {
		problems = append(problems, "no targets configured")
	}

	for name, t := range cfg.Targets {
		if strings.TrimSpace(t.Host) == "" {
			problems = append(problems, fmt.Sprintf("target %q: host is required", name))
		}
		if t.Enabled && t.Username == "" {
			problems = append(problems, fmt.Sprintf("target %q: username is required", name))
		}
		if t.Enabled && t.Password == "" {
			problems = append(problems, fmt.Sprintf("target %q: password is required", name))
		}
		if t.PollInterval < cfg.Sampling.FastInterval {
			problems = append(problems, fmt.Sprintf(
				"target %q: poll_interval %s is shorter than sampling.fast_interval %s",
				name, t.PollInterval, cfg.Sampling.FastInterval))
		}
	}

	if cfg.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if cfg.Database.PoolSize < 1 {
		problems = append(problems, "database.pool_size must be at least 1")
	}
	if cfg.Database.RetentionDays < 0 {
		problems = append(problems, "database.retention_days cannot be negative")
	}

	if cfg.Sampling.FastInterval <= 0 {
		problems = append(problems, "sampling.fast_interval must be positive")
	}
	if cfg.Sampling.AuthFailureLimit < 1 {
		problems = append(problems, "sampling.auth_failure_limit must be at least 1")
	}
	if cfg.Sampling.BufferMaxSamples < 1 {
		problems = append(problems, "sampling.buffer_max_samples must be at least 1")
	}
	if cfg.Sampling.BufferMaxAge <= 0 {
		problems = append(problems, "sampling.buffer_max_age must be positive")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		problems = append(problems, "metrics.addr is required when metrics.enabled is true")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig,
			"Invalid configuration:\n    - "+strings.Join(problems, "\n    - "),
			"Fix the listed fields in "+ConfigFileName)
	}

	return nil
}
