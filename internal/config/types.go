package config

import "time"

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Config represents the complete fwmon.yaml configuration file.
type Config struct {
	Version  int               `yaml:"version" mapstructure:"version"`
	Targets  map[string]Target `yaml:"targets" mapstructure:"targets"`
	Database DatabaseConfig    `yaml:"database" mapstructure:"database"`
	Sampling SamplingConfig    `yaml:"sampling" mapstructure:"sampling"`
	Metrics  MetricsConfig     `yaml:"metrics" mapstructure:"metrics"`
}

// Target defines one monitored appliance and its connection settings.
// Immutable after load except the enabled flag, which the supervisor owns.
type Target struct {
	// Host is the management address, with or without the https:// prefix.
	Host string `yaml:"host" mapstructure:"host"`

	// Username and Password are the API credentials used for keygen.
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`

	// VerifySSL controls TLS certificate verification for this target.
	VerifySSL bool `yaml:"verify_ssl" mapstructure:"verify_ssl"`

	// Enabled targets get a sampling worker; disabled ones are registered
	// but never polled. Defaults to true when omitted.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// PollInterval is the structural poll cadence (boundary window length).
	PollInterval time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
}

// DatabaseConfig controls the metrics store.
type DatabaseConfig struct {
	// Path is the SQLite database file location.
	Path string `yaml:"path" mapstructure:"path"`

	// PoolSize caps concurrently checked-out store connections.
	PoolSize int `yaml:"pool_size" mapstructure:"pool_size"`

	// RetentionDays is the pruning horizon for aggregated records.
	RetentionDays int `yaml:"retention_days" mapstructure:"retention_days"`

	// CacheTTL bounds staleness of the dashboard-facing read cache.
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// SamplingConfig controls the per-target sampling workers.
type SamplingConfig struct {
	// FastInterval is the session/throughput sampler cadence.
	FastInterval time.Duration `yaml:"fast_interval" mapstructure:"fast_interval"`

	// FastTimeout bounds each fast-sample query.
	FastTimeout time.Duration `yaml:"fast_timeout" mapstructure:"fast_timeout"`

	// SlowTimeout bounds each structural-poll query.
	SlowTimeout time.Duration `yaml:"slow_timeout" mapstructure:"slow_timeout"`

	// AuthFailureLimit is how many consecutive authentication failures a
	// worker tolerates before stopping and reporting the target unreachable.
	AuthFailureLimit int `yaml:"auth_failure_limit" mapstructure:"auth_failure_limit"`

	// BufferMaxSamples caps raw samples kept in memory per target stream.
	BufferMaxSamples int `yaml:"buffer_max_samples" mapstructure:"buffer_max_samples"`

	// BufferMaxAge evicts raw samples older than this regardless of count.
	BufferMaxAge time.Duration `yaml:"buffer_max_age" mapstructure:"buffer_max_age"`
}

// MetricsConfig controls the operator-facing observability endpoint.
type MetricsConfig struct {
	// Enabled toggles the /metrics and /healthz HTTP listener.
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`

	// Addr is the listen address for the observability endpoint.
	Addr string `yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		Targets: make(map[string]Target),
		Database: DatabaseConfig{
			Path:          "fwmon.db",
			PoolSize:      4,
			RetentionDays: 30,
			CacheTTL:      30 * time.Second,
		},
		Sampling: SamplingConfig{
			FastInterval:     time.Second,
			FastTimeout:      5 * time.Second,
			SlowTimeout:      30 * time.Second,
			AuthFailureLimit: 3,
			BufferMaxSamples: 7200,
			BufferMaxAge:     2 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9633",
		},
	}
}

// DefaultPollInterval is applied to targets that omit poll_interval.
const DefaultPollInterval = 30 * time.Second

// EnabledTargets returns the subset of targets with Enabled set.
func (c *Config) EnabledTargets() map[string]Target {
	out := make(map[string]Target)
	for name, t := range c.Targets {
		if t.Enabled {
			out[name] = t
		}
	}
	return out
}
