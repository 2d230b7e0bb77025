package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fwmon/fwmon/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, CurrentConfigVersion, cfg.Version)
	assert.Empty(t, cfg.Targets)
	assert.Equal(t, "fwmon.db", cfg.Database.Path)
	assert.Equal(t, 4, cfg.Database.PoolSize)
	assert.Equal(t, 30, cfg.Database.RetentionDays)
	assert.Equal(t, 30*time.Second, cfg.Database.CacheTTL)
	assert.Equal(t, time.Second, cfg.Sampling.FastInterval)
	assert.Equal(t, 2*time.Hour, cfg.Sampling.BufferMaxAge)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
version: 1
targets:
  edge-fw1:
    host: 10.100.192.3
    username: monitor
    password: secret
    verify_ssl: false
    poll_interval: 60s
  lab-fw:
    host: https://lab-fw.example.net
    username: monitor
    password: secret
    enabled: false
database:
  path: /var/lib/fwmon/metrics.db
  pool_size: 8
  retention_days: 14
  cache_ttl: 10s
sampling:
  fast_interval: 500ms
  auth_failure_limit: 5
metrics:
  addr: ":9700"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	fw1 := cfg.Targets["edge-fw1"]
	assert.Equal(t, "10.100.192.3", fw1.Host)
	assert.Equal(t, "monitor", fw1.Username)
	assert.False(t, fw1.VerifySSL)
	assert.True(t, fw1.Enabled, "omitted enabled flag should default to true")
	assert.Equal(t, 60*time.Second, fw1.PollInterval)

	lab := cfg.Targets["lab-fw"]
	assert.False(t, lab.Enabled)
	assert.True(t, lab.VerifySSL, "omitted verify_ssl should default to true")
	assert.Equal(t, DefaultPollInterval, lab.PollInterval)

	assert.Equal(t, "/var/lib/fwmon/metrics.db", cfg.Database.Path)
	assert.Equal(t, 8, cfg.Database.PoolSize)
	assert.Equal(t, 14, cfg.Database.RetentionDays)
	assert.Equal(t, 10*time.Second, cfg.Database.CacheTTL)
	assert.Equal(t, 500*time.Millisecond, cfg.Sampling.FastInterval)
	assert.Equal(t, 5, cfg.Sampling.AuthFailureLimit)
	assert.Equal(t, ":9700", cfg.Metrics.Addr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "targets: [not: a: map")
	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestEnabledTargets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Targets = map[string]Target{
		"a": {Host: "a", Enabled: true},
		"b": {Host: "b", Enabled: false},
		"c": {Host: "c", Enabled: true},
	}

	enabled := cfg.EnabledTargets()
	assert.Len(t, enabled, 2)
	assert.Contains(t, enabled, "a")
	assert.Contains(t, enabled, "c")
	assert.NotContains(t, enabled, "b")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Targets = map[string]Target{
			"fw": {
				Host:         "10.0.0.1",
				Username:     "monitor",
				Password:     "secret",
				Enabled:      true,
				PollInterval: 30 * time.Second,
			},
		}
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"no targets", func(c *Config) { c.Targets = nil }, "no targets"},
		{"missing host", func(c *Config) {
			t := c.Targets["fw"]
			t.Host = " "
			c.Targets["fw"] = t
		}, "host is required"},
		{"missing credentials", func(c *Config) {
			t := c.Targets["fw"]
			t.Password = ""
			c.Targets["fw"] = t
		}, "password is required"},
		{"poll shorter than fast interval", func(c *Config) {
			t := c.Targets["fw"]
			t.PollInterval = 500 * time.Millisecond
			c.Targets["fw"] = t
		}, "shorter than sampling.fast_interval"},
		{"bad pool size", func(c *Config) { c.Database.PoolSize = 0 }, "pool_size"},
		{"negative retention", func(c *Config) { c.Database.RetentionDays = -1 }, "retention_days"},
		{"zero buffer cap", func(c *Config) { c.Sampling.BufferMaxSamples = 0 }, "buffer_max_samples"},
		{"metrics addr missing", func(c *Config) { c.Metrics.Addr = "" }, "metrics.addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.ErrConfig))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFindExplicitMissing(t *testing.T) {
	_, err := Find(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestFindCurrentDirectory(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte("version: 1\n"), 0o600))

	cwd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer func() { _ = os.Chdir(cwd) }()

	found, err := Find("")
	require.NoError(t, err)
	// Resolve symlinks (macOS TMPDIR) before comparing
	wantReal, _ := filepath.EvalSymlinks(path)
	gotReal, _ := filepath.EvalSymlinks(found)
	assert.Equal(t, wantReal, gotReal)
}
