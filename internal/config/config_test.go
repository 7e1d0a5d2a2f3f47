package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.75, cfg.Balancer.SafeFillLevel)
	assert.Equal(t, "hive:migrations", cfg.Redis.QueueKey)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"admin port", func(c *Config) { c.Server.AdminPort = 0 }, "server.admin_port"},
		{"directory uri", func(c *Config) { c.Directory.URI = "" }, "directory.uri"},
		{"connections", func(c *Config) { c.Directory.MinConnections = 50 }, "directory.min_connections"},
		{"redis host", func(c *Config) { c.Redis.Host = "" }, "redis.host"},
		{"fill level", func(c *Config) { c.Balancer.SafeFillLevel = 1.5 }, "balancer.safe_fill_level"},
		{"balancer interval", func(c *Config) { c.Balancer.Interval = 0 }, "balancer.interval"},
		{"workers", func(c *Config) { c.Migration.Workers = 0 }, "migration.workers"},
		{"stats window", func(c *Config) { c.Stats.Window = time.Second }, "stats.window"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	content := `
directory:
  uri: postgres://hive@db:5432/global
balancer:
  safe_fill_level: 0.5
  interval: 1m
migration:
  workers: 8
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("HIVE_REDIS_HOST", "redis.internal")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://hive@db:5432/global", cfg.Directory.URI)
	assert.Equal(t, 0.5, cfg.Balancer.SafeFillLevel)
	assert.Equal(t, time.Minute, cfg.Balancer.Interval)
	assert.Equal(t, 8, cfg.Migration.Workers)
	assert.Equal(t, "redis.internal", cfg.Redis.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Untouched keys keep their defaults.
	assert.Equal(t, 8080, cfg.Server.AdminPort)
	assert.Equal(t, int32(20), cfg.Directory.MaxConnections)
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("directory:\n  uri: postgres://file\n"), 0o600))
	t.Setenv("HIVE_DIRECTORY_URI", "postgres://env")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://env", cfg.Directory.URI)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Directory.URI, cfg.Directory.URI)
}

func TestLoad_InvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("balancer:\n  safe_fill_level: 2\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
}
