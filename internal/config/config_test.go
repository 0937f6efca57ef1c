package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "piiswap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "output", cfg.Pipeline.OutputDir)
	assert.Equal(t, 1, cfg.Pipeline.Workers)
	assert.True(t, cfg.Pipeline.CleanText)
	assert.Equal(t, "file", cfg.Store.Backend)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "/ws", cfg.WebSocket.Path)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileKeepsUnsetDefaults(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  output_dir: /data/run1
  workers: 4
store:
  backend: redis
  redis:
    url: redis://cache:6379/2
server:
  read_timeout: 5s
  rate_limit:
    burst: 50
logging:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data/run1", cfg.Pipeline.OutputDir)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, "dummy.json", cfg.Pipeline.DummyPool)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis://cache:6379/2", cfg.Store.Redis.URL)
	assert.Equal(t, "piiswap", cfg.Store.Redis.KeyPrefix)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 50, cfg.Server.RateLimit.Burst)
	assert.Equal(t, 10.0, cfg.Server.RateLimit.RequestsPerSec)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
pipeline:
  workers: 2
store:
  backend: file
`)
	t.Setenv("PIISWAP_PIPELINE_WORKERS", "8")
	t.Setenv("PIISWAP_STORE_BACKEND", "memory")
	t.Setenv("PIISWAP_LOGGING_FORMAT", "console")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pipeline.Workers)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadRejectsMalformedFile(t *testing.T) {
	path := writeConfig(t, "pipeline: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }, "worker count"},
		{"bad source", func(c *Config) { c.Pipeline.Source = "ocr" }, "pipeline source"},
		{"bad backend", func(c *Config) { c.Store.Backend = "etcd" }, "store backend"},
		{"postgres without url", func(c *Config) { c.Store.Backend = "postgres" }, "requires store.database.url"},
		{"sqlite with url", func(c *Config) {
			c.Store.Backend = "sqlite"
			c.Store.Database.URL = "mapping.db"
		}, ""},
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }, "server port"},
		{"zero rate", func(c *Config) { c.Server.RateLimit.RequestsPerSec = 0 }, "rate limit"},
		{"zero rate when disabled", func(c *Config) {
			c.Server.RateLimit.Enabled = false
			c.Server.RateLimit.RequestsPerSec = 0
		}, ""},
		{"bad level", func(c *Config) { c.Logging.Level = "trace" }, "log level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "log format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetDefaults()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestWatchReportsChanges(t *testing.T) {
	path := writeConfig(t, "logging:\n  level: info\n")
	_, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	require.NoError(t, Watch(func(c *Config) { changes <- c }, func(error) {}))

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case c := <-changes:
		assert.Equal(t, "debug", c.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchWithoutFile(t *testing.T) {
	_, err := Load("")
	require.NoError(t, err)
	assert.Error(t, Watch(func(*Config) {}, func(error) {}))
}
