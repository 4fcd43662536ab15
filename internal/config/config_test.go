package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, ":8080", cfg.Addr())
	assert.Equal(t, 50*time.Millisecond, cfg.StoreRetryBase)
	assert.Equal(t, time.Minute, cfg.RateWindow)
	assert.Equal(t, 2*time.Hour, cfg.ReaperIdle)
	assert.Greater(t, cfg.RateReadMax, cfg.RateWriteMax)
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	file := filepath.Join(dir, "livedesk.yaml")
	require.NoError(t, os.WriteFile(file, []byte("http_port: 9000\nrate_write_max: 5\nlog_level: debug\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("RATE_READ_MAX=77\n"), 0o644))

	t.Setenv("LIVEDESK_CONFIG", file)
	t.Setenv("HTTP_PORT", "9100")
	t.Setenv("REAPER_CRON", "")
	t.Cleanup(func() { os.Unsetenv("RATE_READ_MAX") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.HTTPPort, "env wins over file")
	assert.Equal(t, 5, cfg.RateWriteMax)
	assert.Equal(t, 77, cfg.RateReadMax)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Empty(t, cfg.ReaperCron)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.HTTPPort = 0 }},
		{"database", func(c *Config) { c.DatabaseURL = "" }},
		{"retries", func(c *Config) { c.StoreRetries = 0 }},
		{"page size", func(c *Config) { c.MaxPageSize = 0 }},
		{"rate ceiling", func(c *Config) { c.RateWriteMax = 0 }},
		{"ping interval", func(c *Config) { c.PingIntervalMs = c.ReadTimeoutMs }},
		{"event throttle", func(c *Config) { c.EventBurst = 0 }},
		{"reaper idle", func(c *Config) { c.ReaperIdleMs = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, Defaults().Validate())
}
