package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/galaxy/pkg/schema"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)

	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 1, cfg.RetryPerProvider)
	assert.Equal(t, "http://localhost:4200", cfg.CallbackBaseURL)
	assert.Equal(t, "galaxy.db", filepath.Base(cfg.DBPath))
}

func TestLoadConfig_SettingsFile(t *testing.T) {
	path := writeSettings(t, `{
		"listen_addr": "127.0.0.1:9000",
		"db_path": "",
		"pool_size": 8,
		"provider_mock_mode": true,
		"providers": {"fal": "https://fal.example/submit"},
		"schedules": [{"workflow_id": "wf-1", "cron": "*/5 * * * *"}]
	}`)

	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.ListenAddr)
	assert.Empty(t, cfg.DBPath)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.True(t, cfg.ProviderMockMode)
	assert.Equal(t, "https://fal.example/submit", cfg.Providers["fal"])
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "wf-1", cfg.Schedules[0].WorkflowID)
	assert.Equal(t, "http://127.0.0.1:9000", cfg.CallbackBaseURL)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, `{"log_level": "warn", "pool_size": 8}`)
	t.Setenv("GALAXY_LOG_LEVEL", "debug")
	t.Setenv("GALAXY_POOL_SIZE", "2")
	t.Setenv("GALAXY_DB_PATH", "")
	t.Setenv("GALAXY_PROVIDER_MOCK_MODE", "1")
	t.Setenv("GALAXY_CALLBACK_BASE_URL", "https://hooks.example")

	cfg, err := loadConfigFrom(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Empty(t, cfg.DBPath)
	assert.True(t, cfg.ProviderMockMode)
	assert.Equal(t, "https://hooks.example", cfg.CallbackBaseURL)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := loadConfigFrom(writeSettings(t, `{not json`))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))

	t.Setenv("GALAXY_POOL_SIZE", "many")
	_, err = loadConfigFrom(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
}

func TestAppOptions(t *testing.T) {
	cfg := defaultConfig()
	cfg.Backoff = schema.RetryPolicy{Backoff: "exponential", Delay: "100ms"}
	cfg.CircuitBreaker = &CircuitBreakerConfig{FailureThreshold: 3, Cooldown: "30s", HalfOpenMax: 1}

	opts, err := cfg.appOptions(nil)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, opts.ProviderTimeout)
	assert.Equal(t, 10*time.Minute, opts.WaitTimeout)
	require.NotNil(t, opts.Backoff)
	assert.Equal(t, "exponential", opts.Backoff.Backoff)
	require.NotNil(t, opts.CircuitBreaker)
	assert.Equal(t, 30*time.Second, opts.CircuitBreaker.Cooldown)

	plain, err := defaultConfig().appOptions(nil)
	require.NoError(t, err)
	assert.Nil(t, plain.Backoff)
	assert.Nil(t, plain.CircuitBreaker)
}

func TestAppOptions_InvalidDurations(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"provider timeout", func(c *Config) { c.ProviderTimeout = "soon" }},
		{"wait timeout", func(c *Config) { c.WaitTimeout = "-1m" }},
		{"cooldown", func(c *Config) { c.CircuitBreaker = &CircuitBreakerConfig{Cooldown: "1 minute"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			_, err := cfg.appOptions(nil)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeConfig, schema.CodeOf(err))
		})
	}
}

func TestAppOptions_VaultKey(t *testing.T) {
	cfg := defaultConfig()
	cfg.VaultKey = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	opts, err := cfg.appOptions(nil)
	require.NoError(t, err)
	assert.Len(t, opts.VaultKey, 32)

	cfg.VaultKey = "c2hvcnQ="
	_, err = cfg.appOptions(nil)
	assert.Equal(t, schema.ErrCodeVault, schema.CodeOf(err))
}
