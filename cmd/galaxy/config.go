package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/galaxy/internal/app"
	"github.com/rendis/galaxy/internal/engine"
	"github.com/rendis/galaxy/internal/scheduler"
	"github.com/rendis/galaxy/internal/secrets"
	"github.com/rendis/galaxy/pkg/schema"
)

// Config holds all galaxy configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr       string             `json:"listen_addr"`
	DBPath           string             `json:"db_path"`
	LogLevel         string             `json:"log_level"`
	LogFormat        string             `json:"log_format"`
	PoolSize         int                `json:"pool_size"`
	RetryPerProvider int                `json:"retry_per_provider"`
	ProviderTimeout  string             `json:"provider_timeout"`
	WaitTimeout      string             `json:"wait_timeout"`
	Backoff          schema.RetryPolicy `json:"backoff"`
	ProviderMockMode bool               `json:"provider_mock_mode"`
	CallbackBaseURL  string             `json:"callback_base_url"`
	StrictReferences bool               `json:"strict_references"`
	// VaultKey is the base64 32-byte key sealing provider credentials.
	VaultKey string `json:"vault_key,omitempty"`
	// Providers maps provider id to its submission endpoint.
	Providers      map[string]string     `json:"providers,omitempty"`
	CircuitBreaker *CircuitBreakerConfig `json:"circuit_breaker,omitempty"`
	Schedules      []scheduler.Entry     `json:"schedules,omitempty"`
}

// CircuitBreakerConfig enables per-provider breakers.
type CircuitBreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold"`
	Cooldown         string `json:"cooldown"`
	HalfOpenMax      int    `json:"half_open_max"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:       ":4200",
		DBPath:           filepath.Join(galaxyDir(), "galaxy.db"),
		LogLevel:         "info",
		LogFormat:        "text",
		PoolSize:         4,
		RetryPerProvider: 1,
		ProviderTimeout:  "60s",
		WaitTimeout:      "10m",
	}
}

func galaxyDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".galaxy"
	}
	return filepath.Join(home, ".galaxy")
}

func settingsPath() string {
	return filepath.Join(galaxyDir(), "settings.json")
}

func loadConfig() (Config, error) {
	return loadConfigFrom(settingsPath())
}

// loadConfigFrom layers the settings file at path (ignored if missing) and
// GALAXY_* env vars over the defaults.
func loadConfigFrom(path string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json.
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, schema.NewErrorf(schema.ErrCodeConfig, "parse %s", path).WithCause(err)
		}
	}

	// Layer 3: env vars override.
	if v := os.Getenv("GALAXY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("GALAXY_DB_PATH"); ok {
		cfg.DBPath = v
	}
	if v := os.Getenv("GALAXY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("GALAXY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if err := envInt("GALAXY_POOL_SIZE", &cfg.PoolSize); err != nil {
		return cfg, err
	}
	if err := envInt("GALAXY_RETRY_PER_PROVIDER", &cfg.RetryPerProvider); err != nil {
		return cfg, err
	}
	if v := os.Getenv("GALAXY_PROVIDER_TIMEOUT"); v != "" {
		cfg.ProviderTimeout = v
	}
	if v := os.Getenv("GALAXY_WAIT_TIMEOUT"); v != "" {
		cfg.WaitTimeout = v
	}
	if v := os.Getenv("GALAXY_PROVIDER_MOCK_MODE"); v != "" {
		cfg.ProviderMockMode = v == "true" || v == "1"
	}
	if v := os.Getenv("GALAXY_CALLBACK_BASE_URL"); v != "" {
		cfg.CallbackBaseURL = v
	}
	if v := os.Getenv("GALAXY_VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	if v := os.Getenv("GALAXY_STRICT_REFERENCES"); v != "" {
		cfg.StrictReferences = v == "true" || v == "1"
	}

	// Derive callback_base_url from listen_addr if empty.
	if cfg.CallbackBaseURL == "" {
		cfg.CallbackBaseURL = baseURLFor(cfg.ListenAddr)
	}

	return cfg, nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeConfig, "%s: %q is not an integer", key, v)
	}
	*dst = n
	return nil
}

func baseURLFor(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		return "http://localhost" + listenAddr
	}
	return "http://" + listenAddr
}

// appOptions converts the configuration into engine assembly options.
func (c Config) appOptions(logger *slog.Logger) (app.Options, error) {
	providerTimeout, err := parseDuration("provider_timeout", c.ProviderTimeout)
	if err != nil {
		return app.Options{}, err
	}
	waitTimeout, err := parseDuration("wait_timeout", c.WaitTimeout)
	if err != nil {
		return app.Options{}, err
	}

	opts := app.Options{
		DBPath:            c.DBPath,
		PoolSize:          c.PoolSize,
		RetryPerProvider:  c.RetryPerProvider,
		ProviderTimeout:   providerTimeout,
		WaitTimeout:       waitTimeout,
		StrictReferences:  c.StrictReferences,
		MockProviders:     c.ProviderMockMode,
		ProviderEndpoints: c.Providers,
		CallbackBaseURL:   c.CallbackBaseURL,
		Logger:            logger,
	}
	if c.VaultKey != "" {
		key, err := secrets.DecodeMasterKey(c.VaultKey)
		if err != nil {
			return app.Options{}, err
		}
		opts.VaultKey = key
	}
	if c.Backoff != (schema.RetryPolicy{}) {
		backoff := c.Backoff
		opts.Backoff = &backoff
	}
	if cb := c.CircuitBreaker; cb != nil {
		cooldown, err := parseDuration("circuit_breaker.cooldown", cb.Cooldown)
		if err != nil {
			return app.Options{}, err
		}
		opts.CircuitBreaker = &engine.CircuitBreakerConfig{
			FailureThreshold: cb.FailureThreshold,
			Cooldown:         cooldown,
			HalfOpenMax:      cb.HalfOpenMax,
		}
	}
	return opts, nil
}

// parseDuration reads a Go duration string. Empty means zero.
func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "%s: invalid duration %q", field, v).WithCause(err)
	}
	if d < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeConfig, "%s: negative duration %q", field, v)
	}
	return d, nil
}

func (c Config) String() string {
	return fmt.Sprintf("listen=%s db=%q pool=%d mock=%t schedules=%d", c.ListenAddr, c.DBPath, c.PoolSize, c.ProviderMockMode, len(c.Schedules))
}
