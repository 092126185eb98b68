// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Upstream credentials live in this struct and are handed to the adapters by
// reference at startup — no subsystem reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstream provider credentials. A provider with an empty key is treated
	// as unconfigured; requests resolved to it fail with config_error.
	OpenAI ProviderConfig
	Gemini ProviderConfig

	// Redis holds the connection URL for the key, project, and price stores.
	Redis RedisConfig

	// ClickHouse holds the audit log sink connection. Optional — when the DSN
	// is empty, request log records are written through slog instead.
	ClickHouse ClickHouseConfig

	// Routing controls tier defaults and the failover target.
	Routing RoutingConfig

	// ProviderTimeout is the per-upstream HTTP request timeout. Default: 30s.
	ProviderTimeout time.Duration

	// StreamTimeout bounds the total duration of one streaming response.
	// Default: 5m.
	StreamTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default).
	CORSOrigins []string
}

// ProviderConfig holds configuration for a single upstream provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string
}

// RedisConfig holds the Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds the ClickHouse connection for the request log.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Empty disables the ClickHouse sink.
	DSN string

	// Table is the request log table name. Default: request_log.
	Table string
}

// RoutingConfig controls tier defaults and failover.
type RoutingConfig struct {
	// FastDefaultModel serves FAST-tier requests that omit a model.
	// Default: gpt-5-nano.
	FastDefaultModel string

	// SmartDefaultModel serves SMART-tier requests that omit a model.
	// Default: gpt-5-mini.
	SmartDefaultModel string

	// FallbackModel is the fixed fallback target for eligible FAST-tier
	// failures of the primary provider. Empty disables failover.
	// Default: gemini-2.0-flash-lite.
	FallbackModel string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is always required — the key store backs authentication.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("PROVIDER_TIMEOUT", "30s")
	v.SetDefault("STREAM_TIMEOUT", "5m")
	v.SetDefault("FAST_DEFAULT_MODEL", "gpt-5-nano")
	v.SetDefault("SMART_DEFAULT_MODEL", "gpt-5-mini")
	v.SetDefault("FALLBACK_MODEL", "gemini-2.0-flash-lite")
	v.SetDefault("CLICKHOUSE_TABLE", "request_log")

	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		OpenAI: ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Gemini: ProviderConfig{APIKey: v.GetString("GOOGLE_API_KEY"), BaseURL: v.GetString("GEMINI_BASE_URL")},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		ClickHouse: ClickHouseConfig{
			DSN:   v.GetString("CLICKHOUSE_DSN"),
			Table: v.GetString("CLICKHOUSE_TABLE"),
		},

		Routing: RoutingConfig{
			FastDefaultModel:  v.GetString("FAST_DEFAULT_MODEL"),
			SmartDefaultModel: v.GetString("SMART_DEFAULT_MODEL"),
			FallbackModel:     v.GetString("FALLBACK_MODEL"),
		},

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		StreamTimeout:   v.GetDuration("STREAM_TIMEOUT"),

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Redis.URL == "" {
		return fmt.Errorf("config: REDIS_URL is required — it backs the API key, project, and price stores")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error", c.LogLevel)
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("config: STREAM_TIMEOUT must be a positive duration")
	}
	if c.Routing.FastDefaultModel == "" || c.Routing.SmartDefaultModel == "" {
		return fmt.Errorf("config: FAST_DEFAULT_MODEL and SMART_DEFAULT_MODEL must not be empty")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
