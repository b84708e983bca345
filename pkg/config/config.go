// Package config provides the unified configuration system for crmsync.
//
// Configuration is read from the environment (optionally seeded from a .env
// file by the caller). The enumerated surface is:
//
//	SOURCE_ENDPOINT        credentialed base URL of the source CRM API (required)
//	DESTINATION_CONNECTION destination store connection string (required)
//	SYNC_MODE              full | incremental (default full)
//	LOOKBACK_HOURS         incremental safety overlap, integer >= 0 (default 24)
//
// The remaining knobs tune rate limiting, pagination, retries and logging and
// carry sensible defaults. Invalid configuration at startup is fatal.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/crmbridge/crmsync/pkg/errors"
)

// SyncMode selects full backfill or watermark-driven incremental selection.
type SyncMode string

const (
	// SyncModeFull selects every record regardless of modification time.
	SyncModeFull SyncMode = "full"
	// SyncModeIncremental selects records modified after the watermark
	// minus the lookback overlap.
	SyncModeIncremental SyncMode = "incremental"
)

// Config is the single configuration structure for a sync run.
type Config struct {
	Source      SourceConfig      `mapstructure:"source"`
	Destination DestinationConfig `mapstructure:"destination"`
	Sync        SyncConfig        `mapstructure:"sync"`
	Reliability ReliabilityConfig `mapstructure:"reliability"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// SourceConfig describes the throttled source API.
type SourceConfig struct {
	// Endpoint is the credentialed base URL, e.g. an inbound webhook URL.
	Endpoint string `mapstructure:"endpoint"`
	// PageSize is the fixed page size for list requests.
	PageSize int `mapstructure:"page_size"`
	// RateLimitPerSec is the hard request ceiling imposed by the source.
	RateLimitPerSec int `mapstructure:"rate_limit_per_sec"`
	// RateBurst is the token bucket burst capacity.
	RateBurst int `mapstructure:"rate_burst"`
	// RequestTimeout bounds a single page request.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// DestinationConfig describes the relational analytic store.
type DestinationConfig struct {
	// Connection is the store connection string (pgx format).
	Connection string `mapstructure:"connection"`
	// MaxConns limits the connection pool size.
	MaxConns int `mapstructure:"max_conns"`
}

// SyncConfig selects the run mode and incremental overlap.
type SyncConfig struct {
	Mode SyncMode `mapstructure:"mode"`
	// LookbackHours is subtracted from the watermark for incremental
	// selection to tolerate clock skew and late-visible edits.
	LookbackHours int `mapstructure:"lookback_hours"`
}

// ReliabilityConfig tunes retry behavior for transient source failures.
type ReliabilityConfig struct {
	RetryAttempts   int           `mapstructure:"retry_attempts"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	RetryMultiplier float64       `mapstructure:"retry_multiplier"`
	MaxRetryDelay   time.Duration `mapstructure:"max_retry_delay"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
	Encoding    string `mapstructure:"encoding"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			PageSize:        50,
			RateLimitPerSec: 2,
			RateBurst:       2,
			RequestTimeout:  30 * time.Second,
		},
		Destination: DestinationConfig{
			MaxConns: 4,
		},
		Sync: SyncConfig{
			Mode:          SyncModeFull,
			LookbackHours: 24,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:   5,
			RetryDelay:      1 * time.Second,
			RetryMultiplier: 2.0,
			MaxRetryDelay:   30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads configuration from the environment on top of defaults.
func Load() (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// The documented environment surface.
	bindings := map[string]string{
		"source.endpoint":           "SOURCE_ENDPOINT",
		"source.page_size":          "SOURCE_PAGE_SIZE",
		"source.rate_limit_per_sec": "SOURCE_RATE_LIMIT",
		"source.rate_burst":         "SOURCE_RATE_BURST",
		"source.request_timeout":    "SOURCE_REQUEST_TIMEOUT",
		"destination.connection":    "DESTINATION_CONNECTION",
		"destination.max_conns":     "DESTINATION_MAX_CONNS",
		"sync.mode":                 "SYNC_MODE",
		"sync.lookback_hours":       "LOOKBACK_HOURS",
		"reliability.retry_attempts": "RETRY_ATTEMPTS",
		"logging.level":             "LOG_LEVEL",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to bind environment variable")
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to unmarshal configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for fatal startup errors.
func (c *Config) Validate() error {
	if c.Source.Endpoint == "" {
		return errors.New(errors.ErrorTypeConfig, "SOURCE_ENDPOINT is required")
	}
	if c.Destination.Connection == "" {
		return errors.New(errors.ErrorTypeConfig, "DESTINATION_CONNECTION is required")
	}
	if c.Sync.Mode != SyncModeFull && c.Sync.Mode != SyncModeIncremental {
		return errors.New(errors.ErrorTypeConfig, "SYNC_MODE must be full or incremental").
			WithDetail("mode", string(c.Sync.Mode))
	}
	if c.Sync.LookbackHours < 0 {
		return errors.New(errors.ErrorTypeConfig, "LOOKBACK_HOURS must be >= 0").
			WithDetail("lookback_hours", c.Sync.LookbackHours)
	}
	if c.Source.PageSize <= 0 {
		return errors.New(errors.ErrorTypeConfig, "page size must be positive")
	}
	if c.Source.RateLimitPerSec <= 0 {
		return errors.New(errors.ErrorTypeConfig, "rate limit must be positive")
	}
	if c.Source.RateBurst <= 0 {
		c.Source.RateBurst = c.Source.RateLimitPerSec
	}
	if c.Reliability.RetryAttempts <= 0 {
		return errors.New(errors.ErrorTypeConfig, "retry attempts must be positive")
	}
	return nil
}

// Lookback returns the incremental safety overlap as a duration.
func (c *Config) Lookback() time.Duration {
	return time.Duration(c.Sync.LookbackHours) * time.Hour
}
