// Package config loads amqpflow tuning knobs from the environment,
// using the same viper.SetDefault + viper.AutomaticEnv pattern as the
// rest of this codebase's config layers.
package config

import (
	"time"

	"github.com/spf13/viper"

	"github.com/sentinelmq/amqpflow/flowerrors"
)

// Config holds every tunable this library exposes as a configuration
// knob rather than a hardcoded constant.
type Config struct {
	BufferSize int

	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	ReconnectMultiplier   float64

	HealthCheckInterval time.Duration
	FlushInterval       time.Duration

	ConnectTimeout time.Duration

	MaxFlushRetries int
}

// Load reads configuration from environment variables (and a best-effort
// .env file), applying sensible production defaults.
func Load() (*Config, error) {
	viper.SetConfigFile(".env")
	viper.AutomaticEnv()

	viper.SetDefault("AMQPFLOW_BUFFER_SIZE", 10000)
	viper.SetDefault("AMQPFLOW_RECONNECT_INITIAL_DELAY_MS", 100)
	viper.SetDefault("AMQPFLOW_RECONNECT_MAX_DELAY_MS", 30000)
	viper.SetDefault("AMQPFLOW_RECONNECT_MULTIPLIER", 2.0)
	viper.SetDefault("AMQPFLOW_HEALTH_CHECK_INTERVAL_MS", 1000)
	viper.SetDefault("AMQPFLOW_FLUSH_INTERVAL_MS", 100)
	viper.SetDefault("AMQPFLOW_CONNECT_TIMEOUT_MS", 10000)
	viper.SetDefault("AMQPFLOW_MAX_FLUSH_RETRIES", 3)

	_ = viper.ReadInConfig()

	cfg := &Config{
		BufferSize:            viper.GetInt("AMQPFLOW_BUFFER_SIZE"),
		ReconnectInitialDelay: viper.GetDuration("AMQPFLOW_RECONNECT_INITIAL_DELAY_MS") * time.Millisecond,
		ReconnectMaxDelay:     viper.GetDuration("AMQPFLOW_RECONNECT_MAX_DELAY_MS") * time.Millisecond,
		ReconnectMultiplier:   viper.GetFloat64("AMQPFLOW_RECONNECT_MULTIPLIER"),
		HealthCheckInterval:   viper.GetDuration("AMQPFLOW_HEALTH_CHECK_INTERVAL_MS") * time.Millisecond,
		FlushInterval:         viper.GetDuration("AMQPFLOW_FLUSH_INTERVAL_MS") * time.Millisecond,
		ConnectTimeout:        viper.GetDuration("AMQPFLOW_CONNECT_TIMEOUT_MS") * time.Millisecond,
		MaxFlushRetries:       viper.GetInt("AMQPFLOW_MAX_FLUSH_RETRIES"),
	}

	return cfg, cfg.Validate()
}

// Validate rejects configuration that would break a core invariant
// (e.g. a non-positive buffer size would make capacity enforcement vacuous).
func (c *Config) Validate() error {
	if c.BufferSize <= 0 {
		return &flowerrors.ConfigError{Field: "BufferSize", Reason: "must be positive"}
	}
	if c.ReconnectMultiplier < 1 {
		return &flowerrors.ConfigError{Field: "ReconnectMultiplier", Reason: "must be >= 1"}
	}
	if c.ReconnectMaxDelay < c.ReconnectInitialDelay {
		return &flowerrors.ConfigError{Field: "ReconnectMaxDelay", Reason: "must be >= ReconnectInitialDelay"}
	}
	if c.MaxFlushRetries <= 0 {
		return &flowerrors.ConfigError{Field: "MaxFlushRetries", Reason: "must be positive"}
	}
	return nil
}

// Default returns a Config populated purely with built-in defaults,
// useful for tests and for callers that don't want environment lookups.
func Default() *Config {
	return &Config{
		BufferSize:            10000,
		ReconnectInitialDelay: 100 * time.Millisecond,
		ReconnectMaxDelay:     30 * time.Second,
		ReconnectMultiplier:   2.0,
		HealthCheckInterval:   time.Second,
		FlushInterval:         100 * time.Millisecond,
		ConnectTimeout:        10 * time.Second,
		MaxFlushRetries:       3,
	}
}
