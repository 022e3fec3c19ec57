// Package config loads and validates the CLI-level configuration for
// retrygo: which persistence backend the wrapper engine talks to, where
// the CLI keeps its data and logs, and retry/breaker defaults (of which
// "retrygo demo" reads the breaker threshold and reset timeout). Struct-tag
// validation via go-playground/validator/v10, YAML on disk via viper,
// RETRYGO_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// PersistenceDriver selects which persistence.Repository backend the CLI
// wires the engine to.
type PersistenceDriver string

const (
	DriverMemory   PersistenceDriver = "memory"
	DriverPostgres PersistenceDriver = "postgres"
)

// Config is the complete CLI configuration: where state and logs live,
// which persistence backend to use, and retry/breaker defaults.
// "retrygo demo" reads BreakerThreshold and BreakerResetTimeout;
// DefaultMaxRetries and DefaultTimeout are validated but read by no
// command, and the engine does not read this package.
type Config struct {
	DataDir     string            `mapstructure:"data_dir" yaml:"data_dir" validate:"required"`
	Persistence PersistenceDriver `mapstructure:"persistence" yaml:"persistence" validate:"required,oneof=memory postgres"`
	PostgresDSN string            `mapstructure:"postgres_dsn" yaml:"postgres_dsn" validate:"required_if=Persistence postgres"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format" validate:"oneof=text json"`
	LogOutput string `mapstructure:"log_output" yaml:"log_output" validate:"oneof=stdout file both"`

	DefaultMaxRetries   int           `mapstructure:"default_max_retries" yaml:"default_max_retries" validate:"min=0"`
	DefaultTimeout      time.Duration `mapstructure:"default_timeout" yaml:"default_timeout" validate:"min=0"`
	BreakerThreshold    int           `mapstructure:"breaker_threshold" yaml:"breaker_threshold" validate:"min=1"`
	BreakerResetTimeout time.Duration `mapstructure:"breaker_reset_timeout" yaml:"breaker_reset_timeout" validate:"min=0"`
}

// DefaultDataDir returns "~/.retrygo/data", matching the per-user data
// directory layout named in the external-interface spec
// (~/.<app>/data/recovery.db for the relational backend's default
// connection string).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".retrygo", "data")
}

// Default returns the CLI's baseline configuration: in-memory
// persistence, text logging to stdout, and the retry/breaker defaults
// named in the external interface table (3 retries, breaker 5/300s).
func Default() *Config {
	return &Config{
		DataDir:             DefaultDataDir(),
		Persistence:         DriverMemory,
		LogLevel:            "info",
		LogFormat:           "text",
		LogOutput:           "stdout",
		DefaultMaxRetries:   3,
		DefaultTimeout:      0,
		BreakerThreshold:    5,
		BreakerResetTimeout: 300 * time.Second,
	}
}

var validate = validator.New()

// Validate checks c against its struct tags, returning a descriptive
// error on the first violation.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// LoadFromEnvironment overlays RETRYGO_-prefixed environment variables
// onto c.
func (c *Config) LoadFromEnvironment() {
	if v := os.Getenv("RETRYGO_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("RETRYGO_PERSISTENCE"); v != "" {
		c.Persistence = PersistenceDriver(v)
	}
	if v := os.Getenv("RETRYGO_POSTGRES_DSN"); v != "" {
		c.PostgresDSN = v
	}
	if v := os.Getenv("RETRYGO_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}
