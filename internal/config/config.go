// ABOUTME: Configuration loading and parsing for seance-broker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete seance-broker configuration. Flags and the
// SEANCE_TOKEN environment variable override file values; the binary merges
// them before calling Validate.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ListenConfig holds the endpoint the broker binds.
type ListenConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds the database the broker serves.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds the shared secret gating channel access.
type AuthConfig struct {
	Token string `yaml:"token"`
}

// LimitsConfig holds resource and lifetime limits.
type LimitsConfig struct {
	// IdleTimeout makes the broker exit once it has had no sessions and no
	// requests for this long. Zero means run forever.
	IdleTimeout time.Duration `yaml:"-"`

	// Raw string value for YAML unmarshaling
	IdleTimeoutRaw string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with defaults applied. Listen address and
// database path are deliberately left empty: they come from the config file
// or from flags.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values. Validation is left
// to the caller so flag overrides can be applied first.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Listen.Addr == "" {
		return fmt.Errorf("listen.addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required (or pass --db)")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Limits.IdleTimeout < 0 {
		return fmt.Errorf("limits.idle_timeout must not be negative, got %v", c.Limits.IdleTimeout)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Limits.IdleTimeoutRaw != "" {
		cfg.Limits.IdleTimeout, err = time.ParseDuration(cfg.Limits.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Limits.IdleTimeoutRaw, err)
		}
	}

	return nil
}
