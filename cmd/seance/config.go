// ABOUTME: Configuration loading for the seance CLI
// ABOUTME: Loads TOML config from the XDG path with environment variable expansion

package main

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	Client   ClientConfig   `toml:"client"`
	Logging  LoggingConfig  `toml:"logging"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type AuthConfig struct {
	Token string `toml:"token"`
}

type ClientConfig struct {
	// Timeout bounds each round trip, e.g. "5s". Empty means no bound.
	Timeout string `toml:"timeout"`

	// BasePort and PortCount override the discovery range. Zero keeps the
	// defaults shared by every client on the machine.
	BasePort  int `toml:"base_port"`
	PortCount int `toml:"port_count"`

	// Broker names the broker executable to spawn when no broker is
	// running yet.
	Broker string `toml:"broker"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Load reads config from the given path, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables (${VAR} syntax)
	expanded := expandEnvVars(string(data))

	var cfg Config
	if _, err := toml.Decode(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} with environment variable values.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(varName)
	})
}

// Validate checks the optional fields that must parse when present. Nothing
// in the CLI config is required: the database can come from --db and the
// rest has defaults.
func (c *Config) Validate() error {
	if c.Client.Timeout != "" {
		if _, err := time.ParseDuration(c.Client.Timeout); err != nil {
			return fmt.Errorf("client.timeout is not a duration: %w", err)
		}
	}
	if c.Client.BasePort < 0 || c.Client.BasePort > 65535 {
		return fmt.Errorf("client.base_port must be a port number, got %d", c.Client.BasePort)
	}
	if c.Client.PortCount < 0 {
		return fmt.Errorf("client.port_count must not be negative, got %d", c.Client.PortCount)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}
