// Package config handles configuration loading for seance-broker.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. A broker spawned by a client receives its database and endpoint
// on the command line and never touches a config file; the file exists for
// brokers run standalone (for example under a service manager). Flags and the
// SEANCE_TOKEN environment variable always win over file values.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SEANCE_CONFIG environment variable
//  2. ~/.config/seance/broker.yaml (respecting XDG_CONFIG_HOME)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  token: "${SEANCE_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Endpoint to bind:
//
//	listen:
//	  addr: "127.0.0.1:25432"
//
// Database to serve:
//
//	database:
//	  path: "/var/lib/seance/shared.db"
//
// Authentication (empty token means every channel is trusted):
//
//	auth:
//	  token: "${SEANCE_TOKEN}"
//
// Limits (idle_timeout uses Go's time.ParseDuration syntax; zero or absent
// means run forever):
//
//	limits:
//	  idle_timeout: "30m"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration, apply flag overrides, then validate:
//
//	cfg, err := config.Load(path)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	// ... merge flags ...
//	if err := cfg.Validate(); err != nil {
//	    log.Fatal(err)
//	}
package config
