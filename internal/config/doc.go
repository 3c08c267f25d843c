// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	relay:
//	  default_timeout: "30s"
//	  reaper_interval: "5m"
//	  idle_timeout: "1h"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"   # API and subscription socket
//
// Database:
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//
// Authentication:
//
//	auth:
//	  jwt_secret: "${RELAY_JWT_SECRET}"          # Required
//	  encryption_secret: "${RELAY_ENC_SECRET}"   # Defaults to jwt_secret
//
// Relay tuning:
//
//	relay:
//	  max_concurrent_requests: 10
//	  upstream_path: "/largemodel/api/v1/completions"
//	  default_timeout: "30s"
//	  reaper_interval: "5m"
//	  idle_timeout: "1h"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration:
//
//	cfg, err := config.Load("/etc/relay/gateway.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
