// ABOUTME: Configuration loading and parsing for relay-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete relay-gateway configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Relay    RelayConfig    `yaml:"relay"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration.
// JWTSecret verifies subscriber tokens; EncryptionSecret derives the key
// that protects stored agent API keys.
type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	EncryptionSecret string `yaml:"encryption_secret"`
}

// RelayConfig holds fan-out and lifecycle tuning for the relay core
type RelayConfig struct {
	// MaxConcurrentRequests caps in-flight upstream calls across all
	// conversations. Fixed at startup.
	MaxConcurrentRequests int `yaml:"max_concurrent_requests"`

	// UpstreamPath is appended to each agent's api_host.
	UpstreamPath string `yaml:"upstream_path"`

	DefaultTimeout time.Duration `yaml:"-"`
	ReaperInterval time.Duration `yaml:"-"`
	IdleTimeout    time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	DefaultTimeoutRaw string `yaml:"default_timeout"`
	ReaperIntervalRaw string `yaml:"reaper_interval"`
	IdleTimeoutRaw    string `yaml:"idle_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves relay settings unset.
const (
	DefaultMaxConcurrentRequests = 10
	DefaultUpstreamPath          = "/largemodel/api/v1/completions"
	DefaultTimeout               = 30 * time.Second
	DefaultReaperInterval        = 5 * time.Minute
	DefaultIdleTimeout           = time.Hour
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
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
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}

	if c.Relay.MaxConcurrentRequests < 1 {
		return fmt.Errorf("relay.max_concurrent_requests must be at least 1")
	}

	return nil
}

// applyDefaults fills unset fields with their defaults. The encryption
// secret falls back to the JWT secret so a single-secret deployment works.
func (c *Config) applyDefaults() {
	if c.Relay.MaxConcurrentRequests == 0 {
		c.Relay.MaxConcurrentRequests = DefaultMaxConcurrentRequests
	}
	if c.Relay.UpstreamPath == "" {
		c.Relay.UpstreamPath = DefaultUpstreamPath
	}
	if c.Relay.DefaultTimeout == 0 {
		c.Relay.DefaultTimeout = DefaultTimeout
	}
	if c.Relay.ReaperInterval == 0 {
		c.Relay.ReaperInterval = DefaultReaperInterval
	}
	if c.Relay.IdleTimeout == 0 {
		c.Relay.IdleTimeout = DefaultIdleTimeout
	}
	if c.Auth.EncryptionSecret == "" {
		c.Auth.EncryptionSecret = c.Auth.JWTSecret
	}
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Relay.DefaultTimeoutRaw != "" {
		cfg.Relay.DefaultTimeout, err = time.ParseDuration(cfg.Relay.DefaultTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing default_timeout %q: %w", cfg.Relay.DefaultTimeoutRaw, err)
		}
	}

	if cfg.Relay.ReaperIntervalRaw != "" {
		cfg.Relay.ReaperInterval, err = time.ParseDuration(cfg.Relay.ReaperIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing reaper_interval %q: %w", cfg.Relay.ReaperIntervalRaw, err)
		}
	}

	if cfg.Relay.IdleTimeoutRaw != "" {
		cfg.Relay.IdleTimeout, err = time.ParseDuration(cfg.Relay.IdleTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing idle_timeout %q: %w", cfg.Relay.IdleTimeoutRaw, err)
		}
	}

	return nil
}
