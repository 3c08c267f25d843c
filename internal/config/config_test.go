// ABOUTME: Tests for configuration loading, env expansion, and validation
// ABOUTME: Covers defaults, duration parsing, and required-field errors

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig writes a temp config file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_FullConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "test-secret"
  encryption_secret: "enc-secret"
relay:
  max_concurrent_requests: 4
  upstream_path: "/v2/completions"
  default_timeout: "10s"
  reaper_interval: "1m"
  idle_timeout: "30m"
logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/relay.db", cfg.Database.Path)
	assert.Equal(t, "test-secret", cfg.Auth.JWTSecret)
	assert.Equal(t, "enc-secret", cfg.Auth.EncryptionSecret)
	assert.Equal(t, 4, cfg.Relay.MaxConcurrentRequests)
	assert.Equal(t, "/v2/completions", cfg.Relay.UpstreamPath)
	assert.Equal(t, 10*time.Second, cfg.Relay.DefaultTimeout)
	assert.Equal(t, time.Minute, cfg.Relay.ReaperInterval)
	assert.Equal(t, 30*time.Minute, cfg.Relay.IdleTimeout)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "test-secret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrentRequests, cfg.Relay.MaxConcurrentRequests)
	assert.Equal(t, DefaultUpstreamPath, cfg.Relay.UpstreamPath)
	assert.Equal(t, DefaultTimeout, cfg.Relay.DefaultTimeout)
	assert.Equal(t, DefaultReaperInterval, cfg.Relay.ReaperInterval)
	assert.Equal(t, DefaultIdleTimeout, cfg.Relay.IdleTimeout)

	// Encryption secret falls back to the JWT secret
	assert.Equal(t, "test-secret", cfg.Auth.EncryptionSecret)
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("RELAY_TEST_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "${RELAY_TEST_SECRET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "s"
`,
			wantErr: "http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "s"
`,
			wantErr: "database.path",
		},
		{
			name: "missing jwt secret",
			content: `
server:
  http_addr: ":8080"
database:
  path: "/tmp/relay.db"
`,
			wantErr: "jwt_secret",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "/tmp/relay.db"
auth:
  jwt_secret: "s"
relay:
  default_timeout: "not-a-duration"
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default_timeout")
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/gateway.yaml")
	require.Error(t, err)
}
