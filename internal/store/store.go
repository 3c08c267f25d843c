// ABOUTME: Store interface and data types for agent persistence
// ABOUTME: Defines the Agent record, its generation config, and the Store interface

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when trying to create an agent whose UID is taken
var ErrDuplicateAgent = errors.New("agent already exists")

// Agent represents one upstream agent backend registered with the gateway.
// APIKey always holds the encrypted form; plaintext keys never reach the
// store.
type Agent struct {
	ID          string
	AgentUID    string
	Name        string
	OwnerUserID string
	APIHost     string
	APIKey      string
	Enabled     bool
	Config      AgentConfig
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AgentConfig carries per-agent generation settings, stored as JSON.
type AgentConfig struct {
	ModelID        string         `json:"modelId"`
	Params         map[string]any `json:"params,omitempty"`
	KLAssistID     string         `json:"klAssistId,omitempty"`
	TimeoutSeconds int            `json:"timeout,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
}

// DefaultAgentConfig returns the settings applied to agents created without
// an explicit config.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		ModelID: "jiutian-lan",
		Params: map[string]any{
			"temperature": 0.8,
			"top_p":       0.95,
			"max_gen_len": 256,
		},
		TimeoutSeconds: 30,
		MaxRetries:     1,
	}
}

// Timeout converts the configured seconds to a duration, zero when unset.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

func (c AgentConfig) marshal() (string, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding agent config: %w", err)
	}
	return string(raw), nil
}

func unmarshalConfig(raw string) (AgentConfig, error) {
	var c AgentConfig
	if raw == "" {
		return c, nil
	}
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return c, fmt.Errorf("decoding agent config: %w", err)
	}
	return c, nil
}

// Store defines the interface for agent persistence
type Store interface {
	// CreateAgent inserts a new agent. Returns ErrDuplicateAgent when the
	// agent UID is already registered.
	CreateAgent(ctx context.Context, agent *Agent) error

	// GetAgent retrieves an agent by its row ID
	GetAgent(ctx context.Context, id string) (*Agent, error)

	// GetAgentByUID retrieves an agent by its public UID
	GetAgentByUID(ctx context.Context, agentUID string) (*Agent, error)

	// ListAgents returns all agents, optionally filtered by owner
	ListAgents(ctx context.Context, ownerUserID string) ([]*Agent, error)

	// GetEnabledAgentsByUIDs returns the enabled agents among the given
	// UIDs. Unknown and disabled UIDs are silently excluded.
	GetEnabledAgentsByUIDs(ctx context.Context, uids []string) ([]*Agent, error)

	// UpdateAgent rewrites a stored agent's mutable fields
	UpdateAgent(ctx context.Context, agent *Agent) error

	// DeleteAgent removes an agent by row ID
	DeleteAgent(ctx context.Context, id string) error

	// Close releases store resources
	Close() error
}
