// ABOUTME: Adapts the agent store to the relay's AgentResolver interface
// ABOUTME: Maps stored agent rows to dispatch descriptors with encrypted credentials

package store

import (
	"context"

	"github.com/2389/relay-gateway/internal/relay"
)

// Resolver answers the relay's agent lookups from the store. The encrypted
// API key travels as the descriptor credential; decryption happens at the
// signing boundary, so a corrupt credential surfaces as a per-agent error
// rather than a resolution failure.
type Resolver struct {
	store Store
}

// NewResolver creates a resolver backed by the given store.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// ResolveEnabled implements relay.AgentResolver.
func (r *Resolver) ResolveEnabled(ctx context.Context, uids []string) ([]relay.AgentDescriptor, error) {
	agents, err := r.store.GetEnabledAgentsByUIDs(ctx, uids)
	if err != nil {
		return nil, err
	}

	descriptors := make([]relay.AgentDescriptor, len(agents))
	for i, a := range agents {
		descriptors[i] = relay.AgentDescriptor{
			UID:        a.AgentUID,
			Name:       a.Name,
			APIHost:    a.APIHost,
			Credential: a.APIKey,
			Config: relay.AgentConfig{
				ModelID:    a.Config.ModelID,
				Params:     a.Config.Params,
				KLAssistID: a.Config.KLAssistID,
				Timeout:    a.Config.Timeout(),
				MaxRetries: a.Config.MaxRetries,
			},
		}
	}
	return descriptors, nil
}
