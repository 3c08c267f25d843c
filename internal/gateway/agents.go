// ABOUTME: HTTP handlers for agent registration and management
// ABOUTME: Encrypts API keys on write and only ever returns them masked

package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/store"
)

// CreateAgentRequest is the JSON request body for POST /api/agents.
type CreateAgentRequest struct {
	AgentUID string             `json:"agent_uid"`
	Name     string             `json:"name"`
	APIHost  string             `json:"api_host"`
	APIKey   string             `json:"api_key"`
	Enabled  *bool              `json:"enabled,omitempty"`
	Config   *store.AgentConfig `json:"config,omitempty"`
}

// UpdateAgentRequest is the JSON request body for PUT /api/agents/{id}.
// Omitted fields keep their stored values; api_key is only re-encrypted
// when a new one is supplied.
type UpdateAgentRequest struct {
	Name    *string            `json:"name,omitempty"`
	APIHost *string            `json:"api_host,omitempty"`
	APIKey  *string            `json:"api_key,omitempty"`
	Enabled *bool              `json:"enabled,omitempty"`
	Config  *store.AgentConfig `json:"config,omitempty"`
}

// AgentResponse is the JSON representation of a stored agent. The API key
// appears masked only.
type AgentResponse struct {
	ID           string            `json:"id"`
	AgentUID     string            `json:"agent_uid"`
	Name         string            `json:"name"`
	OwnerUserID  string            `json:"owner_user_id"`
	APIHost      string            `json:"api_host"`
	APIKeyMasked string            `json:"api_key_masked"`
	Enabled      bool              `json:"enabled"`
	Config       store.AgentConfig `json:"config"`
	CreatedAt    string            `json:"created_at"`
	UpdatedAt    string            `json:"updated_at"`
}

// ListAgentsResponse is the JSON response for GET /api/agents.
type ListAgentsResponse struct {
	Agents []AgentResponse `json:"agents"`
	Count  int             `json:"count"`
}

func (g *Gateway) agentResponse(a *store.Agent) AgentResponse {
	masked := ""
	if plaintext, err := g.cipher.Decrypt(a.APIKey); err == nil {
		masked = auth.MaskAPIKey(plaintext)
	}
	return AgentResponse{
		ID:           a.ID,
		AgentUID:     a.AgentUID,
		Name:         a.Name,
		OwnerUserID:  a.OwnerUserID,
		APIHost:      a.APIHost,
		APIKeyMasked: masked,
		Enabled:      a.Enabled,
		Config:       a.Config,
		CreatedAt:    a.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:    a.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

// handleAgents handles /api/agents: POST registers an agent, GET lists the
// caller's agents.
func (g *Gateway) handleAgents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		g.handleCreateAgent(w, r)
	case http.MethodGet:
		g.handleListAgents(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.AgentUID == "" || req.Name == "" || req.APIHost == "" || req.APIKey == "" {
		g.sendJSONError(w, http.StatusBadRequest, "agent_uid, name, api_host, and api_key are required")
		return
	}
	if !auth.ValidateAPIKeyFormat(req.APIKey) {
		g.sendJSONError(w, http.StatusBadRequest, "api_key must be of the form 'id.secret'")
		return
	}

	encrypted, err := g.cipher.Encrypt(req.APIKey)
	if err != nil {
		g.logger.Error("encrypting api key failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	cfg := store.DefaultAgentConfig()
	if req.Config != nil {
		cfg = *req.Config
		if cfg.ModelID == "" {
			cfg.ModelID = store.DefaultAgentConfig().ModelID
		}
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	now := time.Now().UTC()
	agent := &store.Agent{
		ID:          uuid.New().String(),
		AgentUID:    req.AgentUID,
		Name:        req.Name,
		OwnerUserID: requestUserID(r),
		APIHost:     strings.TrimRight(req.APIHost, "/"),
		APIKey:      encrypted,
		Enabled:     enabled,
		Config:      cfg,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := g.store.CreateAgent(r.Context(), agent); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			g.sendJSONError(w, http.StatusConflict, "agent_uid already registered")
			return
		}
		g.logger.Error("creating agent failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(g.agentResponse(agent))
}

func (g *Gateway) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := g.store.ListAgents(r.Context(), requestUserID(r))
	if err != nil {
		g.logger.Error("listing agents failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	resp := ListAgentsResponse{Agents: make([]AgentResponse, 0, len(agents))}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, g.agentResponse(a))
	}
	resp.Count = len(resp.Agents)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// handleAgentByID handles /api/agents/{id}: GET, PUT, and DELETE. Agents
// are only visible to their owner.
func (g *Gateway) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	if id == "" || strings.Contains(id, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}

	agent, err := g.store.GetAgent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			g.sendJSONError(w, http.StatusNotFound, "agent not found")
			return
		}
		g.logger.Error("loading agent failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if agent.OwnerUserID != requestUserID(r) {
		g.sendJSONError(w, http.StatusNotFound, "agent not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(g.agentResponse(agent))
	case http.MethodPut:
		g.handleUpdateAgent(w, r, agent)
	case http.MethodDelete:
		g.handleDeleteAgent(w, r, agent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (g *Gateway) handleUpdateAgent(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	var req UpdateAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name != nil {
		agent.Name = *req.Name
	}
	if req.APIHost != nil {
		agent.APIHost = strings.TrimRight(*req.APIHost, "/")
	}
	if req.APIKey != nil {
		if !auth.ValidateAPIKeyFormat(*req.APIKey) {
			g.sendJSONError(w, http.StatusBadRequest, "api_key must be of the form 'id.secret'")
			return
		}
		encrypted, err := g.cipher.Encrypt(*req.APIKey)
		if err != nil {
			g.logger.Error("encrypting api key failed", "error", err)
			g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		agent.APIKey = encrypted
	}
	if req.Enabled != nil {
		agent.Enabled = *req.Enabled
	}
	if req.Config != nil {
		agent.Config = *req.Config
	}
	agent.UpdatedAt = time.Now().UTC()

	if err := g.store.UpdateAgent(r.Context(), agent); err != nil {
		g.logger.Error("updating agent failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(g.agentResponse(agent))
}

func (g *Gateway) handleDeleteAgent(w http.ResponseWriter, r *http.Request, agent *store.Agent) {
	if err := g.store.DeleteAgent(r.Context(), agent.ID); err != nil {
		g.logger.Error("deleting agent failed", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
