// ABOUTME: HTTP API handlers for fan-out submission and conversation inspection
// ABOUTME: Provides POST /api/multi-chat plus conversation status and listing endpoints

package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/relay"
)

type contextKey string

const userIDKey contextKey = "user_id"

// MultiChatRequest is the JSON request body for POST /api/multi-chat.
type MultiChatRequest struct {
	ConvID    string      `json:"conv_id,omitempty"`
	Message   string      `json:"message"`
	AgentUIDs []string    `json:"agent_uids"`
	History   [][2]string `json:"history,omitempty"`
}

// MultiChatResponse is the JSON response for an accepted fan-out.
type MultiChatResponse struct {
	ConvID  string `json:"conv_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ConversationStatusResponse is the JSON response for
// GET /api/conversations/{conv_id}/status.
type ConversationStatusResponse struct {
	ConvID       string   `json:"conv_id"`
	Active       bool     `json:"active"`
	UserID       string   `json:"user_id,omitempty"`
	Subscribers  int      `json:"subscribers"`
	AgentUIDs    []string `json:"agent_uids,omitempty"`
	CreatedAt    string   `json:"created_at,omitempty"`
	LastActivity string   `json:"last_activity,omitempty"`
}

// ActiveConversationsResponse is the JSON response for
// GET /api/conversations/active.
type ActiveConversationsResponse struct {
	Conversations []ConversationStatusResponse `json:"conversations"`
	Count         int                          `json:"count"`
}

// requireAuth verifies the bearer token and stashes the user ID in the
// request context.
func (g *Gateway) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			g.sendJSONError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		userID, err := g.verifier.Verify(token)
		if err != nil {
			g.sendJSONError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next(w, r.WithContext(context.WithValue(r.Context(), userIDKey, userID)))
	}
}

func requestUserID(r *http.Request) string {
	userID, _ := r.Context().Value(userIDKey).(string)
	return userID
}

// handleMultiChat handles POST /api/multi-chat. It validates the request,
// assigns a conversation ID when the caller didn't, and starts the fan-out
// in the background. The response confirms acceptance; results stream over
// the subscription socket.
func (g *Gateway) handleMultiChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req MultiChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if strings.TrimSpace(req.Message) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "message is required")
		return
	}
	if len(req.AgentUIDs) == 0 {
		g.sendJSONError(w, http.StatusBadRequest, "agent_uids is required")
		return
	}

	convID := req.ConvID
	if convID == "" {
		convID = uuid.New().String()
	}

	// Detaching from the request context keeps the fan-out alive after
	// this response is written.
	g.coordinator.Start(context.WithoutCancel(r.Context()), relay.FanOutRequest{
		ConvID:    convID,
		UserID:    requestUserID(r),
		Message:   req.Message,
		AgentUIDs: req.AgentUIDs,
		History:   req.History,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(MultiChatResponse{
		ConvID:  convID,
		Status:  "accepted",
		Message: "responses will stream to conversation subscribers",
	})
}

// handleConversations dispatches /api/conversations/ subpaths:
// "active" lists registered conversations, "{conv_id}/status" reports one.
func (g *Gateway) handleConversations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/conversations/")

	if rest == "active" {
		g.handleActiveConversations(w, r)
		return
	}

	convID, ok := strings.CutSuffix(rest, "/status")
	if !ok || convID == "" || strings.Contains(convID, "/") {
		g.sendJSONError(w, http.StatusNotFound, "not found")
		return
	}
	g.handleConversationStatus(w, r, convID)
}

func (g *Gateway) handleConversationStatus(w http.ResponseWriter, r *http.Request, convID string) {
	sess, ok := g.registry.Get(convID)

	// Another user's conversation looks the same as a nonexistent one.
	if ok && sess.UserID != requestUserID(r) {
		ok = false
	}

	resp := ConversationStatusResponse{ConvID: convID, Active: ok}
	if ok {
		resp.UserID = sess.UserID
		resp.Subscribers = len(sess.Subscribers)
		resp.AgentUIDs = sess.AgentUIDs
		resp.CreatedAt = sess.CreatedAt.UTC().Format(time.RFC3339)
		resp.LastActivity = sess.LastActivity.UTC().Format(time.RFC3339)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleActiveConversations(w http.ResponseWriter, r *http.Request) {
	sessions := g.registry.ListAll()

	conversations := make([]ConversationStatusResponse, 0, len(sessions))
	for _, sess := range sessions {
		conversations = append(conversations, ConversationStatusResponse{
			ConvID:       sess.ConvID,
			Active:       true,
			UserID:       sess.UserID,
			Subscribers:  len(sess.Subscribers),
			AgentUIDs:    sess.AgentUIDs,
			CreatedAt:    sess.CreatedAt.UTC().Format(time.RFC3339),
			LastActivity: sess.LastActivity.UTC().Format(time.RFC3339),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ActiveConversationsResponse{
		Conversations: conversations,
		Count:         len(conversations),
	})
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
