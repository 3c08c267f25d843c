// ABOUTME: WebSocket subscription endpoint and connection hub
// ABOUTME: Handles join/leave frames and pushes relay events to subscribers

package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// subscribeFrame is a client-to-server control frame on the subscription socket.
type subscribeFrame struct {
	Action    string   `json:"action"` // "join" or "leave"
	ConvID    string   `json:"conv_id,omitempty"`
	AgentUIDs []string `json:"agent_uids,omitempty"`
}

// pushFrame is a server-to-client frame wrapping one relay event.
type pushFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// ackFrame confirms a join or leave to the client.
type ackFrame struct {
	Event  string `json:"event"` // "joined" or "left"
	ConvID string `json:"conv_id"`
}

// errorFrame reports a rejected control frame.
type errorFrame struct {
	Event   string `json:"event"` // always "error"
	Message string `json:"message"`
}

// wsClient is one connected subscriber. The write mutex serializes frames
// from the relay goroutines and the read loop's acks.
type wsClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsClient) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// Hub tracks live websocket connections by connection ID and delivers relay
// events to them. It satisfies the broadcaster's SubscriberSender.
type Hub struct {
	mu      sync.Mutex
	clients map[string]*wsClient
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[string]*wsClient),
		logger:  logger.With("component", "ws-hub"),
	}
}

// Send implements relay.SubscriberSender. An error means the connection is
// gone or unwritable; the broadcaster logs and skips it.
func (h *Hub) Send(connID, event string, payload any) error {
	h.mu.Lock()
	client, ok := h.clients[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("connection %s not found", connID)
	}
	return client.writeJSON(pushFrame{Event: event, Data: payload})
}

func (h *Hub) add(connID string, client *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[connID] = client
}

func (h *Hub) remove(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, connID)
}

// count returns the number of live connections.
func (h *Hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebSocket handles GET /ws. Clients authenticate with a ?token=
// query parameter, then send join/leave frames to subscribe to
// conversations. Relay events for the joined conversation are pushed as
// they happen. Disconnecting leaves the conversation automatically.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := g.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		g.sendJSONError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	connID := uuid.New().String()
	client := &wsClient{conn: conn}
	g.hub.add(connID, client)

	g.logger.Info("subscriber connected", "conn_id", connID, "user_id", userID)

	defer func() {
		g.hub.remove(connID)
		g.registry.Leave(connID)
		conn.Close()
		g.logger.Info("subscriber disconnected", "conn_id", connID)
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame subscribeFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			client.writeJSON(errorFrame{Event: "error", Message: "invalid frame"})
			continue
		}

		g.handleSubscribeFrame(client, connID, userID, frame)
	}
}

// handleSubscribeFrame applies one join/leave frame. A connection
// subscribes to one conversation at a time; joining another leaves the
// first.
func (g *Gateway) handleSubscribeFrame(client *wsClient, connID, userID string, frame subscribeFrame) {
	switch frame.Action {
	case "join":
		if frame.ConvID == "" {
			client.writeJSON(errorFrame{Event: "error", Message: "conv_id is required"})
			return
		}
		if prev, ok := g.registry.ConversationFor(connID); ok && prev != frame.ConvID {
			g.registry.Leave(connID)
			client.writeJSON(ackFrame{Event: "left", ConvID: prev})
		}
		g.registry.Join(frame.ConvID, userID, connID, frame.AgentUIDs)
		client.writeJSON(ackFrame{Event: "joined", ConvID: frame.ConvID})

	case "leave":
		if conv, ok := g.registry.ConversationFor(connID); ok {
			g.registry.Leave(connID)
			client.writeJSON(ackFrame{Event: "left", ConvID: conv})
		}

	default:
		client.writeJSON(errorFrame{Event: "error", Message: fmt.Sprintf("unknown action %q", frame.Action)})
	}
}
