// ABOUTME: Publishes relay messages to every subscriber of a conversation
// ABOUTME: Subscriber snapshot taken under the registry lock, delivery outside it

package relay

import (
	"log/slog"

	"github.com/2389/relay-gateway/internal/registry"
)

// SubscriberSender delivers one event frame to one subscriber connection.
// Implemented by the gateway's websocket hub. Delivery failures are the
// sender's problem; a subscriber that cannot be reached simply misses the
// message.
type SubscriberSender interface {
	Send(connID, event string, payload any) error
}

// Push event names on the subscription channel.
const (
	EventAgentMessage  = "agent-message"
	EventSystemMessage = "system-message"
)

// Broadcaster fans relay messages out to all connections subscribed to a
// conversation. Publishing to an unknown conversation is a no-op, not an
// error: the conversation may have ended while agents were still streaming.
type Broadcaster struct {
	registry *registry.Registry
	sender   SubscriberSender
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(reg *registry.Registry, sender SubscriberSender, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		registry: reg,
		sender:   sender,
		logger:   logger.With("component", "broadcaster"),
	}
}

// PublishAgent delivers an agent message to every current subscriber of the
// conversation and refreshes its last activity. Returns false if the
// conversation is not registered.
func (b *Broadcaster) PublishAgent(convID, agentID string, payload Payload) bool {
	subs, ok := b.registry.Touch(convID)
	if !ok {
		b.logger.Warn("conversation not found, dropping agent message",
			"conv_id", convID,
			"agent_id", agentID,
			"kind", payload.Type)
		return false
	}

	env := &AgentEnvelope{
		ConvID:    convID,
		AgentID:   agentID,
		Timestamp: nowMillis(),
		Data:      payload,
	}

	b.deliver(convID, subs, EventAgentMessage, env)

	b.logger.Debug("agent message published",
		"conv_id", convID,
		"agent_id", agentID,
		"kind", payload.Type,
		"subscribers", len(subs))
	return true
}

// PublishSystem delivers a conversation lifecycle message to every current
// subscriber. Returns false if the conversation is not registered.
func (b *Broadcaster) PublishSystem(convID, messageType string, data SystemData) bool {
	subs, ok := b.registry.Touch(convID)
	if !ok {
		b.logger.Warn("conversation not found, dropping system message",
			"conv_id", convID,
			"message_type", messageType)
		return false
	}

	env := &SystemEnvelope{
		ConvID:      convID,
		Type:        "system",
		MessageType: messageType,
		Timestamp:   nowMillis(),
		Data:        data,
	}

	b.deliver(convID, subs, EventSystemMessage, env)

	b.logger.Debug("system message published",
		"conv_id", convID,
		"message_type", messageType,
		"subscribers", len(subs))
	return true
}

// deliver pushes the frame to each connection in the snapshot. The registry
// lock is not held here; a connection removed mid-fan-out just fails its
// send and is skipped.
func (b *Broadcaster) deliver(convID string, subs []string, event string, payload any) {
	for _, connID := range subs {
		if err := b.sender.Send(connID, event, payload); err != nil {
			b.logger.Debug("dropped message for unreachable subscriber",
				"conv_id", convID,
				"conn_id", connID,
				"error", err)
		}
	}
}
