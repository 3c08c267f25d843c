// ABOUTME: RelayMessage payloads and wire envelopes pushed to subscribers
// ABOUTME: Tagged variant with explicit optional fields, one terminal kind per agent stream

package relay

import (
	"encoding/json"
	"time"
)

// Kind labels a relay message. Exactly one terminal kind (complete or
// error) ends each agent's stream within a conversation.
type Kind string

const (
	KindStatus   Kind = "status"
	KindDelta    Kind = "delta"
	KindComplete Kind = "complete"
	KindError    Kind = "error"
)

// System message types published by the coordinator.
const (
	SystemStart    = "start"
	SystemComplete = "complete"
	SystemError    = "error"
)

// Payload is the data portion of an agent relay message.
//
// For delta it carries the incremental chunk in Content and the cumulative
// text so far in Accumulated. For complete, Content holds the final
// cumulative text plus optional usage counters and reference documents.
// For error, Content is a human-readable description and Finished is set.
type Payload struct {
	Type        Kind            `json:"type"`
	Content     string          `json:"content"`
	AgentName   string          `json:"agent_name,omitempty"`
	Accumulated string          `json:"accumulated,omitempty"`
	Finished    bool            `json:"finished,omitempty"`
	Usage       json.RawMessage `json:"usage,omitempty"`
	References  json.RawMessage `json:"references,omitempty"`
}

// Terminal reports whether this payload ends the agent's stream.
func (p Payload) Terminal() bool {
	return p.Type == KindComplete || p.Type == KindError
}

// AgentEnvelope is the wire form of an agent message pushed to subscribers.
type AgentEnvelope struct {
	ConvID    string  `json:"conv_id"`
	AgentID   string  `json:"agent_id"`
	Timestamp int64   `json:"timestamp"` // milliseconds
	Data      Payload `json:"data"`
}

// SystemEnvelope is the wire form of a conversation lifecycle message.
type SystemEnvelope struct {
	ConvID      string     `json:"conv_id"`
	Type        string     `json:"type"` // always "system"
	MessageType string     `json:"message_type"`
	Timestamp   int64      `json:"timestamp"` // milliseconds
	Data        SystemData `json:"data"`
}

// SystemData is the payload of a system message.
type SystemData struct {
	Message    string   `json:"message"`
	AgentCount int      `json:"agent_count,omitempty"`
	AgentNames []string `json:"agent_names,omitempty"`
}

// nowMillis is the subscriber-facing timestamp format.
func nowMillis() int64 {
	return time.Now().UnixMilli()
}
