// ABOUTME: Stateless decoder for the upstream chunked event-stream protocol
// ABOUTME: data:<JSON> framing with a three-way end-of-stream disjunction

package relay

import (
	"encoding/json"
	"log/slog"
	"strings"
)

const (
	// dataPrefix marks an event line in the upstream stream.
	dataPrefix = "data:"

	// stopSentinel is the value of the finished field on the last record.
	stopSentinel = "Stop"

	// eosSentinel is the delta value that marks end of stream.
	eosSentinel = "[EOS]"
)

// StreamRecord is one decoded upstream event. Optional fields stay nil/empty
// when absent; unknown fields are ignored, not propagated.
type StreamRecord struct {
	// Response is the cumulative text so far, nil when the record
	// carries no response field.
	Response *string `json:"response"`

	// Delta is the incremental chunk, or the end sentinel.
	Delta string `json:"delta"`

	// Finished is the stop marker field, nil until the stream ends.
	Finished *string `json:"finished"`

	// Usage holds token accounting, present only on the final record.
	Usage json.RawMessage `json:"Usage"`

	// Relevant holds reference documents, if the agent returned any.
	Relevant json.RawMessage `json:"relevant"`
}

// Complete reports end-of-stream. The three checks are independent; any one
// alone is sufficient:
//   - finished equals the stop sentinel
//   - delta equals the end-of-stream sentinel
//   - a usage field is present (even if null)
func (r *StreamRecord) Complete() bool {
	return (r.Finished != nil && *r.Finished == stopSentinel) ||
		r.Delta == eosSentinel ||
		r.Usage != nil
}

// Parser decodes upstream event-stream lines into StreamRecords.
// It is stateless and safe for concurrent use.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a parser. Pass nil logger for default.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With("component", "parser")}
}

// ParseLine decodes a single line of the upstream stream. Returns nil for
// blank lines, comments (leading ':'), non-event lines, and empty data
// payloads. Lines whose JSON fails to decode are dropped with a warning,
// never treated as fatal.
func (p *Parser) ParseLine(line string) *StreamRecord {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, ":") {
		return nil
	}

	if !strings.HasPrefix(line, dataPrefix) {
		return nil
	}

	payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
	if payload == "" {
		return nil
	}

	var rec StreamRecord
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		p.logger.Warn("dropping malformed event line", "error", err)
		return nil
	}

	return &rec
}
