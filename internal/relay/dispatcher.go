// ABOUTME: Dispatches one upstream completion call per agent under a global concurrency cap
// ABOUTME: Streams the response through the parser and emits exactly one terminal message per agent

package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AgentConfig carries per-agent generation settings, immutable for the
// duration of one dispatch.
type AgentConfig struct {
	ModelID    string
	Params     map[string]any
	KLAssistID string
	Timeout    time.Duration
	MaxRetries int
}

// AgentDescriptor identifies one upstream agent backend. Credential is
// opaque to the dispatcher and must never be logged.
type AgentDescriptor struct {
	UID        string
	Name       string
	APIHost    string
	Credential string
	Config     AgentConfig
}

// AgentResolver maps requested agent UIDs to enabled descriptors.
// Unknown and disabled UIDs are silently excluded.
type AgentResolver interface {
	ResolveEnabled(ctx context.Context, uids []string) ([]AgentDescriptor, error)
}

// TokenSource derives a short-lived signed authentication token from an
// agent credential.
type TokenSource interface {
	AuthToken(credential string) (string, error)
}

// completionRequest is the upstream request body.
type completionRequest struct {
	ModelID    string         `json:"modelId"`
	Prompt     string         `json:"prompt"`
	History    [][2]string    `json:"history"`
	Stream     bool           `json:"stream"`
	Params     map[string]any `json:"params"`
	KLAssistID string         `json:"klAssistId,omitempty"`
}

// defaultParams are sent when an agent's config carries none.
func defaultParams() map[string]any {
	return map[string]any{
		"temperature": 0.8,
		"top_p":       0.95,
	}
}

// Dispatcher runs upstream agent calls. A single buffered-channel semaphore
// bounds in-flight calls across all conversations and agents; its capacity
// is fixed at startup.
type Dispatcher struct {
	sem            chan struct{}
	broadcaster    *Broadcaster
	tokens         TokenSource
	client         *http.Client
	parser         *Parser
	upstreamPath   string
	defaultTimeout time.Duration
	logger         *slog.Logger
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	// MaxConcurrent caps in-flight upstream calls process-wide.
	MaxConcurrent int

	// UpstreamPath is appended to each agent's APIHost.
	UpstreamPath string

	// DefaultTimeout applies to agents whose config has none.
	DefaultTimeout time.Duration

	// Client is the HTTP client for upstream calls. Defaults to a client
	// without its own timeout; per-dispatch contexts bound each call.
	Client *http.Client
}

// NewDispatcher creates a dispatcher publishing through the given broadcaster.
func NewDispatcher(broadcaster *Broadcaster, tokens TokenSource, opts DispatcherOptions, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 30 * time.Second
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Dispatcher{
		sem:            make(chan struct{}, opts.MaxConcurrent),
		broadcaster:    broadcaster,
		tokens:         tokens,
		client:         client,
		parser:         NewParser(logger),
		upstreamPath:   opts.UpstreamPath,
		defaultTimeout: opts.DefaultTimeout,
		logger:         logger.With("component", "dispatcher"),
	}
}

// Dispatch calls one agent and relays its streamed response. It blocks until
// the agent's stream ends one way or another; all results are delivered via
// the broadcaster. Exactly one terminal message (complete or error) is
// emitted per call, on every exit path.
func (d *Dispatcher) Dispatch(ctx context.Context, agent AgentDescriptor, message string, history [][2]string, convID string) {
	// Global backpressure valve. Acquisition may block behind other
	// conversations' calls; this and network I/O are the only places a
	// dispatch intentionally waits.
	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.emitError(convID, agent, "dispatch cancelled before start")
		return
	}
	defer func() { <-d.sem }()

	token, err := d.tokens.AuthToken(agent.Credential)
	if err != nil {
		d.logger.Error("credential rejected for agent",
			"agent_uid", agent.UID,
			"error", err)
		d.emitError(convID, agent, fmt.Sprintf("API key not found or invalid for agent %s", agent.Name))
		return
	}

	// Immediate feedback before the first upstream byte arrives.
	d.emit(convID, agent.UID, Payload{
		Type:      KindStatus,
		Content:   fmt.Sprintf("Agent %s is thinking...", agent.Name),
		AgentName: agent.Name,
	})

	timeout := agent.Config.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := d.doRequest(callCtx, agent, token, message, history)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.emitError(convID, agent, fmt.Sprintf("Request timeout for agent %s", agent.Name))
		} else {
			d.emitError(convID, agent, fmt.Sprintf("Error calling API for agent %s: %v", agent.Name, err))
		}
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		d.logger.Error("upstream request failed",
			"agent_uid", agent.UID,
			"status", resp.StatusCode)
		d.emitError(convID, agent, fmt.Sprintf("API request failed with status %d", resp.StatusCode))
		return
	}

	d.streamResponse(callCtx, convID, agent, resp)
}

// doRequest issues the upstream call, retrying transport-level failures up
// to the agent's retry budget. Timeouts are never retried; the per-agent
// deadline covers all attempts.
func (d *Dispatcher) doRequest(ctx context.Context, agent AgentDescriptor, token, message string, history [][2]string) (*http.Response, error) {
	params := agent.Config.Params
	if params == nil {
		params = defaultParams()
	}
	if history == nil {
		history = [][2]string{}
	}

	body := completionRequest{
		ModelID:    agent.Config.ModelID,
		Prompt:     message,
		History:    history,
		Stream:     true,
		Params:     params,
		KLAssistID: agent.Config.KLAssistID,
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	url := strings.TrimRight(agent.APIHost, "/") + d.upstreamPath

	var lastErr error
	attempts := 1 + agent.Config.MaxRetries
	for attempt := 0; attempt < attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := d.client.Do(req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d.logger.Warn("upstream connect failed, retrying",
			"agent_uid", agent.UID,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, lastErr
}

// streamResponse consumes the upstream body line by line, relaying deltas
// and finishing with exactly one terminal message.
func (d *Dispatcher) streamResponse(ctx context.Context, convID string, agent AgentDescriptor, resp *http.Response) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var accumulated string

	for scanner.Scan() {
		rec := d.parser.ParseLine(scanner.Text())
		if rec == nil {
			continue
		}

		if rec.Response != nil {
			if rec.Delta != "" && rec.Delta != eosSentinel {
				d.emit(convID, agent.UID, Payload{
					Type:        KindDelta,
					Content:     rec.Delta,
					AgentName:   agent.Name,
					Accumulated: *rec.Response,
				})
			}
			accumulated = *rec.Response
		}

		if rec.Complete() {
			d.emit(convID, agent.UID, Payload{
				Type:       KindComplete,
				Content:    accumulated,
				AgentName:  agent.Name,
				Finished:   true,
				Usage:      rec.Usage,
				References: rec.Relevant,
			})
			// Stop consuming further body bytes for this agent.
			return
		}
	}

	if err := scanner.Err(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			d.emitError(convID, agent, fmt.Sprintf("Request timeout for agent %s", agent.Name))
		} else {
			d.emitError(convID, agent, fmt.Sprintf("Error reading stream for agent %s: %v", agent.Name, err))
		}
		return
	}

	// Upstream closed without a completion record. Still owe the terminal.
	d.emitError(convID, agent, fmt.Sprintf("Stream ended unexpectedly for agent %s", agent.Name))
}

func (d *Dispatcher) emit(convID, agentUID string, payload Payload) {
	d.broadcaster.PublishAgent(convID, agentUID, payload)
}

func (d *Dispatcher) emitError(convID string, agent AgentDescriptor, msg string) {
	d.emit(convID, agent.UID, Payload{
		Type:      KindError,
		Content:   msg,
		AgentName: agent.Name,
		Finished:  true,
	})
}
