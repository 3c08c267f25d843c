// ABOUTME: Top-level fan-out orchestration for one user message to many agents
// ABOUTME: Runs dispatches in parallel and joins them without short-circuiting

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// FanOutRequest is one accepted fan-out job.
type FanOutRequest struct {
	ConvID    string
	UserID    string
	Message   string
	AgentUIDs []string
	History   [][2]string
}

// Coordinator resolves the requested agents and runs one dispatch per agent.
type Coordinator struct {
	resolver    AgentResolver
	dispatcher  *Dispatcher
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(resolver AgentResolver, dispatcher *Dispatcher, broadcaster *Broadcaster, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		resolver:    resolver,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		logger:      logger.With("component", "coordinator"),
	}
}

// Start launches the fan-out in the background and returns immediately.
// Callers observe progress through the subscription channel, not a return
// value. Panics in the background job are logged, never propagated.
func (c *Coordinator) Start(ctx context.Context, req FanOutRequest) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("fan-out panicked",
					"conv_id", req.ConvID,
					"panic", r)
			}
		}()
		c.Run(ctx, req)
	}()
}

// Run executes one fan-out to completion: resolve agents, announce the
// start, dispatch each agent concurrently, wait for all of them, announce
// completion. A failure in one dispatch never cancels or delays another;
// each converts its own failure into a terminal message.
func (c *Coordinator) Run(ctx context.Context, req FanOutRequest) {
	agents, err := c.resolver.ResolveEnabled(ctx, req.AgentUIDs)
	if err != nil {
		c.logger.Error("agent resolution failed",
			"conv_id", req.ConvID,
			"error", err)
		c.broadcaster.PublishSystem(req.ConvID, SystemError, SystemData{
			Message: fmt.Sprintf("Error processing request: %v", err),
		})
		return
	}

	if len(agents) == 0 {
		c.broadcaster.PublishSystem(req.ConvID, SystemError, SystemData{
			Message: "No enabled agents found for the provided UIDs",
		})
		return
	}

	names := make([]string, len(agents))
	for i, a := range agents {
		names[i] = a.Name
	}

	c.broadcaster.PublishSystem(req.ConvID, SystemStart, SystemData{
		Message:    fmt.Sprintf("Starting conversation with %d agents", len(agents)),
		AgentCount: len(agents),
		AgentNames: names,
	})

	c.logger.Info("fan-out started",
		"conv_id", req.ConvID,
		"user_id", req.UserID,
		"agents", len(agents))

	var wg sync.WaitGroup
	for _, agent := range agents {
		agent := agent
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.dispatcher.Dispatch(ctx, agent, req.Message, req.History, req.ConvID)
		}()
	}
	wg.Wait()

	c.broadcaster.PublishSystem(req.ConvID, SystemComplete, SystemData{
		Message:    "All agents have completed their responses",
		AgentCount: len(agents),
	})

	c.logger.Info("fan-out complete",
		"conv_id", req.ConvID,
		"agents", len(agents))
}
