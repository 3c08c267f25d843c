// ABOUTME: Background sweep that evicts idle conversations from the registry
// ABOUTME: Runs on a fixed interval until closed; same lock discipline as join/leave

package registry

import (
	"log/slog"
	"sync"
	"time"
)

// Reaper periodically evicts conversations that have been idle for longer
// than the configured threshold.
type Reaper struct {
	registry *Registry
	interval time.Duration
	maxIdle  time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	done   chan struct{}
	closed bool
}

// NewReaper starts a reaper sweeping the registry every interval.
// Conversations idle longer than maxIdle are removed on the next sweep.
func NewReaper(registry *Registry, interval, maxIdle time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{
		registry: registry,
		interval: interval,
		maxIdle:  maxIdle,
		logger:   logger.With("component", "reaper"),
		done:     make(chan struct{}),
	}
	go r.run()
	return r
}

// run loops until Close. Each tick is one independent sweep.
func (r *Reaper) run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.registry.Sweep(r.maxIdle); n > 0 {
				r.logger.Info("cleaned up idle conversations", "count", n)
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the background sweep goroutine. Safe to call multiple times.
func (r *Reaper) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
