// ABOUTME: Package documentation for the multi-agent relay core
// ABOUTME: Describes the fan-out pipeline and its concurrency model

// Package relay fans one user message out to multiple agent backends and
// relays each backend's streamed response to every subscriber of the
// conversation.
//
// # Pipeline
//
//	Coordinator ── resolves enabled agents, one goroutine per agent
//	   │
//	Dispatcher ── global semaphore, upstream HTTP call, per-agent timeout
//	   │
//	Parser ── data:<JSON> lines → StreamRecords
//	   │
//	Broadcaster ── subscriber snapshot under the registry lock,
//	               delivery outside it
//
// # Failure isolation
//
// Every per-agent failure (bad credential, non-200 status, timeout, broken
// stream) is converted into a terminal error message for that agent at the
// dispatcher boundary. Nothing propagates to sibling dispatches or the
// coordinator: the coordinator always waits for all agents and then
// publishes one system/complete message.
//
// # Ordering
//
// Within one agent's stream, messages reach subscribers in emission order:
// status, zero or more deltas, exactly one terminal (complete or error).
// Across agents there is no ordering; their streams interleave freely.
//
// # Backpressure
//
// A single buffered-channel semaphore, sized once at startup, bounds
// in-flight upstream calls across all conversations and agents. Semaphore
// acquisition and network I/O are the only points where a dispatch blocks.
package relay
