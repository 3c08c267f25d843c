// ABOUTME: Package documentation for the gateway HTTP surface
// ABOUTME: Describes endpoints, authentication, and the subscription socket

// Package gateway exposes the relay over HTTP.
//
// # Endpoints
//
//	GET  /health                             liveness check, no auth
//	GET  /ws?token=JWT                       subscription socket
//	POST /api/multi-chat                     submit one fan-out
//	GET  /api/conversations/active           list registered conversations
//	GET  /api/conversations/{conv_id}/status one conversation's state
//	POST /api/agents                         register an agent
//	GET  /api/agents                         list the caller's agents
//	GET  /api/agents/{id}                    fetch one agent
//	PUT  /api/agents/{id}                    update an agent
//	DELETE /api/agents/{id}                  remove an agent
//
// API endpoints require an HS256 bearer token; the socket takes the same
// token as a query parameter. Agent API keys are encrypted before storage
// and only ever returned masked.
//
// # Subscription protocol
//
// After connecting, a client sends {"action":"join","conv_id":...,
// "agent_uids":[...]} and receives a "joined" ack. Relay events then
// arrive as {"event":"agent-message"|"system-message","data":envelope}
// frames until the client leaves or disconnects. A connection subscribes
// to one conversation at a time.
package gateway
