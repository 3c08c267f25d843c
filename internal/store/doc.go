// ABOUTME: Package documentation for agent persistence
// ABOUTME: SQLite-backed storage of registered agents and their encrypted keys

// Package store persists registered agents in SQLite. Each agent row keeps
// the backend host, the encrypted API key, an enabled flag, and a JSON
// generation config. The Resolver adapts the store to the relay's
// agent-lookup interface.
package store
