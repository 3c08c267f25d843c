// ABOUTME: Package documentation for authentication and credential handling
// ABOUTME: Covers client token verification, API key encryption, and upstream signing

// Package auth handles the three credential concerns of the relay gateway.
//
// # Client tokens
//
// Subscribers and API callers authenticate with an HS256 JWT carrying the
// user ID in the "sub" claim. JWTVerifier validates these tokens and can
// mint them for tests and tooling.
//
// # API key storage
//
// Agent API keys are encrypted at rest with AES-GCM under a key derived
// from the configured secret via PBKDF2. Keys are only ever shown to
// clients in masked form.
//
// # Upstream signing
//
// Upstream backends accept a short-lived HS256 JWT derived from an API key
// of the form "id.secret": the id becomes the api_key claim and the secret
// signs the token. UpstreamSigner decrypts a stored key and produces that
// token in one step.
package auth
