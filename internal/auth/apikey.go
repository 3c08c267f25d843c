// ABOUTME: Upstream token signing from "id.secret" API keys
// ABOUTME: Produces the short-lived HS256 JWT the agent backends expect

package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UpstreamTokenTTL is how long a signed upstream token stays valid.
const UpstreamTokenTTL = time.Hour

// ErrInvalidAPIKeyFormat means the key is not of the form "id.secret".
var ErrInvalidAPIKeyFormat = errors.New("invalid apikey format, expected 'id.secret'")

// ValidateAPIKeyFormat reports whether the key splits into a non-empty id
// and secret.
func ValidateAPIKeyFormat(apiKey string) bool {
	id, secret, found := strings.Cut(apiKey, ".")
	return found && id != "" && secret != ""
}

// SignUpstreamToken builds the bearer token for one upstream call. The key
// id travels in the api_key claim; the key secret signs the token.
func SignUpstreamToken(apiKey string, ttl time.Duration) (string, error) {
	id, secret, found := strings.Cut(apiKey, ".")
	if !found || id == "" || secret == "" {
		return "", ErrInvalidAPIKeyFormat
	}

	now := time.Now().Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"api_key":   id,
		"exp":       now + int64(ttl.Seconds()),
		"timestamp": now,
	})
	token.Header["sign_type"] = "SIGN"

	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing upstream token: %w", err)
	}
	return signed, nil
}

// UpstreamSigner turns stored (encrypted) agent credentials into upstream
// bearer tokens. It satisfies the dispatcher's TokenSource.
type UpstreamSigner struct {
	cipher *Cipher
}

// NewUpstreamSigner creates a signer backed by the given cipher.
func NewUpstreamSigner(cipher *Cipher) *UpstreamSigner {
	return &UpstreamSigner{cipher: cipher}
}

// AuthToken decrypts the stored credential and signs an upstream token.
// Any failure (undecryptable, malformed key) is returned as-is; callers
// surface it as a per-agent error without logging the credential.
func (s *UpstreamSigner) AuthToken(credential string) (string, error) {
	apiKey, err := s.cipher.Decrypt(credential)
	if err != nil {
		return "", err
	}
	return SignUpstreamToken(apiKey, UpstreamTokenTTL)
}
