// ABOUTME: API key encryption at rest using AES-GCM with a PBKDF2-derived key
// ABOUTME: Also provides display masking so plaintext keys never leave the server

package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation parameters. The salt is fixed so the same secret always
// derives the same key; rotating the secret re-encrypts everything.
const (
	kdfIterations = 100000
	kdfKeyLen     = 32
)

var kdfSalt = []byte("agent_encryption_salt")

// ErrDecryptFailed covers any failure to recover a plaintext key: wrong
// secret, corrupted ciphertext, or bad encoding.
var ErrDecryptFailed = errors.New("decrypt failed")

// Cipher encrypts and decrypts agent API keys for storage.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher derives the storage key from the given secret.
func NewCipher(secret string) (*Cipher, error) {
	key := pbkdf2.Key([]byte(secret), kdfSalt, kdfIterations, kdfKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals a plaintext API key into a base64 string safe for storage.
// A random nonce is prepended, so the same key encrypts differently each time.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.EncodeToString(sealed), nil
}

// Decrypt recovers a plaintext API key from its stored form.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	sealed, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptFailed, err)
	}
	if len(sealed) < c.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := sealed[:c.aead.NonceSize()], sealed[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}

// MaskAPIKey renders a key for display: first 8 and last 4 characters
// visible, the rest starred. Short keys show only 2 characters each side.
func MaskAPIKey(apiKey string) string {
	if apiKey == "" {
		return ""
	}
	if len(apiKey) <= 12 {
		stars := len(apiKey) - 4
		if stars < 0 {
			stars = 0
		}
		return firstN(apiKey, 2) + strings.Repeat("*", stars) + lastN(apiKey, 2)
	}
	return apiKey[:8] + strings.Repeat("*", len(apiKey)-12) + apiKey[len(apiKey)-4:]
}

func firstN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[:n]
}

func lastN(s string, n int) string {
	if len(s) < n {
		return s
	}
	return s[len(s)-n:]
}
