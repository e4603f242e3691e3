// Package auth guards the host's HTTP surface with a single bearer token.
//
// The host stores only a bcrypt hash of the token (config api_token_hash).
// Clients send the token as "Authorization: Bearer <token>" or, for
// WebSocket upgrades from browsers, as the "token" query parameter.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/pseudocoder/pairhost/internal/errors"
)

// TokenBytes is the entropy of generated tokens.
const TokenBytes = 32

// GenerateToken returns a random hex-encoded token.
func GenerateToken() (string, error) {
	b := make([]byte, TokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the bcrypt hash to put in api_token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash token: %w", err)
	}
	return string(hash), nil
}

// TokenValidator checks bearer tokens against a bcrypt hash.
//
// bcrypt is deliberately slow, so the digest of the last accepted token is
// remembered and later requests carrying it skip the bcrypt comparison.
type TokenValidator struct {
	hash []byte

	mu       sync.RWMutex
	accepted [sha256.Size]byte
	cached   bool
}

// NewTokenValidator creates a validator for hash. An empty hash yields a
// validator that accepts every request.
func NewTokenValidator(hash string) (*TokenValidator, error) {
	if hash == "" {
		return &TokenValidator{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("api_token_hash is not a bcrypt hash: %w", err)
	}
	return &TokenValidator{hash: []byte(hash)}, nil
}

// Enabled reports whether a token is required.
func (tv *TokenValidator) Enabled() bool {
	return len(tv.hash) > 0
}

// Validate checks token. It returns an auth.required error for an empty
// token and auth.invalid for a mismatch.
func (tv *TokenValidator) Validate(token string) error {
	if !tv.Enabled() {
		return nil
	}
	if token == "" {
		return apperrors.AuthRequired()
	}

	digest := sha256.Sum256([]byte(token))

	tv.mu.RLock()
	hit := tv.cached && subtle.ConstantTimeCompare(digest[:], tv.accepted[:]) == 1
	tv.mu.RUnlock()
	if hit {
		return nil
	}

	if err := bcrypt.CompareHashAndPassword(tv.hash, []byte(token)); err != nil {
		return apperrors.AuthInvalid()
	}

	tv.mu.Lock()
	tv.accepted = digest
	tv.cached = true
	tv.mu.Unlock()
	return nil
}
