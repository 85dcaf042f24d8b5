// Package auth provides the credential primitives of the service: API key
// generation and digesting, password hashing and strength rules, one-time
// passcodes, and session tokens.
// API keys are high-entropy random strings stored only as a SHA-256 digest
// (used for indexed equality lookup) plus a short display preview. Passwords
// use bcrypt. See internal/middleware/apikey.go for the request-time
// validation that uses these primitives.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	// DefaultAPIKeyLength is the number of characters in a generated API key
	DefaultAPIKeyLength = 128

	// MinAPIKeyLength is the shortest key GenerateAPIKey will produce
	MinAPIKeyLength = 64

	// PreviewLength is the number of leading characters kept for display
	PreviewLength = 16
)

// apiKeyAlphabet has exactly 64 symbols, so a random byte masked to 6 bits
// selects a symbol with uniform probability.
const apiKeyAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// GenerateAPIKey creates a new random API key of the given length drawn from
// letters, digits, '-' and '_'. A length of 0 selects DefaultAPIKeyLength.
func GenerateAPIKey(length int) (string, error) {
	if length == 0 {
		length = DefaultAPIKeyLength
	}
	if length < MinAPIKeyLength {
		return "", fmt.Errorf("api key length %d is below the minimum of %d", length, MinAPIKeyLength)
	}

	randomBytes := make([]byte, length)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	key := make([]byte, length)
	for i, b := range randomBytes {
		key[i] = apiKeyAlphabet[b&0x3f]
	}
	return string(key), nil
}

// HashAPIKey returns the hex-encoded SHA-256 digest of a raw key. The digest is
// deterministic so it can be used as a unique lookup index.
func HashAPIKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// KeyPreview returns the display fragment stored next to the digest
func KeyPreview(rawKey string) string {
	if len(rawKey) <= PreviewLength {
		return rawKey + "..."
	}
	return rawKey[:PreviewLength] + "..."
}

// NewAPIKey generates a key and returns the raw value (shown once), its digest
// and its preview.
func NewAPIKey(length int) (rawKey, keyHash, preview string, err error) {
	rawKey, err = GenerateAPIKey(length)
	if err != nil {
		return "", "", "", err
	}
	return rawKey, HashAPIKey(rawKey), KeyPreview(rawKey), nil
}
