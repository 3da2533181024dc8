// Package auth adapts the credential store to the two questions the
// lifecycle engine asks: which machine does this agent token belong to,
// and may this operator issue commands.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// tokenBytes is the entropy of a raw agent token.
const tokenBytes = 32

// GenerateToken returns a new raw agent token and its stored hash. The raw
// value is handed to the agent once and never persisted.
func GenerateToken() (raw, hash string, err error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, HashToken(raw), nil
}

// HashToken returns the lookup key for a raw token.
func HashToken(raw string) string {
	sum := blake3.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
