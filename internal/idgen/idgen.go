// Package idgen provides random ID generation for Resolv entities.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// New generates a standard UUIDv4 string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a type prefix (e.g. "dsp_", "stl_",
// "wh_"). Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// MessageID generates an ID for a dispute message.
func MessageID() string {
	return WithPrefix("msg_")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
