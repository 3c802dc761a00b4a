// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix generates a random ID with a prefix (e.g. "esc_", "pur_",
// "dsp_", "stl_"). Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// Escrow returns a new escrow ID.
func Escrow() string { return WithPrefix("esc_") }

// Purchase returns a new purchase ID.
func Purchase() string { return WithPrefix("pur_") }

// Dispute returns a new dispute ID.
func Dispute() string { return WithPrefix("dsp_") }

// RequestID returns a new request correlation ID.
func RequestID() string { return WithPrefix("req_") }
