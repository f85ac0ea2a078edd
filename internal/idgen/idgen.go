// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// Prefixes used for marketplace records.
const (
	PrefixOrder  = "ord_"
	PrefixBundle = "bdl_"
	PrefixLock   = "lck_"
)

// WithPrefix generates a random ID with a prefix (e.g. "ord_", "bdl_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Derive returns a deterministic ID for the given parts. Two calls with the
// same parts always produce the same ID, which lets a client-supplied
// idempotency key map onto one record.
func Derive(prefix string, parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return prefix + hex.EncodeToString(h.Sum(nil)[:12])
}
