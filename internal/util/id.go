// Package util holds small helpers with no better home.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier like "sess_a41be2...". The 12 random
// bytes make collisions implausible at any realistic session count; IDs are
// opaque handles for logs and maps, never parsed.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
