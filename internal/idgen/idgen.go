// Package idgen generates random identifiers for records, batches, ledger
// entries, and challenge tokens.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix + 24 hex chars (12 random bytes), e.g.
// "exec_3f9a...", "batch_...", "entry_...", "chal_...". The prefix makes
// an id self-describing in logs and API responses.
func WithPrefix(prefix string) string {
	return prefix + hex.EncodeToString(randomBytes(12))
}

// Hex returns a random hex string of the given byte length.
func Hex(numBytes int) string {
	return hex.EncodeToString(randomBytes(numBytes))
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// ids must never be predictable, so a broken entropy source is fatal
		panic("idgen: " + err.Error())
	}
	return b
}
