package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
	"unicode"
)

// idempotencyPrefixLen is how many normalized characters of the message take
// part in the key. Messages that differ only after it collide.
const idempotencyPrefixLen = 100

// IdempotencyKey hashes the normalized message prefix together with the
// timestamp truncated to the minute in loc. The result is 64 hex characters.
func IdempotencyKey(text string, at time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	minute := at.In(loc).Format("2006-01-02T15:04")

	sum := sha256.Sum256([]byte(normalizeForKey(text) + "|" + minute))
	return hex.EncodeToString(sum[:])
}

// normalizeForKey drops all whitespace, lower-cases and truncates to the key prefix.
func normalizeForKey(text string) string {
	var b strings.Builder
	n := 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		if n == idempotencyPrefixLen {
			break
		}
		b.WriteRune(unicode.ToLower(r))
		n++
	}
	return b.String()
}

// HashCredential returns the digest under which an ingestion key is stored.
func HashCredential(key string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(key)))
	return hex.EncodeToString(sum[:])
}
