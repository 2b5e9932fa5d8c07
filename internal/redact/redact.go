// Package redact implements the pre-persistence text redactor: an ordered
// pattern set applied before any prompt or completion text is persisted.
package redact

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

const replacement = "[REDACTED]"

// patterns is the ordered set applied to every candidate string:
// API/secret/token assignments, SSN-like, 13-19 digit runs, and emails.
var patterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api|secret|token|key)[=:]\s*([A-Za-z0-9_\-]{16,})`),
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{13,19}\b`),
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
}

// Redact applies the ordered pattern set to text, replacing every match
// with "[REDACTED]", and returns the redacted text, the SHA-256 digest of
// the redacted form (hex-encoded), and whether any pattern matched.
//
// The digest is always computed over the redacted text, never the input,
// so no event persisted downstream can leak unredacted content. Empty input
// returns an empty text and an empty digest.
func Redact(text string) (redacted string, digest string, wasRedacted bool) {
	if text == "" {
		return "", "", false
	}

	redacted = text
	for _, p := range patterns {
		if p.MatchString(redacted) {
			wasRedacted = true
			redacted = p.ReplaceAllString(redacted, replacement)
		}
	}

	sum := sha256.Sum256([]byte(redacted))
	digest = hex.EncodeToString(sum[:])

	return redacted, digest, wasRedacted
}
