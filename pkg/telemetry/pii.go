// Package telemetry emits the per-turn event record and enforces the PII
// masking and SLO-gate invariants from spec.md §2/§7/§8.
package telemetry

import "regexp"

var (
	emailRe       = regexp.MustCompile(`[\w.+-]+@[\w-]+\.[a-zA-Z]{2,}`)
	phoneRe       = regexp.MustCompile(`\b(?:\+46|0)[\s-]?7[\d\s-]{7,11}\b`)
	personnummerRe = regexp.MustCompile(`\b(\d{6}|\d{8})[-+]?\d{4}\b`)
	// fullNameRe is deliberately narrow: two capitalized words in sequence,
	// the closed high-precision pattern named in spec.md rather than a
	// general NER model (out of scope per §1).
	fullNameRe = regexp.MustCompile(`\b\p{Lu}\p{Ll}+\s\p{Lu}\p{Ll}+\b`)
)

const maskToken = "[MASKED]"

// MaskPII replaces emails, Swedish mobile numbers, personnummer, and
// full-name-shaped tokens with a fixed mask token. It never panics and is
// safe to call on arbitrary user or model text.
func MaskPII(text string) string {
	text = emailRe.ReplaceAllString(text, maskToken)
	text = personnummerRe.ReplaceAllString(text, maskToken)
	text = phoneRe.ReplaceAllString(text, maskToken)
	text = fullNameRe.ReplaceAllString(text, maskToken)
	return text
}

// ContainsPII reports whether text still carries an unmasked PII pattern,
// used by tests enforcing the "PII safety" invariant from spec.md §8.
func ContainsPII(text string) bool {
	return emailRe.MatchString(text) || personnummerRe.MatchString(text) ||
		phoneRe.MatchString(text) || fullNameRe.MatchString(text)
}
