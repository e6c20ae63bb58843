// Package fingerprint implements the deterministic Swedish-aware text
// canonicalizer and the strong content-addressed key derived from it, per
// spec.md §4.4. crypto/sha256 is the standard library, used here
// deliberately: spec.md calls for a "strong 256-bit hash" and no example
// repo in the retrieval pack ships a non-cryptographic fingerprinting
// library that would be a better fit (see DESIGN.md).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// synonyms is the small closed set of Swedish-aware substitutions applied
// during canonicalization.
var synonyms = map[string]string{
	"kl":    "klockan",
	"kl.":   "klockan",
	"imorgon": "i_morgon",
	"idag":  "i_dag",
	"igår":  "i_gar",
}

var punctRe = regexp.MustCompile(`[^\p{L}\p{N}\s:_-]`)
var wsRe = regexp.MustCompile(`\s+`)

// timeSensitiveIntents is the closed set of intents that get 5-minute time
// bucketing mixed into the fingerprint. Every other intent must not carry
// time in the key (spec.md §4.4 invariant).
var timeSensitiveIntents = map[string]bool{
	"weather.lookup": true,
	"time.now":       true,
	"news.headlines": true,
}

// Input is everything the fingerprint is deterministically derived from.
type Input struct {
	RawText      string
	Intent       string
	ContextFacts []string
	SchemaVersion string
	DepsVersion   string
	Locale        string
	PersonaMode   string
	SafetyMode    string
	ModelID       string
	Now           time.Time // injectable for deterministic tests
}

// Canonicalize lowercases, strips non-semantic punctuation, collapses
// whitespace, substitutes the closed synonym set, and rewrites clock times
// after "klockan" to a "tHH:MM" marker with minutes rounded down to a
// multiple of 5. Day words such as "i_morgon" stay as words: relative dates
// are not resolved to calendar dates and no time zone is applied. It is idempotent:
// Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(text string) string {
	s := strings.ToLower(text)
	s = punctRe.ReplaceAllString(s, " ")
	s = wsRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	words := strings.Split(s, " ")
	for i, w := range words {
		if repl, ok := synonyms[w]; ok {
			words[i] = repl
		}
	}
	s = strings.Join(words, " ")
	s = normalizeRelativeDatetimes(s)
	return s
}

var clockRe = regexp.MustCompile(`klockan\s+(\d{1,2})(?::(\d{2}))?`)

// normalizeRelativeDatetimes rewrites "klockan 14" (after synonym
// substitution of "kl"/"imorgon") into an ISO hour marker, 5-minute
// rounded, e.g. "klockan 14" -> "klockan t14:00". This is a simplified stand-in
// for full date math (no calendar library is in the retrieval pack); it is
// applied uniformly regardless of day-word, since the day-word itself
// ("i_morgon"/"i_dag") already carries distinguishing information in the
// canonical text.
func normalizeRelativeDatetimes(s string) string {
	return clockRe.ReplaceAllStringFunc(s, func(m string) string {
		groups := clockRe.FindStringSubmatch(m)
		hour, _ := strconv.Atoi(groups[1])
		minute := 0
		if groups[2] != "" {
			minute, _ = strconv.Atoi(groups[2])
		}
		minute = (minute / 5) * 5
		return "klockan t" + pad2(hour) + ":" + pad2(minute)
	})
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// TimeBucket returns the 5-minute Europe/Stockholm bucket for now, used
// only when intent is in the time-sensitive set.
func TimeBucket(now time.Time) string {
	loc, err := time.LoadLocation("Europe/Stockholm")
	if err != nil {
		loc = time.UTC
	}
	t := now.In(loc)
	bucketMin := (t.Minute() / 5) * 5
	return t.Format("2006-01-02T15:") + pad2(bucketMin)
}

// sortedDedupedFacts stable-sorts and dedupes context facts.
func sortedDedupedFacts(facts []string) []string {
	cp := append([]string(nil), facts...)
	sort.Strings(cp)
	out := cp[:0]
	var prev string
	first := true
	for _, f := range cp {
		if first || f != prev {
			out = append(out, f)
			prev = f
			first = false
		}
	}
	return out
}

// Key is a deterministic fingerprint over the canonical fields, in a fixed
// field order, as a hex-encoded SHA-256 digest.
type Key struct {
	Hash      string
	Namespace string // encodes schema+deps version so version bumps cut cleanly
}

// Build computes the fingerprint Key for in.
func Build(in Input) Key {
	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	canon := Canonicalize(in.RawText)
	facts := sortedDedupedFacts(in.ContextFacts)

	var timeBucket string
	if timeSensitiveIntents[in.Intent] {
		timeBucket = TimeBucket(now)
	}

	h := sha256.New()
	writeField := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	writeField(canon)
	writeField(in.Intent)
	for _, f := range facts {
		writeField(f)
	}
	writeField(in.SchemaVersion)
	writeField(in.DepsVersion)
	writeField(in.Locale)
	writeField(in.PersonaMode)
	writeField(timeBucket)
	writeField(in.SafetyMode)
	writeField(in.ModelID)

	digest := hex.EncodeToString(h.Sum(nil))
	ns := "v" + in.SchemaVersion + "-d" + in.DepsVersion
	return Key{Hash: digest, Namespace: ns}
}

// String returns the namespaced cache key, a short stable prefix under the
// version namespace so schema/deps bumps make prior entries unreachable by
// construction.
func (k Key) String() string {
	return k.Namespace + ":" + k.Hash[:32]
}
