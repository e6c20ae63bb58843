package cache

import (
	"strings"
	"sync"
	"time"
)

// semanticIndex holds L2 entries bucketed per intent, matched by token
// Jaccard similarity against the stored canonical text. Cross-intent matches
// are structurally impossible since lookups only ever scan their own
// intent's bucket (spec.md §8 cache-isolation invariant).
type semanticIndex struct {
	mu        sync.RWMutex
	threshold float64
	topK      int
	byIntent  map[string][]Entry
}

func newSemanticIndex(threshold float64, topK int) *semanticIndex {
	if topK <= 0 {
		topK = 5
	}
	return &semanticIndex{
		threshold: threshold,
		topK:      topK,
		byIntent:  make(map[string][]Entry),
	}
}

func tokenSet(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if _, ok := b[k]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// bestMatch returns the highest-similarity entry for intent whose score is
// at or above threshold and whose age is still within the TTL it was stored
// with, scanning only the capped most-recent topK entries for that intent
// (spec.md size-bound invariant and §4.5's "return the highest if age ≤
// TTL" rule). Entries past their TTL are skipped rather than evicted here;
// insert()'s topK cap and L1's own Redis expiry reclaim them in time.
func (s *semanticIndex) bestMatch(intent, canonicalText string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.byIntent[intent]
	if len(entries) == 0 {
		return Entry{}, false
	}
	query := tokenSet(canonicalText)
	now := time.Now().UTC()

	var best Entry
	bestScore := 0.0
	found := false
	for _, e := range entries {
		if e.TTL > 0 && now.Sub(e.StoredAt) > e.TTL {
			continue
		}
		score := jaccard(query, tokenSet(e.CanonicalText))
		if score >= s.threshold && score > bestScore {
			best, bestScore, found = e, score, true
		}
	}
	return best, found
}

// insert appends an entry to its intent bucket, evicting the oldest once the
// bucket exceeds topK so L2 never grows unbounded per intent.
func (s *semanticIndex) insert(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bucket := s.byIntent[e.Intent]
	bucket = append(bucket, e)
	if len(bucket) > s.topK {
		bucket = bucket[len(bucket)-s.topK:]
	}
	s.byIntent[e.Intent] = bucket
}

// evictAll removes and returns the cache keys of every stored entry, across
// every intent bucket, for a full namespace-bump invalidation.
func (s *semanticIndex) evictAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for _, entries := range s.byIntent {
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}
	s.byIntent = make(map[string][]Entry)
	return keys
}

// evictIntent removes and returns the cache keys of every entry stored under
// intent.
func (s *semanticIndex) evictIntent(intent string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.byIntent[intent]
	if len(entries) == 0 {
		return nil
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	delete(s.byIntent, intent)
	return keys
}
