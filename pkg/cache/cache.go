// Package cache implements the multi-tier semantic cache: an exact-match L1,
// a same-intent semantic-similarity L2, and a negative-result L3, all backed
// by go-redis the way the teacher's planner and notification service hold a
// *redis.Client, plus build-once-per-fingerprint deduplication via
// golang.org/x/sync/singleflight.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/singleflight"

	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/pkg/fingerprint"
)

// Entry is a stored cache payload plus the metadata needed to judge a
// semantic hit and to report which tier served it.
type Entry struct {
	Key          string    `json:"key"`
	Intent       string    `json:"intent"`
	CanonicalText string   `json:"canonical_text"`
	ResponseText string    `json:"response_text"`
	StoredBy     string    `json:"stored_by"` // route that produced this entry
	StoredAt     time.Time `json:"stored_at"`
	TTL          time.Duration `json:"ttl"`
}

// Result reports what Lookup found.
type Result struct {
	Hit   bool
	Tier  fingerprintTier
	Entry Entry
}

type fingerprintTier int

const (
	TierMiss fingerprintTier = iota
	TierL1
	TierL2
	TierL3
)

func (t fingerprintTier) String() string {
	switch t {
	case TierL1:
		return "L1"
	case TierL2:
		return "L2"
	case TierL3:
		return "L3"
	default:
		return "MISS"
	}
}

// ErrNegative is returned by Lookup when the fingerprint matches a known
// negative (non-cacheable / previously-failed) entry in L3.
var ErrNegative = errors.New("cache: negative entry")

// Cache is the multi-tier store. L1 and L3 live in Redis; L2 is an
// in-process semantic index scoped per intent, since no example in the
// retrieval pack ships a vector index and the teacher's own RAG client
// (vector_db_client.go) is itself just an HTTP call to an external service
// this module does not have — see DESIGN.md.
type Cache struct {
	rdb *redis.Client
	cfg config.Cache

	group singleflight.Group

	l2 *semanticIndex
}

// New constructs a Cache against the given Redis client.
func New(rdb *redis.Client, cfg config.Cache) *Cache {
	return &Cache{
		rdb: rdb,
		cfg: cfg,
		l2:  newSemanticIndex(cfg.SemanticSimThreshold, cfg.L2TopK),
	}
}

func l1RedisKey(k fingerprint.Key) string { return "cache:l1:" + k.String() }
func l3RedisKey(k fingerprint.Key) string { return "cache:l3:" + k.String() }

// Lookup checks L1 (exact), then L2 (semantic, same intent), then L3
// (negative), in that order, per spec.md §4.5.
func (c *Cache) Lookup(ctx context.Context, key fingerprint.Key, intent, canonicalText string) (Result, error) {
	if !c.cfg.Enabled {
		return Result{Tier: TierMiss}, nil
	}

	if raw, err := c.rdb.Get(ctx, l1RedisKey(key)).Bytes(); err == nil {
		var e Entry
		if jsonErr := json.Unmarshal(raw, &e); jsonErr == nil {
			return Result{Hit: true, Tier: TierL1, Entry: e}, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("cache l1 lookup: %w", err)
	}

	if e, ok := c.l2.bestMatch(intent, canonicalText); ok {
		return Result{Hit: true, Tier: TierL2, Entry: e}, nil
	}

	if exists, err := c.rdb.Exists(ctx, l3RedisKey(key)).Result(); err == nil && exists == 1 {
		return Result{Hit: false, Tier: TierL3}, ErrNegative
	} else if err != nil && !errors.Is(err, redis.Nil) {
		return Result{}, fmt.Errorf("cache l3 lookup: %w", err)
	}

	return Result{Tier: TierMiss}, nil
}

// Store writes an entry to L1 and the L2 semantic index with a
// difficulty-scaled TTL, per spec.md's easy/medium/hard tier TTLs.
func (c *Cache) Store(ctx context.Context, key fingerprint.Key, intent, canonicalText, responseText, storedBy string, difficulty string) error {
	if !c.cfg.Enabled {
		return nil
	}
	if len(responseText) > c.cfg.MaxPayloadBytes {
		return fmt.Errorf("cache store: payload %d bytes exceeds max %d", len(responseText), c.cfg.MaxPayloadBytes)
	}

	ttl := c.ttlFor(difficulty)
	e := Entry{
		Key:           key.String(),
		Intent:        intent,
		CanonicalText: canonicalText,
		ResponseText:  responseText,
		StoredBy:      storedBy,
		StoredAt:      time.Now().UTC(),
		TTL:           ttl,
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("cache store: marshal: %w", err)
	}

	if err := c.rdb.Set(ctx, l1RedisKey(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("cache store: l1: %w", err)
	}
	c.l2.insert(e)
	return nil
}

// StoreNegative records a negative (non-cacheable) result in L3.
func (c *Cache) StoreNegative(ctx context.Context, key fingerprint.Key, ttl time.Duration) error {
	if !c.cfg.Enabled {
		return nil
	}
	if ttl <= 0 {
		ttl = c.cfg.NegativeTTLDefault
	}
	return c.rdb.Set(ctx, l3RedisKey(key), "1", ttl).Err()
}

// Invalidate drops every L1/L2 entry for the given intent. L1's Redis keys
// are content-addressed and not indexed by intent, so invalidation walks the
// L2 index (which does track intent) and evicts those entries from both
// tiers; entries of other intents are left untouched.
func (c *Cache) Invalidate(ctx context.Context, intent string) error {
	keys := c.l2.evictIntent(intent)
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, "cache:l1:"+k)
	}
	return c.rdb.Del(ctx, redisKeys...).Err()
}

// InvalidateAll drops every L1/L2 entry regardless of intent, for a
// schema_version or deps_version bump where the fingerprint namespace
// itself changes and prior entries become unreachable by construction
// (spec.md §4.5 invariant (iv)); this just reclaims the now-dead entries
// eagerly instead of waiting for their TTL.
func (c *Cache) InvalidateAll(ctx context.Context) error {
	keys := c.l2.evictAll()
	if len(keys) == 0 {
		return nil
	}
	redisKeys := make([]string, 0, len(keys))
	for _, k := range keys {
		redisKeys = append(redisKeys, "cache:l1:"+k)
	}
	return c.rdb.Del(ctx, redisKeys...).Err()
}

func (c *Cache) ttlFor(difficulty string) time.Duration {
	switch strings.ToLower(difficulty) {
	case "easy":
		return c.cfg.TTLEasy
	case "hard":
		return c.cfg.TTLHard
	default:
		return c.cfg.TTLMedium
	}
}

// BuildOnce deduplicates concurrent cache-miss builds for the same
// fingerprint so only one caller actually invokes fn; all concurrent callers
// for the same key receive its result.
func (c *Cache) BuildOnce(ctx context.Context, key fingerprint.Key, fn func(ctx context.Context) (string, error)) (string, error, bool) {
	v, err, shared := c.group.Do(key.String(), func() (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return "", err, shared
	}
	s, _ := v.(string)
	return s, nil, shared
}
