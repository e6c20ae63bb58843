package breaker

import (
	"sync"
	"time"
)

// bucket is one fixed-width time slot of a sliding window counter.
type bucket struct {
	startedAt time.Time
	requests  int64
	errors    int64
	cost      float64
}

// Quota is a per-route sliding-window counter (requests/errors/cost) with
// wall-clock eviction. A mutex-guarded set of time buckets is the idiomatic
// choice here; no example repo in the retrieval pack ships a ready-made sliding
// window quota limiter to adapt, so this one piece of C3 is hand-rolled on
// the standard library (see DESIGN.md).
type Quota struct {
	mu         sync.Mutex
	bucketSpan time.Duration
	numBuckets int
	buckets    []bucket

	maxRequestsPerWindow int64
	maxConcurrent        int
	inFlight             int
}

// NewQuota creates a sliding window spanning numBuckets*bucketSpan, capped
// at maxRequestsPerWindow requests and maxConcurrent concurrent in-flight
// calls (0 = unbounded).
func NewQuota(bucketSpan time.Duration, numBuckets int, maxRequestsPerWindow int64, maxConcurrent int) *Quota {
	return &Quota{
		bucketSpan:           bucketSpan,
		numBuckets:           numBuckets,
		buckets:              make([]bucket, numBuckets),
		maxRequestsPerWindow: maxRequestsPerWindow,
		maxConcurrent:        maxConcurrent,
	}
}

func (q *Quota) evict(now time.Time) {
	for i := range q.buckets {
		if now.Sub(q.buckets[i].startedAt) > time.Duration(q.numBuckets)*q.bucketSpan {
			q.buckets[i] = bucket{}
		}
	}
}

func (q *Quota) currentBucket(now time.Time) *bucket {
	idx := (now.UnixNano() / q.bucketSpan.Nanoseconds()) % int64(q.numBuckets)
	b := &q.buckets[idx]
	bucketStart := now.Truncate(q.bucketSpan)
	if !b.startedAt.Equal(bucketStart) {
		*b = bucket{startedAt: bucketStart}
	}
	return b
}

func (q *Quota) totals(now time.Time) (requests, errors int64, cost float64) {
	for i := range q.buckets {
		if now.Sub(q.buckets[i].startedAt) <= time.Duration(q.numBuckets)*q.bucketSpan {
			requests += q.buckets[i].requests
			errors += q.buckets[i].errors
			cost += q.buckets[i].cost
		}
	}
	return
}

// TryAdmit checks the quota and, if there's room, reserves one in-flight
// slot and one request count atomically. Call Release when the call
// completes (success or failure) to free the concurrency slot and record
// the outcome.
func (q *Quota) TryAdmit() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.evict(now)

	if q.maxConcurrent > 0 && q.inFlight >= q.maxConcurrent {
		return false
	}
	if q.maxRequestsPerWindow > 0 {
		reqs, _, _ := q.totals(now)
		if reqs >= q.maxRequestsPerWindow {
			return false
		}
	}

	b := q.currentBucket(now)
	b.requests++
	q.inFlight++
	return true
}

// HasRoom reports whether TryAdmit would currently succeed, without
// reserving a slot. Used to mask a route as unavailable to the bandit
// before it proposes an arm, so the bandit never "wins" a quota-exhausted
// route only to be demoted afterward.
func (q *Quota) HasRoom() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	q.evict(now)
	if q.maxConcurrent > 0 && q.inFlight >= q.maxConcurrent {
		return false
	}
	if q.maxRequestsPerWindow > 0 {
		reqs, _, _ := q.totals(now)
		if reqs >= q.maxRequestsPerWindow {
			return false
		}
	}
	return true
}

// Release frees the in-flight slot reserved by TryAdmit and records whether
// the call errored and its cost (for cost-based quotas).
func (q *Quota) Release(errored bool, cost float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.inFlight > 0 {
		q.inFlight--
	}
	now := time.Now()
	b := q.currentBucket(now)
	if errored {
		b.errors++
	}
	b.cost += cost
}

// Snapshot reports current totals for status endpoints.
func (q *Quota) Snapshot() (requests, errors int64, cost float64, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	q.evict(now)
	r, e, c := q.totals(now)
	return r, e, c, q.inFlight
}
