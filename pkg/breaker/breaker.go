// Package breaker wraps sony/gobreaker into a named-dependency registry, the
// same "newBreaker(name)" factory idiom the teacher uses for its model and
// memory service calls, generalized to an arbitrary set of dependencies
// (NLU, each backend route, each MCP tool).
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alicev2/orchestrator/internal/logger"
)

// ErrOpen is returned when a call is rejected because its breaker is open
// or half-open with too many in-flight probes.
var ErrOpen = errors.New("breaker_open")

// ErrQuotaExhausted is returned when a route's Quota has no room left,
// distinct from ErrOpen so callers can tell a 429 (fair-use limit hit) apart
// from a 503 (dependency breaker open) instead of collapsing both into one
// error class.
var ErrQuotaExhausted = errors.New("quota_exhausted")

// Registry holds one circuit breaker per named dependency, created lazily
// on first use with the production-like defaults the teacher applies:
// open after 5 consecutive failures, 30s cooldown, 1 probe in half-open.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	maxRequests uint32
	interval    time.Duration
	timeout     time.Duration
	failureThreshold uint32
}

// NewRegistry constructs a breaker Registry with the given defaults.
func NewRegistry() *Registry {
	return &Registry{
		breakers:         make(map[string]*gobreaker.CircuitBreaker),
		maxRequests:      1,
		interval:         0,
		timeout:          30 * time.Second,
		failureThreshold: 5,
	}
}

func (r *Registry) get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: r.maxRequests,
		Interval:    r.interval,
		Timeout:     r.timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.failureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.LogCircuitBreakerStateChange(nil, name, from.String(), to.String())
		},
	})
	r.breakers[name] = b
	return b
}

// Execute runs fn through the named dependency's breaker.
func Execute[T any](r *Registry, name string, fn func() (T, error)) (T, error) {
	b := r.get(name)
	v, err := b.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, ErrOpen
		}
		return zero, err
	}
	out, _ := v.(T)
	return out, nil
}

// Allow reports whether the named dependency's breaker currently permits a
// call, without actually invoking anything — used by the bandit router to
// mask arms whose backend breaker is open.
func (r *Registry) Allow(name string) bool {
	b := r.get(name)
	return b.State() != gobreaker.StateOpen
}

// State returns the human-readable breaker state for status endpoints.
func (r *Registry) State(name string) string {
	return r.get(name).State().String()
}

// Names returns the currently known dependency names (for status dumps).
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.breakers))
	for n := range r.breakers {
		names = append(names, n)
	}
	return names
}

// WithTimeout is a convenience wrapper composing a context deadline with a
// breaker-guarded call, mirroring the teacher's per-call
// context.WithTimeout-then-Execute idiom.
func WithTimeout[T any](ctx context.Context, r *Registry, name string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	return Execute(r, name, func() (T, error) {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(cctx)
	})
}
