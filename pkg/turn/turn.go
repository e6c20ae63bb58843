// Package turn defines the data model shared across every component: the
// Turn record, the closed route/error-class enums, and the tool-call trail
// recorded for telemetry.
package turn

import "time"

// Route is the sum type over generative backends plus the fast path.
type Route string

const (
	RouteMicro   Route = "MICRO"
	RoutePlanner Route = "PLANNER"
	RouteDeep    Route = "DEEP"
)

// CacheTier is the cache lookup outcome.
type CacheTier string

const (
	CacheTierMiss CacheTier = "MISS"
	CacheTierL1   CacheTier = "L1"
	CacheTierL2   CacheTier = "L2"
	CacheTierL3   CacheTier = "L3"
)

// ErrorClass is the closed taxonomy from spec.md §7.
type ErrorClass string

const (
	ErrClassNone         ErrorClass = ""
	ErrClassAuth         ErrorClass = "auth"
	ErrClassValidation   ErrorClass = "validation"
	ErrClassRateLimited  ErrorClass = "rate_limited"
	ErrClassGuardianReject ErrorClass = "guardian_reject"
	ErrClassBreakerOpen  ErrorClass = "breaker_open"
	ErrClassTimeout      ErrorClass = "timeout"
	ErrClassBackend5xx   ErrorClass = "backend_5xx"
	ErrClassSchema       ErrorClass = "schema"
	ErrClassToolFailure  ErrorClass = "tool_failure"
	ErrClassCacheError   ErrorClass = "cache_error"
	ErrClassInternal     ErrorClass = "internal"
)

// ToolCallClass is the per-tool-call outcome class used in telemetry.
type ToolCallClass string

const (
	ToolClassOK      ToolCallClass = "ok"
	ToolClassTimeout ToolCallClass = "timeout"
	ToolClass5xx     ToolCallClass = "5xx"
	ToolClass429     ToolCallClass = "429"
	ToolClassSchema  ToolCallClass = "schema"
	ToolClassOther   ToolCallClass = "other"
)

// ToolCallRecord is one entry in a turn's tool_calls[] telemetry array.
type ToolCallRecord struct {
	Name    string        `json:"name"`
	Class   ToolCallClass `json:"class"`
	LatMS   int64         `json:"lat_ms"`
}

// RAMPeak carries both process-local and system-wide peak RAM in MB.
type RAMPeak struct {
	ProcMB float64 `json:"proc"`
	SysMB  float64 `json:"sys"`
}

// Turn is the single per-request lifecycle record, exclusively owned by the
// orchestrator for its lifetime.
type Turn struct {
	TraceID   string
	SessionID string
	Lang      string
	RawText   string

	StartedAt time.Time
	EndedAt   time.Time

	Intent        string
	IntentConfidence float64
	RouteHint     string
	Route         Route
	CacheOutcome  CacheTier

	ToolCalls []ToolCallRecord

	E2EFirstMS int64
	E2EFullMS  int64
	RAMPeak    RAMPeak
	EnergyWh   float64

	GuardianStateAtEntry string
	GuardianStateAtExit  string

	PIIMasked bool
	ErrClass  ErrorClass

	ResponseText string
	ResponseHash string
}

// NewTurn initializes a Turn at ingress.
func NewTurn(traceID, sessionID, lang, rawText string) *Turn {
	return &Turn{
		TraceID:   traceID,
		SessionID: sessionID,
		Lang:      lang,
		RawText:   rawText,
		StartedAt: time.Now().UTC(),
	}
}

// RecordToolCall appends a tool-call outcome to the turn's trail.
func (t *Turn) RecordToolCall(name string, class ToolCallClass, latency time.Duration) {
	t.ToolCalls = append(t.ToolCalls, ToolCallRecord{Name: name, Class: class, LatMS: latency.Milliseconds()})
}

// Finish stamps end-of-turn timing fields. Call exactly once, after all
// child tasks (NLU, backend dispatch, cache store) have terminated and
// before the telemetry event is built from the turn.
func (t *Turn) Finish() {
	t.EndedAt = time.Now().UTC()
	t.E2EFullMS = t.EndedAt.Sub(t.StartedAt).Milliseconds()
}
