package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/alicev2/orchestrator/pkg/turn"
)

// Event is the bit-exact telemetry record named in spec.md §6.
type Event struct {
	Version      string                `json:"v"`
	Timestamp    string                `json:"timestamp"`
	TraceID      string                `json:"trace_id"`
	SessionID    string                `json:"session_id"`
	Route        turn.Route            `json:"route"`
	CacheTier    turn.CacheTier        `json:"cache_tier"`
	E2EFirstMS   int64                 `json:"e2e_first_ms"`
	E2EFullMS    int64                 `json:"e2e_full_ms"`
	RAMPeak      turn.RAMPeak          `json:"ram_peak_mb"`
	EnergyWh     float64               `json:"energy_wh"`
	ToolCalls    []turn.ToolCallRecord `json:"tool_calls"`
	GuardianState string               `json:"guardian_state"`
	PIIMasked    bool                  `json:"pii_masked"`
	ErrClass     turn.ErrorClass       `json:"err_class,omitempty"`
	EventHash    string                `json:"event_hash"`
}

// Recorder appends newline-delimited Event records to the day-partitioned
// telemetry directory, the append-only log named in spec.md §6.
type Recorder struct {
	mu  sync.Mutex
	dir string
}

// NewRecorder constructs a Recorder writing under dir.
func NewRecorder(dir string) *Recorder {
	return &Recorder{dir: dir}
}

func eventHash(e Event) string {
	e.EventHash = ""
	raw, _ := json.Marshal(e)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// FromTurn builds a telemetry Event from a finished Turn. When maskingEnabled
// is set and the response text matches a PII pattern, it sets PIIMasked; the
// event carries no text, and the orchestrator masks the response text itself.
func FromTurn(t *turn.Turn, maskingEnabled bool) Event {
	pii := false
	if maskingEnabled && ContainsPII(t.ResponseText) {
		pii = true
	}

	e := Event{
		Version:       "1",
		Timestamp:     t.EndedAt.UTC().Format(time.RFC3339Nano),
		TraceID:       t.TraceID,
		SessionID:     t.SessionID,
		Route:         t.Route,
		CacheTier:     t.CacheOutcome,
		E2EFirstMS:    t.E2EFirstMS,
		E2EFullMS:     t.E2EFullMS,
		RAMPeak:       t.RAMPeak,
		EnergyWh:      t.EnergyWh,
		ToolCalls:     t.ToolCalls,
		GuardianState: t.GuardianStateAtExit,
		PIIMasked:     pii,
		ErrClass:      t.ErrClass,
	}
	e.EventHash = eventHash(e)
	return e
}

// Emit appends event as one JSON line under dir/YYYY-MM-DD/events.jsonl,
// exactly once per turn per spec.md §5 ordering guarantee (callers are
// responsible for calling Emit only after every child task of the turn has
// terminated).
func (r *Recorder) Emit(event Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	day := time.Now().UTC().Format("2006-01-02")
	dir := filepath.Join(r.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("telemetry: mkdir %s: %w", dir, err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("telemetry: open events file: %w", err)
	}
	defer f.Close()

	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("telemetry: write event: %w", err)
	}
	return nil
}
