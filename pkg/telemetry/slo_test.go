package telemetry

import (
	"testing"

	"github.com/alicev2/orchestrator/pkg/turn"
)

func TestSLOGate_PercentilesOverWindow(t *testing.T) {
	g := NewSLOGate(100)
	for _, lat := range []int64{100, 200, 300, 400, 500} {
		g.Record(Event{E2EFullMS: lat, CacheTier: turn.CacheTierL1})
	}
	snap := g.Snapshot()
	if snap.P50MS != 300 {
		t.Fatalf("expected p50 300, got %d", snap.P50MS)
	}
	if snap.P95MS != 500 {
		t.Fatalf("expected p95 500, got %d", snap.P95MS)
	}
}

func TestSLOGate_CacheHitRate(t *testing.T) {
	g := NewSLOGate(100)
	g.Record(Event{CacheTier: turn.CacheTierL1})
	g.Record(Event{CacheTier: turn.CacheTierL2})
	g.Record(Event{CacheTier: turn.CacheTierMiss})

	snap := g.Snapshot()
	want := 2.0 / 3.0
	if snap.CacheHitRate != want {
		t.Fatalf("expected cache hit rate %v, got %v", want, snap.CacheHitRate)
	}
}

func TestSLOGate_ToolSuccessRate(t *testing.T) {
	g := NewSLOGate(100)
	g.Record(Event{ToolCalls: []turn.ToolCallRecord{{Name: "calendar.create", Class: turn.ToolClassOK}}})
	g.Record(Event{ToolCalls: []turn.ToolCallRecord{{Name: "calendar.create", Class: turn.ToolClassTimeout}}})

	snap := g.Snapshot()
	if snap.ToolSuccessRate != 0.5 {
		t.Fatalf("expected 0.5 tool success rate, got %v", snap.ToolSuccessRate)
	}
}

func TestSLOGate_WindowEviction(t *testing.T) {
	g := NewSLOGate(3)
	for i := int64(1); i <= 5; i++ {
		g.Record(Event{E2EFullMS: i * 100})
	}
	snap := g.Snapshot()
	if snap.P95MS != 500 {
		t.Fatalf("expected most recent sample retained, got p95=%d", snap.P95MS)
	}
}

func TestSLOSnapshot_Pass(t *testing.T) {
	snap := SLOSnapshot{P95MS: 900, CacheHitRate: 0.4}
	if !snap.Pass(1000, 0.3) {
		t.Fatalf("expected snapshot within budget to pass")
	}
	if snap.Pass(500, 0.3) {
		t.Fatalf("expected snapshot exceeding latency budget to fail")
	}
	if snap.Pass(1000, 0.5) {
		t.Fatalf("expected snapshot below cache hit floor to fail")
	}
}
