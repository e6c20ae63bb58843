package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicev2/orchestrator/pkg/turn"
)

func TestFromTurn_MasksPIIWhenEnabled(t *testing.T) {
	tr := turn.NewTurn("trace-1", "sess-1", "sv", "hej")
	tr.ResponseText = "skicka till anna.svensson@example.com"
	tr.Finish()

	e := FromTurn(tr, true)
	if !e.PIIMasked {
		t.Fatalf("expected PIIMasked true for response text containing an email")
	}
}

func TestFromTurn_NoPIIFlagWhenMaskingDisabled(t *testing.T) {
	tr := turn.NewTurn("trace-1", "sess-1", "sv", "hej")
	tr.ResponseText = "skicka till anna.svensson@example.com"
	tr.Finish()

	e := FromTurn(tr, false)
	if e.PIIMasked {
		t.Fatalf("expected PIIMasked false when masking is disabled")
	}
}

func TestFromTurn_EventHashIsDeterministic(t *testing.T) {
	tr := turn.NewTurn("trace-1", "sess-1", "sv", "hej")
	tr.EndedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e1 := FromTurn(tr, true)
	e2 := FromTurn(tr, true)
	if e1.EventHash != e2.EventHash {
		t.Fatalf("expected identical turns to hash identically")
	}
}

func TestRecorder_EmitAppendsJSONLine(t *testing.T) {
	dir := t.TempDir()
	r := NewRecorder(dir)

	tr := turn.NewTurn("trace-1", "sess-1", "sv", "hej")
	tr.Finish()
	e := FromTurn(tr, true)

	if err := r.Emit(e); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if err := r.Emit(e); err != nil {
		t.Fatalf("emit: %v", err)
	}

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, day, "events.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open events file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var decoded Event
		if err := json.Unmarshal(scanner.Bytes(), &decoded); err != nil {
			t.Fatalf("decode line %d: %v", lines, err)
		}
		lines++
	}
	if lines != 2 {
		t.Fatalf("expected 2 appended lines, got %d", lines)
	}
}
