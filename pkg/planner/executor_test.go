package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicev2/orchestrator/pkg/breaker"
)

func TestExecuteWithFallback_PrimarySucceeds(t *testing.T) {
	reg := testRegistry()
	tr := NewToolRegistry(breaker.NewRegistry())
	tr.Register("calendar.create", func(ctx context.Context, args map[string]string) (string, error) {
		return "created", nil
	}, time.Second)

	plan := Plan{Tool: "calendar.create", Args: map[string]string{"title": "Sync", "start_time": "14:00"}}
	outcome, attempts := tr.ExecuteWithFallback(context.Background(), reg, plan)

	if outcome.Err != nil {
		t.Fatalf("expected primary success, got err: %v", outcome.Err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected exactly one attempt, got %d", len(attempts))
	}
}

func TestExecuteWithFallback_FallsBackOnPrimaryFailure(t *testing.T) {
	reg := testRegistry()
	tr := NewToolRegistry(breaker.NewRegistry())
	tr.Register("calendar.create", func(ctx context.Context, args map[string]string) (string, error) {
		return "", errors.New("primary down")
	}, time.Second)
	tr.Register("calendar.create_minimal", func(ctx context.Context, args map[string]string) (string, error) {
		return "created minimal", nil
	}, time.Second)

	plan := Plan{Tool: "calendar.create", Args: map[string]string{"title": "Sync", "start_time": "14:00"}}
	outcome, attempts := tr.ExecuteWithFallback(context.Background(), reg, plan)

	if outcome.Err != nil {
		t.Fatalf("expected fallback success, got err: %v", outcome.Err)
	}
	if outcome.Tool != "calendar.create_minimal" {
		t.Fatalf("expected fallback tool to have served the request, got %s", outcome.Tool)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected two attempts (primary + fallback), got %d", len(attempts))
	}
}

func TestExecuteWithFallback_AllFail(t *testing.T) {
	reg := testRegistry()
	tr := NewToolRegistry(breaker.NewRegistry())
	tr.Register("calendar.create", func(ctx context.Context, args map[string]string) (string, error) {
		return "", errors.New("primary down")
	}, time.Second)
	tr.Register("calendar.create_minimal", func(ctx context.Context, args map[string]string) (string, error) {
		return "", errors.New("fallback down too")
	}, time.Second)

	plan := Plan{Tool: "calendar.create", Args: map[string]string{"title": "Sync", "start_time": "14:00"}}
	outcome, attempts := tr.ExecuteWithFallback(context.Background(), reg, plan)

	if outcome.Err == nil {
		t.Fatalf("expected final outcome to carry the last error")
	}
	if len(attempts) != 2 {
		t.Fatalf("expected two attempts, got %d", len(attempts))
	}
}

func TestExecuteWithFallback_UnregisteredToolReportsError(t *testing.T) {
	reg := testRegistry()
	tr := NewToolRegistry(breaker.NewRegistry())

	plan := Plan{Tool: "calendar.create", Args: map[string]string{"title": "Sync", "start_time": "14:00"}}
	outcome, _ := tr.ExecuteWithFallback(context.Background(), reg, plan)

	if outcome.Err == nil {
		t.Fatalf("expected error for an unregistered tool implementation")
	}
}
