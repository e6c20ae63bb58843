package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var name string
	err = db.db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='turn_audit_log'`).Scan(&name)
	if err != nil {
		t.Fatalf("expected turn_audit_log table to exist: %v", err)
	}
}

func TestRecordStep_InsertsReadableRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	payload := map[string]string{"tier": "L1"}
	if err := db.RecordStep(ctx, "trace-1", "sess-1", "CACHE_LOOKUP", payload); err != nil {
		t.Fatalf("record step: %v", err)
	}

	var traceID, sessionID, eventType, data string
	row := db.db.QueryRow(`SELECT trace_id, session_id, event_type, data FROM turn_audit_log WHERE trace_id = ?`, "trace-1")
	if err := row.Scan(&traceID, &sessionID, &eventType, &data); err != nil {
		t.Fatalf("scan row: %v", err)
	}
	if sessionID != "sess-1" || eventType != "CACHE_LOOKUP" {
		t.Fatalf("unexpected row: session=%s event=%s", sessionID, eventType)
	}
	if data != `{"tier":"L1"}` {
		t.Fatalf("unexpected payload json: %s", data)
	}
}

func TestRecordStep_NilDataWritesEmptyPayload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	if err := db.RecordStep(context.Background(), "trace-2", "sess-2", "ADMIT", nil); err != nil {
		t.Fatalf("record step: %v", err)
	}

	var data sql.NullString
	row := db.db.QueryRow(`SELECT data FROM turn_audit_log WHERE trace_id = ?`, "trace-2")
	if err := row.Scan(&data); err != nil {
		t.Fatalf("scan row: %v", err)
	}
	if data.String != "" {
		t.Fatalf("expected empty payload, got %q", data.String)
	}
}

func TestRecordStep_NilDBIsNoop(t *testing.T) {
	var db *DB
	if err := db.RecordStep(context.Background(), "t", "s", "ADMIT", nil); err != nil {
		t.Fatalf("expected nil-safe no-op, got %v", err)
	}
}

func TestClose_NilDBIsNoop(t *testing.T) {
	var db *DB
	if err := db.Close(); err != nil {
		t.Fatalf("expected nil-safe close, got %v", err)
	}
}
