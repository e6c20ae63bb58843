// Package audit is the append-only per-turn event log, adapted from the
// teacher's AuditDB: a single-writer SQLite connection recording every
// stage of a turn's lifecycle for later forensic replay.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DB is the embedded audit log store.
type DB struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS turn_audit_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	trace_id TEXT,
	session_id TEXT,
	timestamp DATETIME NOT NULL,
	event_type TEXT NOT NULL,
	data TEXT
);

CREATE INDEX IF NOT EXISTS idx_turn_audit_trace_id ON turn_audit_log(trace_id);
CREATE INDEX IF NOT EXISTS idx_turn_audit_session_id ON turn_audit_log(session_id);
CREATE INDEX IF NOT EXISTS idx_turn_audit_timestamp ON turn_audit_log(timestamp);
`

// Open opens/creates the SQLite database at dbPath and ensures the schema
// exists. SQLite works best with a single writer connection, so open/idle
// connections are both capped at 1.
func Open(dbPath string) (*DB, error) {
	if dbPath == "" {
		dbPath = "./alice_audit.db"
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: ping sqlite: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &DB{db: db}, nil
}

// Close closes the underlying connection. Safe to call on a nil *DB.
func (a *DB) Close() error {
	if a == nil || a.db == nil {
		return nil
	}
	return a.db.Close()
}

// RecordStep inserts one audit log row for a turn lifecycle event (e.g.
// ADMIT, CACHE_LOOKUP, NLU_PARSE, ROUTE_CHOSEN, TOOL_CALL, TURN_END).
func (a *DB) RecordStep(ctx context.Context, traceID, sessionID, eventType string, data any) error {
	if a == nil || a.db == nil {
		return nil
	}

	var payload string
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			payload = fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
		} else {
			payload = string(b)
		}
	}

	_, err := a.db.ExecContext(
		ctx,
		`INSERT INTO turn_audit_log (trace_id, session_id, timestamp, event_type, data)
		 VALUES (?, ?, ?, ?, ?)`,
		traceID,
		sessionID,
		time.Now().UTC(),
		eventType,
		payload,
	)
	if err != nil {
		return fmt.Errorf("audit: insert turn_audit_log: %w", err)
	}
	return nil
}
