// Package logger provides the trace-scoped structured logger shared by every
// component. It wraps log/slog the same way across the whole repo so a
// single log line format can be grepped/shipped consistently.
package logger

import (
	"context"
	"log/slog"
	"os"
)

// contextKey is an unexported type for context keys.
type contextKey string

// TraceIDKey is the context key (and canonical header name) for the Trace ID.
const TraceIDKey contextKey = "X-Trace-ID"

// SessionIDKey is the context key for the session ID.
const SessionIDKey contextKey = "X-Session-ID"

var defaultLogger = slog.New(slog.NewTextHandler(os.Stdout, nil))

// NewContextLogger creates a logger that always includes the trace_id and
// session_id from the context, if present.
func NewContextLogger(ctx context.Context) *slog.Logger {
	l := defaultLogger
	if traceID, ok := ctx.Value(TraceIDKey).(string); ok && traceID != "" {
		l = l.With("trace_id", traceID)
	}
	if sessionID, ok := ctx.Value(SessionIDKey).(string); ok && sessionID != "" {
		l = l.With("session_id", sessionID)
	}
	return l
}

// WithTraceID returns a context carrying traceID for downstream logging calls.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithSessionID returns a context carrying sessionID for downstream logging calls.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// TraceIDFromContext extracts the trace ID previously attached with WithTraceID.
func TraceIDFromContext(ctx context.Context) string {
	traceID, _ := ctx.Value(TraceIDKey).(string)
	return traceID
}

// Fatalf logs an error message and exits the program with status code 1.
// This provides Fatalf-like functionality for slog.Logger.
func Fatalf(l *slog.Logger, msg string, args ...any) {
	l.Error(msg, args...)
	os.Exit(1)
}

// LogCircuitBreakerStateChange logs a structured event whenever a circuit
// breaker transitions between states.
//
// Typical transitions: closed -> open, open -> half-open, half-open -> closed.
func LogCircuitBreakerStateChange(l *slog.Logger, breakerName, fromState, toState string) {
	if l == nil {
		l = defaultLogger
	}
	l.Warn("circuit_breaker_state_change", "breaker", breakerName, "from", fromState, "to", toState)
}

// LogGuardianTransition logs a structured event whenever the admission
// controller's state machine transitions between states.
func LogGuardianTransition(l *slog.Logger, from, to string, reasons []string) {
	if l == nil {
		l = defaultLogger
	}
	l.Warn("guardian_state_change", "from", from, "to", to, "reasons", reasons)
}
