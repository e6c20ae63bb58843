package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"

	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/internal/logger"
)

// ChatResult is everything a POST /api/chat response needs: the body plus
// the X-Route/X-Intent/X-Route-Hint/X-Cache headers named in spec.md §6.
type ChatResult struct {
	Text      string
	Route     string
	RouteHint string
	Intent    string
	CacheTier string
	TraceID   string
	Rejected  bool
	ErrClass  string
	RetryAfterSeconds int
}

// rejectionStatus maps the closed error-class taxonomy (spec.md §7) to the
// HTTP status/reason a rejected ChatResult surfaces as (spec.md §6: "200 on
// success; 429 (quota); 503 (guardian reject or breaker open)"). Any class
// not listed here (or an empty ErrClass on a Rejected result) falls back to
// 503/internal rather than leaking a 200.
var rejectionStatus = map[string]int{
	"guardian_reject": http.StatusServiceUnavailable,
	"breaker_open":    http.StatusServiceUnavailable,
	"timeout":         http.StatusServiceUnavailable,
	"tool_failure":    http.StatusServiceUnavailable,
	"schema":          http.StatusServiceUnavailable,
	"internal":        http.StatusServiceUnavailable,
	"rate_limited":    http.StatusTooManyRequests,
}

// ChatRunner is the narrow interface httpapi depends on instead of the full
// orchestrator: components depend on interfaces, not on each other's
// internals, per spec.md §9.
type ChatRunner interface {
	RunTurn(ctx context.Context, traceID, sessionID, lang, message string, contextFacts []string) ChatResult
}

// HealthReporter produces the GET /health payload.
type HealthReporter interface {
	Health(ctx context.Context) any
}

// StatusReporter produces the three GET /api/status/* payloads.
type StatusReporter interface {
	StatusSimple(ctx context.Context) any
	StatusRoutes(ctx context.Context) any
	StatusGuardian(ctx context.Context) any
}

// CacheInvalidator is the interface for POST /api/cache/invalidate.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, intent, schemaVersion, depsVersion string) error
}

type chatRequest struct {
	V             string   `json:"v"`
	SessionID     string   `json:"session_id"`
	Lang          string   `json:"lang"`
	Message       string   `json:"message"`
	ConsentScopes []string `json:"consent_scopes,omitempty"`
	ContextFacts  []string `json:"context_facts,omitempty"`
}

type chatResponse struct {
	Text      string `json:"text"`
	Route     string `json:"route"`
	CacheTier string `json:"cache_tier"`
	TraceID   string `json:"trace_id"`
}

func chatHandler(runner ChatRunner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation", "invalid JSON body", 0)
			return
		}
		if strings.TrimSpace(req.Message) == "" || strings.TrimSpace(req.SessionID) == "" {
			writeError(w, r, http.StatusBadRequest, "validation", "message and session_id are required", 0)
			return
		}
		if req.Lang == "" {
			req.Lang = "sv"
		}

		traceID, _ := r.Context().Value(logger.TraceIDKey).(string)
		result := runner.RunTurn(r.Context(), traceID, req.SessionID, req.Lang, req.Message, req.ContextFacts)

		if result.Rejected {
			status, ok := rejectionStatus[result.ErrClass]
			if !ok {
				status = http.StatusServiceUnavailable
			}
			reason := result.ErrClass
			if reason == "" {
				reason = "internal"
			}
			writeError(w, r, status, reason, "the system cannot complete this request right now", result.RetryAfterSeconds)
			return
		}

		w.Header().Set("X-Route", result.Route)
		w.Header().Set("X-Intent", result.Intent)
		w.Header().Set("X-Route-Hint", result.RouteHint)
		w.Header().Set("X-Cache", result.CacheTier)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Text:      result.Text,
			Route:     result.Route,
			CacheTier: result.CacheTier,
			TraceID:   result.TraceID,
		})
	}
}

func healthHandler(h HealthReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(h.Health(r.Context()))
	}
}

func statusSimpleHandler(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.StatusSimple(r.Context()))
	}
}

func statusRoutesHandler(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.StatusRoutes(r.Context()))
	}
}

func statusGuardianHandler(s StatusReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.StatusGuardian(r.Context()))
	}
}

type cacheInvalidateRequest struct {
	Intent        string `json:"intent,omitempty"`
	SchemaVersion string `json:"schema_version,omitempty"`
	DepsVersion   string `json:"deps_version,omitempty"`
}

// adminConfigGetHandler dumps the currently active Config snapshot.
func adminConfigGetHandler(store *config.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(store.Get())
	}
}

// adminConfigReloadHandler implements the explicit "reload config" admin
// endpoint named in spec.md §9: callers POST a flat map of environment
// variable overrides, which are applied to the process environment and
// re-parsed into a fresh Config, then swapped into store atomically. This
// never mutates the live Config in place — every reader always sees either
// the old struct or the fully-populated new one.
func adminConfigReloadHandler(store *config.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var overrides map[string]string
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&overrides); err != nil {
				writeError(w, r, http.StatusBadRequest, "validation", "invalid JSON body", 0)
				return
			}
		}
		for k, v := range overrides {
			os.Setenv(k, v)
		}
		next := config.FromEnv()
		if err := next.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation", err.Error(), 0)
			return
		}
		prev := store.Swap(next)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "reloaded", "previous_service_name": prev.ServiceName})
	}
}

// webhookHandler accepts an already-HMAC-verified inbound delivery from an
// external tool provider (e.g. an async completion callback for a long-running
// tool call) and just acknowledges it; hmacWebhookMiddleware has already
// authenticated and replay-checked the request by the time this runs.
func webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.NewContextLogger(r.Context())
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, r, http.StatusBadRequest, "validation", "invalid JSON body", 0)
			return
		}
		log.Info("webhook_received", "payload", payload)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "accepted"})
	}
}

func cacheInvalidateHandler(inv CacheInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req cacheInvalidateRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, r, http.StatusBadRequest, "validation", "invalid JSON body", 0)
				return
			}
		}
		if err := inv.Invalidate(r.Context(), req.Intent, req.SchemaVersion, req.DepsVersion); err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), 0)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
