package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/alicev2/orchestrator/internal/config"
)

// Deps bundles everything the router needs to build handlers without the
// httpapi package importing the orchestrator package's full dependency
// graph directly: callers pass in the narrow interfaces it actually calls.
type Deps struct {
	Config      config.Config
	Store       *config.Store
	Rdb         *redis.Client
	Chat        ChatRunner
	Health      HealthReporter
	StatusBoard StatusReporter
	Invalidator CacheInvalidator
	PromHandler http.Handler
}

// NewRouter assembles the chi router and middleware chain: trace ID,
// request logging, otelhttp span wrapping, panic recovery, bearer auth,
// per-session rate limiting, and (for POST /api/chat) idempotency replay,
// mirroring the teacher's main.go middleware stack generalized to the
// full external-interface surface of spec.md §6.
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(traceIDMiddleware)
	r.Use(requestLogMiddleware)
	r.Use(authMiddleware(deps.Config))
	r.Use(rateLimitMiddleware(newSessionLimiters(deps.Config.RateLimit.PerSessionPerMinute)))

	idem := newIdempotencyStore(deps.Rdb, 7*24*time.Hour)

	r.Get("/health", healthHandler(deps.Health))
	if deps.PromHandler != nil {
		r.Handle("/metrics", deps.PromHandler)
	}

	r.With(idem.middleware).Post("/api/chat", chatHandler(deps.Chat))
	r.Get("/api/status/simple", statusSimpleHandler(deps.StatusBoard))
	r.Get("/api/status/routes", statusRoutesHandler(deps.StatusBoard))
	r.Get("/api/status/guardian", statusGuardianHandler(deps.StatusBoard))
	r.Post("/api/cache/invalidate", cacheInvalidateHandler(deps.Invalidator))

	r.With(hmacWebhookMiddleware(deps.Config, deps.Rdb)).Post("/webhooks/tool-callback", webhookHandler())

	if deps.Store != nil {
		r.Get("/admin/config", adminConfigGetHandler(deps.Store))
		r.Post("/admin/config/reload", adminConfigReloadHandler(deps.Store))
	}

	return otelhttp.NewHandler(r, "alice-orchestrator")
}
