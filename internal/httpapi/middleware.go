// Package httpapi is the external-interface layer (C10): a chi router and
// middleware chain adapted from the teacher's main.go (traceIDMiddleware,
// apiKeyMiddleware, requestLogMiddleware, otelhttp wrapping,
// middleware.Recoverer), extended with per-session rate limiting,
// Idempotency-Key replay, and HMAC-SHA256 webhook verification.
package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/internal/logger"
)

// traceIDMiddleware generates or extracts a trace ID from the request
// header and adds it to the request context, mirroring the teacher's
// traceIDMiddleware.
func traceIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get(string(logger.TraceIDKey))
		if traceID == "" {
			traceID = uuid.New().String()
		}
		w.Header().Set(string(logger.TraceIDKey), traceID)
		ctx := context.WithValue(r.Context(), logger.TraceIDKey, traceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogMiddleware logs one line per request, matching the teacher's
// requestLogMiddleware shape.
func requestLogMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.NewContextLogger(r.Context()).Info(
			"http_request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

// unprotectedPaths never require bearer auth: health and metrics probes
// must keep working even when the cluster's credential rotation lags, and
// the webhook callback route authenticates via HMAC signature instead.
var unprotectedPaths = map[string]bool{
	"/health":                  true,
	"/metrics":                 true,
	"/webhooks/tool-callback":  true,
}

// authMiddleware validates the Authorization: Bearer <token> header against
// cfg.Auth.BearerToken using a constant-time comparison, the same
// crypto/subtle idiom as the teacher's apiKeyMiddleware. An empty
// BearerToken disables auth (dev mode only), logging a warning per request
// exactly as the teacher does for PAGI_API_KEY.
func authMiddleware(cfg config.Config) func(http.Handler) http.Handler {
	authEnabled := strings.TrimSpace(cfg.Auth.BearerToken) != ""
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unprotectedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			if !authEnabled {
				logger.NewContextLogger(r.Context()).Warn("auth_disabled", "path", r.URL.Path)
				next.ServeHTTP(w, r)
				return
			}

			token := ""
			if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				token = strings.TrimPrefix(h, "Bearer ")
			}
			if subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Auth.BearerToken)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "auth", "invalid or missing bearer token", 0)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// sessionLimiters is the process-local per-session token bucket set, keyed
// by session ID. Rate limiting is a per-process fairness backstop, not a
// cluster-wide guarantee; Guardian/bandit quotas own the cluster-wide view.
type sessionLimiters struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perMin   int
}

func newSessionLimiters(perMin int) *sessionLimiters {
	return &sessionLimiters{limiters: make(map[string]*rate.Limiter), perMin: perMin}
}

func (s *sessionLimiters) get(sessionID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[sessionID]
	if !ok {
		// burst of perMin lets a session front-load a burst up to its
		// per-minute budget, refilling continuously thereafter.
		l = rate.NewLimiter(rate.Limit(float64(s.perMin)/60.0), s.perMin)
		s.limiters[sessionID] = l
	}
	return l
}

// rateLimitMiddleware enforces a per-session request budget, answering 429
// with Retry-After when a session exceeds it, per spec.md's
// golang.org/x/time/rate wiring.
func rateLimitMiddleware(limiters *sessionLimiters) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := r.Header.Get("X-Session-ID")
			if sessionID == "" || unprotectedPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}
			l := limiters.get(sessionID)
			res := l.Reserve()
			if !res.OK() {
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests for this session", 1)
				return
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				retryAfter := int(delay.Seconds()) + 1
				writeError(w, r, http.StatusTooManyRequests, "rate_limited", "too many requests for this session", retryAfter)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// idempotencyStore deduplicates POST /api/chat calls sharing an
// Idempotency-Key: concurrent callers for the same key collapse onto one
// handler invocation via singleflight, and the resulting response body is
// cached in Redis for the session's retention window so a retried request
// after the first completes still replays the identical response instead of
// re-dispatching, per spec.md's testable property 6.
type idempotencyStore struct {
	rdb   *redis.Client
	group singleflight.Group
	ttl   time.Duration
}

func newIdempotencyStore(rdb *redis.Client, ttl time.Duration) *idempotencyStore {
	return &idempotencyStore{rdb: rdb, ttl: ttl}
}

type cachedResponse struct {
	status int
	body   []byte
}

func idempotencyKey(sessionID, key string) string {
	return "idempotency:" + sessionID + ":" + key
}

// middleware wraps POST handlers; GET/other methods pass through
// untouched since they are naturally idempotent.
func (s *idempotencyStore) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if r.Method != http.MethodPost || key == "" {
			next.ServeHTTP(w, r)
			return
		}
		sessionID := r.Header.Get("X-Session-ID")
		redisKey := idempotencyKey(sessionID, key)

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "validation", "unreadable request body", 0)
			return
		}
		r.Body.Close()

		v, err, _ := s.group.Do(redisKey, func() (any, error) {
			ctx := r.Context()
			if cached, err := s.rdb.Get(ctx, redisKey).Result(); err == nil {
				status, body, ok := splitCachedResponse(cached)
				if ok {
					return cachedResponse{status: status, body: body}, nil
				}
			}

			rec := newRecorder()
			r2 := r.Clone(r.Context())
			r2.Body = io.NopCloser(newBytesReader(bodyBytes))
			next.ServeHTTP(rec, r2)

			resp := cachedResponse{status: rec.status, body: rec.body.Bytes()}
			_ = s.rdb.Set(ctx, redisKey, joinCachedResponse(resp.status, resp.body), s.ttl).Err()
			return resp, nil
		})
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "internal", err.Error(), 0)
			return
		}
		resp := v.(cachedResponse)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.status)
		_, _ = w.Write(resp.body)
	})
}

func joinCachedResponse(status int, body []byte) string {
	return strconv.Itoa(status) + "\n" + string(body)
}

func splitCachedResponse(raw string) (int, []byte, bool) {
	idx := strings.IndexByte(raw, '\n')
	if idx < 0 {
		return 0, nil, false
	}
	status, err := strconv.Atoi(raw[:idx])
	if err != nil {
		return 0, nil, false
	}
	return status, []byte(raw[idx+1:]), true
}

// hmacReplayWindow bounds how far a webhook's timestamp may drift from now
// before it is rejected as stale or forged, per spec.md's ±300s window.
const hmacReplayWindow = 300 * time.Second

// hmacWebhookMiddleware verifies an inbound webhook's X-Signature header
// (hex HMAC-SHA256 over "<timestamp>.<body>") and X-Timestamp header against
// cfg.Auth.HMACSecret, rejecting stale/forged/replayed deliveries. Verified
// deliveries are recorded in Redis for the window so an exact repeat of the
// same signature is rejected as a replay.
func hmacWebhookMiddleware(cfg config.Config, rdb *redis.Client) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.Auth.HMACSecret == "" {
				writeError(w, r, http.StatusServiceUnavailable, "internal", "webhook verification is not configured", 0)
				return
			}

			sig := r.Header.Get("X-Signature")
			tsHeader := r.Header.Get("X-Timestamp")
			ts, err := strconv.ParseInt(tsHeader, 10, 64)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "validation", "missing or invalid X-Timestamp", 0)
				return
			}
			skew := time.Since(time.Unix(ts, 0))
			if skew < 0 {
				skew = -skew
			}
			if skew > hmacReplayWindow {
				writeError(w, r, http.StatusUnauthorized, "auth", "webhook timestamp outside the allowed window", 0)
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				writeError(w, r, http.StatusBadRequest, "validation", "unreadable webhook body", 0)
				return
			}
			r.Body = io.NopCloser(newBytesReader(body))

			mac := hmac.New(sha256.New, []byte(cfg.Auth.HMACSecret))
			mac.Write([]byte(tsHeader + "."))
			mac.Write(body)
			expected := hex.EncodeToString(mac.Sum(nil))
			if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "auth", "webhook signature mismatch", 0)
				return
			}

			replayKey := "webhook_replay:" + sig
			ctx := r.Context()
			set, err := rdb.SetNX(ctx, replayKey, "1", hmacReplayWindow).Result()
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "internal", "replay cache unavailable", 0)
				return
			}
			if !set {
				writeError(w, r, http.StatusConflict, "validation", "duplicate webhook delivery", 0)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, retryAfterSeconds int) {
	traceID, _ := r.Context().Value(logger.TraceIDKey).(string)
	body := fmt.Sprintf(`{"error":{"code":%q,"message":%q,"trace_id":%q`, code, message, traceID)
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		body += fmt.Sprintf(`,"retry_after":%d`, retryAfterSeconds)
	}
	body += "}}"
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
