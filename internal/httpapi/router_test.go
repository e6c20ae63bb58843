package httpapi

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"github.com/alicev2/orchestrator/internal/config"
)

// countingChatRunner counts how many times RunTurn actually executes, so the
// test can tell a replayed idempotent response apart from a second real call.
type countingChatRunner struct {
	calls atomic.Int32
}

func (c *countingChatRunner) RunTurn(ctx context.Context, traceID, sessionID, lang, message string, facts []string) ChatResult {
	c.calls.Add(1)
	return ChatResult{
		Text:      "svaret ar fyrtiotva",
		Route:     "MICRO",
		RouteHint: "MICRO",
		Intent:    "misc.chat",
		CacheTier: "MISS",
		TraceID:   traceID,
	}
}

// rejectingChatRunner always returns a rejected ChatResult carrying a fixed
// error class, so tests can assert the class-to-status mapping without
// depending on cmd/orchestrator's adapter.
type rejectingChatRunner struct {
	errClass string
}

func (r rejectingChatRunner) RunTurn(ctx context.Context, traceID, sessionID, lang, message string, facts []string) ChatResult {
	return ChatResult{Rejected: true, ErrClass: r.errClass, RetryAfterSeconds: 5, TraceID: traceID}
}

type noopHealth struct{}

func (noopHealth) Health(ctx context.Context) any { return map[string]string{"status": "ok"} }

type noopStatus struct{}

func (noopStatus) StatusSimple(ctx context.Context) any   { return map[string]string{} }
func (noopStatus) StatusRoutes(ctx context.Context) any   { return map[string]string{} }
func (noopStatus) StatusGuardian(ctx context.Context) any { return map[string]string{} }

type noopInvalidator struct{}

func (noopInvalidator) Invalidate(ctx context.Context, intent, schemaVersion, depsVersion string) error {
	return nil
}

func newTestServer(t *testing.T, chat ChatRunner) (*httptest.Server, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	deps := Deps{
		Config:      config.Config{RateLimit: config.RateLimit{PerSessionPerMinute: 1000}},
		Rdb:         rdb,
		Chat:        chat,
		Health:      noopHealth{},
		StatusBoard: noopStatus{},
		Invalidator: noopInvalidator{},
	}
	router := NewRouter(deps)
	return httptest.NewServer(router), rdb
}

func TestChatHandler_IdempotencyKeyReplaysFirstResponse(t *testing.T) {
	chat := &countingChatRunner{}
	srv, _ := newTestServer(t, chat)
	defer srv.Close()

	body := []byte(`{"v":"1","session_id":"sess-1","lang":"sv","message":"hej"}`)

	do := func() *http.Response {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request: %v", err)
		}
		req.Header.Set("Idempotency-Key", "idem-key-1")
		req.Header.Set("X-Session-ID", "sess-1")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request: %v", err)
		}
		return resp
	}

	resp1 := do()
	defer resp1.Body.Close()
	if resp1.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on first call, got %d", resp1.StatusCode)
	}

	resp2 := do()
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 on replayed call, got %d", resp2.StatusCode)
	}

	if got := chat.calls.Load(); got != 1 {
		t.Fatalf("expected exactly one real RunTurn call across both requests, got %d", got)
	}
}

func TestChatHandler_DifferentIdempotencyKeysBothExecute(t *testing.T) {
	chat := &countingChatRunner{}
	srv, _ := newTestServer(t, chat)
	defer srv.Close()

	body := []byte(`{"v":"1","session_id":"sess-2","lang":"sv","message":"hej"}`)

	for i, key := range []string{"key-a", "key-b"} {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request %d: %v", i, err)
		}
		req.Header.Set("Idempotency-Key", key)
		req.Header.Set("X-Session-ID", "sess-2")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request %d: %v", i, err)
		}
		resp.Body.Close()
	}

	if got := chat.calls.Load(); got != 2 {
		t.Fatalf("expected two real RunTurn calls for two distinct idempotency keys, got %d", got)
	}
}

func TestChatHandler_RejectedResultMapsErrClassToStatus(t *testing.T) {
	cases := []struct {
		errClass string
		want     int
	}{
		{"guardian_reject", http.StatusServiceUnavailable},
		{"breaker_open", http.StatusServiceUnavailable},
		{"timeout", http.StatusServiceUnavailable},
		{"tool_failure", http.StatusServiceUnavailable},
		{"schema", http.StatusServiceUnavailable},
		{"internal", http.StatusServiceUnavailable},
		{"rate_limited", http.StatusTooManyRequests},
	}

	for _, tc := range cases {
		srv, _ := newTestServer(t, rejectingChatRunner{errClass: tc.errClass})

		body := []byte(`{"v":"1","session_id":"sess-reject","lang":"sv","message":"hej"}`)
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("new request for %s: %v", tc.errClass, err)
		}
		req.Header.Set("X-Session-ID", "sess-reject")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("do request for %s: %v", tc.errClass, err)
		}
		if resp.StatusCode != tc.want {
			t.Fatalf("errClass %s: expected status %d, got %d", tc.errClass, tc.want, resp.StatusCode)
		}
		if got := resp.Header.Get("Retry-After"); got != "5" {
			t.Fatalf("errClass %s: expected Retry-After 5, got %q", tc.errClass, got)
		}
		resp.Body.Close()
		srv.Close()
	}
}

func TestHealthHandler_AlwaysReachableWithoutAuth(t *testing.T) {
	srv, _ := newTestServer(t, &countingChatRunner{})
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected /health to bypass auth and return 200, got %d", resp.StatusCode)
	}
}
