package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/go-redis/redis/v8"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alicev2/orchestrator/internal/audit"
	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/internal/grpchealth"
	"github.com/alicev2/orchestrator/internal/httpapi"
	"github.com/alicev2/orchestrator/internal/logger"
	"github.com/alicev2/orchestrator/pkg/bandit"
	"github.com/alicev2/orchestrator/pkg/breaker"
	"github.com/alicev2/orchestrator/pkg/cache"
	"github.com/alicev2/orchestrator/pkg/guardian"
	"github.com/alicev2/orchestrator/pkg/llm"
	"github.com/alicev2/orchestrator/pkg/nlu"
	"github.com/alicev2/orchestrator/pkg/orchestrator"
	"github.com/alicev2/orchestrator/pkg/planner"
	"github.com/alicev2/orchestrator/pkg/telemetry"
	"github.com/alicev2/orchestrator/pkg/turn"
)

// initOpenTelemetry wires OTLP/gRPC tracing plus a Prometheus metrics
// exporter, the same pattern the teacher's main.go uses, generalized only
// by taking the configured service name instead of a hardcoded one.
func initOpenTelemetry(ctx context.Context, serviceName string) (shutdown func(context.Context) error, promHandler http.Handler, err error) {
	res, err := sdkresource.Merge(
		sdkresource.Default(),
		sdkresource.NewWithAttributes(semconv.SchemaURL, semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, nil, err
	}

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if strings.TrimSpace(otlpEndpoint) == "" {
		otlpEndpoint = "localhost:4317"
	}

	traceExp, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		return nil, nil, err
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(traceExp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	reg := promclient.NewRegistry()
	promExp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := metric.NewMeterProvider(metric.WithReader(promExp), metric.WithResource(res))
	otel.SetMeterProvider(mp)

	shutdown = func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
	}
	return shutdown, promhttp.HandlerFor(promclient.Gatherers{reg, promclient.DefaultGatherer}, promhttp.HandlerOpts{}), nil
}

func mustRuntime(log interface {
	Error(string, ...any)
}, provider, envModelKey string) *llm.Runtime {
	p := llm.Provider(getenv(envModelKey+"_PROVIDER", provider))
	model := os.Getenv(envModelKey + "_MODEL")
	rt, err := llm.NewRuntime(p, model)
	if err != nil {
		log.Error("backend_runtime_init_failed", "provider", p, "error", err)
		os.Exit(1)
	}
	return rt
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// registerTools binds the MCP-style tool registry's enum entries from
// config/registry.yaml to concrete handlers. The handlers are deliberately
// simple stand-ins for the opaque external tool backends named in spec.md's
// OUT OF SCOPE section; what matters structurally is the registry-driven
// dispatch, per-tool timeout, and breaker wrapping.
func registerTools(reg *planner.Registry, br *breaker.Registry) *planner.ToolRegistry {
	tools := planner.NewToolRegistry(br)
	for name := range reg.Tools {
		name := name
		tools.Register(name, func(ctx context.Context, args map[string]string) (string, error) {
			return fmt.Sprintf("%s utford med %v", name, args), nil
		}, 2*time.Second)
	}
	return tools
}

// chatAdapter implements httpapi.ChatRunner over the orchestrator, the
// narrow seam named in spec.md §9 ("components depend on interfaces, not on
// each other's internals").
type chatAdapter struct {
	o        *orchestrator.Orchestrator
	guardian *guardian.Guardian
}

// rejectedErrClasses is every turn.ErrorClass that must surface to the HTTP
// client as a non-200 rejection instead of the canned-apology response text
// baked into tr.ResponseText, per spec.md §6/§7 ("guardian_reject,
// breaker_open surface as 503... not retried locally"; quota back-pressure
// returns 429).
var rejectedErrClasses = map[turn.ErrorClass]bool{
	turn.ErrClassGuardianReject: true,
	turn.ErrClassBreakerOpen:    true,
	turn.ErrClassRateLimited:    true,
	turn.ErrClassTimeout:        true,
	turn.ErrClassToolFailure:    true,
	turn.ErrClassSchema:         true,
	turn.ErrClassInternal:       true,
}

func (a *chatAdapter) RunTurn(ctx context.Context, traceID, sessionID, lang, message string, facts []string) httpapi.ChatResult {
	tr := a.o.Run(ctx, traceID, sessionID, lang, message, facts)
	if rejectedErrClasses[tr.ErrClass] {
		return httpapi.ChatResult{
			Rejected:          true,
			ErrClass:          string(tr.ErrClass),
			RetryAfterSeconds: retryAfterFor(tr.ErrClass, a.guardian.State()),
			TraceID:           tr.TraceID,
		}
	}
	return httpapi.ChatResult{
		Text:      tr.ResponseText,
		Route:     string(tr.Route),
		RouteHint: tr.RouteHint,
		Intent:    tr.Intent,
		CacheTier: string(tr.CacheOutcome),
		TraceID:   tr.TraceID,
	}
}

// retryAfterFor picks the Retry-After hint seconds. Guardian rejections
// scale with how bad the host state is; every other rejected class gets a
// short fixed backoff since those conditions (breaker cooldown, quota
// window, a single timed-out backend call) resolve independently of host
// pressure.
func retryAfterFor(class turn.ErrorClass, s guardian.State) int {
	if class != turn.ErrClassGuardianReject {
		return 5
	}
	switch s {
	case guardian.StateLockdown:
		return 60
	case guardian.StateEmergency:
		return 30
	case guardian.StateBrownout:
		return 5
	default:
		return 10
	}
}

// statusAdapter implements httpapi.HealthReporter/StatusReporter by reading
// the read-mostly singletons' snapshot accessors; it never mutates them.
type statusAdapter struct {
	g       *guardian.Guardian
	br      *breaker.Registry
	b       *bandit.Router
	quotas  map[turn.Route]*breaker.Quota
	sloGate *telemetry.SLOGate
}

func (s *statusAdapter) Health(ctx context.Context) any {
	deps := map[string]string{}
	for _, name := range s.br.Names() {
		deps[name] = s.br.State(name)
	}
	overall := "ok"
	if s.g.State() != guardian.StateNormal {
		overall = "degraded"
	}
	return map[string]any{
		"status":       overall,
		"guardian":     s.g.State(),
		"dependencies": deps,
	}
}

func (s *statusAdapter) StatusSimple(ctx context.Context) any {
	return map[string]any{
		"guardian_state": s.g.State(),
		"slo":            s.sloGate.Snapshot(),
	}
}

func (s *statusAdapter) StatusRoutes(ctx context.Context) any {
	out := map[string]any{}
	for route, q := range s.quotas {
		reqs, errs, cost, inFlight := q.Snapshot()
		out[string(route)] = map[string]any{
			"requests":  reqs,
			"errors":    errs,
			"cost":      cost,
			"in_flight": inFlight,
		}
	}
	return map[string]any{"quotas": out, "bandit": s.b.Snapshot()}
}

func (s *statusAdapter) StatusGuardian(ctx context.Context) any {
	cur := s.g.Current()
	return map[string]any{
		"state":      cur.State,
		"entered_at": cur.EnteredAt,
		"reasons":    cur.Reasons,
		"policy":     cur.Policy,
	}
}

// cacheInvalidateAdapter implements httpapi.CacheInvalidator.
type cacheInvalidateAdapter struct {
	c *cache.Cache
}

func (a *cacheInvalidateAdapter) Invalidate(ctx context.Context, intent, schemaVersion, depsVersion string) error {
	if intent != "" {
		return a.c.Invalidate(ctx, intent)
	}
	if schemaVersion != "" || depsVersion != "" {
		return a.c.InvalidateAll(ctx)
	}
	return nil
}

// runGRPCHealth serves the standard gRPC Health Checking Protocol over g,
// optionally behind mTLS, grounded on the teacher's model-gateway pattern.
func runGRPCHealth(log *slog.Logger, addr string, g *guardian.Guardian) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc health listen: %w", err)
	}

	opts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if creds, enabled, err := grpchealth.LoadServerCreds(); err != nil {
		return nil, err
	} else if enabled {
		opts = append(opts, grpc.Creds(creds))
		log.Info("grpc_health_mtls_enabled")
	} else {
		log.Warn("grpc_health_mtls_disabled", "reason", "TLS_* env vars not set, running insecure")
	}

	s := grpc.NewServer(opts...)
	grpc_health_v1.RegisterHealthServer(s, grpchealth.NewServer(g))

	go func() {
		log.Info("grpc_health_listening", "addr", addr)
		if err := s.Serve(lis); err != nil {
			log.Error("grpc_health_serve_failed", "error", err)
		}
	}()
	return s, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := config.NewStore(config.FromEnv())
	cfg := store.Get()
	log := logger.NewContextLogger(ctx)
	if err := cfg.Validate(); err != nil {
		logger.Fatalf(log, "invalid_config", "error", err)
	}

	otelShutdown, promHandler, err := initOpenTelemetry(ctx, cfg.ServiceName)
	if err != nil {
		log.Error("otel_init_failed", "error", err)
		otelShutdown = func(context.Context) error { return nil }
		promHandler = nil
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Error("otel_shutdown_failed", "error", err)
		}
	}()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	defer rdb.Close()

	hostSampler := guardian.NewProcHostMetrics()
	g := guardian.New(ctx, cfg.Guardian, hostSampler)
	defer g.Stop()

	c := cache.New(rdb, cfg.Cache)

	nluRemote := nlu.NewHTTPClient(getenv("NLU_BASE_URL", "http://localhost:8100"))
	n := nlu.New(nluRemote, cfg.Timeouts.NLUBudget)

	b := bandit.New(cfg.Router.CanaryShare, cfg.Router.MicroMaxShare)
	if snap := bandit.Load(cfg.Paths.BanditSnapDir); len(snap.Arms) > 0 {
		b.Restore(snap)
		log.Info("bandit_snapshot_restored", "dir", cfg.Paths.BanditSnapDir)
	}

	br := breaker.NewRegistry()

	quotas := map[turn.Route]*breaker.Quota{
		turn.RoutePlanner: breaker.NewQuota(10*time.Second, 6, 0, cfg.Router.PlannerMaxConcurrent),
		turn.RouteDeep:    breaker.NewQuota(10*time.Second, 6, 0, cfg.Router.DeepMaxConcurrent),
	}

	reg, err := planner.LoadRegistry(cfg.Paths.RegistryFile)
	if err != nil {
		logger.Fatalf(log, "registry_load_failed", "path", cfg.Paths.RegistryFile, "error", err)
	}
	tools := registerTools(reg, br)

	micro := mustRuntime(log, "mock", "MICRO")
	plannerRT := mustRuntime(log, "mock", "PLANNER")
	deep := mustRuntime(log, "mock", "DEEP")
	backends := llm.NewBackends(micro, plannerRT, deep)

	metrics := telemetry.NewMetrics(promclient.DefaultRegisterer)
	recorder := telemetry.NewRecorder(cfg.Paths.TelemetryDir)
	sloGate := telemetry.NewSLOGate(500)

	auditDB, err := audit.Open(cfg.Paths.AuditDBPath)
	if err != nil {
		logger.Fatalf(log, "audit_open_failed", "error", err)
	}
	defer auditDB.Close()

	publish := func(ctx context.Context, event string, payload any) {
		if err := rdb.Publish(ctx, "alice_turns", fmt.Sprintf("%v", payload)).Err(); err != nil {
			log.Warn("turn_publish_failed", "error", err)
		}
	}

	identity := orchestrator.DefaultIdentity()
	identity.DepsVersion = reg.SchemaVersion
	orch := orchestrator.New(cfg, identity, g, c, n, b, br, quotas, reg, tools, backends, metrics, recorder, sloGate, auditDB, publish)

	stAdapter := &statusAdapter{g: g, br: br, b: b, quotas: quotas, sloGate: sloGate}
	deps := httpapi.Deps{
		Config:      cfg,
		Store:       store,
		Rdb:         rdb,
		Chat:        &chatAdapter{o: orch, guardian: g},
		Health:      stAdapter,
		StatusBoard: stAdapter,
		Invalidator: &cacheInvalidateAdapter{c: c},
		PromHandler: promHandler,
	}
	router := httpapi.NewRouter(deps)
	server := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	grpcHealthServer, err := runGRPCHealth(log, ":"+cfg.GRPCHealthPort, g)
	if err != nil {
		log.Error("grpc_health_init_failed", "error", err)
	}

	go func() {
		log.Info("orchestrator_listening", "port", cfg.HTTPPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http_server_failed", "error", err)
			os.Exit(1)
		}
	}()

	snapshotTicker := time.NewTicker(5 * time.Minute)
	defer snapshotTicker.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-snapshotTicker.C:
				if err := bandit.Save(b, cfg.Paths.BanditSnapDir); err != nil {
					log.Warn("bandit_snapshot_failed", "error", err)
				}
			}
		}
	}()

	<-ctx.Done()
	log.Info("shutdown_start")

	if err := bandit.Save(b, cfg.Paths.BanditSnapDir); err != nil {
		log.Error("bandit_snapshot_on_shutdown_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server_shutdown_forced", "error", err)
	}
	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}
	log.Info("shutdown_complete")
}
