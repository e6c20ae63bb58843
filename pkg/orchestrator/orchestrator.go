// Package orchestrator wires the admission controller, fingerprint/cache,
// NLU gateway, bandit router, planner, and backend clients into the
// single-pass turn lifecycle of spec.md §4.9, using the teacher's AgentLoop
// span-per-stage tracing idiom (tracer.Start(ctx, "...") per step)
// generalized from the teacher's Memory->Plan->Tool loop to this graph.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/singleflight"

	"github.com/alicev2/orchestrator/internal/audit"
	"github.com/alicev2/orchestrator/internal/config"
	"github.com/alicev2/orchestrator/internal/logger"
	"github.com/alicev2/orchestrator/pkg/bandit"
	"github.com/alicev2/orchestrator/pkg/breaker"
	"github.com/alicev2/orchestrator/pkg/cache"
	"github.com/alicev2/orchestrator/pkg/fingerprint"
	"github.com/alicev2/orchestrator/pkg/guardian"
	"github.com/alicev2/orchestrator/pkg/llm"
	"github.com/alicev2/orchestrator/pkg/nlu"
	"github.com/alicev2/orchestrator/pkg/planner"
	"github.com/alicev2/orchestrator/pkg/telemetry"
	"github.com/alicev2/orchestrator/pkg/turn"
)

var tracer = otel.Tracer("alice-orchestrator")

// Identity is the deployment-wide set of version/locale stamps mixed into
// every fingerprint, kept separate from per-turn inputs so a deliberate bump
// (schema change, model generation upgrade) invalidates prior cache entries
// by construction, per spec.md §4.4/§4.5 invariant (iv).
type Identity struct {
	SchemaVersion   string
	DepsVersion     string
	Locale          string
	PersonaMode     string
	SafetyMode      string
	ModelGeneration string
}

// DefaultIdentity returns the sane stamp set used when the deployment has
// not overridden any of them.
func DefaultIdentity() Identity {
	return Identity{
		SchemaVersion:   "1",
		DepsVersion:     "1",
		Locale:          "sv-SE",
		PersonaMode:     "default",
		SafetyMode:      "standard",
		ModelGeneration: "gen1",
	}
}

// Orchestrator holds every component wired together for the turn lifecycle.
type Orchestrator struct {
	cfg      config.Config
	identity Identity

	guardian *guardian.Guardian
	cache    *cache.Cache
	nlu      *nlu.Gateway
	bandit   *bandit.Router
	breakers *breaker.Registry
	quotas   map[turn.Route]*breaker.Quota
	registry *planner.Registry
	tools    *planner.ToolRegistry
	backends *llm.Backends
	metrics  *telemetry.Metrics
	recorder *telemetry.Recorder
	sloGate  *telemetry.SLOGate
	auditDB  *audit.DB

	// publish notifies an external subscriber (the alice_turns channel) of
	// turn completion; nil is a valid no-op.
	publish func(ctx context.Context, event string, payload any)

	buildGroup singleflight.Group
	routeMemo  sync.Map // fingerprint key string -> turn.Route, written by the single-flight leader
}

// New constructs an Orchestrator from its already-initialized dependencies.
// Orchestrator does not own any dependency's lifecycle.
func New(
	cfg config.Config,
	identity Identity,
	g *guardian.Guardian,
	c *cache.Cache,
	n *nlu.Gateway,
	b *bandit.Router,
	br *breaker.Registry,
	quotas map[turn.Route]*breaker.Quota,
	reg *planner.Registry,
	tools *planner.ToolRegistry,
	backends *llm.Backends,
	metrics *telemetry.Metrics,
	recorder *telemetry.Recorder,
	sloGate *telemetry.SLOGate,
	auditDB *audit.DB,
	publish func(ctx context.Context, event string, payload any),
) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		identity: identity,
		guardian: g,
		cache:    c,
		nlu:      n,
		bandit:   b,
		breakers: br,
		quotas:   quotas,
		registry: reg,
		tools:    tools,
		backends: backends,
		metrics:  metrics,
		recorder: recorder,
		sloGate:  sloGate,
		auditDB:  auditDB,
		publish:  publish,
	}
}

// routeBudgets reports the first-token and full-response timeouts for a
// given route, per spec.md §4.9 step 7. firstToken is unenforced today since
// pkg/llm.Runtime.Complete is a non-streaming call; it is returned so a
// future streaming backend can cancel on first-token budget without
// changing this signature.
func (o *Orchestrator) routeBudgets(r turn.Route) (firstToken, full time.Duration) {
	switch r {
	case turn.RoutePlanner:
		return o.cfg.Timeouts.PlannerFirstToken, o.cfg.Timeouts.PlannerFull
	case turn.RouteDeep:
		return o.cfg.Timeouts.DeepFirstToken, o.cfg.Timeouts.DeepFull
	default:
		return o.cfg.Timeouts.MicroFirstToken, o.cfg.Timeouts.MicroFirstToken
	}
}

func difficultyFor(r turn.Route) string {
	switch r {
	case turn.RouteDeep:
		return "hard"
	case turn.RoutePlanner:
		return "medium"
	default:
		return "easy"
	}
}

// armAvailable masks bandit arms by breaker state and Guardian policy, the
// "clamp by Guardian/Quotas/Breakers" step named in spec.md §4.9 step 6.
func (o *Orchestrator) armAvailable(a bandit.Arm) bool {
	if a == bandit.ArmDeep && !o.cfg.Router.DeepEnabled {
		return false
	}
	if !o.breakers.Allow("llm:" + string(a)) {
		return false
	}
	if q, ok := o.quotas[turn.Route(a)]; ok && q != nil && !q.HasRoom() {
		return false
	}
	decision, _ := o.guardian.Admit(string(a), 1.0)
	return decision != guardian.DecisionReject
}

// Run executes one turn end-to-end: Guardian admission, NLU resolution,
// fingerprinting, cache lookup, bandit dispatch, optional planner
// validation/execution, cache store, bandit reward, and telemetry emission.
// It returns the finished Turn; callers render the HTTP response (including
// the X-Route/X-Intent/X-Cache headers) from it.
func (o *Orchestrator) Run(ctx context.Context, traceID, sessionID, lang, rawText string, contextFacts []string) *turn.Turn {
	ctx, span := tracer.Start(ctx, "Turn")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	tr := turn.NewTurn(traceID, sessionID, lang, rawText)
	defer func() {
		tr.Finish()
		o.emit(ctx, tr)
	}()

	entrySnap := o.guardian.Current()
	tr.GuardianStateAtEntry = string(entrySnap.State)

	_, admitSpan := tracer.Start(ctx, "GuardianAdmit")
	decision, reason := o.guardian.Admit(string(turn.RouteMicro), 1.0)
	admitSpan.SetAttributes(attribute.String("decision", string(decision)))
	admitSpan.End()
	if decision == guardian.DecisionReject {
		tr.ErrClass = turn.ErrClassGuardianReject
		_ = o.recordAudit(ctx, tr, "ADMIT_REJECT", map[string]any{"reason": reason})
		tr.GuardianStateAtExit = string(o.guardian.Current().State)
		return tr
	}
	_ = o.recordAudit(ctx, tr, "ADMIT_OK", nil)

	nluCtx, nluSpan := tracer.Start(ctx, "NLUParse")
	nluResult := o.nlu.Parse(nluCtx, rawText)
	nluSpan.SetAttributes(attribute.String("intent", nluResult.Intent), attribute.Float64("confidence", nluResult.Confidence))
	nluSpan.End()

	tr.Intent = nluResult.Intent
	tr.IntentConfidence = nluResult.Confidence
	tr.RouteHint = nluResult.RouteHint
	_ = o.recordAudit(ctx, tr, "NLU_PARSE", map[string]any{"intent": nluResult.Intent, "source": nluResult.Source})

	canonical := fingerprint.Canonicalize(rawText)
	key := fingerprint.Build(fingerprint.Input{
		RawText:       rawText,
		Intent:        nluResult.Intent,
		ContextFacts:  contextFacts,
		SchemaVersion: o.identity.SchemaVersion,
		DepsVersion:   o.identity.DepsVersion,
		Locale:        o.identity.Locale,
		PersonaMode:   o.identity.PersonaMode,
		SafetyMode:    o.identity.SafetyMode,
		ModelID:       o.identity.ModelGeneration,
	})

	cacheCtx, cacheSpan := tracer.Start(ctx, "CacheLookup")
	lookup, lookupErr := o.cache.Lookup(cacheCtx, key, nluResult.Intent, canonical)
	cacheSpan.SetAttributes(attribute.String("tier", lookup.Tier.String()))
	cacheSpan.End()

	switch {
	case lookupErr != nil && lookupErr == cache.ErrNegative:
		tr.CacheOutcome = turn.CacheTierL3
		tr.ResponseText = "Jag kan inte hjälpa till med det just nu, försök igen om en liten stund."
		_ = o.recordAudit(ctx, tr, "CACHE_NEGATIVE_HIT", nil)
		tr.GuardianStateAtExit = string(o.guardian.Current().State)
		return tr

	case lookup.Hit:
		tr.CacheOutcome = turn.CacheTier(lookup.Tier.String())
		tr.ResponseText = lookup.Entry.ResponseText
		tr.Route = turn.Route(lookup.Entry.StoredBy)
		_ = o.recordAudit(ctx, tr, "CACHE_HIT", map[string]any{"tier": lookup.Tier.String()})
		tr.GuardianStateAtExit = string(o.guardian.Current().State)
		return tr
	}

	tr.CacheOutcome = turn.CacheTierMiss
	_ = o.recordAudit(ctx, tr, "CACHE_MISS", nil)

	respText, buildErr := o.buildOnce(ctx, key, canonical, tr, nluResult)
	if buildErr != nil {
		tr.ErrClass = classifyBuildErr(buildErr)
		span.RecordError(buildErr)
		span.SetStatus(codes.Error, buildErr.Error())
		tr.ResponseText = "Något gick fel, försök igen."
		_ = o.recordAudit(ctx, tr, "BUILD_ERROR", map[string]any{"error": buildErr.Error()})
		if isDeterministicFailure(tr.ErrClass) {
			if negErr := o.cache.StoreNegative(ctx, key, o.cfg.Cache.NegativeTTLDefault); negErr != nil {
				logger.NewContextLogger(ctx).Warn("cache_store_negative_failed", "error", negErr)
			}
		}
	} else {
		tr.ResponseText = respText
	}

	if route, ok := o.routeMemo.Load(key.String()); ok {
		tr.Route = route.(turn.Route)
	}

	tr.GuardianStateAtExit = string(o.guardian.Current().State)
	return tr
}

// buildOnce deduplicates concurrent identical-fingerprint builds: only one
// caller runs the bandit choice, backend dispatch, planner validation, and
// cache store; every concurrent waiter for the same key receives the
// leader's result, per spec.md §4.9's single-flight note at step 4/5.
func (o *Orchestrator) buildOnce(ctx context.Context, key fingerprint.Key, canonical string, tr *turn.Turn, nluResult nlu.Result) (string, error) {
	v, err, _ := o.buildGroup.Do(key.String(), func() (any, error) {
		return o.dispatchAndStore(ctx, tr, key, canonical, nluResult)
	})
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (o *Orchestrator) dispatchAndStore(ctx context.Context, tr *turn.Turn, key fingerprint.Key, canonical string, nluResult nlu.Result) (string, error) {
	bctx := bandit.Context{
		IntentConfidence: nluResult.Confidence,
		TextLength:       len(tr.RawText),
		HasQuestion:      strings.Contains(tr.RawText, "?"),
		CacheHintPresent: false,
		GuardianState:    tr.GuardianStateAtEntry,
	}

	_, banditSpan := tracer.Start(ctx, "BanditChoose")
	arm := o.bandit.Choose(bctx, o.armAvailable)
	banditSpan.SetAttributes(attribute.String("arm", string(arm)))
	banditSpan.End()
	o.routeMemo.Store(key.String(), turn.Route(arm))

	quota := o.quotas[turn.Route(arm)]
	if quota != nil && !quota.TryAdmit() {
		return "", fmt.Errorf("orchestrator: %w: %s", breaker.ErrQuotaExhausted, arm)
	}

	_, fullBudget := o.routeBudgets(turn.Route(arm))
	dctx, cancel := context.WithTimeout(ctx, fullBudget)
	defer cancel()

	start := time.Now()
	dispatchCtx, dispatchSpan := tracer.Start(dctx, "BackendDispatch")
	raw, err := breaker.Execute(o.breakers, "llm:"+string(arm), func() (string, error) {
		return o.backends.Complete(dispatchCtx, turn.Route(arm), systemPromptFor(turn.Route(arm), nluResult.Intent), tr.RawText)
	})
	dispatchSpan.End()
	latencyMS := float64(time.Since(start).Milliseconds())
	if quota != nil {
		quota.Release(err != nil, latencyMS)
	}

	if err != nil {
		o.bandit.Update(arm, bandit.Reward(false, latencyMS, float64(fullBudget.Milliseconds()), 0, 0))
		return "", fmt.Errorf("orchestrator: backend dispatch: %w", err)
	}

	responseText := raw
	if arm == bandit.ArmPlanner {
		responseText, err = o.runPlanner(dctx, tr, raw)
		if err != nil {
			o.bandit.Update(arm, bandit.Reward(false, latencyMS, float64(fullBudget.Milliseconds()), 0, 0))
			return "", err
		}
	}

	o.bandit.Update(arm, bandit.Reward(true, latencyMS, float64(fullBudget.Milliseconds()), 0, 0))

	difficulty := difficultyFor(turn.Route(arm))
	if difficulty != "hard" {
		if storeErr := o.cache.Store(ctx, key, nluResult.Intent, canonical, responseText, string(arm), difficulty); storeErr != nil {
			logger.NewContextLogger(ctx).Warn("cache_store_failed", "error", storeErr)
		}
	}

	if o.publish != nil {
		o.publish(ctx, "turn_completed", map[string]any{
			"trace_id":   tr.TraceID,
			"session_id": tr.SessionID,
			"route":      string(arm),
			"intent":     nluResult.Intent,
		})
	}

	return responseText, nil
}

func (o *Orchestrator) runPlanner(ctx context.Context, tr *turn.Turn, raw string) (string, error) {
	planCtx, planSpan := tracer.Start(ctx, "PlannerValidateExecute")
	defer planSpan.End()

	plan, err := planner.ParseStrict(raw)
	if err != nil {
		return "", fmt.Errorf("orchestrator: %w", err)
	}
	vr := planner.Validate(o.registry, plan)
	if vr.Err != nil {
		return "", fmt.Errorf("orchestrator: %w", vr.Err)
	}

	outcome, attempts := o.tools.ExecuteWithFallback(planCtx, o.registry, vr.Plan)
	for _, a := range attempts {
		tr.RecordToolCall(a.Tool, a.Class, time.Duration(a.LatMS)*time.Millisecond)
	}
	if outcome.Err != nil {
		return "", fmt.Errorf("orchestrator: tool execution: %w", outcome.Err)
	}
	return outcome.Output, nil
}

func systemPromptFor(route turn.Route, intent string) string {
	switch route {
	case turn.RoutePlanner:
		return "You are Alice's planner. Respond with a single strict JSON plan object matching the registered tool schema for intent " + intent + "."
	case turn.RouteDeep:
		return "You are Alice's deep reasoning backend, answering intent " + intent + " thoroughly."
	default:
		return "You are Alice, a concise on-device assistant answering intent " + intent + "."
	}
}

// isDeterministicFailure reports whether a build failure is guaranteed to
// recur on an identical retry, per spec.md §4.5's "not stored as L3 unless
// the error class indicates determinism (schema, 4xx)" rule. Backend
// timeouts, breaker-open, and generic internal errors are transient and must
// not poison L3, since a later retry of the same fingerprint may succeed.
func isDeterministicFailure(class turn.ErrorClass) bool {
	return class == turn.ErrClassSchema
}

func classifyBuildErr(err error) turn.ErrorClass {
	switch {
	case err == nil:
		return turn.ErrClassNone
	case errors.Is(err, context.DeadlineExceeded):
		return turn.ErrClassTimeout
	default:
		msg := err.Error()
		switch {
		case strings.Contains(msg, "planner:"):
			return turn.ErrClassSchema
		case strings.Contains(msg, "tool execution"):
			return turn.ErrClassToolFailure
		case strings.Contains(msg, breaker.ErrQuotaExhausted.Error()):
			return turn.ErrClassRateLimited
		case strings.Contains(msg, breaker.ErrOpen.Error()):
			return turn.ErrClassBreakerOpen
		default:
			return turn.ErrClassInternal
		}
	}
}

func (o *Orchestrator) recordAudit(ctx context.Context, tr *turn.Turn, eventType string, data any) error {
	if o.auditDB == nil {
		return nil
	}
	return o.auditDB.RecordStep(ctx, tr.TraceID, tr.SessionID, eventType, data)
}

func (o *Orchestrator) emit(ctx context.Context, tr *turn.Turn) {
	if o.recorder == nil && o.metrics == nil && o.sloGate == nil {
		return
	}
	maskingEnabled := o.cfg.Privacy.PIIMaskingEnabled
	ev := telemetry.FromTurn(tr, maskingEnabled)
	if maskingEnabled && ev.PIIMasked {
		tr.ResponseText = telemetry.MaskPII(tr.ResponseText)
		tr.PIIMasked = true
	}
	if o.recorder != nil {
		if err := o.recorder.Emit(ev); err != nil {
			logger.NewContextLogger(ctx).Warn("telemetry_emit_failed", "error", err)
		}
	}
	if o.metrics != nil {
		o.metrics.Observe(ev)
	}
	if o.sloGate != nil {
		o.sloGate.Record(ev)
	}
	_ = o.recordAudit(ctx, tr, "TURN_END", map[string]any{"route": string(tr.Route), "cache_tier": string(tr.CacheOutcome)})
}
