// Package nlu calls the external intent classifier and guards it with a
// deterministic Swedish regex layer, the same "fast-path before the remote
// call" idiom the teacher applies with its mock-vs-remote LLM client split
// in backend-go-model-gateway/main.go.
package nlu

import (
	"context"
	"regexp"
	"strings"
	"time"
)

// Result is the normalized output of Parse, matching the NLU→Orchestrator
// contract named in spec.md §4.6/§9: {intent, confidence, slots, route_hint}
// plus mood_score, which is parsed and forwarded but otherwise unused (see
// DESIGN.md).
type Result struct {
	Intent     string
	Confidence float64
	Slots      map[string]string
	RouteHint  string
	MoodScore  float64
	Source     string // "guard", "remote", "fallback"
}

// Client is the external NLU/entailment service boundary. The real backend
// is an opaque remote HTTP service per spec.md's explicit Non-goal; this
// module only depends on the interface.
type Client interface {
	Classify(ctx context.Context, text string) (Result, error)
}

// Gateway composes the deterministic regex guard, the remote Client, and the
// rule-based fallback used on error or timeout.
type Gateway struct {
	remote Client
	budget time.Duration
}

// New constructs a Gateway calling remote within budget (spec.md: "strict
// timeouts, ≤ 80ms P95").
func New(remote Client, budget time.Duration) *Gateway {
	return &Gateway{remote: remote, budget: budget}
}

type guardPattern struct {
	intent string
	re     *regexp.Regexp
}

// guardPatterns are the deterministic, high-precision Swedish regex guard:
// greeting, time, weather, email, calendar. Order matters; the first match
// wins.
var guardPatterns = []guardPattern{
	{"greeting", regexp.MustCompile(`(?i)^\s*(hej|tjena|hallå|god\s*(morgon|kväll|dag))\b`)},
	{"time.now", regexp.MustCompile(`(?i)\b(vad\s+är\s+klockan|vilken\s+tid\s+är\s+det)\b`)},
	{"weather.lookup", regexp.MustCompile(`(?i)\b(väder|vädret|regnar?|temperatur)\b`)},
	{"contact.email", regexp.MustCompile(`(?i)\b[\w.+-]+@[\w-]+\.[a-z]{2,}\b`)},
	{"calendar.create", regexp.MustCompile(`(?i)\b(boka|schemalägg)\s+(ett\s+)?möte\b`)},
}

// guardConfidence is the strong confidence assigned to a regex guard match.
const guardConfidence = 0.98

// intentGuard checks text against the closed set of deterministic patterns.
// It never mutates text.
func intentGuard(text string) (Result, bool) {
	for _, p := range guardPatterns {
		if p.re.MatchString(text) {
			return Result{
				Intent:     p.intent,
				Confidence: guardConfidence,
				Slots:      map[string]string{},
				RouteHint:  "MICRO",
				Source:     "guard",
			}, true
		}
	}
	return Result{}, false
}

// lowConfidenceThreshold is the NLU confidence below which the guard result
// (if any) is preferred, or a fallback is produced, rather than trusting a
// shaky remote classification.
const lowConfidenceThreshold = 0.4

// fallback produces the deterministic rule-based intent used whenever the
// remote call errors, times out, or both the guard and the remote return low
// confidence.
func fallback(text string) Result {
	intent := "misc.chat"
	if strings.Contains(text, "?") {
		intent = "question.general"
	}
	return Result{
		Intent:     intent,
		Confidence: 0.2,
		Slots:      map[string]string{},
		RouteHint:  "MICRO",
		Source:     "fallback",
	}
}

// Parse resolves the intent for text. It never mutates text. The guard runs
// first and short-circuits on match; otherwise the remote classifier is
// called within the configured budget, falling back to a rule-based result
// on error, timeout, or persistent low confidence.
func (g *Gateway) Parse(ctx context.Context, text string) Result {
	if r, ok := intentGuard(text); ok {
		return r
	}

	if g.remote == nil {
		return fallback(text)
	}

	cctx, cancel := context.WithTimeout(ctx, g.budget)
	defer cancel()

	r, err := g.remote.Classify(cctx, text)
	if err != nil {
		return fallback(text)
	}
	if r.Confidence < lowConfidenceThreshold {
		return fallback(text)
	}
	r.Source = "remote"
	return r
}
