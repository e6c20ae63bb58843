package llm

import (
	"context"
	"fmt"

	"github.com/alicev2/orchestrator/pkg/turn"
)

// Backends holds one Runtime per route. The orchestrator looks up the
// runtime for the bandit's chosen arm and calls it with a per-route budget.
type Backends struct {
	runtimes map[turn.Route]*Runtime
}

// NewBackends constructs a Backends set; any route with a nil Runtime will
// error on Complete rather than at construction, so a partially-configured
// deployment (e.g. DEEP disabled) still boots.
func NewBackends(micro, planner, deep *Runtime) *Backends {
	return &Backends{runtimes: map[turn.Route]*Runtime{
		turn.RouteMicro:   micro,
		turn.RoutePlanner: planner,
		turn.RouteDeep:    deep,
	}}
}

// Complete dispatches a chat completion to the Runtime configured for
// route.
func (b *Backends) Complete(ctx context.Context, route turn.Route, systemPrompt, userPrompt string) (string, error) {
	rt, ok := b.runtimes[route]
	if !ok || rt == nil {
		return "", fmt.Errorf("llm: no runtime configured for route %s", route)
	}
	return rt.Complete(ctx, systemPrompt, userPrompt)
}

// ModelFor reports the model name configured for route, for telemetry.
func (b *Backends) ModelFor(route turn.Route) string {
	if rt, ok := b.runtimes[route]; ok && rt != nil {
		return rt.Model
	}
	return ""
}
