package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/alicev2/orchestrator/pkg/breaker"
	"github.com/alicev2/orchestrator/pkg/turn"
)

// ToolFunc invokes one registered tool. Implementations reach the actual
// MCP-style tool backend (the teacher's executeToolGRPC equivalent); this
// package only owns dispatch, breaker wrapping, and fallback-chain walking.
type ToolFunc func(ctx context.Context, args map[string]string) (string, error)

// ToolRegistry maps tool names to their invocation function and per-tool
// timeout, mirroring the teacher's gRPC ToolService client but generalized
// to an arbitrary backend per tool.
type ToolRegistry struct {
	breakers *breaker.Registry
	funcs    map[string]ToolFunc
	timeout  map[string]time.Duration
}

// NewToolRegistry constructs an empty ToolRegistry backed by br.
func NewToolRegistry(br *breaker.Registry) *ToolRegistry {
	return &ToolRegistry{
		breakers: br,
		funcs:    make(map[string]ToolFunc),
		timeout:  make(map[string]time.Duration),
	}
}

// Register adds a tool implementation with its call timeout.
func (t *ToolRegistry) Register(name string, fn ToolFunc, timeout time.Duration) {
	t.funcs[name] = fn
	t.timeout[name] = timeout
}

// ExecutionOutcome is one tool-call attempt's result, recorded into the
// turn's tool-call list regardless of success.
type ExecutionOutcome struct {
	Tool    string
	Output  string
	Err     error
	Class   turn.ToolCallClass
	LatMS   int64
}

func classifyErr(err error) turn.ToolCallClass {
	switch {
	case err == nil:
		return turn.ToolClassOK
	case err == context.DeadlineExceeded:
		return turn.ToolClassTimeout
	case err == breaker.ErrOpen:
		return turn.ToolClass5xx
	default:
		return turn.ToolClassOther
	}
}

// invoke calls one named tool through its breaker with its configured
// timeout, recording a turn.ToolCallRecord-compatible outcome.
func (t *ToolRegistry) invoke(ctx context.Context, name string, args map[string]string) ExecutionOutcome {
	fn, ok := t.funcs[name]
	if !ok {
		return ExecutionOutcome{Tool: name, Err: fmt.Errorf("planner: no implementation registered for tool %q", name), Class: turn.ToolClassOther}
	}
	timeout := t.timeout[name]
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	start := time.Now()
	out, err := breaker.WithTimeout(ctx, t.breakers, "tool:"+name, timeout, func(cctx context.Context) (string, error) {
		return fn(cctx, args)
	})
	lat := time.Since(start).Milliseconds()

	return ExecutionOutcome{Tool: name, Output: out, Err: err, Class: classifyErr(err), LatMS: lat}
}

// ExecuteWithFallback walks reg's fallback chain for plan.Tool in order,
// stopping at the first success. At most one fallback chain is walked per
// turn, per spec.md §4.8; every attempt (including failed ones) is appended
// to attempts so the orchestrator can record each tool call's error class.
func (t *ToolRegistry) ExecuteWithFallback(ctx context.Context, reg *Registry, plan Plan) (ExecutionOutcome, []ExecutionOutcome) {
	chain := reg.FallbackChain(plan.Tool)
	if len(chain) == 0 {
		chain = []string{plan.Tool}
	}

	var attempts []ExecutionOutcome
	for _, toolName := range chain {
		args := plan.Args
		if spec, ok := reg.Tools[toolName]; ok && toolName != plan.Tool {
			// a fallback tool may have a narrower arg schema than the
			// primary tool; only carry across args it actually declares.
			args = BuildArgsDeterministic(spec, plan.Args)
		}
		outcome := t.invoke(ctx, toolName, args)
		attempts = append(attempts, outcome)
		if outcome.Err == nil {
			return outcome, attempts
		}
	}
	return attempts[len(attempts)-1], attempts
}
