package planner

import (
	"encoding/json"
	"fmt"
)

// Plan is the strict backend-produced JSON object validated against the
// registry, per spec.md §4.8: {intent, tool, args, render_instruction,
// confidence, reason}. Unknown keys are forbidden.
type Plan struct {
	Intent            string            `json:"intent"`
	Tool              string            `json:"tool"`
	Args              map[string]string `json:"args"`
	RenderInstruction string            `json:"render_instruction"`
	Confidence        float64           `json:"confidence"`
	Reason            string            `json:"reason"`
}

var allowedPlanKeys = map[string]bool{
	"intent": true, "tool": true, "args": true,
	"render_instruction": true, "confidence": true, "reason": true,
}

// RepairBudget bounds auto-repair attempts to at most one per turn, per
// spec.md §4.8.
const RepairBudget = 1

// ParseStrict unmarshals raw plan JSON, rejecting any key not in the fixed
// schema.
func ParseStrict(raw string) (Plan, error) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return Plan{}, fmt.Errorf("planner: invalid plan JSON: %w", err)
	}
	for k := range generic {
		if !allowedPlanKeys[k] {
			return Plan{}, fmt.Errorf("planner: unknown plan key %q", k)
		}
	}

	var p Plan
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Plan{}, fmt.Errorf("planner: plan field type mismatch: %w", err)
	}
	return p, nil
}

// ValidationResult reports whether a plan passed validation, and whether a
// repair was applied.
type ValidationResult struct {
	Plan     Plan
	Repaired bool
	Err      error
}

// Validate enforces enum membership for tool/render_instruction and
// tool-specific args schema conformance, applying at most RepairBudget
// synonym-based repairs before giving up.
func Validate(reg *Registry, p Plan) ValidationResult {
	repaired := false

	if !reg.IsValidTool(p.Tool) {
		if canon, ok := reg.CanonicalTool(p.Tool); ok {
			p.Tool = canon
			repaired = true
		} else {
			return ValidationResult{Plan: p, Err: fmt.Errorf("planner: tool %q is not a known enum value", p.Tool)}
		}
	}

	if !reg.IsValidRenderInstruction(p.RenderInstruction) {
		if repaired {
			// repair budget already spent this turn
			return ValidationResult{Plan: p, Err: fmt.Errorf("planner: render_instruction %q invalid and repair budget exhausted", p.RenderInstruction)}
		}
		if canon, ok := reg.CanonicalRenderInstruction(p.RenderInstruction); ok {
			p.RenderInstruction = canon
			repaired = true
		} else {
			return ValidationResult{Plan: p, Err: fmt.Errorf("planner: render_instruction %q is not a known enum value", p.RenderInstruction)}
		}
	}

	spec, ok := reg.Tools[p.Tool]
	if !ok {
		return ValidationResult{Plan: p, Err: fmt.Errorf("planner: tool %q missing from registry after repair", p.Tool)}
	}
	for field := range spec.ArgsSchema {
		if _, present := p.Args[field]; !present {
			return ValidationResult{Plan: p, Err: fmt.Errorf("planner: tool %q missing required arg %q", p.Tool, field)}
		}
	}
	for field := range p.Args {
		if _, declared := spec.ArgsSchema[field]; !declared {
			return ValidationResult{Plan: p, Err: fmt.Errorf("planner: tool %q received undeclared arg %q", p.Tool, field)}
		}
	}

	return ValidationResult{Plan: p, Repaired: repaired}
}

// BuildArgsDeterministic builds an args map in code from the given slots.
// Only slots declared in the tool's schema are copied across; everything
// else is dropped. ExecuteWithFallback uses it to narrow a plan's args for a
// fallback tool; no configuration setting routes the primary tool's args
// through it, so the primary tool receives the model's own args.
func BuildArgsDeterministic(spec ToolSpec, slots map[string]string) map[string]string {
	args := make(map[string]string, len(spec.ArgsSchema))
	for field := range spec.ArgsSchema {
		if v, ok := slots[field]; ok {
			args[field] = v
		}
	}
	return args
}
