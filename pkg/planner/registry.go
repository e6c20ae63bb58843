// Package planner generalizes the teacher's tryParseToolCall/executeTool
// pair into strict plan-schema validation against a versioned tool/
// render-instruction enum, bounded auto-repair, and an MCP-style tool
// registry with per-tool breaker and timeout, per spec.md §4.8.
package planner

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ToolSpec is one entry in the tool registry: its arg schema (field name ->
// declared type, "string" is the only type the current arg-builder needs)
// and its ordered fallback chain.
type ToolSpec struct {
	Name          string            `yaml:"name"`
	Description   string            `yaml:"description"`
	ArgsSchema    map[string]string `yaml:"args_schema"`
	FallbackChain []string          `yaml:"fallback_chain"`
}

// Registry is the versioned, closed set of valid tools and render
// instructions, loaded once at startup from config/registry.yaml.
type Registry struct {
	SchemaVersion      string
	Tools              map[string]ToolSpec
	RenderInstructions map[string]bool
	EnumSynonyms       map[string]map[string]string // field -> {drifted value -> canonical value}
}

type registryFile struct {
	SchemaVersion      string              `yaml:"schema_version"`
	Tools              []ToolSpec          `yaml:"tools"`
	RenderInstructions []string            `yaml:"render_instructions"`
	EnumSynonyms       map[string]map[string]string `yaml:"enum_synonyms"`
}

// LoadRegistry reads and parses the tool/render_instruction registry file.
func LoadRegistry(path string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("planner: read registry %s: %w", path, err)
	}

	var f registryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("planner: parse registry %s: %w", path, err)
	}
	if f.SchemaVersion == "" {
		return nil, fmt.Errorf("planner: registry %s missing schema_version", path)
	}

	tools := make(map[string]ToolSpec, len(f.Tools))
	for _, t := range f.Tools {
		if t.Name == "" {
			return nil, fmt.Errorf("planner: registry %s has a tool with no name", path)
		}
		tools[t.Name] = t
	}

	render := make(map[string]bool, len(f.RenderInstructions))
	for _, r := range f.RenderInstructions {
		render[r] = true
	}

	return &Registry{
		SchemaVersion:      f.SchemaVersion,
		Tools:              tools,
		RenderInstructions: render,
		EnumSynonyms:       f.EnumSynonyms,
	}, nil
}

// IsValidTool reports whether name is a known enum value.
func (r *Registry) IsValidTool(name string) bool {
	_, ok := r.Tools[name]
	return ok
}

// IsValidRenderInstruction reports whether name is a known enum value.
func (r *Registry) IsValidRenderInstruction(name string) bool {
	return r.RenderInstructions[name]
}

// CanonicalTool resolves a drifted tool name through the synonym map,
// returning ("", false) if there is no known canonical form.
func (r *Registry) CanonicalTool(name string) (string, bool) {
	if r.IsValidTool(name) {
		return name, true
	}
	if canon, ok := r.EnumSynonyms["tool"][name]; ok && r.IsValidTool(canon) {
		return canon, true
	}
	return "", false
}

// CanonicalRenderInstruction resolves a drifted render_instruction value
// through the synonym map.
func (r *Registry) CanonicalRenderInstruction(name string) (string, bool) {
	if r.IsValidRenderInstruction(name) {
		return name, true
	}
	if canon, ok := r.EnumSynonyms["render_instruction"][name]; ok && r.IsValidRenderInstruction(canon) {
		return canon, true
	}
	return "", false
}

// FallbackChain returns the ordered fallback tool names for tool, including
// itself as the first element. An unknown tool returns nil.
func (r *Registry) FallbackChain(tool string) []string {
	spec, ok := r.Tools[tool]
	if !ok {
		return nil
	}
	return spec.FallbackChain
}
