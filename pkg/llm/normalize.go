package llm

import (
	"encoding/json"
	"strings"
)

// mockComplete returns a deterministic completion for the mock provider, the
// same zero-dependency dev-mode idiom as the teacher's buildMockPlanResponse.
// The PLANNER route's system prompt (systemPromptFor in pkg/orchestrator)
// asks for a strict plan object, so mockComplete recognizes that prompt and
// emits a pkg/planner.Plan-shaped object a registered registry.yaml tool can
// actually satisfy; every other route gets a fixed JSON object (a web_search
// tool call for search-like prompts, otherwise a short step list).
func mockComplete(systemPrompt, userPrompt string) string {
	if strings.Contains(strings.ToLower(systemPrompt), "planner") {
		return mockPlan(userPrompt)
	}

	lower := strings.ToLower(userPrompt)
	if strings.Contains(lower, "search") || strings.Contains(lower, "latest") || strings.Contains(lower, "web") {
		payload := map[string]any{
			"tool": map[string]any{
				"name": "web_search",
				"args": map[string]any{"query": userPrompt},
			},
		}
		b, _ := json.Marshal(payload)
		return string(b)
	}

	payload := map[string]any{
		"steps": []string{
			"Restate the objective in one sentence.",
			"Propose a minimal plan.",
			"Return the plan as strict JSON.",
		},
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// mockPlan picks a registry.yaml tool from keywords in userPrompt and fills
// in just the args that tool's schema declares, so the result passes
// pkg/planner.Validate against the real registry without a live model.
func mockPlan(userPrompt string) string {
	lower := strings.ToLower(userPrompt)

	tool := "time.now"
	args := map[string]string{}
	switch {
	case strings.Contains(lower, "väder") || strings.Contains(lower, "vädret") || strings.Contains(lower, "weather"):
		tool = "weather.lookup"
		args["location"] = "Stockholm"
	case strings.Contains(lower, "möte") || strings.Contains(lower, "calendar") || strings.Contains(lower, "event"):
		tool = "calendar.create_minimal"
		args["title"] = "Möte"
		args["start_time"] = "2026-01-01T10:00:00Z"
	case strings.Contains(lower, "mejla") || strings.Contains(lower, "email") || strings.Contains(lower, "mail"):
		tool = "contact.email_draft"
		args["to"] = "someone@example.com"
		args["subject"] = "Hej"
		args["body"] = userPrompt
	}

	payload := map[string]any{
		"intent":             "planner.mock",
		"tool":               tool,
		"args":               args,
		"render_instruction": "text_only",
		"confidence":         0.9,
		"reason":             "mock planner selection",
	}
	b, _ := json.Marshal(payload)
	return string(b)
}

// StripFences removes a leading/trailing ``` code fence, if present.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	if end := strings.LastIndex(s, "```"); end >= 0 {
		s = s[:end]
	}
	return strings.TrimSpace(s)
}

// NormalizeJSON extracts a JSON object from raw backend output, trying the
// object as-is and then with fences stripped. It returns ok=false when
// neither candidate parses as a JSON object, letting the caller fall back to
// a synthesized wrapper.
func NormalizeJSON(raw string) (string, bool) {
	if obj, ok := tryParseObject(raw); ok {
		return obj, true
	}
	return tryParseObject(StripFences(raw))
}

func tryParseObject(candidate string) (string, bool) {
	candidate = strings.TrimSpace(candidate)
	if !strings.HasPrefix(candidate, "{") {
		return "", false
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(candidate), &obj); err != nil {
		return "", false
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return "", false
	}
	return string(b), true
}
