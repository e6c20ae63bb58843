package llm

import (
	"context"
	"os"
	"strings"
	"testing"
)

func TestNewRuntime_MockNeedsNoConfig(t *testing.T) {
	rt, err := NewRuntime(ProviderMock, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.Model != "mock" {
		t.Fatalf("expected mock model name, got %s", rt.Model)
	}
}

func TestNewRuntime_OpenRouterRequiresAPIKey(t *testing.T) {
	os.Unsetenv("OPENROUTER_API_KEY")
	_, err := NewRuntime(ProviderOpenRouter, "")
	if err == nil {
		t.Fatalf("expected error when OPENROUTER_API_KEY is unset")
	}
}

func TestNewRuntime_OllamaDefaultsModel(t *testing.T) {
	rt, err := NewRuntime(ProviderOllama, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rt.Model == "" {
		t.Fatalf("expected a default ollama model name")
	}
}

func TestNewRuntime_UnsupportedProviderErrors(t *testing.T) {
	_, err := NewRuntime(Provider("nonsense"), "")
	if err == nil {
		t.Fatalf("expected error for unsupported provider")
	}
}

func TestComplete_MockReturnsToolCallForSearchPrompt(t *testing.T) {
	rt, _ := NewRuntime(ProviderMock, "")
	out, err := rt.Complete(context.Background(), "system", "search the web for latest news")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if norm, ok := NormalizeJSON(out); !ok || !strings.Contains(norm, `"tool"`) {
		t.Fatalf("expected mock output to be a JSON tool call, got %q", out)
	}
}

func TestComplete_MockReturnsStepsForPlainPrompt(t *testing.T) {
	rt, _ := NewRuntime(ProviderMock, "")
	out, err := rt.Complete(context.Background(), "system", "help me plan my day")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if norm, ok := NormalizeJSON(out); !ok || !strings.Contains(norm, `"steps"`) {
		t.Fatalf("expected mock output to be a JSON steps object, got %q", out)
	}
}
