// Package llm wraps sashabaranov/go-openai behind a small Provider
// abstraction for the MICRO/PLANNER/DEEP backend routes, generalizing the
// teacher's initializeLLMClient/GetPlan pair (multi-provider client setup,
// mock zero-dependency mode, strict-JSON response normalization) from a
// single gRPC plan-service into a per-route client set.
package llm

import (
	"context"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Provider is the backend implementation behind a route.
type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
	ProviderMock       Provider = "mock"
	// ProviderCloud is the hybrid/OpenAI-cloud planner mode from SPEC_FULL
	// §9: another Provider value behind the same interface, selected per
	// route through the <ROUTE>_PROVIDER environment variable and requiring
	// OPENAI_API_KEY. No separate opt-in flag gates it.
	ProviderCloud Provider = "cloud"
)

// Runtime is one configured backend: which provider serves it, which model
// name, and the OpenAI-compatible client to call (nil in mock mode).
type Runtime struct {
	Provider Provider
	Model    string
	Client   *openai.Client
}

func sharedHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
		Timeout: 30 * time.Second,
	}
}

func normalizeOllamaBaseURL(base string) string {
	base = strings.TrimRight(base, "/")
	if strings.HasSuffix(base, "/v1") {
		return base
	}
	return base + "/v1"
}

// NewRuntime builds a Runtime for the given provider/model pair. An empty
// model falls back to a sane per-provider default.
func NewRuntime(provider Provider, model string) (*Runtime, error) {
	switch provider {
	case ProviderMock:
		return &Runtime{Provider: ProviderMock, Model: "mock"}, nil

	case ProviderOllama:
		base := normalizeOllamaBaseURL(getenv("OLLAMA_BASE_URL", "http://localhost:11434"))
		if model == "" {
			model = getenv("OLLAMA_MODEL_NAME", "llama3")
		}
		cfg := openai.DefaultConfig("")
		cfg.BaseURL = base
		cfg.HTTPClient = sharedHTTPClient()
		return &Runtime{Provider: ProviderOllama, Model: model, Client: openai.NewClientWithConfig(cfg)}, nil

	case ProviderOpenRouter:
		apiKey := os.Getenv("OPENROUTER_API_KEY")
		if apiKey == "" {
			return nil, errConfigMissing("OPENROUTER_API_KEY")
		}
		if model == "" {
			model = getenv("OPENROUTER_MODEL_NAME", "mistralai/mistral-7b-instruct:free")
		}
		cfg := openai.DefaultConfig(apiKey)
		cfg.BaseURL = "https://openrouter.ai/api/v1"
		cfg.HTTPClient = sharedHTTPClient()
		return &Runtime{Provider: ProviderOpenRouter, Model: model, Client: openai.NewClientWithConfig(cfg)}, nil

	case ProviderCloud:
		apiKey := os.Getenv("OPENAI_API_KEY")
		if apiKey == "" {
			return nil, errConfigMissing("OPENAI_API_KEY")
		}
		if model == "" {
			model = getenv("OPENAI_MODEL_NAME", "gpt-4o-mini")
		}
		cfg := openai.DefaultConfig(apiKey)
		cfg.HTTPClient = sharedHTTPClient()
		return &Runtime{Provider: ProviderCloud, Model: model, Client: openai.NewClientWithConfig(cfg)}, nil

	default:
		return nil, errUnsupportedProvider(string(provider))
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Complete runs one chat completion against r and returns the raw message
// content. In mock mode it returns a deterministic JSON reply so the rest of
// the stack is exercisable with no API keys configured.
func (r *Runtime) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if r.Provider == ProviderMock {
		return mockComplete(systemPrompt, userPrompt), nil
	}
	if r.Client == nil {
		return "", errClientNotInitialized
	}

	resp, err := r.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errEmptyCompletion
	}
	return resp.Choices[0].Message.Content, nil
}
