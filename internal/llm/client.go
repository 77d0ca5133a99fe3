// Package llm talks to the hosted model that repairs programs. Two providers
// are supported: the OpenAI Responses API over plain HTTP and Gemini through
// the genai SDK.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"pimrepair/internal/config"
)

var (
	// ErrAPIKeyMissing is returned when a client is built without credentials.
	ErrAPIKeyMissing = errors.New("API key not configured")
	// ErrEmptyResponse is returned when the model produced no text.
	ErrEmptyResponse = errors.New("model returned no output text")
	// ErrNotJSON is returned when no JSON object can be found in the output.
	ErrNotJSON = errors.New("model output is not valid JSON")
)

// Client is a single-shot, non-streaming chat completion.
type Client interface {
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	Model() string
}

// Config holds everything a provider client needs.
type Config struct {
	Provider        string
	APIKey          string
	Model           string
	BaseURL         string
	Timeout         time.Duration
	ReasoningEffort string
	MaxOutputTokens int
	MaxRetries      int
	// RateLimitDelay is the minimum spacing between requests.
	RateLimitDelay time.Duration
	// RetryBaseDelay is the first backoff step; it doubles per retry.
	RetryBaseDelay time.Duration
}

// ConfigFromApp maps the application config onto a client Config.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Provider:        cfg.LLM.Provider,
		APIKey:          cfg.LLM.APIKey,
		Model:           cfg.ResolvedModel(),
		BaseURL:         cfg.LLM.BaseURL,
		Timeout:         cfg.GetLLMTimeout(),
		ReasoningEffort: cfg.LLM.ReasoningEffort,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		MaxRetries:      cfg.LLM.MaxRetries,
		RateLimitDelay:  cfg.GetRateLimitDelay(),
		RetryBaseDelay:  time.Second,
	}
}

// NewClient builds the client for cfg.Provider.
func NewClient(ctx context.Context, cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrAPIKeyMissing
	}
	switch strings.ToLower(cfg.Provider) {
	case config.ProviderOpenAI, "":
		return NewOpenAIClient(cfg), nil
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported provider %q", cfg.Provider)
	}
}
