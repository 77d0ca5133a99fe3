package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"pimrepair/internal/config"
	"pimrepair/internal/logging"
	"pimrepair/internal/usage"
)

// GeminiClient wraps the genai SDK. Responses are requested as JSON.
type GeminiClient struct {
	client          *genai.Client
	model           string
	maxOutputTokens int
	timeout         time.Duration
}

// NewGeminiClient creates a Gemini API client.
func NewGeminiClient(ctx context.Context, cfg Config) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, ErrAPIKeyMissing
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultModel(config.ProviderGemini)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}

	return &GeminiClient{
		client:          client,
		model:           model,
		maxOutputTokens: cfg.MaxOutputTokens,
		timeout:         timeout,
	}, nil
}

func (c *GeminiClient) Model() string { return c.model }

func (c *GeminiClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.APIDebug("[Gemini] CompleteWithSystem: model=%s system_len=%d user_len=%d", c.model, len(systemPrompt), len(userPrompt))

	genCfg := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	}
	if strings.TrimSpace(systemPrompt) != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	if c.maxOutputTokens > 0 {
		genCfg.MaxOutputTokens = int32(c.maxOutputTokens)
	}

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		logging.APIError("[Gemini] GenerateContent failed after %v: %v", time.Since(startTime), err)
		return "", fmt.Errorf("GenAI generate failed: %w", err)
	}

	if md := resp.UsageMetadata; md != nil {
		usage.Track(ctx, c.model, int(md.PromptTokenCount), int(md.CandidatesTokenCount))
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyResponse
	}
	logging.API("[Gemini] CompleteWithSystem: completed in %v response_len=%d", time.Since(startTime), len(text))
	return text, nil
}
