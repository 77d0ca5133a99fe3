package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"pimrepair/internal/config"
	"pimrepair/internal/logging"
	"pimrepair/internal/usage"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient calls the Responses API. Requests are sent with store=false.
type OpenAIClient struct {
	apiKey          string
	baseURL         string
	model           string
	reasoningEffort string
	maxOutputTokens int
	maxRetries      int
	timeout         time.Duration
	rateLimitDelay  time.Duration
	retryBaseDelay  time.Duration
	httpClient      *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewOpenAIClient builds a client from cfg, filling unset fields with defaults.
func NewOpenAIClient(cfg Config) *OpenAIClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = config.DefaultModel(config.ProviderOpenAI)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	backoff := cfg.RetryBaseDelay
	if backoff <= 0 {
		backoff = time.Second
	}

	return &OpenAIClient{
		apiKey:          cfg.APIKey,
		baseURL:         baseURL,
		model:           model,
		reasoningEffort: cfg.ReasoningEffort,
		maxOutputTokens: cfg.MaxOutputTokens,
		maxRetries:      retries,
		timeout:         timeout,
		rateLimitDelay:  cfg.RateLimitDelay,
		retryBaseDelay:  backoff,
		httpClient:      &http.Client{Timeout: timeout},
	}
}

func (c *OpenAIClient) Model() string { return c.model }

func (c *OpenAIClient) buildRequest(systemPrompt, userPrompt string) ([]byte, error) {
	body := []byte(`{"store":false}`)
	var err error
	if body, err = sjson.SetBytes(body, "model", c.model); err != nil {
		return nil, err
	}
	input := []map[string]string{
		{"role": "system", "content": systemPrompt},
		{"role": "user", "content": userPrompt},
	}
	if body, err = sjson.SetBytes(body, "input", input); err != nil {
		return nil, err
	}
	if c.reasoningEffort != "" {
		if body, err = sjson.SetBytes(body, "reasoning.effort", c.reasoningEffort); err != nil {
			return nil, err
		}
	}
	if c.maxOutputTokens > 0 {
		if body, err = sjson.SetBytes(body, "max_output_tokens", c.maxOutputTokens); err != nil {
			return nil, err
		}
	}
	return body, nil
}

func (c *OpenAIClient) waitRateLimit() {
	if c.rateLimitDelay <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elapsed := time.Since(c.lastRequest); elapsed < c.rateLimitDelay {
		time.Sleep(c.rateLimitDelay - elapsed)
	}
	c.lastRequest = time.Now()
}

// CompleteWithSystem sends one system and one user message and returns the
// aggregated output text. Transport errors, 429 and 5xx responses are retried
// with exponential backoff.
func (c *OpenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.APIDebug("[OpenAI] CompleteWithSystem: model=%s system_len=%d user_len=%d", c.model, len(systemPrompt), len(userPrompt))

	if c.apiKey == "" {
		return "", ErrAPIKeyMissing
	}

	reqBody, err := c.buildRequest(systemPrompt, userPrompt)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}

	var lastErr error
	for i := 0; i <= c.maxRetries; i++ {
		if i > 0 {
			delay := c.retryBaseDelay * time.Duration(1<<uint(i-1))
			logging.APIWarn("[OpenAI] retry %d/%d in %v: %v", i, c.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("request cancelled: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		c.waitRateLimit()

		body, status, err := c.post(ctx, reqBody)
		if err != nil {
			if ctx.Err() != nil {
				return "", fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			continue
		}

		if status == http.StatusTooManyRequests || status >= 500 {
			lastErr = fmt.Errorf("API request failed with status %d: %s", status, truncate(string(body), 300))
			continue
		}
		if status != http.StatusOK {
			logging.APIError("[OpenAI] status %d: %s", status, truncate(string(body), 300))
			return "", fmt.Errorf("API request failed with status %d: %s", status, string(body))
		}

		text, err := parseResponsesOutput(body)
		if err != nil {
			return "", err
		}
		inTok := int(gjson.GetBytes(body, "usage.input_tokens").Int())
		outTok := int(gjson.GetBytes(body, "usage.output_tokens").Int())
		usage.Track(ctx, c.model, inTok, outTok)
		logging.API("[OpenAI] CompleteWithSystem: completed in %v response_len=%d input_tokens=%d output_tokens=%d",
			time.Since(startTime), len(text), inTok, outTok)
		return text, nil
	}

	logging.APIError("[OpenAI] CompleteWithSystem: max retries exceeded after %v: %v", time.Since(startTime), lastErr)
	return "", fmt.Errorf("max retries exceeded: %w", lastErr)
}

func (c *OpenAIClient) post(ctx context.Context, reqBody []byte) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(reqBody))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// parseResponsesOutput pulls the model text out of a Responses API body. The
// convenience output_text field is preferred; otherwise every output_text
// part of every message item is concatenated.
func parseResponsesOutput(body []byte) (string, error) {
	if !gjson.ValidBytes(body) {
		return "", fmt.Errorf("failed to parse response: invalid JSON")
	}
	root := gjson.ParseBytes(body)

	if msg := root.Get("error.message"); msg.Exists() && msg.String() != "" {
		return "", fmt.Errorf("API error: %s", msg.String())
	}
	if status := root.Get("status").String(); status == "incomplete" || status == "failed" {
		reason := root.Get("incomplete_details.reason").String()
		return "", fmt.Errorf("response %s: %s", status, reason)
	}

	if text := root.Get("output_text"); text.Type == gjson.String && strings.TrimSpace(text.String()) != "" {
		return strings.TrimSpace(text.String()), nil
	}

	var sb strings.Builder
	root.Get("output").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() != "message" {
			return true
		}
		item.Get("content").ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "output_text" {
				sb.WriteString(part.Get("text").String())
			}
			return true
		})
		return true
	})

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
