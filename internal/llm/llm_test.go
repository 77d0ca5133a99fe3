package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"pimrepair/internal/config"
	"pimrepair/internal/usage"
)

func testConfig(url string) Config {
	return Config{
		Provider:       config.ProviderOpenAI,
		APIKey:         "sk-test",
		Model:          "gpt-5",
		BaseURL:        url,
		Timeout:        5 * time.Second,
		MaxRetries:     2,
		RetryBaseDelay: time.Millisecond,
	}
}

func TestOpenAIRequestShape(t *testing.T) {
	var got []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/responses", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		got, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"status":"completed","output_text":"{\"ok\":true}"}`)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.ReasoningEffort = "low"
	c := NewOpenAIClient(cfg)

	out, err := c.CompleteWithSystem(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, out)

	req := gjson.ParseBytes(got)
	assert.Equal(t, "gpt-5", req.Get("model").String())
	assert.False(t, req.Get("store").Bool())
	assert.True(t, req.Get("store").Exists())
	assert.Equal(t, "system", req.Get("input.0.role").String())
	assert.Equal(t, "sys", req.Get("input.0.content").String())
	assert.Equal(t, "user", req.Get("input.1.content").String())
	assert.Equal(t, "low", req.Get("reasoning.effort").String())
	assert.False(t, req.Get("max_output_tokens").Exists())
}

func TestOpenAIReportsUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"output_text":"{}","usage":{"input_tokens":812,"output_tokens":64,"total_tokens":876}}`)
	}))
	defer srv.Close()

	tracker := usage.NewTracker()
	ctx := usage.NewContext(context.Background(), tracker)
	_, err := NewOpenAIClient(testConfig(srv.URL)).CompleteWithSystem(ctx, "s", "u")
	require.NoError(t, err)

	assert.Equal(t, usage.TokenCounts{Input: 812, Output: 64, Total: 876, Calls: 1}, tracker.ByModel()["gpt-5"])
}

func TestOpenAIRetriesOnServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&calls, 1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = io.WriteString(w, `{"output":[{"type":"reasoning"},{"type":"message","content":[{"type":"output_text","text":"{\"a\":"},{"type":"output_text","text":"1}"}]}]}`)
		}
	}))
	defer srv.Close()

	out, err := NewOpenAIClient(testConfig(srv.URL)).CompleteWithSystem(context.Background(), "s", "u")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, out)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIGivesUpAfterMaxRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(testConfig(srv.URL)).CompleteWithSystem(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestOpenAIClientErrorIsNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"error":{"message":"bad key"}}`)
	}))
	defer srv.Close()

	_, err := NewOpenAIClient(testConfig(srv.URL)).CompleteWithSystem(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestOpenAIMissingKey(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:0")
	cfg.APIKey = ""
	_, err := NewOpenAIClient(cfg).CompleteWithSystem(context.Background(), "s", "u")
	assert.ErrorIs(t, err, ErrAPIKeyMissing)

	_, err = NewClient(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrAPIKeyMissing)
}

func TestParseResponsesOutput(t *testing.T) {
	_, err := parseResponsesOutput([]byte(`{"status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_output_tokens")

	_, err = parseResponsesOutput([]byte(`{"output":[]}`))
	assert.ErrorIs(t, err, ErrEmptyResponse)

	_, err = parseResponsesOutput([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseResponsesOutput([]byte(`{"error":{"message":"boom"}}`))
	assert.ErrorContains(t, err, "boom")
}

func TestNewClientProviders(t *testing.T) {
	c, err := NewClient(context.Background(), Config{APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", c.Model())

	_, err = NewClient(context.Background(), Config{APIKey: "k", Provider: "anthropic"})
	assert.ErrorContains(t, err, "unsupported provider")
}

func TestConfigFromApp(t *testing.T) {
	app := config.DefaultConfig()
	app.LLM.APIKey = "k"
	app.LLM.ReasoningEffort = "high"

	cfg := ConfigFromApp(app)
	assert.Equal(t, "gpt-5", cfg.Model)
	assert.Equal(t, "high", cfg.ReasoningEffort)
	assert.Equal(t, app.LLM.MaxRetries, cfg.MaxRetries)
	assert.Equal(t, 10*time.Minute, cfg.Timeout)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"whitespace", "\n  {\"a\":1}\n", `{"a":1}`},
		{"fenced", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"bare fence", "```\n{\"a\":1}\n```", `{"a":1}`},
		{"prose", "Here you go: {\"a\":{\"b\":2}} hope it helps", `{"a":{"b":2}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractJSON(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "no json", "[1,2]", "{broken"} {
		_, err := ExtractJSON(bad)
		assert.ErrorIs(t, err, ErrNotJSON, bad)
	}
}
