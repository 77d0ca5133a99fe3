package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearLLMEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "GOOGLE_API_KEY", "PIMREPAIR_PROVIDER", "PIMREPAIR_MODEL", "OPENAI_BASE_URL", "PIMREPAIR_DB"} {
		t.Setenv(k, "")
	}
}

func TestEnvOverrides_LLM(t *testing.T) {
	t.Run("OPENAI_API_KEY selects openai", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("OPENAI_API_KEY", "oa-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa-key", cfg.LLM.APIKey)
		assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	})

	t.Run("GEMINI_API_KEY used when no openai key", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem-key")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem-key", cfg.LLM.APIKey)
		assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	})

	t.Run("GOOGLE_API_KEY is a gemini fallback", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GOOGLE_API_KEY", "goog-key")

		cfg := &Config{LLM: LLMConfig{Provider: ProviderGemini}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "goog-key", cfg.LLM.APIKey)
	})

	t.Run("Precedence: OPENAI over GEMINI", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("OPENAI_API_KEY", "oa")
		t.Setenv("GEMINI_API_KEY", "gem")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "oa", cfg.LLM.APIKey)
		assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	})

	t.Run("PIMREPAIR_PROVIDER picks the matching key", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("OPENAI_API_KEY", "oa")
		t.Setenv("GEMINI_API_KEY", "gem")
		t.Setenv("PIMREPAIR_PROVIDER", "Gemini")

		cfg := DefaultConfig()
		cfg.applyEnvOverrides()

		assert.Equal(t, "gem", cfg.LLM.APIKey)
		assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	})

	t.Run("configured gemini provider is kept", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("OPENAI_API_KEY", "oa")

		cfg := &Config{LLM: LLMConfig{Provider: ProviderGemini, APIKey: "file-key"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "file-key", cfg.LLM.APIKey)
		assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
	})

	t.Run("PIMREPAIR_PROVIDER=openai ignores a lone gemini key", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("PIMREPAIR_PROVIDER", "openai")
		t.Setenv("GEMINI_API_KEY", "g-key")

		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)

		assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
		assert.Empty(t, cfg.LLM.APIKey)
		assert.Error(t, cfg.ValidateLLM())
	})

	t.Run("provider named in the config file ignores a lone gemini key", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GEMINI_API_KEY", "g-key")

		path := filepath.Join(t.TempDir(), "pimrepair.yaml")
		require.NoError(t, os.WriteFile(path, []byte("llm:\n  provider: openai\n"), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
		assert.Empty(t, cfg.LLM.APIKey)
	})

	t.Run("config file without a provider still falls back to gemini", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GEMINI_API_KEY", "g-key")

		path := filepath.Join(t.TempDir(), "pimrepair.yaml")
		require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  max_attempts: 2\n"), 0600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, ProviderGemini, cfg.LLM.Provider)
		assert.Equal(t, "g-key", cfg.LLM.APIKey)
	})

	t.Run("gemini key does not replace a configured openai key", func(t *testing.T) {
		clearLLMEnv(t)
		t.Setenv("GEMINI_API_KEY", "gem")

		cfg := &Config{LLM: LLMConfig{Provider: ProviderOpenAI, APIKey: "file-key"}}
		cfg.applyEnvOverrides()

		assert.Equal(t, "file-key", cfg.LLM.APIKey)
		assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	})
}

func TestEnvOverrides_Misc(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("PIMREPAIR_MODEL", "gpt-4o-mini")
	t.Setenv("OPENAI_BASE_URL", "http://localhost:9999/v1")
	t.Setenv("PIMREPAIR_DB", "/tmp/runs.db")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, "http://localhost:9999/v1", cfg.LLM.BaseURL)
	assert.Equal(t, "/tmp/runs.db", cfg.Store.Path)
}
