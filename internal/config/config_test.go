package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "pim_arch_examples.json", cfg.Paths.Examples)
	assert.Equal(t, "api_output.json", cfg.Paths.Output)
	assert.Equal(t, "api_output_with_verification.json", cfg.Paths.Combined)
	assert.Equal(t, 50, cfg.Verification.NumTests)
	assert.Equal(t, int64(0), cfg.Verification.Seed)
	assert.Equal(t, 1, cfg.Pipeline.MaxAttempts)
	assert.NoError(t, cfg.Validate())
}

func TestConfig_SaveLoad(t *testing.T) {
	clearLLMEnv(t)

	path := filepath.Join(t.TempDir(), "nested", "pimrepair.yaml")

	cfg := DefaultConfig()
	cfg.LLM.Provider = ProviderGemini
	cfg.LLM.APIKey = "sk-test"
	cfg.Verification.NumTests = 7
	cfg.Prompt.MaxTokens = 4000

	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ProviderGemini, loaded.LLM.Provider)
	assert.Equal(t, "sk-test", loaded.LLM.APIKey)
	assert.Equal(t, 7, loaded.Verification.NumTests)
	assert.Equal(t, 4000, loaded.Prompt.MaxTokens)
}

func TestLoad_MissingFileUsesDefaultsAndEnv(t *testing.T) {
	clearLLMEnv(t)
	t.Setenv("OPENAI_API_KEY", "env-key")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "env-key", cfg.LLM.APIKey)
	assert.Equal(t, 50, cfg.Verification.NumTests)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	clearLLMEnv(t)

	path := filepath.Join(t.TempDir(), "pimrepair.yaml")
	require.NoError(t, os.WriteFile(path, []byte("verification:\n  seed: 42\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, int64(42), cfg.Verification.Seed)
	assert.Equal(t, 50, cfg.Verification.NumTests)
	assert.Equal(t, "api_output.json", cfg.Paths.Output)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pimrepair.yaml")
	require.NoError(t, os.WriteFile(path, []byte("llm: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	clearLLMEnv(t)
	dir := t.TempDir()

	require.NoError(t, LoadDotEnv(dir), "missing .env is not an error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PIMREPAIR_MODEL=from-dotenv\n"), 0600))
	// godotenv does not override variables that are already set, even when empty.
	require.NoError(t, os.Unsetenv("PIMREPAIR_MODEL"))
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "from-dotenv", os.Getenv("PIMREPAIR_MODEL"))
	t.Cleanup(func() { os.Unsetenv("PIMREPAIR_MODEL") })
}

func TestResolvedModel(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "gpt-5", cfg.ResolvedModel())

	cfg.LLM.Provider = ProviderGemini
	assert.Equal(t, "gemini-2.5-flash", cfg.ResolvedModel())

	cfg.LLM.Model = "gemini-2.5-pro"
	assert.Equal(t, "gemini-2.5-pro", cfg.ResolvedModel())
}

func TestDurations(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10*time.Minute, cfg.GetLLMTimeout())
	assert.Equal(t, 100*time.Millisecond, cfg.GetRateLimitDelay())

	cfg.LLM.Timeout = "bogus"
	cfg.LLM.RateLimitDelay = "0s"
	assert.Equal(t, 10*time.Minute, cfg.GetLLMTimeout())
	assert.Equal(t, time.Duration(0), cfg.GetRateLimitDelay())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad provider", func(c *Config) { c.LLM.Provider = "zai" }, true},
		{"zero tests", func(c *Config) { c.Verification.NumTests = 0 }, true},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, true},
		{"negative prompt budget", func(c *Config) { c.Prompt.MaxTokens = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateLLM_RequiresKey(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateLLM())

	cfg.LLM.APIKey = "k"
	assert.NoError(t, cfg.ValidateLLM())
}
