package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file looked up in the working directory.
const DefaultConfigFile = "pimrepair.yaml"

// Provider names.
const (
	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"
)

// ValidProviders lists all supported LLM providers.
var ValidProviders = []string{ProviderOpenAI, ProviderGemini}

// Config holds all pimrepair configuration.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Paths        PathsConfig        `yaml:"paths"`
	Verification VerificationConfig `yaml:"verification"`
	Prompt       PromptConfig       `yaml:"prompt"`
	Pipeline     PipelineConfig     `yaml:"pipeline"`
	Store        StoreConfig        `yaml:"store"`
	Logging      LoggingConfig      `yaml:"logging"`

	// providerSet is true when the config file or PIMREPAIR_PROVIDER named
	// a provider. Only then is the provider kept when its key is missing.
	providerSet bool
}

// LLMConfig configures the model endpoint.
type LLMConfig struct {
	Provider        string `yaml:"provider"` // openai, gemini
	APIKey          string `yaml:"api_key"`
	Model           string `yaml:"model"`
	BaseURL         string `yaml:"base_url"`
	Timeout         string `yaml:"timeout"`
	ReasoningEffort string `yaml:"reasoning_effort"` // openai only: low, medium, high
	MaxOutputTokens int    `yaml:"max_output_tokens"`
	MaxRetries      int    `yaml:"max_retries"`
	RateLimitDelay  string `yaml:"rate_limit_delay"`
}

// PathsConfig names the three pipeline artifacts.
type PathsConfig struct {
	Examples string `yaml:"examples"`
	Output   string `yaml:"output"`
	Combined string `yaml:"combined"`
}

// VerificationConfig configures randomized verification.
type VerificationConfig struct {
	NumTests int   `yaml:"num_tests"`
	Seed     int64 `yaml:"seed"`
}

// PromptConfig configures prompt construction.
type PromptConfig struct {
	// MaxTokens caps the user prompt; example DBs are dropped to fit. 0 disables.
	MaxTokens int `yaml:"max_tokens"`
}

// PipelineConfig configures orchestration.
type PipelineConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	CheckConcurrency int `yaml:"check_concurrency"`
}

// StoreConfig configures the run history database.
type StoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level      string `yaml:"level"` // debug, info, warn, error
	File       string `yaml:"file"`
	JSON       bool   `yaml:"json"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Provider:       ProviderOpenAI,
			Timeout:        "10m",
			MaxRetries:     3,
			RateLimitDelay: "100ms",
		},
		Paths: PathsConfig{
			Examples: "pim_arch_examples.json",
			Output:   "api_output.json",
			Combined: "api_output_with_verification.json",
		},
		Verification: VerificationConfig{
			NumTests: 50,
			Seed:     0,
		},
		Pipeline: PipelineConfig{
			MaxAttempts:      1,
			CheckConcurrency: 4,
		},
		Store: StoreConfig{
			Enabled: true,
			Path:    filepath.Join(".pimrepair", "history.db"),
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields defaults.
// Environment overrides are applied in both cases.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		var named struct {
			LLM struct {
				Provider string `yaml:"provider"`
			} `yaml:"llm"`
		}
		if err := yaml.Unmarshal(data, &named); err == nil {
			cfg.providerSet = strings.TrimSpace(named.LLM.Provider) != ""
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// LoadDotEnv loads KEY=VALUE pairs from dir/.env into the process
// environment without overriding variables that are already set.
func LoadDotEnv(dir string) error {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
// PIMREPAIR_PROVIDER selects the provider first; the key is then taken from
// that provider's variable. Without an explicit provider, OPENAI_API_KEY wins
// over GEMINI_API_KEY, and a lone Gemini key switches to Gemini.
func (c *Config) applyEnvOverrides() {
	if p := strings.TrimSpace(os.Getenv("PIMREPAIR_PROVIDER")); p != "" {
		c.LLM.Provider = strings.ToLower(p)
		c.providerSet = true
	}

	openaiKey := os.Getenv("OPENAI_API_KEY")
	geminiKey := os.Getenv("GEMINI_API_KEY")
	if geminiKey == "" {
		geminiKey = os.Getenv("GOOGLE_API_KEY")
	}

	switch c.LLM.Provider {
	case ProviderGemini:
		if geminiKey != "" {
			c.LLM.APIKey = geminiKey
		}
	default:
		if openaiKey != "" {
			c.LLM.APIKey = openaiKey
			c.LLM.Provider = ProviderOpenAI
		} else if geminiKey != "" && c.LLM.APIKey == "" && !c.providerSet {
			c.LLM.APIKey = geminiKey
			c.LLM.Provider = ProviderGemini
		}
	}

	if model := os.Getenv("PIMREPAIR_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if url := os.Getenv("OPENAI_BASE_URL"); url != "" && c.LLM.Provider == ProviderOpenAI {
		c.LLM.BaseURL = url
	}
	if path := os.Getenv("PIMREPAIR_DB"); path != "" {
		c.Store.Path = path
	}
}

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	if provider == ProviderGemini {
		return "gemini-2.5-flash"
	}
	return "gpt-5"
}

// ResolvedModel returns the configured model or the provider default.
func (c *Config) ResolvedModel() string {
	if c.LLM.Model != "" {
		return c.LLM.Model
	}
	return DefaultModel(c.LLM.Provider)
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// GetRateLimitDelay returns the minimum spacing between requests.
func (c *Config) GetRateLimitDelay() time.Duration {
	d, err := time.ParseDuration(c.LLM.RateLimitDelay)
	if err != nil || d < 0 {
		return 100 * time.Millisecond
	}
	return d
}

// Validate validates the parts of the configuration every command needs.
// API key presence is checked by ValidateLLM, since only generate/run need it.
func (c *Config) Validate() error {
	validProvider := false
	for _, p := range ValidProviders {
		if c.LLM.Provider == p {
			validProvider = true
			break
		}
	}
	if !validProvider {
		return fmt.Errorf("invalid LLM provider: %s (valid: %v)", c.LLM.Provider, ValidProviders)
	}
	if c.Verification.NumTests <= 0 {
		return fmt.Errorf("verification.num_tests must be positive, got %d", c.Verification.NumTests)
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be positive, got %d", c.Pipeline.MaxAttempts)
	}
	if c.Prompt.MaxTokens < 0 {
		return fmt.Errorf("prompt.max_tokens must not be negative, got %d", c.Prompt.MaxTokens)
	}
	return nil
}

// ValidateLLM checks that a model endpoint can be called.
func (c *Config) ValidateLLM() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.LLM.APIKey == "" {
		return fmt.Errorf("LLM API key not configured (set OPENAI_API_KEY or GEMINI_API_KEY, or llm.api_key in %s)", DefaultConfigFile)
	}
	return nil
}
