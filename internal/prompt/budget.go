package prompt

import (
	"fmt"
	"strings"

	"github.com/tiktoken-go/tokenizer"
)

// Counter estimates token counts for a model family.
type Counter struct {
	codec tokenizer.Codec
}

// NewCounter picks a tokenizer for an OpenAI-style model id. Unknown models,
// including Gemini ones, fall back to o200k_base as an approximation.
func NewCounter(model string) (*Counter, error) {
	codec, err := codecForModel(model)
	if err != nil {
		return nil, fmt.Errorf("failed to load tokenizer for %q: %w", model, err)
	}
	return &Counter{codec: codec}, nil
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	return c.codec.Count(text)
}

func codecForModel(model string) (tokenizer.Codec, error) {
	m := strings.ToLower(strings.TrimSpace(model))
	switch {
	case m == "":
		return tokenizer.Get(tokenizer.O200kBase)
	case strings.HasPrefix(m, "gpt-5"):
		return tokenizer.ForModel(tokenizer.GPT5)
	case strings.HasPrefix(m, "gpt-4.1"):
		return tokenizer.ForModel(tokenizer.GPT41)
	case strings.HasPrefix(m, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(m, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(m, "gpt-3.5"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	case strings.HasPrefix(m, "o1"):
		return tokenizer.ForModel(tokenizer.O1)
	case strings.HasPrefix(m, "o3"):
		return tokenizer.ForModel(tokenizer.O3)
	case strings.HasPrefix(m, "o4"):
		return tokenizer.ForModel(tokenizer.O4Mini)
	default:
		return tokenizer.Get(tokenizer.O200kBase)
	}
}
