// Package prompt builds the repair prompt sent to the model: a strict JSON
// output contract, the reference examples and the query item.
package prompt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"text/template"

	"pimrepair/internal/logging"
	"pimrepair/internal/pim"
)

// SystemPrompt frames every repair request.
const SystemPrompt = "You repair PIM microprograms under strict ISA/architecture constraints."

const repairTemplate = `Output ONLY valid JSON.

JSON FORMAT:
{
  "verifier_input": {
    "program": [
      { "step": 1, "op": "ReadRowToSa", "args": { "dram_row": "ROW10" } }
    ],
    "io": {
      "input_rows": ["ROW10", "ROW11"],
      "output_row": "ROW12",
      "bitwidth": 32
    }
  },
  "reasoning_summary": [
    "Short bullet-point explanation of the correction."
  ]
}

RULES:
- Output must be strictly valid JSON (no markdown, no extra text).
- verifier_input.program must contain ONLY fields needed for verification (step/op/args). Do NOT include comments.
- reasoning_summary must be concise, high-level, and must NOT include internal chain-of-thought.
- Use only operations in query.isa.operations and respect query.architecture rules.
- Follow the patterns shown in EXAMPLES (register usage, swapping, data movement rules).

EXAMPLES (reference microprograms; do not copy blindly, adapt to the query):
{{.Examples}}

QUERY (produce a corrected program for this item):
{{.Query}}
{{- if .Feedback}}

PREVIOUS ATTEMPT:
{{.Feedback}}
{{- end}}`

var tmpl = template.Must(template.New("repair").Parse(repairTemplate))

// Options configures Build.
type Options struct {
	// MaxTokens caps the prompt size. Zero disables budgeting.
	MaxTokens int
	// Model selects the tokenizer used for budgeting.
	Model string
	// Feedback is appended after the query on retry attempts.
	Feedback string
}

// Prompt is a rendered user prompt.
type Prompt struct {
	Text string
	// Tokens is the estimated token count, or 0 when budgeting is disabled.
	Tokens int
	// ExamplesKept is how many example DBs made it into the prompt.
	ExamplesKept int
	// ExamplesDropped is how many were removed to fit the budget.
	ExamplesDropped int
}

// Build renders the repair prompt for db. When opts.MaxTokens is set and the
// full prompt does not fit, trailing example DBs are dropped one at a time;
// the query is always kept, so the result may still exceed the budget.
func Build(db *pim.Database, opts Options) (*Prompt, error) {
	text, err := render(db.ExamplesDB, db.Query, opts.Feedback)
	if err != nil {
		return nil, err
	}
	if opts.MaxTokens <= 0 {
		return &Prompt{Text: text, ExamplesKept: len(db.ExamplesDB)}, nil
	}

	counter, err := NewCounter(opts.Model)
	if err != nil {
		return nil, err
	}

	kept := len(db.ExamplesDB)
	tokens, err := counter.Count(text)
	if err != nil {
		return nil, err
	}
	for tokens > opts.MaxTokens && kept > 0 {
		kept--
		text, err = render(db.ExamplesDB[:kept], db.Query, opts.Feedback)
		if err != nil {
			return nil, err
		}
		if tokens, err = counter.Count(text); err != nil {
			return nil, err
		}
	}

	dropped := len(db.ExamplesDB) - kept
	if dropped > 0 {
		logging.Prompt("dropped %d of %d example DBs to fit %d tokens (now %d)", dropped, len(db.ExamplesDB), opts.MaxTokens, tokens)
	}
	if tokens > opts.MaxTokens {
		logging.Get(logging.CategoryPrompt).Warn("prompt is %d tokens with no examples left, over budget %d", tokens, opts.MaxTokens)
	}
	logging.PromptDebug("prompt built: tokens=%d examples=%d", tokens, kept)

	return &Prompt{Text: text, Tokens: tokens, ExamplesKept: kept, ExamplesDropped: dropped}, nil
}

func render(examples []pim.ExampleDB, query pim.Query, feedback string) (string, error) {
	if examples == nil {
		examples = []pim.ExampleDB{}
	}
	exJSON, err := json.MarshalIndent(examples, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal examples: %w", err)
	}
	qJSON, err := json.MarshalIndent(query, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal query: %w", err)
	}

	var buf bytes.Buffer
	err = tmpl.Execute(&buf, struct {
		Examples string
		Query    string
		Feedback string
	}{string(exJSON), string(qJSON), feedback})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt: %w", err)
	}
	return buf.String(), nil
}
