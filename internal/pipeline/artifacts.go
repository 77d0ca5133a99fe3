package pipeline

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/gjson"

	"pimrepair/internal/verification"
)

// ErrMissingVerifierInput is returned when the model output has no
// verifier_input object.
var ErrMissingVerifierInput = errors.New("api_output missing verifier_input")

// APIOutput is the decoded model answer. Raw keeps the exact JSON object so
// fields the model added are preserved on disk.
type APIOutput struct {
	VerifierInput    *verification.Input `json:"verifier_input"`
	ReasoningSummary []string            `json:"reasoning_summary"`
	Raw              json.RawMessage     `json:"-"`
}

// Combined is the api_output_with_verification.json document.
type Combined struct {
	APIOutput          json.RawMessage      `json:"api_output"`
	VerificationReport *verification.Report `json:"verification_report"`
	RunID              string               `json:"run_id,omitempty"`
	Model              string               `json:"model,omitempty"`
	Attempts           int                  `json:"attempts,omitempty"`
}

// ParseAPIOutput decodes a model JSON object. A missing verifier_input is not
// an error here; Verify reports it. reasoning_summary may be a list or a
// single string.
func ParseAPIOutput(raw []byte) (*APIOutput, error) {
	if !gjson.ValidBytes(raw) || !gjson.ParseBytes(raw).IsObject() {
		return nil, fmt.Errorf("api_output is not a JSON object")
	}
	root := gjson.ParseBytes(raw)
	out := &APIOutput{Raw: append(json.RawMessage(nil), raw...)}

	if vi := root.Get("verifier_input"); vi.Exists() && vi.IsObject() {
		var input verification.Input
		if err := json.Unmarshal([]byte(vi.Raw), &input); err != nil {
			return nil, fmt.Errorf("failed to decode verifier_input: %w", err)
		}
		out.VerifierInput = &input
	}

	rs := root.Get("reasoning_summary")
	switch {
	case rs.IsArray():
		rs.ForEach(func(_, v gjson.Result) bool {
			out.ReasoningSummary = append(out.ReasoningSummary, v.String())
			return true
		})
	case rs.Type == gjson.String:
		out.ReasoningSummary = []string{rs.String()}
	}
	return out, nil
}

// LoadAPIOutput reads and decodes an api_output.json file.
func LoadAPIOutput(path string) (*APIOutput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	out, err := ParseAPIOutput(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return out, nil
}

// SaveAPIOutput writes out.Raw indented.
func SaveAPIOutput(out *APIOutput, path string) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, out.Raw, "", "  "); err != nil {
		return fmt.Errorf("failed to format api output: %w", err)
	}
	buf.WriteByte('\n')
	return writeFile(path, buf.Bytes())
}

// SaveCombined writes the combined output and report document.
func SaveCombined(c *Combined, path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal combined output: %w", err)
	}
	return writeFile(path, append(data, '\n'))
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
