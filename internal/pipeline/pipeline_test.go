package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pimrepair/internal/llm"
	"pimrepair/internal/pim"
	"pimrepair/internal/store"
	"pimrepair/internal/usage"
	"pimrepair/internal/verification"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const repairedOutput = `{
  "verifier_input": {
    "program": [
      {"step": 1, "op": "ReadRowToSa", "args": {"dram_row": "ROW10"}},
      {"step": 2, "op": "Swap", "args": {"rr_index": 1}},
      {"step": 3, "op": "ReadRowToSa", "args": {"dram_row": "ROW11"}},
      {"step": 4, "op": "NOR", "args": {}},
      {"step": 5, "op": "WriteSaToRow", "args": {"dram_row": "ROW12"}}
    ],
    "io": {"input_rows": ["ROW10", "ROW11"], "output_row": "ROW12", "bitwidth": 32}
  },
  "reasoning_summary": ["Save A to RR1 before reading B."],
  "confidence": "high"
}`

const brokenOutput = `{
  "verifier_input": {
    "program": [
      {"step": 1, "op": "ReadRowToSa", "args": {"dram_row": "ROW10"}},
      {"step": 2, "op": "ReadRowToSa", "args": {"dram_row": "ROW11"}},
      {"step": 3, "op": "NOR", "args": {}},
      {"step": 4, "op": "WriteSaToRow", "args": {"dram_row": "ROW12"}}
    ],
    "io": {"input_rows": ["ROW10", "ROW11"], "output_row": "ROW12", "bitwidth": 32}
  },
  "reasoning_summary": "unchanged"
}`

type fakeClient struct {
	mu        sync.Mutex
	responses []string
	errs      []error
	prompts   []string
}

func (f *fakeClient) Model() string { return "fake-model" }

func (f *fakeClient) CompleteWithSystem(ctx context.Context, _, user string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := len(f.prompts)
	f.prompts = append(f.prompts, user)
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	usage.Track(ctx, f.Model(), 100, 20)
	if i >= len(f.responses) {
		return f.responses[len(f.responses)-1], nil
	}
	return f.responses[i], nil
}

type memRecorder struct {
	runs []*store.Run
}

func (m *memRecorder) RecordRun(_ context.Context, run *store.Run) error {
	run.ID = "run-" + string(rune('a'+len(m.runs)))
	m.runs = append(m.runs, run)
	return nil
}

func testOptions(t *testing.T) Options {
	t.Helper()
	dir := t.TempDir()
	opts := DefaultOptions()
	opts.ExamplesPath = filepath.Join(dir, "pim_arch_examples.json")
	opts.OutputPath = filepath.Join(dir, "api_output.json")
	opts.CombinedPath = filepath.Join(dir, "api_output_with_verification.json")
	_, err := CreateExamples(opts.ExamplesPath)
	require.NoError(t, err)
	return opts
}

func TestCreateExamplesWritesLoadableDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db.json")
	_, err := CreateExamples(path)
	require.NoError(t, err)

	db, err := pim.Load(path)
	require.NoError(t, err)
	assert.Equal(t, pim.SchemaVersion, db.SchemaVersion)
	assert.Equal(t, "q_nor_rows_false_missing_preserve_A", db.Query.QueryID)
}

func TestGenerateSavesModelOutput(t *testing.T) {
	opts := testOptions(t)
	client := &fakeClient{responses: []string{"```json\n" + repairedOutput + "\n```"}}

	out, err := New(client, opts).Generate(context.Background(), opts.ExamplesPath, opts.OutputPath)
	require.NoError(t, err)
	require.NotNil(t, out.VerifierInput)
	assert.Len(t, out.VerifierInput.Program, 5)
	assert.Equal(t, []string{"Save A to RR1 before reading B."}, out.ReasoningSummary)

	saved, err := os.ReadFile(opts.OutputPath)
	require.NoError(t, err)
	assert.Contains(t, string(saved), `"confidence": "high"`)

	require.Len(t, client.prompts, 1)
	assert.Contains(t, client.prompts[0], "q_nor_rows_false_missing_preserve_A")
}

func TestGenerateRejectsNonJSON(t *testing.T) {
	opts := testOptions(t)
	client := &fakeClient{responses: []string{"I cannot help with that."}}

	_, err := New(client, opts).Generate(context.Background(), opts.ExamplesPath, opts.OutputPath)
	assert.ErrorIs(t, err, llm.ErrNotJSON)
	assert.NoFileExists(t, opts.OutputPath)
}

func TestVerifyRequiresVerifierInput(t *testing.T) {
	opts := testOptions(t)
	out, err := ParseAPIOutput([]byte(`{"reasoning_summary": []}`))
	require.NoError(t, err)

	_, err = New(nil, opts).Verify(opts.ExamplesPath, out)
	assert.ErrorIs(t, err, ErrMissingVerifierInput)
}

func TestVerifyUsesQueryArchitectureAndISA(t *testing.T) {
	opts := testOptions(t)
	out, err := ParseAPIOutput([]byte(repairedOutput))
	require.NoError(t, err)

	report, err := New(nil, opts).Verify(opts.ExamplesPath, out)
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.True(t, report.ISACompliant)
	assert.Equal(t, "nor_rows", report.Task)
	assert.Equal(t, DefaultNumTests, report.NumTests)
}

func TestRunSingleAttemptPersistsFailingResult(t *testing.T) {
	opts := testOptions(t)
	rec := &memRecorder{}
	client := &fakeClient{responses: []string{brokenOutput}}

	res, err := New(client, opts, WithRecorder(rec)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, res.Attempts)
	assert.False(t, res.Passed())
	require.NotNil(t, res.Report.FirstFailure)

	data, err := os.ReadFile(opts.CombinedPath)
	require.NoError(t, err)
	var combined map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &combined))
	assert.Contains(t, combined, "api_output")
	assert.Contains(t, combined, "verification_report")
	assert.JSONEq(t, `"run-a"`, string(combined["run_id"]))

	require.Len(t, rec.runs, 1)
	assert.False(t, rec.runs[0].Pass)
	assert.Equal(t, "fake-model", rec.runs[0].Model)
	assert.Equal(t, "q_nor_rows_false_missing_preserve_A", rec.runs[0].QueryID)
	assert.Equal(t, int64(100), rec.runs[0].InputTokens)
	assert.Equal(t, int64(20), rec.runs[0].OutputTokens)
}

func TestRunRetriesWithFeedback(t *testing.T) {
	opts := testOptions(t)
	opts.MaxAttempts = 3
	client := &fakeClient{responses: []string{"not json at all", brokenOutput, repairedOutput}}

	res, err := New(client, opts).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, res.Passed())
	assert.Equal(t, 3, res.Attempts)
	require.Len(t, client.prompts, 3)
	assert.NotContains(t, client.prompts[0], "PREVIOUS ATTEMPT")
	assert.Contains(t, client.prompts[1], "could not be used")
	assert.Contains(t, client.prompts[2], "rejected by the verifier")
	assert.Equal(t, usage.TokenCounts{Input: 300, Output: 60, Total: 360, Calls: 3}, res.Usage)

	combined, err := os.ReadFile(opts.CombinedPath)
	require.NoError(t, err)
	assert.Contains(t, string(combined), `"attempts": 3`)
	assert.Contains(t, string(combined), `"pass": true`)
}

func TestRunStopsOnFirstPass(t *testing.T) {
	opts := testOptions(t)
	opts.MaxAttempts = 5
	client := &fakeClient{responses: []string{repairedOutput}}

	res, err := New(client, opts).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Attempts)
	assert.Len(t, client.prompts, 1)
}

func TestRunModelErrorIsRecorded(t *testing.T) {
	opts := testOptions(t)
	rec := &memRecorder{}
	client := &fakeClient{errs: []error{errors.New("connection refused")}}

	_, err := New(client, opts, WithRecorder(rec)).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")

	require.Len(t, rec.runs, 1)
	assert.Contains(t, rec.runs[0].Error, "connection refused")
	assert.NoFileExists(t, opts.CombinedPath)
}

func TestRunNoUsableOutput(t *testing.T) {
	opts := testOptions(t)
	opts.MaxAttempts = 2
	client := &fakeClient{responses: []string{`{"reasoning_summary": ["x"]}`}}

	_, err := New(client, opts).Run(context.Background())
	assert.ErrorIs(t, err, ErrMissingVerifierInput)
}

func TestVerifyFileWritesCombined(t *testing.T) {
	opts := testOptions(t)
	require.NoError(t, os.WriteFile(opts.OutputPath, []byte(repairedOutput), 0644))

	report, err := New(nil, opts).VerifyFile(opts.ExamplesPath, opts.OutputPath)
	require.NoError(t, err)
	assert.True(t, report.Pass)
	assert.FileExists(t, opts.CombinedPath)
}

func TestParseAPIOutput(t *testing.T) {
	_, err := ParseAPIOutput([]byte(`[1,2]`))
	assert.Error(t, err)

	_, err = ParseAPIOutput([]byte(`{"verifier_input": {"program": "oops"}}`))
	assert.Error(t, err)

	out, err := ParseAPIOutput([]byte(brokenOutput))
	require.NoError(t, err)
	assert.Equal(t, []string{"unchanged"}, out.ReasoningSummary)
}

func TestCheckExamples(t *testing.T) {
	db := pim.SampleDatabase()
	ex := db.ExamplesDB[0]

	notNor := ex.Items[0]
	notNor.ID = "ex_add"
	notNor.Task.Name = "add_rows"

	wrong := ex.Items[0]
	wrong.ID = "ex_wrong"
	wrong.Program = db.Query.Item.Program
	wrong.Task = db.Query.Item.Task

	ignored := ex.Items[0]
	ignored.ID = "ex_marked_incorrect"
	ignored.Correctness.IsCorrect = false

	db.ExamplesDB[0].Items = append(db.ExamplesDB[0].Items, notNor, wrong, ignored)

	p := New(nil, Options{NumTests: 10, CheckConcurrency: 2})
	results, err := p.CheckExamples(context.Background(), db)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "ex_nor_rows", results[0].ItemID)
	assert.True(t, results[0].OK())

	assert.Equal(t, "ex_add", results[1].ItemID)
	assert.True(t, results[1].Skipped)
	assert.False(t, results[1].OK())

	assert.Equal(t, "ex_wrong", results[2].ItemID)
	require.NotNil(t, results[2].Report)
	assert.False(t, results[2].Report.Pass)
}

func TestCheckExamplesCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(nil, Options{}).CheckExamples(ctx, pim.SampleDatabase())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunResultPassedRequiresISACompliance(t *testing.T) {
	r := &RunResult{Report: &verification.Report{Pass: true}}
	assert.False(t, r.Passed())
	r.Report.ISACompliant = true
	assert.True(t, r.Passed())
	assert.False(t, (*RunResult)(nil).Passed())
}

func TestDefaultOptionsFileNames(t *testing.T) {
	opts := DefaultOptions()
	for _, p := range []string{opts.ExamplesPath, opts.OutputPath, opts.CombinedPath} {
		assert.True(t, strings.HasSuffix(p, ".json"))
	}
}

func TestRunSharesCallerTracker(t *testing.T) {
	opts := testOptions(t)
	tracker := usage.NewTracker()
	tracker.Track("earlier", 5, 5)
	ctx := usage.NewContext(context.Background(), tracker)

	res, err := New(&fakeClient{responses: []string{repairedOutput}}, opts).Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(120), res.Usage.Total)
	assert.Equal(t, int64(130), tracker.Total().Total)
	assert.Equal(t, 1, tracker.ByModel()["fake-model"].Calls)
}
