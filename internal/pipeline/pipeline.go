// Package pipeline runs the repair loop: build the prompt, ask the model for
// a corrected program, save its answer, verify it by simulation and record
// the outcome.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"pimrepair/internal/llm"
	"pimrepair/internal/logging"
	"pimrepair/internal/pim"
	"pimrepair/internal/prompt"
	"pimrepair/internal/store"
	"pimrepair/internal/usage"
	"pimrepair/internal/verification"
)

// DefaultNumTests is the number of random tests per verification.
const DefaultNumTests = 50

// Recorder persists run outcomes. *store.HistoryStore implements it.
type Recorder interface {
	RecordRun(ctx context.Context, run *store.Run) error
}

// Options configures a Pipeline.
type Options struct {
	ExamplesPath string
	OutputPath   string
	CombinedPath string

	NumTests int
	Seed     int64

	// MaxTokens caps the prompt; see prompt.Options.
	MaxTokens int
	// MaxAttempts bounds the generate+verify retry loop in Run.
	MaxAttempts int
	// CheckConcurrency bounds CheckExamples.
	CheckConcurrency int

	// Provider is recorded with each run.
	Provider string
}

// DefaultOptions mirrors the file names and test counts of the CLI defaults.
func DefaultOptions() Options {
	return Options{
		ExamplesPath:     "pim_arch_examples.json",
		OutputPath:       "api_output.json",
		CombinedPath:     "api_output_with_verification.json",
		NumTests:         DefaultNumTests,
		MaxAttempts:      1,
		CheckConcurrency: 4,
	}
}

// Pipeline wires a model client and an optional history recorder.
type Pipeline struct {
	client   llm.Client
	recorder Recorder
	opts     Options
}

// Option configures optional Pipeline collaborators.
type Option func(*Pipeline)

// WithRecorder records every Run in r.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

// New creates a pipeline. client may be nil for commands that never call the
// model (verify, check-examples).
func New(client llm.Client, opts Options, options ...Option) *Pipeline {
	if opts.NumTests <= 0 {
		opts.NumTests = DefaultNumTests
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.CheckConcurrency <= 0 {
		opts.CheckConcurrency = 1
	}
	p := &Pipeline{client: client, opts: opts}
	for _, o := range options {
		o(p)
	}
	return p
}

// Options returns the effective options.
func (p *Pipeline) Options() Options { return p.opts }

// CreateExamples writes the bundled sample database to path.
func CreateExamples(path string) (*pim.Database, error) {
	db := pim.SampleDatabase()
	if err := pim.Save(db, path); err != nil {
		return nil, err
	}
	logging.Pipeline("wrote %s (%d example DBs, query %s)", path, len(db.ExamplesDB), db.Query.QueryID)
	return db, nil
}

func loadDatabase(path string) (*pim.Database, error) {
	db, err := pim.Load(path)
	if err != nil {
		return nil, err
	}
	if err := db.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return db, nil
}

// Generate loads the database at dbPath, asks the model for a repaired
// program and saves the answer to outPath.
func (p *Pipeline) Generate(ctx context.Context, dbPath, outPath string) (*APIOutput, error) {
	db, err := loadDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	out, err := p.generate(ctx, db, "")
	if err != nil {
		return nil, err
	}
	if err := SaveAPIOutput(out, outPath); err != nil {
		return nil, err
	}
	logging.Pipeline("saved model output to %s", outPath)
	return out, nil
}

func (p *Pipeline) generate(ctx context.Context, db *pim.Database, feedback string) (*APIOutput, error) {
	if p.client == nil {
		return nil, fmt.Errorf("no model client configured")
	}
	timer := logging.StartTimer(logging.CategoryPipeline, "generate")
	defer timer.Stop()

	pr, err := prompt.Build(db, prompt.Options{
		MaxTokens: p.opts.MaxTokens,
		Model:     p.client.Model(),
		Feedback:  feedback,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build prompt: %w", err)
	}

	text, err := p.client.CompleteWithSystem(ctx, prompt.SystemPrompt, pr.Text)
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	logging.PipelineDebug("raw model output:\n%s", text)

	raw, err := llm.ExtractJSON(text)
	if err != nil {
		return nil, err
	}
	out, err := ParseAPIOutput([]byte(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrNotJSON, err)
	}
	return out, nil
}

// Verify checks out against the query in the database at dbPath.
func (p *Pipeline) Verify(dbPath string, out *APIOutput) (*verification.Report, error) {
	db, err := loadDatabase(dbPath)
	if err != nil {
		return nil, err
	}
	return p.verify(db, out)
}

func (p *Pipeline) verify(db *pim.Database, out *APIOutput) (*verification.Report, error) {
	if out == nil || out.VerifierInput == nil {
		return nil, ErrMissingVerifierInput
	}
	q := db.Query
	return verification.VerifyFromInput(*out.VerifierInput, q.Architecture.RowRegisterFile.Count, q.Item.Task.Name,
		verification.Options{
			NumTests:   p.opts.NumTests,
			Seed:       p.opts.Seed,
			AllowedOps: q.ISA.OpNames(),
		})
}

// VerifyFile verifies the model output saved at outPath and writes the
// combined document. The watch command calls it on every save.
func (p *Pipeline) VerifyFile(dbPath, outPath string) (*verification.Report, error) {
	out, err := LoadAPIOutput(outPath)
	if err != nil {
		return nil, err
	}
	report, err := p.Verify(dbPath, out)
	if err != nil {
		return nil, err
	}
	if p.opts.CombinedPath != "" {
		if err := SaveCombined(&Combined{APIOutput: out.Raw, VerificationReport: report}, p.opts.CombinedPath); err != nil {
			return report, err
		}
	}
	return report, nil
}

// RunResult is the outcome of Run.
type RunResult struct {
	RunID    string
	Attempts int
	Output   *APIOutput
	Report   *verification.Report
	Combined *Combined
	// Usage sums the tokens reported by the client over all attempts.
	Usage usage.TokenCounts
}

// Passed reports whether the final attempt is functionally correct and
// stays inside the ISA.
func (r *RunResult) Passed() bool {
	return r != nil && r.Report != nil && r.Report.Pass && r.Report.ISACompliant
}

// Run generates, verifies and saves both artifacts. With MaxAttempts > 1 an
// attempt whose answer is not usable JSON or does not verify is retried with
// feedback appended to the prompt. The last attempt is persisted either way.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	db, err := loadDatabase(p.opts.ExamplesPath)
	if err != nil {
		return nil, err
	}

	tracker := usage.FromContext(ctx)
	if tracker == nil {
		tracker = usage.NewTracker()
		ctx = usage.NewContext(ctx, tracker)
	}
	base := tracker.Total()

	var (
		res      = &RunResult{}
		feedback string
		lastErr  error
	)
	for attempt := 1; attempt <= p.opts.MaxAttempts; attempt++ {
		res.Attempts = attempt
		logging.Pipeline("attempt %d/%d for query %s", attempt, p.opts.MaxAttempts, db.Query.QueryID)

		out, err := p.generate(ctx, db, feedback)
		res.Usage = subtract(tracker.Total(), base)
		if err != nil {
			if !errors.Is(err, llm.ErrNotJSON) || ctx.Err() != nil {
				p.record(ctx, db, res, start, err)
				return nil, err
			}
			logging.PipelineWarn("attempt %d: %v", attempt, err)
			lastErr = err
			feedback = prompt.BuildParseFeedback(err)
			continue
		}
		res.Output = out
		if err := SaveAPIOutput(out, p.opts.OutputPath); err != nil {
			return nil, err
		}

		report, err := p.verify(db, out)
		if err != nil {
			if !errors.Is(err, ErrMissingVerifierInput) && !errors.Is(err, verification.ErrBadIO) {
				p.record(ctx, db, res, start, err)
				return nil, err
			}
			logging.PipelineWarn("attempt %d: %v", attempt, err)
			lastErr = err
			res.Report = nil
			feedback = prompt.BuildParseFeedback(err)
			continue
		}
		res.Report = report
		lastErr = nil
		if res.Passed() {
			break
		}
		feedback = prompt.BuildFeedback(report)
	}

	if res.Report == nil {
		p.record(ctx, db, res, start, lastErr)
		return nil, fmt.Errorf("no verifiable output after %d attempts: %w", res.Attempts, lastErr)
	}

	p.record(ctx, db, res, start, nil)
	res.Combined = &Combined{
		APIOutput:          res.Output.Raw,
		VerificationReport: res.Report,
		RunID:              res.RunID,
		Model:              p.client.Model(),
		Attempts:           res.Attempts,
	}
	if err := SaveCombined(res.Combined, p.opts.CombinedPath); err != nil {
		return nil, err
	}

	logging.Pipeline("run finished: pass=%v isa_compliant=%v attempts=%d tokens=%d in %v",
		res.Report.Pass, res.Report.ISACompliant, res.Attempts, res.Usage.Total, time.Since(start))
	return res, nil
}

func subtract(a, b usage.TokenCounts) usage.TokenCounts {
	return usage.TokenCounts{
		Input:  a.Input - b.Input,
		Output: a.Output - b.Output,
		Total:  a.Total - b.Total,
		Calls:  a.Calls - b.Calls,
	}
}

// record stores the run and sets res.RunID. Store failures are logged and
// do not fail the run.
func (p *Pipeline) record(ctx context.Context, db *pim.Database, res *RunResult, start time.Time, runErr error) {
	if p.recorder == nil {
		return
	}
	run := &store.Run{
		Provider:     p.opts.Provider,
		QueryID:      db.Query.QueryID,
		Task:         db.Query.Item.Task.Name,
		Attempts:     res.Attempts,
		NumTests:     p.opts.NumTests,
		Seed:         p.opts.Seed,
		Duration:     time.Since(start),
		InputTokens:  res.Usage.Input,
		OutputTokens: res.Usage.Output,
	}
	if p.client != nil {
		run.Model = p.client.Model()
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if res.Report != nil {
		run.Pass = res.Report.Pass
		run.ISACompliant = res.Report.ISACompliant
		if data, err := json.Marshal(res.Report); err == nil {
			run.ReportJSON = string(data)
		}
	}
	if res.Output != nil {
		run.OutputJSON = string(res.Output.Raw)
	}

	if err := p.recorder.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		logging.PipelineError("failed to record run: %v", err)
		return
	}
	res.RunID = run.ID
}
