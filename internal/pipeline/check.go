package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"pimrepair/internal/logging"
	"pimrepair/internal/pim"
	"pimrepair/internal/verification"
)

// CheckResult is the verification outcome of one reference item.
type CheckResult struct {
	DBID    string               `json:"db_id"`
	ItemID  string               `json:"item_id"`
	Task    string               `json:"task"`
	Skipped bool                 `json:"skipped,omitempty"`
	Report  *verification.Report `json:"report,omitempty"`
	Error   string               `json:"error,omitempty"`
}

// OK reports whether the item verified and stayed inside its ISA.
func (r CheckResult) OK() bool {
	return !r.Skipped && r.Error == "" && r.Report != nil && r.Report.Pass && r.Report.ISACompliant
}

type checkJob struct {
	ex   *pim.ExampleDB
	item *pim.Item
}

// CheckExamples verifies every example item marked correct against its own
// architecture and ISA. Items run concurrently, bounded by CheckConcurrency;
// results keep input order. Tasks without a reference function are skipped.
func (p *Pipeline) CheckExamples(ctx context.Context, db *pim.Database) ([]CheckResult, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "CheckExamples")
	defer timer.Stop()

	var jobs []checkJob
	for i := range db.ExamplesDB {
		ex := &db.ExamplesDB[i]
		for j := range ex.Items {
			if ex.Items[j].Correctness.IsCorrect {
				jobs = append(jobs, checkJob{ex: ex, item: &ex.Items[j]})
			}
		}
	}

	results := make([]CheckResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.CheckConcurrency)

	for i, job := range jobs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = p.checkItem(job)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Pipeline("checked %d reference items", len(results))
	return results, nil
}

func (p *Pipeline) checkItem(job checkJob) CheckResult {
	task := job.item.Task
	res := CheckResult{DBID: job.ex.DBID, ItemID: job.item.ID, Task: task.Name}

	input := verification.Input{
		Program: job.item.Program,
		IO: verification.IO{
			InputRows: task.InputRows(),
			OutputRow: task.OutputRow(),
			Bitwidth:  task.Bitwidth,
		},
	}
	report, err := verification.VerifyFromInput(input, job.ex.Architecture.RowRegisterFile.Count, task.Name,
		verification.Options{
			NumTests:   p.opts.NumTests,
			Seed:       p.opts.Seed,
			AllowedOps: job.ex.ISA.OpNames(),
		})
	switch {
	case errors.Is(err, verification.ErrUnsupportedTask):
		res.Skipped = true
	case err != nil:
		res.Error = err.Error()
	default:
		res.Report = report
		if !report.Pass || !report.ISACompliant {
			logging.PipelineWarn("reference item %s/%s does not verify", job.ex.DBID, job.item.ID)
		}
	}
	return res
}
