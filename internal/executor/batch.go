package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/gcmrun/internal/experiment"
	"github.com/spachava753/gcmrun/internal/models"
)

// ErrDuplicateExperiment is returned when two jobs of a batch name the same
// experiment and would share a working directory.
var ErrDuplicateExperiment = errors.New("experiment appears twice in batch")

// Job is one experiment and the range to run for it.
type Job struct {
	Experiment *experiment.Context
	Start      int
	End        int
	Policy     models.OverwritePolicy
	Options    []Option
}

// BatchResult pairs a job's run result with its error.
type BatchResult struct {
	Experiment string
	Result     *models.RunResult
	Err        error
}

// RunBatch runs distinct experiments concurrently, at most parallel at a
// time (parallel <= 0 means all at once). A failing experiment does not stop
// the others. Results are returned in job order; the error joins the
// per-experiment failures.
func RunBatch(ctx context.Context, jobs []Job, parallel int) ([]BatchResult, error) {
	seen := make(map[string]struct{}, len(jobs))
	for _, job := range jobs {
		if job.Experiment == nil {
			return nil, errors.New("batch job without experiment")
		}
		name := job.Experiment.Name()
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExperiment, name)
		}
		seen[name] = struct{}{}
	}

	results := make([]BatchResult, len(jobs))

	var g errgroup.Group
	if parallel > 0 {
		g.SetLimit(parallel)
	}
	for i, job := range jobs {
		g.Go(func() error {
			name := job.Experiment.Name()
			slog.Debug("starting experiment", "experiment", name, "start", job.Start, "end", job.End)
			res, err := Run(ctx, job.Experiment, job.Start, job.End, job.Policy, job.Options...)
			results[i] = BatchResult{Experiment: name, Result: res, Err: err}
			return nil
		})
	}
	g.Wait()

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return results, errors.Join(errs...)
}
