package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/config"
	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
	"github.com/spachava753/gcmrun/internal/source"
)

// ManagedCodebase is a codebase holding an environment that must be
// released.
type ManagedCodebase interface {
	codebase.Codebase
	Close(ctx context.Context) error
}

// OpenCodebaseFunc creates the codebase an experiment runs on.
type OpenCodebaseFunc func(ctx context.Context, cfg models.ExperimentConfig) (ManagedCodebase, error)

// DefaultOpenCodebase opens an Isca codebase in the configured environment.
func DefaultOpenCodebase(ctx context.Context, cfg models.ExperimentConfig) (ManagedCodebase, error) {
	cb, err := codebase.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return cb, nil
}

// Orchestrator coordinates the runs of several experiment files.
type Orchestrator struct {
	cfgs     []models.ExperimentConfig
	open     OpenCodebaseFunc
	parallel int
	fetcher  *source.Fetcher
	progress func(models.SegmentResult)
}

// NewOrchestrator creates a new orchestrator. parallel bounds the number of
// experiments running at once; 0 runs all of them together.
func NewOrchestrator(cfgs []models.ExperimentConfig, open OpenCodebaseFunc, parallel int) (*Orchestrator, error) {
	if len(cfgs) == 0 {
		return nil, errors.New("no experiments to run")
	}
	if open == nil {
		open = DefaultOpenCodebase
	}
	seen := make(map[string]struct{}, len(cfgs))
	for _, cfg := range cfgs {
		if _, dup := seen[cfg.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateExperiment, cfg.Name)
		}
		seen[cfg.Name] = struct{}{}
	}
	return &Orchestrator{cfgs: cfgs, open: open, parallel: parallel}, nil
}

// WithFetcher sets the fetcher used for codebases given as git repos.
func (o *Orchestrator) WithFetcher(f *source.Fetcher) *Orchestrator {
	o.fetcher = f
	return o
}

// WithProgress sets a hook called after every segment of every experiment.
func (o *Orchestrator) WithProgress(fn func(models.SegmentResult)) *Orchestrator {
	o.progress = fn
	return o
}

// Run builds every experiment and runs its configured segment range.
// Every configuration is composed before any source is fetched, codebase
// opened or working directory cleared, so a bad file aborts the batch
// without touching anything. Environments are destroyed before Run
// returns. The summary is populated even when some experiments fail; the
// error joins their failures.
func (o *Orchestrator) Run(ctx context.Context) (*models.BatchSummary, error) {
	startTime := time.Now()

	prepared := make([]*config.Composed, len(o.cfgs))
	for i, cfg := range o.cfgs {
		c, err := config.Prepare(cfg)
		if err != nil {
			return nil, err
		}
		prepared[i] = c
	}

	cfgs, err := o.resolveSources(ctx)
	if err != nil {
		return nil, err
	}
	for i := range prepared {
		prepared[i].Config = cfgs[i]
	}

	cbs := make([]ManagedCodebase, 0, len(cfgs))
	defer func() {
		for i, cb := range cbs {
			if err := cb.Close(context.Background()); err != nil {
				slog.Warn("failed to destroy environment", "experiment", cfgs[i].Name, "error", err)
			}
		}
	}()
	for _, cfg := range cfgs {
		cb, err := o.open(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("experiment %s: opening codebase: %w", cfg.Name, err)
		}
		cbs = append(cbs, cb)
	}

	jobs := make([]Job, 0, len(prepared))
	for i, c := range prepared {
		exp, err := c.Bind(ctx, cbs[i])
		if err != nil {
			return nil, err
		}

		cfg := c.Config
		opts := []Option{WithDebug(cfg.Codebase.Debug)}
		if o.progress != nil {
			opts = append(opts, WithProgress(o.progress))
		}
		jobs = append(jobs, Job{
			Experiment: exp,
			Start:      cfg.Runs.Start,
			End:        cfg.Runs.End,
			Policy:     cfg.Runs.Policy(),
			Options:    opts,
		})
	}

	results, runErr := RunBatch(ctx, jobs, o.parallel)

	summary := aggregate(results, startTime)
	summary.Cancelled = ctx.Err() != nil

	for i, r := range results {
		if r.Result != nil {
			saveResult(prepared[i], r.Result)
		}
	}
	return summary, runErr
}

// resolveSources clones the repositories named by codebase.repo and points
// each codebase path into its checkout.
func (o *Orchestrator) resolveSources(ctx context.Context) ([]models.ExperimentConfig, error) {
	cfgs := make([]models.ExperimentConfig, len(o.cfgs))
	copy(cfgs, o.cfgs)

	var refs []source.Ref
	for _, cfg := range cfgs {
		if cfg.Codebase.Repo != "" {
			refs = append(refs, source.Ref{GitURL: cfg.Codebase.Repo, Commit: cfg.Codebase.Commit})
		}
	}
	if len(refs) == 0 {
		return cfgs, nil
	}

	if o.fetcher == nil {
		f, err := source.NewFetcher(source.DefaultCacheDir())
		if err != nil {
			return nil, err
		}
		o.fetcher = f
	}
	paths, err := o.fetcher.Fetch(ctx, refs)
	if err != nil {
		return nil, err
	}
	for i := range cfgs {
		cb := &cfgs[i].Codebase
		if cb.Repo == "" {
			continue
		}
		cb.Path = filepath.Join(paths[source.Ref{GitURL: cb.Repo, Commit: cb.Commit}], cb.Path)
		slog.Info("using fetched source", "experiment", cfgs[i].Name, "repo", cb.Repo, "commit", cb.Commit, "path", cb.Path)
	}
	return cfgs, nil
}

func aggregate(results []BatchResult, startTime time.Time) *models.BatchSummary {
	s := &models.BatchSummary{
		TotalExperiments: len(results),
		StartedAt:        startTime,
		EndedAt:          time.Now(),
		Results:          make([]*models.RunResult, 0, len(results)),
	}
	s.TotalDurationSec = s.EndedAt.Sub(s.StartedAt).Seconds()

	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.Completed++
		}
		if r.Result == nil {
			continue
		}
		s.SegmentsExecuted += len(r.Result.Executed)
		s.SegmentsSkipped += len(r.Result.Skipped)
		s.Results = append(s.Results, r.Result)
	}
	return s
}

// savedConfig is what a run records about its configuration: the
// experiment file as loaded and the input.nml and diag_table content it
// produced.
type savedConfig struct {
	Experiment  models.ExperimentConfig `json:"experiment"`
	Namelist    []namelist.Group        `json:"namelist"`
	Diagnostics []diag.OutputFile       `json:"diagnostics"`
}

// saveResult writes the run result and the effective configuration under
// <data>/<experiment>/runs/.
func saveResult(c *config.Composed, res *models.RunResult) {
	cfg := c.Config
	dir := filepath.Join(cfg.DataDir, cfg.Name, "runs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("could not save run result", "experiment", cfg.Name, "error", err)
		return
	}
	stamp := res.StartedAt.Format("2006-01-02__15-04-05")

	if err := saveConfig(filepath.Join(dir, stamp+"__config.json"), c); err != nil {
		slog.Warn("could not save config", "experiment", cfg.Name, "error", err)
	}
	resultJSON, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		slog.Warn("could not encode run result", "experiment", cfg.Name, "error", err)
		return
	}
	if err := os.WriteFile(filepath.Join(dir, stamp+"__result.json"), resultJSON, 0644); err != nil {
		slog.Warn("could not save run result", "experiment", cfg.Name, "error", err)
	}
}

func saveConfig(path string, c *config.Composed) error {
	groups, err := c.Effective()
	if err != nil {
		return err
	}
	saved := savedConfig{Experiment: c.Config, Namelist: groups, Diagnostics: c.Schema.Serialize()}
	data, err := json.MarshalIndent(saved, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
