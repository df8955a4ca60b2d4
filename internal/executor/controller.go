package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/experiment"
	"github.com/spachava753/gcmrun/internal/models"
)

var (
	// ErrControllerUsed is returned by a second Run on the same controller.
	ErrControllerUsed = errors.New("segment controller already used")
	// ErrInvalidRange is returned for start < 1 or end < start.
	ErrInvalidRange = errors.New("invalid segment range")
)

// CompileError means the codebase could not be built; no segment ran.
type CompileError struct {
	Experiment string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("experiment %s: compile failed: %v", e.Experiment, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// SegmentFailedError is a recoverable segment failure. Rerunning the same
// range resumes at Index because completed segments are skipped.
type SegmentFailedError struct {
	Experiment    string
	Index         int
	LastCompleted int
	Err           error
}

func (e *SegmentFailedError) Error() string {
	return fmt.Sprintf("experiment %s: segment %d failed (last completed %d): %v", e.Experiment, e.Index, e.LastCompleted, e.Err)
}

func (e *SegmentFailedError) Unwrap() error { return e.Err }

// FatalSimulationError halts the whole sequence; the segment will not
// succeed if rerun unchanged.
type FatalSimulationError struct {
	Experiment    string
	Index         int
	LastCompleted int
	Err           error
}

func (e *FatalSimulationError) Error() string {
	return fmt.Sprintf("experiment %s: fatal error in segment %d (last completed %d): %v", e.Experiment, e.Index, e.LastCompleted, e.Err)
}

func (e *FatalSimulationError) Unwrap() error { return e.Err }

// Option configures a SegmentController.
type Option func(*SegmentController)

// WithProgress registers a hook called after every segment, including
// skipped and failed ones.
func WithProgress(fn func(models.SegmentResult)) Option {
	return func(c *SegmentController) {
		c.progress = fn
	}
}

// WithDebug requests a debug build of the codebase.
func WithDebug(debug bool) Option {
	return func(c *SegmentController) {
		c.debug = debug
	}
}

// SegmentController drives the restart-chained segments of one experiment:
// Idle, Compiling, Running(k), then Completed or Failed. A controller runs
// once.
type SegmentController struct {
	exp      *experiment.Context
	policy   models.OverwritePolicy
	debug    bool
	progress func(models.SegmentResult)

	mu    sync.Mutex
	state models.RunState
	used  bool
}

// NewSegmentController returns an idle controller for exp.
func NewSegmentController(exp *experiment.Context, policy models.OverwritePolicy, opts ...Option) *SegmentController {
	c := &SegmentController{
		exp:    exp,
		policy: policy,
		state:  models.StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current controller state.
func (c *SegmentController) State() models.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SegmentController) setState(s models.RunState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Run executes segments start..end inclusive in increasing order. Segments
// whose output exists are skipped unless the overwrite policy says
// otherwise. On failure the returned result is still populated and reports
// the last completed segment.
func (c *SegmentController) Run(ctx context.Context, start, end int) (*models.RunResult, error) {
	if start < 1 || end < start {
		return nil, fmt.Errorf("%w: [%d, %d]", ErrInvalidRange, start, end)
	}

	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return nil, ErrControllerUsed
	}
	c.used = true
	c.mu.Unlock()

	name := c.exp.Name()
	cb := c.exp.Codebase()
	result := &models.RunResult{
		Experiment:    name,
		Start:         start,
		End:           end,
		State:         models.StateIdle,
		Executed:      []int{},
		Skipped:       []int{},
		LastCompleted: start - 1,
		StartedAt:     time.Now(),
	}

	fail := func(t models.ErrorType, err error) {
		result.State = models.StateFailed
		result.Error = &models.SegmentError{Type: t, Message: err.Error()}
		c.finish(result)
	}

	c.setState(models.StateCompiling)
	slog.Info("compiling codebase", "experiment", name, "debug", c.debug)
	if err := c.exp.Compile(ctx, c.debug); err != nil {
		fail(models.ErrCompileFailed, err)
		return result, &CompileError{Experiment: name, Err: err}
	}

	if err := c.exp.Begin(); err != nil {
		fail(models.ErrStateInvalid, err)
		return result, err
	}
	if res := c.exp.Resolution(); !res.IsZero() {
		if err := cb.SetResolution(ctx, res); err != nil {
			fail(models.ErrConfigInvalid, err)
			return result, fmt.Errorf("applying resolution %s/%d: %w", res.Horizontal, res.Levels, err)
		}
	}

	groups, err := c.exp.Namelist().Serialize()
	if err != nil {
		fail(models.ErrConfigInvalid, err)
		return result, err
	}
	schema := c.exp.Schema()
	files := schema.Serialize()

	c.setState(models.StateRunning)
	for k := start; k <= end; k++ {
		if err := ctx.Err(); err != nil {
			c.record(result, k, false, time.Now(), models.SegmentFailed, err)
			result.FailedIndex = k
			fail(models.ErrSegmentFailed, err)
			return result, &SegmentFailedError{Experiment: name, Index: k, LastCompleted: result.LastCompleted, Err: err}
		}

		overwrite := c.policy.For(k, start)
		segStart := time.Now()

		if !overwrite {
			exists, err := cb.SegmentOutputExists(ctx, k)
			if err != nil {
				c.record(result, k, overwrite, segStart, models.SegmentFailed, err)
				result.FailedIndex = k
				fail(models.ErrSegmentFailed, err)
				return result, &SegmentFailedError{Experiment: name, Index: k, LastCompleted: result.LastCompleted, Err: err}
			}
			if exists {
				slog.Info("skipping segment with existing output", "experiment", name, "index", k)
				c.record(result, k, overwrite, segStart, models.SegmentSkipped, nil)
				result.Skipped = append(result.Skipped, k)
				result.LastCompleted = k
				continue
			}
		}

		slog.Info("executing segment", "experiment", name, "index", k, "overwrite", overwrite, "cores", c.exp.Cores())
		err := cb.ExecuteSegment(ctx, codebase.SegmentRequest{
			Index:       k,
			Namelist:    groups,
			Diagnostics: files,
			Calendar:    schema.Calendar,
			Cores:       c.exp.Cores(),
			Overwrite:   overwrite,
		})
		if err != nil {
			c.record(result, k, overwrite, segStart, models.SegmentFailed, err)
			result.FailedIndex = k
			fail(codebase.Classify(err), err)
			slog.Error("segment failed", "experiment", name, "index", k, "last_completed", result.LastCompleted, "error", err)
			if codebase.IsFatal(err) {
				return result, &FatalSimulationError{Experiment: name, Index: k, LastCompleted: result.LastCompleted, Err: err}
			}
			return result, &SegmentFailedError{Experiment: name, Index: k, LastCompleted: result.LastCompleted, Err: err}
		}

		c.record(result, k, overwrite, segStart, models.SegmentExecuted, nil)
		result.Executed = append(result.Executed, k)
		result.LastCompleted = k
	}

	result.State = models.StateCompleted
	c.finish(result)
	slog.Info("run complete",
		"experiment", name,
		"executed", len(result.Executed),
		"skipped", len(result.Skipped),
		"duration_sec", result.DurationSec)
	return result, nil
}

func (c *SegmentController) record(result *models.RunResult, index int, overwrite bool, started time.Time, status models.SegmentStatus, err error) {
	ended := time.Now()
	seg := models.SegmentResult{
		Experiment:  result.Experiment,
		Index:       index,
		Status:      status,
		Overwrite:   overwrite,
		Cores:       c.exp.Cores(),
		StartedAt:   started,
		EndedAt:     ended,
		DurationSec: ended.Sub(started).Seconds(),
	}
	if err != nil {
		seg.Error = &models.SegmentError{Type: codebase.Classify(err), Message: err.Error()}
	}
	result.Segments = append(result.Segments, seg)
	if c.progress != nil {
		c.progress(seg)
	}
}

func (c *SegmentController) finish(result *models.RunResult) {
	result.EndedAt = time.Now()
	result.DurationSec = result.EndedAt.Sub(result.StartedAt).Seconds()
	c.setState(result.State)
}

// Run is a shorthand for a single-use controller over exp.
func Run(ctx context.Context, exp *experiment.Context, start, end int, policy models.OverwritePolicy, opts ...Option) (*models.RunResult, error) {
	return NewSegmentController(exp, policy, opts...).Run(ctx, start, end)
}
