package executor_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/executor"
	"github.com/spachava753/gcmrun/internal/experiment"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
)

// fakeCodebase records calls and marks executed segments as existing.
type fakeCodebase struct {
	mu          sync.Mutex
	existing    map[int]bool
	failAt      map[int]error
	compileErr  error
	compiles    int
	executed    []int
	overwrites  []bool
	requests    []codebase.SegmentRequest
	resolutions []models.Resolution
	cleared     []string
	onExecute   func(index int)
}

func newFakeCodebase(existing ...int) *fakeCodebase {
	fb := &fakeCodebase{existing: map[int]bool{}, failAt: map[int]error{}}
	for _, i := range existing {
		fb.existing[i] = true
	}
	return fb
}

func (f *fakeCodebase) Compile(ctx context.Context, debug bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.compiles++
	return f.compileErr
}

func (f *fakeCodebase) ExecuteSegment(ctx context.Context, req codebase.SegmentRequest) error {
	f.mu.Lock()
	f.executed = append(f.executed, req.Index)
	f.overwrites = append(f.overwrites, req.Overwrite)
	f.requests = append(f.requests, req)
	err := f.failAt[req.Index]
	if err == nil {
		f.existing[req.Index] = true
	}
	hook := f.onExecute
	f.mu.Unlock()
	if hook != nil {
		hook(req.Index)
	}
	return err
}

func (f *fakeCodebase) SegmentOutputExists(ctx context.Context, index int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[index], nil
}

func (f *fakeCodebase) SetResolution(ctx context.Context, res models.Resolution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolutions = append(f.resolutions, res)
	return nil
}

func (f *fakeCodebase) ClearWorkdir(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, name)
	f.existing = map[int]bool{}
	return nil
}

func newExperiment(t *testing.T, name string, cb codebase.Codebase) *experiment.Context {
	t.Helper()
	exp, err := experiment.New(name, cb, 4)
	if err != nil {
		t.Fatal(err)
	}

	set := namelist.New()
	set.Set("main_nml", "days", 30)
	set.Set("main_nml", "calendar", "thirty_day")

	schema := diag.New()
	if err := schema.AddFile("atmos_monthly", 30, "days", "days"); err != nil {
		t.Fatal(err)
	}
	if err := schema.AddField("atmos_monthly", "dynamics", "ps", true); err != nil {
		t.Fatal(err)
	}

	if err := exp.Bind(set, schema); err != nil {
		t.Fatal(err)
	}
	return exp
}

var skipExisting = models.OverwritePolicy{}

func TestRunIsIdempotent(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)
	ctx := context.Background()

	first, err := executor.Run(ctx, exp, 1, 5, skipExisting)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	if first.State != models.StateCompleted || len(first.Executed) != 5 {
		t.Fatalf("first run: state %s executed %v", first.State, first.Executed)
	}

	second, err := executor.Run(ctx, exp, 1, 5, skipExisting)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if second.State != models.StateCompleted {
		t.Errorf("second run state = %s", second.State)
	}
	if len(second.Executed) != 0 {
		t.Errorf("second run executed %v, want none", second.Executed)
	}
	if len(fb.executed) != 5 {
		t.Errorf("total executions = %d, want 5", len(fb.executed))
	}
	if second.LastCompleted != 5 {
		t.Errorf("LastCompleted = %d", second.LastCompleted)
	}
}

func TestSegmentsExecuteInIncreasingOrder(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)

	if _, err := executor.Run(context.Background(), exp, 3, 9, skipExisting); err != nil {
		t.Fatal(err)
	}
	want := []int{3, 4, 5, 6, 7, 8, 9}
	if !slices.Equal(fb.executed, want) {
		t.Errorf("executed %v, want %v", fb.executed, want)
	}
}

func TestSkipExistingSegment(t *testing.T) {
	fb := newFakeCodebase(2)
	exp := newExperiment(t, "earth", fb)

	result, err := executor.Run(context.Background(), exp, 1, 3, skipExisting)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(fb.executed, []int{1, 3}) {
		t.Errorf("executed %v, want [1 3]", fb.executed)
	}
	if !slices.Equal(result.Skipped, []int{2}) {
		t.Errorf("skipped %v, want [2]", result.Skipped)
	}
	if len(result.Segments) != 3 || result.Segments[1].Status != models.SegmentSkipped {
		t.Errorf("segments = %+v", result.Segments)
	}
}

func TestFatalErrorHaltsRun(t *testing.T) {
	fb := newFakeCodebase()
	fb.failAt[5] = fmt.Errorf("%w: model reported FATAL", codebase.ErrFatal)
	exp := newExperiment(t, "earth", fb)

	c := executor.NewSegmentController(exp, skipExisting)
	result, err := c.Run(context.Background(), 1, 10)

	var fatal *executor.FatalSimulationError
	if !errors.As(err, &fatal) {
		t.Fatalf("expected FatalSimulationError, got %v", err)
	}
	if fatal.Index != 5 || fatal.LastCompleted != 4 {
		t.Errorf("fatal = index %d last %d, want 5 and 4", fatal.Index, fatal.LastCompleted)
	}
	if !slices.Equal(fb.executed, []int{1, 2, 3, 4, 5}) {
		t.Errorf("executed %v; segments after 5 must not run", fb.executed)
	}
	if result.LastCompleted != 4 || result.FailedIndex != 5 {
		t.Errorf("result last %d failed %d", result.LastCompleted, result.FailedIndex)
	}
	if result.State != models.StateFailed || c.State() != models.StateFailed {
		t.Errorf("state = %s / %s", result.State, c.State())
	}
	if result.Error == nil || result.Error.Type != models.ErrSimulationFatal {
		t.Errorf("result error = %+v", result.Error)
	}
}

func TestRecoverableFailureResumes(t *testing.T) {
	fb := newFakeCodebase()
	fb.failAt[3] = fmt.Errorf("%w: node lost", codebase.ErrRecoverable)
	exp := newExperiment(t, "earth", fb)
	ctx := context.Background()

	_, err := executor.Run(ctx, exp, 1, 4, skipExisting)
	var failed *executor.SegmentFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected SegmentFailedError, got %v", err)
	}
	if failed.Index != 3 || failed.LastCompleted != 2 {
		t.Errorf("failed = index %d last %d", failed.Index, failed.LastCompleted)
	}
	if !errors.Is(err, codebase.ErrRecoverable) {
		t.Error("cause not preserved")
	}

	delete(fb.failAt, 3)
	fb.executed = nil
	result, err := executor.Run(ctx, exp, 1, 4, skipExisting)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !slices.Equal(fb.executed, []int{3, 4}) {
		t.Errorf("resume executed %v, want [3 4]", fb.executed)
	}
	if !slices.Equal(result.Skipped, []int{1, 2}) {
		t.Errorf("resume skipped %v", result.Skipped)
	}
}

func TestCompileFailureRunsNothing(t *testing.T) {
	fb := newFakeCodebase()
	fb.compileErr = errors.New("gfortran: not found")
	exp := newExperiment(t, "earth", fb)

	result, err := executor.Run(context.Background(), exp, 1, 3, skipExisting)
	var compileErr *executor.CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if len(fb.executed) != 0 {
		t.Errorf("executed %v after compile failure", fb.executed)
	}
	if result.State != models.StateFailed || result.LastCompleted != 0 {
		t.Errorf("result = %+v", result)
	}
	if exp.Started() {
		t.Error("experiment marked started after compile failure")
	}
}

func TestCompileIsMemoizedPerExperiment(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)
	ctx := context.Background()

	for range 3 {
		if _, err := executor.Run(ctx, exp, 1, 2, skipExisting); err != nil {
			t.Fatal(err)
		}
	}
	if fb.compiles != 1 {
		t.Errorf("compiles = %d, want 1", fb.compiles)
	}
}

func TestControllerIsSingleUse(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)
	c := executor.NewSegmentController(exp, skipExisting)

	if _, err := c.Run(context.Background(), 1, 1); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Run(context.Background(), 1, 1); !errors.Is(err, executor.ErrControllerUsed) {
		t.Errorf("expected ErrControllerUsed, got %v", err)
	}
}

func TestInvalidRange(t *testing.T) {
	exp := newExperiment(t, "earth", newFakeCodebase())
	for _, r := range [][2]int{{0, 3}, {5, 4}} {
		if _, err := executor.Run(context.Background(), exp, r[0], r[1], skipExisting); !errors.Is(err, executor.ErrInvalidRange) {
			t.Errorf("range %v: expected ErrInvalidRange, got %v", r, err)
		}
	}
}

func TestOverwritePolicyPerPosition(t *testing.T) {
	tests := []struct {
		name       string
		policy     models.OverwritePolicy
		wantExec   []int
		wantFlags  []bool
		wantSkipped []int
	}{
		{
			name:       "skip existing",
			policy:     models.OverwritePolicy{},
			wantExec:   []int{3},
			wantFlags:  []bool{false},
			wantSkipped: []int{1, 2},
		},
		{
			name:       "overwrite first only",
			policy:     models.OverwritePolicy{First: true},
			wantExec:   []int{1, 3},
			wantFlags:  []bool{true, false},
			wantSkipped: []int{2},
		},
		{
			name:       "overwrite all",
			policy:     models.OverwritePolicy{First: true, Rest: true},
			wantExec:   []int{1, 2, 3},
			wantFlags:  []bool{true, true, true},
			wantSkipped: []int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := newFakeCodebase(1, 2)
			exp := newExperiment(t, "earth", fb)

			result, err := executor.Run(context.Background(), exp, 1, 3, tt.policy)
			if err != nil {
				t.Fatal(err)
			}
			if !slices.Equal(fb.executed, tt.wantExec) {
				t.Errorf("executed %v, want %v", fb.executed, tt.wantExec)
			}
			if !slices.Equal(fb.overwrites, tt.wantFlags) {
				t.Errorf("overwrite flags %v, want %v", fb.overwrites, tt.wantFlags)
			}
			if !slices.Equal(result.Skipped, tt.wantSkipped) {
				t.Errorf("skipped %v, want %v", result.Skipped, tt.wantSkipped)
			}
		})
	}
}

func TestResolutionAppliedBeforeFirstSegment(t *testing.T) {
	fb := newFakeCodebase()
	exp, err := experiment.New("earth", fb, 16)
	if err != nil {
		t.Fatal(err)
	}
	if err := exp.SetResolution("T85", 40); err != nil {
		t.Fatal(err)
	}
	set := namelist.New()
	set.Set("main_nml", "days", 30)
	if err := exp.Bind(set, diag.New()); err != nil {
		t.Fatal(err)
	}

	fb.onExecute = func(int) {
		if len(fb.resolutions) != 1 {
			t.Errorf("resolution not applied before segment")
		}
	}
	if _, err := executor.Run(context.Background(), exp, 1, 2, skipExisting); err != nil {
		t.Fatal(err)
	}
	if fb.resolutions[0] != (models.Resolution{Horizontal: "T85", Levels: 40}) {
		t.Errorf("resolution = %+v", fb.resolutions[0])
	}
	if fb.requests[0].Cores != 16 {
		t.Errorf("cores = %d", fb.requests[0].Cores)
	}
}

func TestSegmentRequestCarriesBoundConfiguration(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)

	if _, err := executor.Run(context.Background(), exp, 1, 1, skipExisting); err != nil {
		t.Fatal(err)
	}
	req := fb.requests[0]
	if len(req.Namelist) != 1 || req.Namelist[0].Name != "main_nml" || len(req.Namelist[0].Entries) != 2 {
		t.Errorf("namelist = %+v", req.Namelist)
	}
	if len(req.Diagnostics) != 1 || req.Diagnostics[0].Fields[0].Name != "ps" {
		t.Errorf("diagnostics = %+v", req.Diagnostics)
	}
}

func TestCancellationBetweenSegments(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fb.onExecute = func(index int) {
		if index == 2 {
			cancel()
		}
	}
	result, err := executor.Run(ctx, exp, 1, 5, skipExisting)

	var failed *executor.SegmentFailedError
	if !errors.As(err, &failed) || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected SegmentFailedError wrapping context.Canceled, got %v", err)
	}
	if failed.Index != 3 || result.LastCompleted != 2 {
		t.Errorf("index %d last %d, want 3 and 2", failed.Index, result.LastCompleted)
	}
}

func TestProgressHookSeesEverySegment(t *testing.T) {
	fb := newFakeCodebase(2)
	fb.failAt[4] = fmt.Errorf("%w: boom", codebase.ErrRecoverable)
	exp := newExperiment(t, "earth", fb)

	var seen []models.SegmentResult
	executor.Run(context.Background(), exp, 1, 5, skipExisting, executor.WithProgress(func(r models.SegmentResult) {
		seen = append(seen, r)
	}))

	wantStatus := []models.SegmentStatus{models.SegmentExecuted, models.SegmentSkipped, models.SegmentExecuted, models.SegmentFailed}
	if len(seen) != len(wantStatus) {
		t.Fatalf("progress calls = %d, want %d", len(seen), len(wantStatus))
	}
	for i, s := range seen {
		if s.Status != wantStatus[i] || s.Index != i+1 {
			t.Errorf("progress[%d] = %d %s", i, s.Index, s.Status)
		}
	}
	if seen[3].Error == nil || seen[3].Error.Type != models.ErrSegmentFailed {
		t.Errorf("failed segment error = %+v", seen[3].Error)
	}
}

func TestClearWorkdirAfterSegmentsIsRejected(t *testing.T) {
	fb := newFakeCodebase()
	exp := newExperiment(t, "earth", fb)

	if _, err := executor.Run(context.Background(), exp, 1, 1, skipExisting); err != nil {
		t.Fatal(err)
	}

	err := exp.ClearWorkdir(context.Background())
	var stateErr *experiment.StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if len(fb.cleared) != 0 || !fb.existing[1] {
		t.Error("segment 1 output was cleared")
	}
}
