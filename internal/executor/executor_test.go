package executor_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/config"
	"github.com/spachava753/gcmrun/internal/executor"
	"github.com/spachava753/gcmrun/internal/models"
)

type closingCodebase struct {
	*fakeCodebase
	closed *[]string
	mu     *sync.Mutex
	name   string
}

func (c closingCodebase) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.closed = append(*c.closed, c.name)
	return nil
}

type fakeOpener struct {
	mu      sync.Mutex
	fakes   map[string]*fakeCodebase
	opened  []string
	closed  []string
	failFor string
}

func (o *fakeOpener) open(ctx context.Context, cfg models.ExperimentConfig) (executor.ManagedCodebase, error) {
	o.mu.Lock()
	o.opened = append(o.opened, cfg.Name)
	o.mu.Unlock()
	if cfg.Name == o.failFor {
		return nil, errors.New("no capacity")
	}
	fb, ok := o.fakes[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("no fake for %s", cfg.Name)
	}
	return closingCodebase{fakeCodebase: fb, closed: &o.closed, mu: &o.mu, name: cfg.Name}, nil
}

func experimentConfig(t *testing.T, dataDir, yaml string) models.ExperimentConfig {
	t.Helper()
	cfg, err := config.ParseExperiment([]byte(yaml + "\ndata_dir: " + dataDir + "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestOrchestratorRun(t *testing.T) {
	dataDir := t.TempDir()
	earth := newFakeCodebase(1)
	mars := newFakeCodebase()
	mars.failAt[2] = fmt.Errorf("%w: disk full", codebase.ErrRecoverable)
	opener := &fakeOpener{fakes: map[string]*fakeCodebase{"earth": earth, "mars": mars}}

	cfgs := []models.ExperimentConfig{
		experimentConfig(t, dataDir, "name: earth\nclear_workdir: false\nnamelist: {main_nml: {days: 30}}\nruns: {start: 1, end: 3}"),
		experimentConfig(t, dataDir, "name: mars\nclear_workdir: true\nresolution: {horizontal: T21, levels: 10}\nruns: {start: 1, end: 3}"),
	}

	orchestrator, err := executor.NewOrchestrator(cfgs, opener.open, 0)
	if err != nil {
		t.Fatal(err)
	}
	var progressMu sync.Mutex
	var progress int
	summary, err := orchestrator.WithProgress(func(models.SegmentResult) {
		progressMu.Lock()
		progress++
		progressMu.Unlock()
	}).Run(context.Background())

	var failed *executor.SegmentFailedError
	if !errors.As(err, &failed) || failed.Experiment != "mars" || failed.Index != 2 {
		t.Fatalf("expected mars SegmentFailedError at 2, got %v", err)
	}

	if summary.TotalExperiments != 2 || summary.Completed != 1 || summary.Failed != 1 {
		t.Errorf("summary counts = %+v", summary)
	}
	if summary.SegmentsExecuted != 3 || summary.SegmentsSkipped != 1 {
		t.Errorf("segments executed/skipped = %d/%d", summary.SegmentsExecuted, summary.SegmentsSkipped)
	}
	if progress != 5 {
		t.Errorf("progress hook called %d times, want 5", progress)
	}

	if !slices.Equal(earth.executed, []int{2, 3}) {
		t.Errorf("earth executed %v", earth.executed)
	}
	if len(earth.cleared) != 0 || !slices.Equal(mars.cleared, []string{"mars"}) {
		t.Errorf("cleared earth=%v mars=%v", earth.cleared, mars.cleared)
	}
	if len(mars.resolutions) != 1 || mars.resolutions[0].Horizontal != "T21" {
		t.Errorf("mars resolutions = %v", mars.resolutions)
	}

	slices.Sort(opener.closed)
	if !slices.Equal(opener.closed, []string{"earth", "mars"}) {
		t.Errorf("closed = %v", opener.closed)
	}

	for _, name := range []string{"earth", "mars"} {
		matches, _ := filepath.Glob(filepath.Join(dataDir, name, "runs", "*__result.json"))
		if len(matches) != 1 {
			t.Errorf("%s: expected one saved result, got %v", name, matches)
		}
	}

	if v := savedNamelistValue(t, dataDir, "earth", "main_nml", "days"); v != float64(30) {
		t.Errorf("earth saved main_nml.days = %v, want 30", v)
	}
	if v := savedNamelistValue(t, dataDir, "mars", "spectral_dynamics_nml", "lon_max"); v != float64(64) {
		t.Errorf("mars saved spectral_dynamics_nml.lon_max = %v, want 64", v)
	}
}

// savedNamelistValue reads the namelist recorded in an experiment's saved
// config.
func savedNamelistValue(t *testing.T, dataDir, name, group, key string) any {
	t.Helper()
	matches, _ := filepath.Glob(filepath.Join(dataDir, name, "runs", "*__config.json"))
	if len(matches) != 1 {
		t.Fatalf("%s: expected one saved config, got %v", name, matches)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatal(err)
	}
	var saved struct {
		Experiment struct {
			Name string `json:"name"`
		} `json:"experiment"`
		Namelist []struct {
			Name    string `json:"name"`
			Entries []struct {
				Key   string `json:"key"`
				Value any    `json:"value"`
			} `json:"entries"`
		} `json:"namelist"`
	}
	if err := json.Unmarshal(data, &saved); err != nil {
		t.Fatalf("%s: decoding saved config: %v", name, err)
	}
	if saved.Experiment.Name != name {
		t.Errorf("saved experiment name = %q, want %q", saved.Experiment.Name, name)
	}
	for _, g := range saved.Namelist {
		if g.Name != group {
			continue
		}
		for _, e := range g.Entries {
			if e.Key == key {
				return e.Value
			}
		}
	}
	t.Errorf("%s: %s.%s missing from saved namelist", name, group, key)
	return nil
}

func TestOrchestratorConfigErrorTouchesNothing(t *testing.T) {
	dataDir := t.TempDir()
	earth := newFakeCodebase(1, 2, 3)
	mars := newFakeCodebase()
	opener := &fakeOpener{fakes: map[string]*fakeCodebase{"earth": earth, "mars": mars}}
	cfgs := []models.ExperimentConfig{
		experimentConfig(t, dataDir, "name: earth\nclear_workdir: true\nruns: {start: 1, end: 3}"),
		experimentConfig(t, dataDir, "name: mars\ntemplate: no_such_template\nruns: {start: 1, end: 3}"),
	}

	orchestrator, err := executor.NewOrchestrator(cfgs, opener.open, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := orchestrator.Run(context.Background()); !errors.Is(err, config.ErrUnknownTemplate) {
		t.Fatalf("expected ErrUnknownTemplate, got %v", err)
	}
	if len(earth.cleared) != 0 {
		t.Errorf("earth cleared before the batch was checked: %v", earth.cleared)
	}
	for _, i := range []int{1, 2, 3} {
		if !earth.existing[i] {
			t.Errorf("earth segment %d lost", i)
		}
	}
	if len(opener.opened) != 0 || len(earth.executed) != 0 {
		t.Errorf("opened %v, executed %v", opener.opened, earth.executed)
	}
}

func TestOrchestratorRejectsDuplicates(t *testing.T) {
	dataDir := t.TempDir()
	cfgs := []models.ExperimentConfig{
		experimentConfig(t, dataDir, "name: earth"),
		experimentConfig(t, dataDir, "name: earth"),
	}
	if _, err := executor.NewOrchestrator(cfgs, nil, 1); !errors.Is(err, executor.ErrDuplicateExperiment) {
		t.Errorf("expected ErrDuplicateExperiment, got %v", err)
	}
	if _, err := executor.NewOrchestrator(nil, nil, 1); err == nil {
		t.Error("expected error for empty batch")
	}
}

func TestOrchestratorOpenFailure(t *testing.T) {
	dataDir := t.TempDir()
	earth := newFakeCodebase()
	opener := &fakeOpener{fakes: map[string]*fakeCodebase{"earth": earth}, failFor: "mars"}
	cfgs := []models.ExperimentConfig{
		experimentConfig(t, dataDir, "name: earth"),
		experimentConfig(t, dataDir, "name: mars"),
	}

	orchestrator, err := executor.NewOrchestrator(cfgs, opener.open, 1)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := orchestrator.Run(context.Background()); err == nil || !strings.Contains(err.Error(), "no capacity") {
		t.Fatalf("expected open failure, got %v", err)
	}
	if len(earth.executed) != 0 {
		t.Errorf("segments ran despite setup failure: %v", earth.executed)
	}
	if !slices.Equal(opener.closed, []string{"earth"}) {
		t.Errorf("opened environment not released: %v", opener.closed)
	}
}

// modelScript stands in for the model: it writes a history file and a
// restart file, counting restarts.
const modelScript = `#!/usr/bin/env bash
n=0
if [ -f INPUT/count ]; then n=$(cat INPUT/count); fi
n=$((n+1))
echo "$n" > RESTART/count
echo "segment $n" > atmos_monthly.nc
`

// TestLocalEndToEnd runs a three-segment experiment on the host shell.
func TestLocalEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	root := t.TempDir()
	src := filepath.Join(root, "src")
	if err := os.MkdirAll(src, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "model.sh"), []byte(modelScript), 0755); err != nil {
		t.Fatal(err)
	}

	cfg := experimentConfig(t, filepath.Join(root, "data"), fmt.Sprintf(`name: local-e2e
work_dir: %s
template: grey_dry
resolution: {horizontal: T21, levels: 10}
codebase:
  path: %s
  executable: model.sh
runs: {start: 1, end: 3}
diagnostics:
  files:
    - name: atmos_monthly
      interval: 30
      unit: days
      fields:
        - {module: dynamics, name: ps, time_avg: true}
`, filepath.Join(root, "work"), src))

	orchestrator, err := executor.NewOrchestrator([]models.ExperimentConfig{cfg}, executor.DefaultOpenCodebase, 1)
	if err != nil {
		t.Fatal(err)
	}
	summary, err := orchestrator.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SegmentsExecuted != 3 {
		t.Errorf("executed %d segments", summary.SegmentsExecuted)
	}

	out, err := os.ReadFile(filepath.Join(root, "data", "local-e2e", "run0003", "atmos_monthly.nc"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "segment 3" {
		t.Errorf("segment 3 output = %q, restart chain broken", out)
	}

	records, err := codebase.ReadSegmentRecords(filepath.Join(root, "data"), "local-e2e")
	if err != nil || len(records) != 3 {
		t.Errorf("records = %v, %v", records, err)
	}

	// A second invocation finds everything complete.
	orchestrator, _ = executor.NewOrchestrator([]models.ExperimentConfig{cfg}, executor.DefaultOpenCodebase, 1)
	summary, err = orchestrator.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if summary.SegmentsExecuted != 0 || summary.SegmentsSkipped != 3 {
		t.Errorf("rerun executed %d, skipped %d", summary.SegmentsExecuted, summary.SegmentsSkipped)
	}
}
