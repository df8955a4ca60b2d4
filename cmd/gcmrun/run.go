package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/spachava753/gcmrun/internal/config"
	"github.com/spachava753/gcmrun/internal/executor"
	"github.com/spachava753/gcmrun/internal/models"
)

type runFlags struct {
	start          int
	end            int
	overwrite      bool
	overwriteFirst bool
	parallel       int
	debug          bool
}

func newRunCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <experiment.yaml>...",
		Short: "compile and run the segments of one or more experiments",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExperiments(cmd, args, f)
		},
	}
	cmd.Flags().IntVar(&f.start, "start", 0, "first segment (default: runs.start)")
	cmd.Flags().IntVar(&f.end, "end", 0, "last segment (default: runs.end)")
	cmd.Flags().BoolVar(&f.overwrite, "overwrite", false, "re-run segments after the first even if their output exists")
	cmd.Flags().BoolVar(&f.overwriteFirst, "overwrite-first", false, "re-run the first segment even if its output exists")
	cmd.Flags().IntVar(&f.parallel, "parallel", 1, "experiments to run at once (0 = all)")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "request a debug build of the model")
	return cmd
}

func runExperiments(cmd *cobra.Command, paths []string, f runFlags) error {
	var cfgs []models.ExperimentConfig
	for _, p := range paths {
		cfg, err := config.LoadExperiment(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		cfgs = append(cfgs, applyRunFlags(cmd, cfg, f))
	}
	if err := setupLogging(cfgs[0].LogLevel); err != nil {
		return err
	}

	orchestrator, err := executor.NewOrchestrator(cfgs, executor.DefaultOpenCodebase, f.parallel)
	if err != nil {
		return err
	}
	summary, err := orchestrator.WithProgress(logProgress).Run(cmd.Context())
	if summary != nil {
		printSummary(summary)
	}
	if err != nil {
		var fatal *executor.FatalSimulationError
		if errors.As(err, &fatal) {
			slog.Error("simulation stopped on a fatal error; fix the configuration before rerunning",
				"experiment", fatal.Experiment, "index", fatal.Index)
		}
		return err
	}
	return nil
}

// applyRunFlags overlays explicitly set command line flags on cfg.
func applyRunFlags(cmd *cobra.Command, cfg models.ExperimentConfig, f runFlags) models.ExperimentConfig {
	flags := cmd.Flags()
	if flags.Changed("start") {
		cfg.Runs.Start = f.start
		if !flags.Changed("end") && cfg.Runs.End < f.start {
			cfg.Runs.End = f.start
		}
	}
	if flags.Changed("end") {
		cfg.Runs.End = f.end
	}
	if flags.Changed("overwrite") {
		cfg.Runs.Overwrite = f.overwrite
	}
	if flags.Changed("overwrite-first") {
		cfg.Runs.OverwriteFirst = f.overwriteFirst
	}
	if flags.Changed("debug") {
		cfg.Codebase.Debug = f.debug
	}
	return cfg
}

func logProgress(seg models.SegmentResult) {
	attrs := []any{
		"experiment", seg.Experiment,
		"index", seg.Index,
		"status", seg.Status,
		"duration_sec", seg.DurationSec,
	}
	if seg.Error != nil {
		attrs = append(attrs, "error_type", seg.Error.Type)
	}
	slog.Debug("segment finished", attrs...)
}

func printSummary(s *models.BatchSummary) {
	for _, res := range s.Results {
		fmt.Printf("\nExperiment: %s\n", res.Experiment)
		fmt.Printf("Segments: %d-%d\n", res.Start, res.End)
		fmt.Printf("State: %s\n", res.State)
		fmt.Printf("Executed: %d\n", len(res.Executed))
		fmt.Printf("Skipped: %d\n", len(res.Skipped))
		fmt.Printf("Last completed: %d\n", res.LastCompleted)
		if res.Error != nil {
			fmt.Printf("Failed at: %d (%s)\n", res.FailedIndex, res.Error.Type)
		}
		fmt.Printf("Duration: %.2fs\n", res.DurationSec)
	}
	fmt.Printf("\nExperiments: %d completed, %d failed\n", s.Completed, s.Failed)
	fmt.Printf("Segments: %d executed, %d skipped\n", s.SegmentsExecuted, s.SegmentsSkipped)
	fmt.Printf("Total duration: %.2fs\n", s.TotalDurationSec)
}
