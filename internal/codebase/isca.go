package codebase

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/environment"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
	"github.com/spachava753/gcmrun/internal/util"
)

const (
	namelistFile  = "input.nml"
	diagTableFile = "diag_table"
	recordFile    = "segment.json"
	partialSuffix = ".partial"
)

// IscaConfig locates an Isca-style model inside its environment and the
// experiment's data on the host.
type IscaConfig struct {
	Experiment string
	// SourceDir is the model source tree inside the environment; the compile
	// command runs there.
	SourceDir      string
	CompileCommand string
	// Executable is absolute or relative to SourceDir.
	Executable string
	MPIRun     string
	// WorkRoot is the scratch root inside the environment.
	WorkRoot string
	// DataRoot is the host directory segment output is collected into.
	DataRoot string
	// Inputs are host files staged into INPUT/ before every segment.
	Inputs         []string
	SegmentTimeout time.Duration
}

// Isca runs an FMS/Isca style model: input.nml and diag_table in the
// working directory, restart files read from INPUT/ and written to RESTART/.
type Isca struct {
	cfg IscaConfig
	env environment.Environment

	mu         sync.Mutex
	compiled   bool
	resolution models.Resolution

	now func() time.Time
}

// NewIsca returns a codebase that executes in env.
func NewIsca(env environment.Environment, cfg IscaConfig) (*Isca, error) {
	if env == nil {
		return nil, errors.New("isca codebase requires an environment")
	}
	if cfg.Experiment == "" {
		return nil, errors.New("isca codebase requires an experiment name")
	}
	if cfg.Executable == "" {
		return nil, errors.New("isca codebase requires an executable")
	}
	if cfg.WorkRoot == "" || cfg.DataRoot == "" {
		return nil, errors.New("isca codebase requires work and data roots")
	}
	if cfg.MPIRun == "" {
		cfg.MPIRun = "mpirun"
	}
	return &Isca{cfg: cfg, env: env, now: time.Now}, nil
}

// Environment returns the environment the model runs in.
func (c *Isca) Environment() environment.Environment {
	return c.env
}

// Close destroys the environment.
func (c *Isca) Close(ctx context.Context) error {
	return c.env.Destroy(ctx)
}

// DataDir is the host directory holding all output of the experiment.
func (c *Isca) DataDir() string {
	return filepath.Join(c.cfg.DataRoot, c.cfg.Experiment)
}

func (c *Isca) runDir(index int) string {
	return filepath.Join(c.DataDir(), util.RunDirName(index))
}

func (c *Isca) restartDir(index int) string {
	return filepath.Join(c.DataDir(), "restarts", util.RestartDirName(index))
}

func (c *Isca) logDir() string {
	return filepath.Join(c.DataDir(), "logs")
}

func (c *Isca) scratchDir() string {
	return path.Join(c.cfg.WorkRoot, c.cfg.Experiment, "run")
}

func (c *Isca) executable() string {
	if path.IsAbs(c.cfg.Executable) || c.cfg.SourceDir == "" {
		return c.cfg.Executable
	}
	return path.Join(c.cfg.SourceDir, c.cfg.Executable)
}

// command is the segment command line. MPIRun may carry its own flags and
// is left unquoted.
func (c *Isca) command(cores int) string {
	exe := shellQuote(c.executable())
	if cores <= 1 {
		return exe
	}
	return fmt.Sprintf("%s -np %d %s", c.cfg.MPIRun, cores, exe)
}

// Compile runs the configured compile command in the source directory. With
// no compile command the executable is assumed to be prebuilt.
func (c *Isca) Compile(ctx context.Context, debug bool) error {
	if c.cfg.CompileCommand == "" {
		slog.Debug("no compile command configured, using prebuilt executable", "executable", c.executable())
		c.mu.Lock()
		c.compiled = true
		c.mu.Unlock()
		return nil
	}

	if err := os.MkdirAll(c.logDir(), 0755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	logPath := filepath.Join(c.logDir(), "compile.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating compile log: %w", err)
	}
	defer logFile.Close()

	debugFlag := "0"
	if debug {
		debugFlag = "1"
	}

	slog.Info("compiling model", "experiment", c.cfg.Experiment, "source", c.cfg.SourceDir, "debug", debug)
	code, err := c.env.Exec(ctx, c.cfg.CompileCommand, logFile, logFile, environment.ExecOptions{
		WorkDir: c.cfg.SourceDir,
		Env: map[string]string{
			"GCMRUN_DEBUG":      debugFlag,
			"GCMRUN_EXECUTABLE": c.executable(),
			"GCMRUN_EXPERIMENT": c.cfg.Experiment,
		},
	})
	if err != nil {
		return fmt.Errorf("running compile command: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("compile command exited with code %d (log: %s)", code, logPath)
	}

	c.mu.Lock()
	c.compiled = true
	c.mu.Unlock()
	return nil
}

// SetResolution validates and stores the resolution applied to later segments.
func (c *Isca) SetResolution(ctx context.Context, res models.Resolution) error {
	if _, err := ResolutionOverrides(res); err != nil {
		return err
	}
	c.mu.Lock()
	c.resolution = res
	c.mu.Unlock()
	return nil
}

// SegmentOutputExists reports whether the run directory of a segment exists.
// Run directories only appear once collection has finished.
func (c *Isca) SegmentOutputExists(ctx context.Context, index int) (bool, error) {
	info, err := os.Stat(c.runDir(index))
	if err == nil {
		return info.IsDir(), nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("checking output of segment %d: %w", index, err)
}

// ClearWorkdir removes the experiment's scratch directory in the environment
// and its data directory on the host.
func (c *Isca) ClearWorkdir(ctx context.Context, experiment string) error {
	if experiment == "" || strings.ContainsAny(experiment, `/\`) || experiment == "." || experiment == ".." {
		return fmt.Errorf("refusing to clear workdir for experiment name %q", experiment)
	}

	scratch := path.Join(c.cfg.WorkRoot, experiment)
	slog.Info("clearing experiment directories", "experiment", experiment, "scratch", scratch)
	if err := c.sh(ctx, "rm -rf "+shellQuote(scratch)); err != nil {
		return fmt.Errorf("clearing scratch directory: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(c.cfg.DataRoot, experiment)); err != nil {
		return fmt.Errorf("clearing data directory: %w", err)
	}
	return nil
}

// ExecuteSegment runs segment req.Index from the restart files of the
// previous segment and collects its output.
func (c *Isca) ExecuteSegment(ctx context.Context, req SegmentRequest) error {
	c.mu.Lock()
	compiled, res := c.compiled, c.resolution
	c.mu.Unlock()

	idx := req.Index
	if !compiled {
		return fatal(ErrNotCompiled, "segment %d", idx)
	}
	if idx < 1 {
		return fatal(nil, "segment index must be at least 1, got %d", idx)
	}

	exists, err := c.SegmentOutputExists(ctx, idx)
	if err != nil {
		return recoverable(err, "segment %d", idx)
	}
	if exists {
		if !req.Overwrite {
			return fatal(ErrOutputExists, "segment %d", idx)
		}
		slog.Info("overwriting segment output", "experiment", c.cfg.Experiment, "index", idx)
		if err := os.RemoveAll(c.runDir(idx)); err != nil {
			return recoverable(err, "removing output of segment %d", idx)
		}
		if err := os.RemoveAll(c.restartDir(idx)); err != nil {
			return recoverable(err, "removing restart files of segment %d", idx)
		}
	}

	var restartIn string
	if idx > 1 {
		restartIn = c.restartDir(idx - 1)
		if info, err := os.Stat(restartIn); err != nil || !info.IsDir() {
			return fatal(ErrMissingCheckpoint, "segment %d needs %s", idx, restartIn)
		}
	}

	groups, err := c.namelistFor(req.Namelist, res)
	if err != nil {
		return fatal(err, "building namelist for segment %d", idx)
	}

	stage, err := os.MkdirTemp("", "gcmrun-stage-*")
	if err != nil {
		return recoverable(err, "creating staging directory")
	}
	defer os.RemoveAll(stage)

	if err := writeStaged(filepath.Join(stage, namelistFile), func(w io.Writer) error {
		_, err := namelist.Encode(w, groups)
		return err
	}); err != nil {
		return fatal(err, "writing %s", namelistFile)
	}
	if err := writeStaged(filepath.Join(stage, diagTableFile), func(w io.Writer) error {
		_, err := diag.Encode(w, req.Calendar, req.Diagnostics)
		return err
	}); err != nil {
		return recoverable(err, "writing %s", diagTableFile)
	}

	if err := c.prepareScratch(ctx, stage, restartIn); err != nil {
		return recoverable(err, "staging segment %d", idx)
	}

	if err := os.MkdirAll(c.logDir(), 0755); err != nil {
		return recoverable(err, "creating log directory")
	}
	logPath := filepath.Join(c.logDir(), util.RunDirName(idx)+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return recoverable(err, "creating segment log")
	}

	slog.Info("running segment",
		"experiment", c.cfg.Experiment,
		"index", idx,
		"cores", req.Cores,
		"environment", c.env.ID())

	started := c.now()
	code, err := c.env.Exec(ctx, c.command(req.Cores), logFile, logFile, environment.ExecOptions{
		WorkDir: c.scratchDir(),
		Timeout: c.cfg.SegmentTimeout,
	})
	logFile.Close()
	ended := c.now()

	if err != nil {
		if errors.Is(err, environment.ErrTimeout) {
			return recoverable(err, "segment %d exceeded %s", idx, c.cfg.SegmentTimeout)
		}
		return recoverable(err, "segment %d", idx)
	}

	reported, err := logReportsFatal(logPath)
	if err != nil {
		slog.Warn("could not scan segment log", "path", logPath, "error", err)
	}
	if reported {
		return fatal(nil, "segment %d: model reported FATAL (log: %s)", idx, logPath)
	}
	if code != 0 {
		return recoverable(nil, "segment %d: exit code %d (log: %s)", idx, code, logPath)
	}

	record := models.SegmentRecord{
		Experiment:  c.cfg.Experiment,
		Index:       idx,
		Cores:       req.Cores,
		Resolution:  res,
		Environment: c.env.ID(),
		StartedAt:   started,
		EndedAt:     ended,
		DurationSec: ended.Sub(started).Seconds(),
		Cost:        c.env.Cost(),
	}
	if err := c.collect(ctx, stage, record); err != nil {
		return recoverable(err, "collecting output of segment %d", idx)
	}

	slog.Info("segment complete",
		"experiment", c.cfg.Experiment,
		"index", idx,
		"duration_sec", record.DurationSec)
	return nil
}

func (c *Isca) namelistFor(groups []namelist.Group, res models.Resolution) ([]namelist.Group, error) {
	base, err := namelist.FromGroups(groups)
	if err != nil {
		return nil, err
	}
	if res.IsZero() {
		return base.Serialize()
	}
	overrides, err := ResolutionOverrides(res)
	if err != nil {
		return nil, err
	}
	return namelist.Merge(base, overrides).Serialize()
}

// prepareScratch recreates the scratch directory and stages the rendered
// configuration, the static inputs and the previous restart files.
func (c *Isca) prepareScratch(ctx context.Context, stage, restartIn string) error {
	scratch := c.scratchDir()
	input := path.Join(scratch, "INPUT")

	if err := c.sh(ctx, fmt.Sprintf("rm -rf %s && mkdir -p %s %s", shellQuote(scratch), shellQuote(input), shellQuote(path.Join(scratch, "RESTART")))); err != nil {
		return err
	}
	for _, name := range []string{namelistFile, diagTableFile} {
		if err := c.env.CopyTo(ctx, filepath.Join(stage, name), path.Join(scratch, name)); err != nil {
			return fmt.Errorf("copying %s: %w", name, err)
		}
	}
	for _, in := range c.cfg.Inputs {
		if err := c.env.CopyTo(ctx, in, path.Join(input, filepath.Base(in))); err != nil {
			return fmt.Errorf("copying input %s: %w", in, err)
		}
	}
	if restartIn != "" {
		// Trailing "/." copies the directory contents rather than the directory.
		if err := c.env.CopyTo(ctx, restartIn+string(filepath.Separator)+".", input); err != nil {
			return fmt.Errorf("copying restart files: %w", err)
		}
	}
	return nil
}

// collect moves restart files and history output to the data directory.
// Both land in a .partial directory first and are renamed into place, the
// run directory last, so an existing run directory is always complete.
func (c *Isca) collect(ctx context.Context, stage string, record models.SegmentRecord) error {
	scratch := c.scratchDir()
	idx := record.Index

	gather := fmt.Sprintf("cd %s && mkdir -p HISTORY && find . -maxdepth 1 -type f -name '*.nc*' -exec mv {} HISTORY/ \\;", shellQuote(scratch))
	if err := c.sh(ctx, gather); err != nil {
		return err
	}

	restart := c.restartDir(idx)
	if err := c.fetch(ctx, path.Join(scratch, "RESTART"), restart, nil); err != nil {
		return fmt.Errorf("restart files: %w", err)
	}

	return c.fetch(ctx, path.Join(scratch, "HISTORY"), c.runDir(idx), func(dir string) error {
		for _, name := range []string{namelistFile, diagTableFile} {
			if err := copyFile(filepath.Join(stage, name), filepath.Join(dir, name)); err != nil {
				return err
			}
		}
		data, err := json.MarshalIndent(record, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, recordFile), data, 0644)
	})
}

// fetch copies src out of the environment into dst via dst.partial. fill
// may add files to the partial directory before it is renamed.
func (c *Isca) fetch(ctx context.Context, src, dst string, fill func(dir string) error) error {
	partial := dst + partialSuffix
	if err := os.RemoveAll(partial); err != nil {
		return err
	}
	if err := c.env.CopyFrom(ctx, src, partial); err != nil {
		return err
	}
	if err := os.MkdirAll(partial, 0755); err != nil {
		return err
	}
	if fill != nil {
		if err := fill(partial); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(partial, dst)
}

// shellQuote single-quotes s for bash so that $, backticks and spaces in
// paths are taken literally.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sh runs a helper command and turns a non-zero exit into an error.
func (c *Isca) sh(ctx context.Context, cmd string) error {
	var stderr bytes.Buffer
	code, err := c.env.Exec(ctx, cmd, io.Discard, &stderr, environment.ExecOptions{})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%s: exit code %d: %s", cmd, code, strings.TrimSpace(stderr.String()))
	}
	return nil
}

func logReportsFatal(logPath string) (bool, error) {
	f, err := os.Open(logPath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "FATAL") {
			return true, nil
		}
	}
	return false, scanner.Err()
}

func writeStaged(name string, write func(io.Writer) error) error {
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
