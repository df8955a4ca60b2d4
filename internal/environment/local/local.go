package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spachava753/gcmrun/internal/environment"
)

// Provider runs the model directly on the host.
type Provider struct{}

// NewProvider creates a new local provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "local"
}

// PullImage is a no-op for the host.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	return nil
}

// CreateEnvironment returns a handle to the host shell.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if _, err := exec.LookPath("bash"); err != nil {
		return nil, fmt.Errorf("bash not found on host: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = "local"
	}
	return &Environment{name: name, env: opts.Env}, nil
}

// Environment executes commands through bash on the host.
type Environment struct {
	name string
	env  map[string]string
}

// ID returns the environment name.
func (e *Environment) ID() string {
	return e.name
}

// CopyTo copies a host path to another host path.
func (e *Environment) CopyTo(ctx context.Context, src, dst string) error {
	return copyPath(ctx, src, dst)
}

// CopyFrom copies a host path to another host path.
func (e *Environment) CopyFrom(ctx context.Context, src, dst string) error {
	return copyPath(ctx, src, dst)
}

func copyPath(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(dst), err)
	}
	cmd := exec.CommandContext(ctx, "cp", "-a", src, dst)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("copying %s to %s: %w: %s", src, dst, err, out)
	}
	return nil
}

// Exec runs cmd with bash -c.
func (e *Environment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	slog.Debug("executing command on host", "command", preview(cmd), "workdir", opts.WorkDir)

	execCmd := exec.CommandContext(ctx, "bash", "-c", cmd)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	// Orphaned MPI ranks can hold the output pipes open after a kill.
	execCmd.WaitDelay = 5 * time.Second
	execCmd.Dir = opts.WorkDir
	execCmd.Env = os.Environ()
	for k, v := range e.env {
		execCmd.Env = append(execCmd.Env, k+"="+v)
	}
	for k, v := range opts.Env {
		execCmd.Env = append(execCmd.Env, k+"="+v)
	}

	err := execCmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, environment.ErrTimeout
		}
		if ctx.Err() != nil {
			return -1, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}
	return 0, nil
}

// Destroy is a no-op; the host outlives the run.
func (e *Environment) Destroy(ctx context.Context) error {
	return nil
}

// Cost returns 0 for the host.
func (e *Environment) Cost() float64 {
	return 0
}

func preview(cmd string) string {
	if len(cmd) > 100 {
		return cmd[:100] + "..."
	}
	return cmd
}
