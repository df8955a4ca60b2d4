package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/gcmrun/internal/environment"
)

// Provider runs the model in a long-lived container driven through the
// docker CLI. The container idles on `sleep infinity` and every compile,
// staging step and segment is a `docker exec`.
type Provider struct{}

func NewProvider() *Provider {
	return &Provider{}
}

func (p *Provider) Name() string {
	return "docker"
}

// PullImage pulls imageRef unless it is already present locally, which also
// covers images built on this host and never pushed.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	if _, err := docker(ctx, "image", "inspect", imageRef); err == nil {
		slog.Debug("docker image present locally", "image", imageRef)
		return nil
	}

	slog.Info("pulling model image", "image", imageRef)
	cmd := exec.CommandContext(ctx, "docker", "pull", imageRef)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image %s: %w", imageRef, err)
	}
	return nil
}

// CreateEnvironment starts the container.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if opts.ImageRef == "" {
		return nil, fmt.Errorf("docker environment requires an image")
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("gcmrun-%d", time.Now().UnixNano())
	}

	args := runArgs(name, opts)
	slog.Debug("creating docker container", "name", name, "image", opts.ImageRef, "cpus", opts.CPUs, "mounts", len(opts.Mounts))
	if _, err := docker(ctx, args...); err != nil {
		return nil, fmt.Errorf("creating docker container: %w", err)
	}
	return &Container{name: name}, nil
}

// runArgs builds the `docker run` arguments. --init reaps the processes
// mpirun leaves behind when a segment is killed.
func runArgs(name string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{"run", "-d", "--init", "--name", name}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	if opts.ShmSizeMB > 0 {
		args = append(args, "--shm-size", fmt.Sprintf("%dm", opts.ShmSizeMB))
	}
	for _, m := range opts.Mounts {
		args = append(args, "-v", m.String())
	}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	return append(args, opts.ImageRef, "sleep", "infinity")
}

// Container is a running model container.
type Container struct {
	name string
}

func (c *Container) ID() string {
	return c.name
}

// CopyTo copies a host path into the container, creating dst's parent.
func (c *Container) CopyTo(ctx context.Context, src, dst string) error {
	if dir := path.Dir(dst); dir != "/" && dir != "." {
		if _, err := docker(ctx, "exec", c.name, "mkdir", "-p", dir); err != nil {
			return fmt.Errorf("creating %s in container: %w", dir, err)
		}
	}
	if _, err := docker(ctx, "cp", src, c.name+":"+dst); err != nil {
		return fmt.Errorf("copying %s to container: %w", src, err)
	}
	return nil
}

// CopyFrom copies a container path to the host.
func (c *Container) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	if _, err := docker(ctx, "cp", c.name+":"+src, dst); err != nil {
		return fmt.Errorf("copying %s from container: %w", src, err)
	}
	return nil
}

func (c *Container) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	args := []string{"exec"}
	for _, k := range sortedKeys(opts.Env) {
		args = append(args, "-e", k+"="+opts.Env[k])
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = append(args, c.name, "bash", "-c", cmd)

	execCmd := exec.CommandContext(ctx, "docker", args...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	// Orphaned MPI ranks can hold the output pipes open after a kill.
	execCmd.WaitDelay = 5 * time.Second
	if err := execCmd.Run(); err != nil {
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

// Destroy force-removes the container. A container that is already gone is
// not an error.
func (c *Container) Destroy(ctx context.Context) error {
	if out, err := docker(ctx, "rm", "-f", c.name); err != nil && !strings.Contains(out, "No such container") {
		return fmt.Errorf("removing container %s: %w", c.name, err)
	}
	return nil
}

func (c *Container) Cost() float64 {
	return 0
}

// docker runs the docker CLI and returns its stderr, which is folded into
// the error on failure.
func docker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	msg := strings.TrimSpace(stderr.String())
	if err != nil {
		return msg, fmt.Errorf("docker %s: %w: %s", args[0], err, msg)
	}
	return msg, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
