// Package environment abstracts where the model is built and executed: the
// local host, a docker container or a remote Modal sandbox.
package environment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// ErrTimeout is returned by Exec when the command exceeds its timeout.
var ErrTimeout = errors.New("command timed out")

// Environment is a place where shell commands run against a filesystem that
// may or may not be the host's. Paths passed to Exec, CopyTo's dst and
// CopyFrom's src are paths inside the environment.
type Environment interface {
	ID() string

	// CopyTo copies a host file or directory to dst. A src ending in "/."
	// copies the directory's contents into dst.
	CopyTo(ctx context.Context, src, dst string) error

	// CopyFrom copies src out of the environment to the host path dst.
	CopyFrom(ctx context.Context, src, dst string) error

	// Exec runs cmd with bash and returns its exit code. A non-zero exit is
	// not an error; err is reserved for failing to run the command at all.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy releases the environment. It is safe to call more than once.
	Destroy(ctx context.Context) error

	// Cost is the spend so far in USD, zero where nothing is billed.
	Cost() float64
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
}

// Provider creates environments of one kind.
type Provider interface {
	Name() string

	// PullImage makes sure the model image is available to the provider.
	PullImage(ctx context.Context, imageRef string) error

	CreateEnvironment(ctx context.Context, opts CreateEnvironmentOptions) (Environment, error)
}

// Mount exposes a host directory inside an environment.
type Mount struct {
	HostPath string
	Path     string
	ReadOnly bool
}

func (m Mount) String() string {
	s := m.HostPath + ":" + m.Path
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// ParseMount parses "host:path" or "host:path:ro". A bare "host" is mounted
// at the same path.
func ParseMount(spec string) (Mount, error) {
	parts := strings.Split(spec, ":")
	var m Mount
	switch len(parts) {
	case 1:
		m = Mount{HostPath: parts[0], Path: parts[0]}
	case 2:
		m = Mount{HostPath: parts[0], Path: parts[1]}
	case 3:
		if parts[2] != "ro" && parts[2] != "rw" {
			return Mount{}, fmt.Errorf("mount %q: unknown mode %q", spec, parts[2])
		}
		m = Mount{HostPath: parts[0], Path: parts[1], ReadOnly: parts[2] == "ro"}
	default:
		return Mount{}, fmt.Errorf("mount %q: expected host:path[:ro]", spec)
	}
	if m.HostPath == "" || m.Path == "" {
		return Mount{}, fmt.Errorf("mount %q: empty path", spec)
	}
	if !strings.HasPrefix(m.Path, "/") {
		return Mount{}, fmt.Errorf("mount %q: %s must be absolute", spec, m.Path)
	}
	return m, nil
}

// CreateEnvironmentOptions configures environment creation.
type CreateEnvironmentOptions struct {
	Name     string
	ImageRef string
	CPUs     int
	MemoryMB int
	// ShmSizeMB sizes /dev/shm, which MPI uses for intra-node transport.
	ShmSizeMB int
	Mounts    []Mount
	Env       map[string]string
}
