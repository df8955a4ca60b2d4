// Package experiment binds a named experiment to its configuration and to
// the codebase that runs it, and guards the operations that are only legal
// before the first segment starts.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
)

var (
	ErrStarted        = errors.New("segments have already started")
	ErrAlreadyCleared = errors.New("workdir already cleared")
	ErrNotBound       = errors.New("configuration not bound")
)

// StateError reports an operation that is illegal in the context's state.
type StateError struct {
	Experiment string
	Op         string
	Err        error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("experiment %s: %s: %v", e.Experiment, e.Op, e.Err)
}

func (e *StateError) Unwrap() error { return e.Err }

// Context is one named experiment. It is configured (cleared, resized,
// bound) and then handed to a segment controller, which calls Begin.
type Context struct {
	name  string
	cb    codebase.Codebase
	cores int

	mu         sync.Mutex
	namelist   *namelist.Set
	schema     *diag.Schema
	resolution models.Resolution
	cleared    bool
	started    bool
	compiled   bool
}

// New returns a context for the named experiment.
func New(name string, cb codebase.Codebase, cores int) (*Context, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("experiment name is required")
	}
	if cb == nil {
		return nil, errors.New("experiment requires a codebase")
	}
	if cores < 1 {
		return nil, fmt.Errorf("core count must be at least 1, got %d", cores)
	}
	return &Context{name: name, cb: cb, cores: cores}, nil
}

func (c *Context) Name() string                { return c.name }
func (c *Context) Codebase() codebase.Codebase { return c.cb }
func (c *Context) Cores() int                  { return c.cores }

// Resolution returns the resolution set with SetResolution, zero if none.
func (c *Context) Resolution() models.Resolution {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resolution
}

// Namelist returns the bound, frozen parameter set.
func (c *Context) Namelist() *namelist.Set {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.namelist
}

// Schema returns a copy of the bound diagnostic schema.
func (c *Context) Schema() *diag.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.schema == nil {
		return nil
	}
	return c.schema.Clone()
}

// Started reports whether Begin has been called.
func (c *Context) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

// ClearWorkdir removes all prior output of the experiment. It may be called
// at most once and only before the first segment.
func (c *Context) ClearWorkdir(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return &StateError{Experiment: c.name, Op: "clear workdir", Err: ErrStarted}
	}
	if c.cleared {
		return &StateError{Experiment: c.name, Op: "clear workdir", Err: ErrAlreadyCleared}
	}
	if err := c.cb.ClearWorkdir(ctx, c.name); err != nil {
		return fmt.Errorf("clearing workdir of %s: %w", c.name, err)
	}
	c.cleared = true
	return nil
}

// SetResolution sets the horizontal truncation (such as "T42") and the
// number of vertical levels.
func (c *Context) SetResolution(horizontal string, levels int) error {
	horizontal = strings.ToUpper(strings.TrimSpace(horizontal))
	if n, ok := strings.CutPrefix(horizontal, "T"); !ok || !isPositiveInt(n) {
		return fmt.Errorf("invalid horizontal resolution %q: want T<wavenumber>", horizontal)
	}
	if levels <= 0 {
		return fmt.Errorf("vertical levels must be positive, got %d", levels)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return &StateError{Experiment: c.name, Op: "set resolution", Err: ErrStarted}
	}
	c.resolution = models.Resolution{Horizontal: horizontal, Levels: levels}
	return nil
}

func isPositiveInt(s string) bool {
	n, err := strconv.Atoi(s)
	return err == nil && n > 0
}

// Bind snapshots the parameter set and schema. Later changes to either
// argument do not affect the experiment.
func (c *Context) Bind(set *namelist.Set, schema *diag.Schema) error {
	if set == nil || schema == nil {
		return errors.New("bind requires a parameter set and a diagnostic schema")
	}
	if _, err := set.Serialize(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return &StateError{Experiment: c.name, Op: "bind", Err: ErrStarted}
	}
	c.namelist = set.Clone().Freeze()
	c.schema = schema.Clone()
	return nil
}

// Compile builds the codebase once; later calls after a success are no-ops.
func (c *Context) Compile(ctx context.Context, debug bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.compiled {
		return nil
	}
	if err := c.cb.Compile(ctx, debug); err != nil {
		return err
	}
	c.compiled = true
	return nil
}

// Begin marks the experiment as started. From here on ClearWorkdir,
// SetResolution and Bind are rejected.
func (c *Context) Begin() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.namelist == nil || c.schema == nil {
		return &StateError{Experiment: c.name, Op: "begin", Err: ErrNotBound}
	}
	c.started = true
	return nil
}
