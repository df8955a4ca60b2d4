package config

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spachava753/gcmrun/internal/codebase"
	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/experiment"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
	"github.com/spachava753/gcmrun/internal/planet"
)

// BuildSchema converts the diagnostics block into a schema.
func BuildSchema(cfg models.DiagnosticsConfig) (*diag.Schema, error) {
	s := diag.New()
	if cfg.Calendar != nil {
		s.Calendar = *cfg.Calendar
	}
	for _, f := range cfg.Files {
		if err := s.AddFile(f.Name, f.Interval, f.Unit, f.TimeUnits); err != nil {
			return nil, err
		}
		for _, field := range f.Fields {
			if err := s.AddField(f.Name, field.Module, field.Name, field.TimeAvg); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

// Compose builds the namelist and diagnostic schema of an experiment.
// Precedence, lowest first: template, planet block, namelist overrides.
func Compose(cfg models.ExperimentConfig) (*namelist.Set, *diag.Schema, error) {
	tmpl, err := LoadTemplate(cfg.Template)
	if err != nil {
		return nil, nil, err
	}
	planetSet, err := planet.Overrides(cfg.Planet)
	if err != nil {
		return nil, nil, fmt.Errorf("experiment %s: %w", cfg.Name, err)
	}
	overrides, err := NamelistOverrides(&cfg.Namelist)
	if err != nil {
		return nil, nil, fmt.Errorf("experiment %s: %w", cfg.Name, err)
	}
	set := namelist.Merge(namelist.Merge(tmpl, planetSet), overrides)

	schema, err := BuildSchema(cfg.Diagnostics)
	if err != nil {
		return nil, nil, fmt.Errorf("experiment %s: %w", cfg.Name, err)
	}
	return set, schema, nil
}

// Composed is an experiment whose configuration has been fully checked but
// which has not touched any codebase or environment yet.
type Composed struct {
	Config   models.ExperimentConfig
	Namelist *namelist.Set
	Schema   *diag.Schema
}

// Prepare composes cfg and checks everything that can be checked without
// a codebase: template, planet block, overrides, diagnostics, resolution
// and that the namelist serializes.
func Prepare(cfg models.ExperimentConfig) (*Composed, error) {
	set, schema, err := Compose(cfg)
	if err != nil {
		return nil, err
	}
	c := &Composed{Config: cfg, Namelist: set, Schema: schema}
	if _, err := c.Effective(); err != nil {
		return nil, fmt.Errorf("experiment %s: %w", cfg.Name, err)
	}
	return c, nil
}

// Effective returns the namelist as the model will read it, with the
// resolution entries merged in.
func (c *Composed) Effective() ([]namelist.Group, error) {
	set := c.Namelist
	if !c.Config.Resolution.IsZero() {
		res, err := codebase.ResolutionOverrides(c.Config.Resolution)
		if err != nil {
			return nil, err
		}
		set = namelist.Merge(set, res)
	}
	return set.Serialize()
}

// Bind returns a bound experiment context running on cb. The working
// directory is cleared first when the config asks for it.
func (c *Composed) Bind(ctx context.Context, cb codebase.Codebase) (*experiment.Context, error) {
	cfg := c.Config
	exp, err := experiment.New(cfg.Name, cb, cfg.NumCores)
	if err != nil {
		return nil, err
	}
	if cfg.ClearWorkdir {
		slog.Warn("clear_workdir set, deleting all previous output", "experiment", cfg.Name, "data_dir", cfg.DataDir)
		if err := exp.ClearWorkdir(ctx); err != nil {
			return nil, err
		}
	}
	if !cfg.Resolution.IsZero() {
		if err := exp.SetResolution(cfg.Resolution.Horizontal, cfg.Resolution.Levels); err != nil {
			return nil, err
		}
	}
	if err := exp.Bind(c.Namelist, c.Schema); err != nil {
		return nil, err
	}

	slog.Debug("experiment bound",
		"experiment", cfg.Name,
		"template", cfg.Template,
		"groups", c.Namelist.Len(),
		"files", len(c.Schema.Files()),
		"cores", cfg.NumCores)
	return exp, nil
}

// Build prepares cfg and binds it to cb.
func Build(ctx context.Context, cfg models.ExperimentConfig, cb codebase.Codebase) (*experiment.Context, error) {
	c, err := Prepare(cfg)
	if err != nil {
		return nil, err
	}
	return c.Bind(ctx, cb)
}
