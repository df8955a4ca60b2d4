package codebase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spachava753/gcmrun/internal/environment"
	"github.com/spachava753/gcmrun/internal/environment/docker"
	"github.com/spachava753/gcmrun/internal/environment/local"
	"github.com/spachava753/gcmrun/internal/environment/modal"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/util"
)

// NewProvider returns the environment provider named by cfg.Type. An empty
// type selects the local host.
func NewProvider(cfg models.EnvironmentConfig) (environment.Provider, error) {
	switch cfg.Type {
	case "", "local":
		return local.NewProvider(), nil
	case "docker":
		return docker.NewProvider(), nil
	case "modal":
		p, err := modal.NewProvider(modal.ParseProviderConfig(cfg.ProviderConfig))
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unsupported environment type: %s", cfg.Type)
	}
}

// Open creates the environment described by cfg and returns an Isca
// codebase bound to it. Callers must Close the codebase.
func Open(ctx context.Context, cfg models.ExperimentConfig) (*Isca, error) {
	provider, err := NewProvider(cfg.Environment)
	if err != nil {
		return nil, err
	}

	cpus, err := util.ParseCPUs(cfg.Environment.CPUs)
	if err != nil {
		return nil, fmt.Errorf("parsing environment cpus: %w", err)
	}
	if cpus == 0 {
		cpus = cfg.NumCores
	}
	memoryMB, err := util.ParseMemory(cfg.Environment.Memory)
	if err != nil {
		return nil, fmt.Errorf("parsing environment memory: %w", err)
	}

	shmMB, err := util.ParseMemory(cfg.Environment.ShmSize)
	if err != nil {
		return nil, fmt.Errorf("parsing environment shm_size: %w", err)
	}
	mounts, err := parseMounts(cfg.Environment.Mounts)
	if err != nil {
		return nil, err
	}

	if cfg.Environment.Image != "" {
		if err := provider.PullImage(ctx, cfg.Environment.Image); err != nil {
			return nil, fmt.Errorf("pulling image: %w", err)
		}
	}

	slog.Debug("creating environment", "provider", provider.Name(), "experiment", cfg.Name, "cpus", cpus, "memory_mb", memoryMB)
	env, err := provider.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:      fmt.Sprintf("gcmrun-%s-%d", cfg.Name, time.Now().UnixNano()),
		ImageRef:  cfg.Environment.Image,
		CPUs:      cpus,
		MemoryMB:  memoryMB,
		ShmSizeMB: shmMB,
		Mounts:    mounts,
		Env:       cfg.Environment.Env,
	})
	if err != nil {
		return nil, fmt.Errorf("creating environment: %w", err)
	}

	cb, err := NewIsca(env, IscaConfig{
		Experiment:     cfg.Name,
		SourceDir:      cfg.Codebase.Path,
		CompileCommand: cfg.Codebase.CompileCommand,
		Executable:     cfg.Codebase.Executable,
		MPIRun:         cfg.Codebase.MPIRun,
		WorkRoot:       cfg.WorkDir,
		DataRoot:       cfg.DataDir,
		Inputs:         cfg.Codebase.Inputs,
		SegmentTimeout: time.Duration(cfg.Codebase.SegmentTimeout * float64(time.Second)),
	})
	if err != nil {
		env.Destroy(context.Background())
		return nil, err
	}
	return cb, nil
}

// parseMounts parses mount specs, resolving relative host paths against the
// current directory as docker requires absolute ones.
func parseMounts(specs []string) ([]environment.Mount, error) {
	var mounts []environment.Mount
	for _, spec := range specs {
		m, err := environment.ParseMount(spec)
		if err != nil {
			return nil, err
		}
		if m.HostPath, err = filepath.Abs(m.HostPath); err != nil {
			return nil, fmt.Errorf("mount %q: %w", spec, err)
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}
