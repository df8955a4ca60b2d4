package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/spachava753/gcmrun/internal/models"
)

// DefaultExperiment returns an ExperimentConfig with default values. Data
// and work roots honour GFDL_DATA and GFDL_WORK when set.
func DefaultExperiment() models.ExperimentConfig {
	return models.ExperimentConfig{
		LogLevel: "info",
		DataDir:  envOr("GFDL_DATA", "data"),
		WorkDir:  envOr("GFDL_WORK", "work"),
		NumCores: 1,
		Codebase: models.CodebaseConfig{
			MPIRun: "mpirun",
		},
		Environment: models.EnvironmentConfig{
			Type: "local",
		},
		Runs: models.RunRangeConfig{
			Start: 1,
			End:   1,
		},
	}
}

// LoadExperiment loads and parses an experiment.yaml file.
func LoadExperiment(path string) (models.ExperimentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultExperiment(), fmt.Errorf("reading experiment config: %w", err)
	}
	return ParseExperiment(data)
}

// ParseExperiment parses experiment YAML and fills in defaults.
func ParseExperiment(data []byte) (models.ExperimentConfig, error) {
	cfg := DefaultExperiment()

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing experiment config: %w", err)
	}

	if strings.TrimSpace(cfg.Name) == "" {
		return cfg, fmt.Errorf("experiment config: name is required")
	}
	if strings.ContainsAny(cfg.Name, `/\`) || cfg.Name == "." || cfg.Name == ".." {
		return cfg, fmt.Errorf("experiment config: name %q must not be a path", cfg.Name)
	}
	if cfg.NumCores < 0 {
		return cfg, fmt.Errorf("experiment config: num_cores must be positive, got %d", cfg.NumCores)
	}
	if cfg.Runs.Start < 0 || cfg.Runs.End < 0 {
		return cfg, fmt.Errorf("experiment config: runs must be positive, got [%d, %d]", cfg.Runs.Start, cfg.Runs.End)
	}
	if cfg.Resolution.Levels < 0 {
		return cfg, fmt.Errorf("experiment config: resolution levels must be positive, got %d", cfg.Resolution.Levels)
	}

	cfg.DataDir = os.ExpandEnv(cfg.DataDir)
	cfg.WorkDir = os.ExpandEnv(cfg.WorkDir)
	cfg.Codebase.Path = os.ExpandEnv(cfg.Codebase.Path)
	cfg.Codebase.Executable = os.ExpandEnv(cfg.Codebase.Executable)
	for i, in := range cfg.Codebase.Inputs {
		cfg.Codebase.Inputs[i] = os.ExpandEnv(in)
	}
	for i, m := range cfg.Environment.Mounts {
		cfg.Environment.Mounts[i] = os.ExpandEnv(m)
	}

	// Apply defaults for missing values
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = envOr("GFDL_DATA", "data")
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = envOr("GFDL_WORK", "work")
	}
	if cfg.NumCores == 0 {
		cfg.NumCores = 1
	}
	if cfg.Runs.Start == 0 {
		cfg.Runs.Start = 1
	}
	if cfg.Runs.End == 0 {
		cfg.Runs.End = cfg.Runs.Start
	}
	if cfg.Runs.End < cfg.Runs.Start {
		return cfg, fmt.Errorf("experiment config: runs.end %d before runs.start %d", cfg.Runs.End, cfg.Runs.Start)
	}
	if cfg.Codebase.MPIRun == "" {
		cfg.Codebase.MPIRun = "mpirun"
	}
	if cfg.Environment.Type == "" {
		cfg.Environment.Type = "local"
	}
	if cfg.Resolution.Horizontal != "" && cfg.Resolution.Levels == 0 {
		return cfg, fmt.Errorf("experiment config: resolution %s needs levels", cfg.Resolution.Horizontal)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
