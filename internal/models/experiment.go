package models

import "gopkg.in/yaml.v3"

// ExperimentConfig represents the parsed experiment.yaml configuration.
type ExperimentConfig struct {
	Name         string            `yaml:"name" json:"name"`
	LogLevel     string            `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	DataDir      string            `yaml:"data_dir" json:"data_dir"`
	WorkDir      string            `yaml:"work_dir" json:"work_dir"`
	ClearWorkdir bool              `yaml:"clear_workdir" json:"clear_workdir"`
	NumCores     int               `yaml:"num_cores" json:"num_cores"`
	Resolution   Resolution        `yaml:"resolution" json:"resolution"`
	Codebase     CodebaseConfig    `yaml:"codebase" json:"codebase"`
	Environment  EnvironmentConfig `yaml:"environment" json:"environment"`
	Runs         RunRangeConfig    `yaml:"runs" json:"runs"`
	Template     string            `yaml:"template,omitempty" json:"template,omitempty"`
	Planet       *PlanetConfig     `yaml:"planet,omitempty" json:"planet,omitempty"`
	Namelist     yaml.Node         `yaml:"namelist,omitempty" json:"-"`
	Diagnostics  DiagnosticsConfig `yaml:"diagnostics" json:"diagnostics"`
}

// CodebaseConfig locates the model source and says how to build and run it.
type CodebaseConfig struct {
	// Repo and Commit fetch the source from git; Path is then relative to
	// the checkout.
	Repo           string   `yaml:"repo,omitempty" json:"repo,omitempty"`
	Commit         string   `yaml:"commit,omitempty" json:"commit,omitempty"`
	Path           string   `yaml:"path" json:"path"`
	CompileCommand string   `yaml:"compile_command" json:"compile_command"`
	Executable     string   `yaml:"executable" json:"executable"`
	MPIRun         string   `yaml:"mpirun" json:"mpirun"`
	Debug          bool     `yaml:"debug" json:"debug"`
	Inputs         []string `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	SegmentTimeout float64  `yaml:"segment_timeout_sec,omitempty" json:"segment_timeout_sec,omitempty"`
}

// EnvironmentConfig selects where the model runs.
type EnvironmentConfig struct {
	Type           string            `yaml:"type" json:"type"`
	Image          string            `yaml:"image,omitempty" json:"image,omitempty"`
	CPUs           string            `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	Memory         string            `yaml:"memory,omitempty" json:"memory,omitempty"`
	ShmSize        string            `yaml:"shm_size,omitempty" json:"shm_size,omitempty"`
	// Mounts are "host:path[:ro]" bind mounts; docker only.
	Mounts         []string          `yaml:"mounts,omitempty" json:"mounts,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	ProviderConfig map[string]any    `yaml:"provider_config,omitempty" json:"provider_config,omitempty"`
}

// RunRangeConfig is the default segment range and overwrite policy.
type RunRangeConfig struct {
	Start          int  `yaml:"start" json:"start"`
	End            int  `yaml:"end" json:"end"`
	OverwriteFirst bool `yaml:"overwrite_first" json:"overwrite_first"`
	Overwrite      bool `yaml:"overwrite" json:"overwrite"`
}

// Policy returns the overwrite policy described by the range config.
func (r RunRangeConfig) Policy() OverwritePolicy {
	return OverwritePolicy{First: r.OverwriteFirst, Rest: r.Overwrite}
}

// PlanetConfig holds planetary parameters in Earth-relative or natural
// units. They are converted to SI before being placed in the namelist.
type PlanetConfig struct {
	RadiusEarth       *float64 `yaml:"radius_earth,omitempty" json:"radius_earth,omitempty"`
	GravityEarth      *float64 `yaml:"gravity_earth,omitempty" json:"gravity_earth,omitempty"`
	OrbitalPeriodDays *float64 `yaml:"orbital_period_days,omitempty" json:"orbital_period_days,omitempty"`
	SolarConstant     *float64 `yaml:"solar_constant_earth,omitempty" json:"solar_constant_earth,omitempty"`
	Eccentricity      *float64 `yaml:"eccentricity,omitempty" json:"eccentricity,omitempty"`
	Obliquity         *float64 `yaml:"obliquity,omitempty" json:"obliquity,omitempty"`
	MolarMass         *float64 `yaml:"molar_mass,omitempty" json:"molar_mass,omitempty"`
	Kappa             *float64 `yaml:"kappa,omitempty" json:"kappa,omitempty"`
	SurfacePressure   *float64 `yaml:"surface_pressure,omitempty" json:"surface_pressure,omitempty"`
}

// DiagnosticsConfig describes the diagnostic output schema.
type DiagnosticsConfig struct {
	Calendar *bool              `yaml:"calendar,omitempty" json:"calendar,omitempty"`
	Files    []OutputFileConfig `yaml:"files" json:"files"`
}

// OutputFileConfig is one history file in experiment.yaml.
type OutputFileConfig struct {
	Name      string        `yaml:"name" json:"name"`
	Interval  int           `yaml:"interval" json:"interval"`
	Unit      string        `yaml:"unit" json:"unit"`
	TimeUnits string        `yaml:"time_units,omitempty" json:"time_units,omitempty"`
	Fields    []FieldConfig `yaml:"fields" json:"fields"`
}

// FieldConfig requests one field in an output file.
type FieldConfig struct {
	Module  string `yaml:"module" json:"module"`
	Name    string `yaml:"name" json:"name"`
	TimeAvg bool   `yaml:"time_avg" json:"time_avg"`
}
