package docker

import (
	"slices"
	"testing"

	"github.com/spachava753/gcmrun/internal/environment"
)

func TestRunArgs(t *testing.T) {
	args := runArgs("gcmrun-earth", environment.CreateEnvironmentOptions{
		ImageRef:  "isca:latest",
		CPUs:      16,
		MemoryMB:  8192,
		ShmSizeMB: 1024,
		Mounts: []environment.Mount{
			{HostPath: "/opt/isca", Path: "/isca", ReadOnly: true},
			{HostPath: "/scratch/input", Path: "/input"},
		},
		Env: map[string]string{"GFDL_BASE": "/isca", "GFDL_ENV": "gfortran"},
	})

	want := []string{
		"run", "-d", "--init", "--name", "gcmrun-earth",
		"--cpus", "16",
		"--memory", "8192m",
		"--shm-size", "1024m",
		"-v", "/opt/isca:/isca:ro",
		"-v", "/scratch/input:/input",
		"-e", "GFDL_BASE=/isca",
		"-e", "GFDL_ENV=gfortran",
		"isca:latest", "sleep", "infinity",
	}
	if !slices.Equal(args, want) {
		t.Errorf("runArgs =\n%v\nwant\n%v", args, want)
	}
}

func TestRunArgsMinimal(t *testing.T) {
	args := runArgs("c", environment.CreateEnvironmentOptions{ImageRef: "img"})
	want := []string{"run", "-d", "--init", "--name", "c", "img", "sleep", "infinity"}
	if !slices.Equal(args, want) {
		t.Errorf("runArgs = %v, want %v", args, want)
	}
}
