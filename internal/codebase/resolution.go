package codebase

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
)

// Grid is the spectral_dynamics_nml geometry of a triangular truncation.
type Grid struct {
	LonMax       int
	LatMax       int
	NumFourier   int
	NumSpherical int
}

var grids = map[string]Grid{
	"T21":  {LonMax: 64, LatMax: 32, NumFourier: 21, NumSpherical: 22},
	"T42":  {LonMax: 128, LatMax: 64, NumFourier: 42, NumSpherical: 43},
	"T85":  {LonMax: 256, LatMax: 128, NumFourier: 85, NumSpherical: 86},
	"T170": {LonMax: 512, LatMax: 256, NumFourier: 170, NumSpherical: 171},
	"T340": {LonMax: 1024, LatMax: 512, NumFourier: 340, NumSpherical: 341},
}

// LookupGrid returns the grid for a truncation such as "T42".
func LookupGrid(horizontal string) (Grid, error) {
	g, ok := grids[strings.ToUpper(strings.TrimSpace(horizontal))]
	if !ok {
		return Grid{}, fmt.Errorf("%w: %q (supported: %s)", ErrUnknownResolution, horizontal, strings.Join(Resolutions(), ", "))
	}
	return g, nil
}

// Resolutions lists the supported truncations from coarsest to finest.
func Resolutions() []string {
	names := make([]string, 0, len(grids))
	for name := range grids {
		names = append(names, name)
	}
	slices.SortFunc(names, func(a, b string) int {
		return grids[a].NumFourier - grids[b].NumFourier
	})
	return names
}

// ResolutionOverrides returns the namelist entries selecting res.
func ResolutionOverrides(res models.Resolution) (*namelist.Set, error) {
	g, err := LookupGrid(res.Horizontal)
	if err != nil {
		return nil, err
	}
	if res.Levels <= 0 {
		return nil, fmt.Errorf("vertical levels must be positive, got %d", res.Levels)
	}

	const group = "spectral_dynamics_nml"
	s := namelist.New()
	for _, e := range []namelist.Entry{
		{Key: "lon_max", Value: g.LonMax},
		{Key: "lat_max", Value: g.LatMax},
		{Key: "num_fourier", Value: g.NumFourier},
		{Key: "num_spherical", Value: g.NumSpherical},
		{Key: "num_levels", Value: res.Levels},
	} {
		if err := s.Set(group, e.Key, e.Value); err != nil {
			return nil, err
		}
	}
	return s, nil
}
