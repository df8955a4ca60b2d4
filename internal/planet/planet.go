// Package planet converts planetary parameters given relative to Earth into
// the SI values the model's constants and astronomy namelists expect.
//
// Conversions happen at the experiment-definition call site; the namelist
// itself only ever stores final values.
package planet

import (
	"fmt"
	"math"

	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
)

const (
	EarthRadius        = 6371.0e3 // m
	EarthGravity       = 9.81     // m s-2
	EarthSolarConstant = 1370.0   // W m-2
	SecondsPerDay      = 86400.0
	GasConstant        = 8.314 // J mol-1 K-1
)

// RadiusMeters converts a radius in Earth radii to meters.
func RadiusMeters(earthRadii float64) float64 { return earthRadii * EarthRadius }

// Gravity converts surface gravity in g_earth to m s-2.
func Gravity(earthG float64) float64 { return earthG * EarthGravity }

// PeriodSeconds converts an orbital period in days to seconds.
func PeriodSeconds(days float64) float64 { return days * SecondsPerDay }

// AngularFrequency returns the rotation rate in rad s-1 for a planet whose
// rotation period equals the given period in days (tidally locked).
func AngularFrequency(days float64) float64 {
	return 2 * math.Pi / PeriodSeconds(days)
}

// SolarConstant converts a stellar flux in S_earth to W m-2.
func SolarConstant(earthS float64) float64 { return earthS * EarthSolarConstant }

// SpecificGasConstant returns R/M in J kg-1 K-1 for a molar mass in kg mol-1.
func SpecificGasConstant(molarMass float64) float64 { return GasConstant / molarMass }

// Overrides builds the namelist entries implied by a planet block. Only the
// fields that are set produce entries.
func Overrides(p *models.PlanetConfig) (*namelist.Set, error) {
	s := namelist.New()
	if p == nil {
		return s, nil
	}

	set := func(group, key string, v float64) error {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("planet %s.%s: non-finite value", group, key)
		}
		return s.Set(group, key, v)
	}
	positive := func(name string, v float64) error {
		if v <= 0 {
			return fmt.Errorf("planet %s must be positive, got %g", name, v)
		}
		return nil
	}

	if p.RadiusEarth != nil {
		if err := positive("radius_earth", *p.RadiusEarth); err != nil {
			return nil, err
		}
		if err := set("constants_nml", "radius", RadiusMeters(*p.RadiusEarth)); err != nil {
			return nil, err
		}
	}
	if p.GravityEarth != nil {
		if err := positive("gravity_earth", *p.GravityEarth); err != nil {
			return nil, err
		}
		if err := set("constants_nml", "grav", Gravity(*p.GravityEarth)); err != nil {
			return nil, err
		}
	}
	if p.OrbitalPeriodDays != nil {
		if err := positive("orbital_period_days", *p.OrbitalPeriodDays); err != nil {
			return nil, err
		}
		if err := set("constants_nml", "omega", AngularFrequency(*p.OrbitalPeriodDays)); err != nil {
			return nil, err
		}
		if err := set("constants_nml", "orbital_period", PeriodSeconds(*p.OrbitalPeriodDays)); err != nil {
			return nil, err
		}
	}
	if p.SolarConstant != nil {
		if err := positive("solar_constant_earth", *p.SolarConstant); err != nil {
			return nil, err
		}
		sc := SolarConstant(*p.SolarConstant)
		if err := set("constants_nml", "solar_const", sc); err != nil {
			return nil, err
		}
		if err := set("socrates_rad_nml", "stellar_constant", sc); err != nil {
			return nil, err
		}
	}
	if p.MolarMass != nil {
		if err := positive("molar_mass", *p.MolarMass); err != nil {
			return nil, err
		}
		if err := set("constants_nml", "rdgas", SpecificGasConstant(*p.MolarMass)); err != nil {
			return nil, err
		}
	}
	if p.Kappa != nil {
		if err := set("constants_nml", "kappa", *p.Kappa); err != nil {
			return nil, err
		}
	}
	if p.Eccentricity != nil {
		if err := set("astronomy_nml", "ecc", *p.Eccentricity); err != nil {
			return nil, err
		}
	}
	if p.Obliquity != nil {
		if err := set("astronomy_nml", "obliq", *p.Obliquity); err != nil {
			return nil, err
		}
	}
	if p.SurfacePressure != nil {
		if err := positive("surface_pressure", *p.SurfacePressure); err != nil {
			return nil, err
		}
		if err := set("spectral_dynamics_nml", "reference_sea_level_press", *p.SurfacePressure); err != nil {
			return nil, err
		}
	}
	return s, nil
}
