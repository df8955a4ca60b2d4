package codebase

import (
	"errors"
	"slices"
	"testing"

	"github.com/spachava753/gcmrun/internal/models"
)

func TestLookupGrid(t *testing.T) {
	tests := []struct {
		in   string
		want Grid
	}{
		{"T21", Grid{64, 32, 21, 22}},
		{"t42", Grid{128, 64, 42, 43}},
		{" T85 ", Grid{256, 128, 85, 86}},
		{"T170", Grid{512, 256, 170, 171}},
		{"T340", Grid{1024, 512, 340, 341}},
	}
	for _, tt := range tests {
		got, err := LookupGrid(tt.in)
		if err != nil {
			t.Errorf("LookupGrid(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("LookupGrid(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}

	if _, err := LookupGrid("T63"); !errors.Is(err, ErrUnknownResolution) {
		t.Errorf("expected ErrUnknownResolution, got %v", err)
	}
}

func TestResolutionsOrdered(t *testing.T) {
	want := []string{"T21", "T42", "T85", "T170", "T340"}
	if got := Resolutions(); !slices.Equal(got, want) {
		t.Errorf("Resolutions() = %v, want %v", got, want)
	}
}

func TestResolutionOverrides(t *testing.T) {
	s, err := ResolutionOverrides(models.Resolution{Horizontal: "T85", Levels: 40})
	if err != nil {
		t.Fatal(err)
	}
	wantKeys := []string{"lon_max", "lat_max", "num_fourier", "num_spherical", "num_levels"}
	if got := s.Keys("spectral_dynamics_nml"); !slices.Equal(got, wantKeys) {
		t.Errorf("keys = %v", got)
	}
	if v, _ := s.Get("spectral_dynamics_nml", "num_levels"); v != 40 {
		t.Errorf("num_levels = %v", v)
	}

	if _, err := ResolutionOverrides(models.Resolution{Horizontal: "T42", Levels: 0}); err == nil {
		t.Error("expected error for zero levels")
	}
}
