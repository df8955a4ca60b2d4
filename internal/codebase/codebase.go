// Package codebase is the boundary to the external model: building it,
// running one restart-chained segment and locating segment output.
package codebase

import (
	"context"
	"errors"
	"fmt"

	"github.com/spachava753/gcmrun/internal/diag"
	"github.com/spachava753/gcmrun/internal/environment"
	"github.com/spachava753/gcmrun/internal/models"
	"github.com/spachava753/gcmrun/internal/namelist"
)

var (
	// ErrRecoverable marks a segment failure that can be resumed by rerunning
	// the same segment.
	ErrRecoverable = errors.New("recoverable segment failure")
	// ErrFatal marks a failure reported by the model itself; rerunning the
	// segment unchanged will fail again.
	ErrFatal = errors.New("fatal simulation failure")
	// ErrMissingCheckpoint is returned when the restart files of the previous
	// segment are absent.
	ErrMissingCheckpoint = errors.New("missing restart checkpoint")
	// ErrOutputExists is returned when a segment would overwrite existing
	// output without permission.
	ErrOutputExists = errors.New("segment output already exists")
	// ErrNotCompiled is returned by ExecuteSegment before a successful Compile.
	ErrNotCompiled = errors.New("codebase not compiled")
	// ErrUnknownResolution is returned for an unsupported spectral truncation.
	ErrUnknownResolution = errors.New("unknown resolution")
)

// SegmentRequest is everything needed to run segment Index.
type SegmentRequest struct {
	Index       int
	Namelist    []namelist.Group
	Diagnostics []diag.OutputFile
	Calendar    bool
	Cores       int
	Overwrite   bool
}

// Codebase is a compiled model the segment controller drives.
type Codebase interface {
	// Compile builds the model. debug selects a debug build.
	Compile(ctx context.Context, debug bool) error

	// ExecuteSegment runs one segment. Failures wrap ErrRecoverable or ErrFatal.
	ExecuteSegment(ctx context.Context, req SegmentRequest) error

	// SegmentOutputExists reports whether complete output exists for a segment.
	SegmentOutputExists(ctx context.Context, index int) (bool, error)

	// SetResolution selects the horizontal truncation and vertical levels
	// used by later segments.
	SetResolution(ctx context.Context, res models.Resolution) error

	// ClearWorkdir removes all scratch and output state of an experiment.
	ClearWorkdir(ctx context.Context, experiment string) error
}

// Classify maps a segment error to the error type recorded in results.
func Classify(err error) models.ErrorType {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingCheckpoint):
		return models.ErrCheckpointMissing
	case errors.Is(err, ErrFatal):
		return models.ErrSimulationFatal
	case errors.Is(err, environment.ErrTimeout):
		return models.ErrSegmentTimeout
	default:
		return models.ErrSegmentFailed
	}
}

// IsFatal reports whether err must not be retried.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}

func recoverable(cause error, format string, args ...any) error {
	return wrap(ErrRecoverable, cause, format, args...)
}

func fatal(cause error, format string, args ...any) error {
	return wrap(ErrFatal, cause, format, args...)
}

func wrap(kind, cause error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if cause == nil {
		return fmt.Errorf("%w: %s", kind, msg)
	}
	return fmt.Errorf("%w: %s: %w", kind, msg, cause)
}
