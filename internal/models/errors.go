package models

// ErrorType identifies the category of error that occurred.
type ErrorType string

const (
	// Definition phase
	ErrConfigInvalid ErrorType = "config_invalid"
	ErrSchemaInvalid ErrorType = "schema_invalid"
	ErrStateInvalid  ErrorType = "state_invalid"

	// Build phase
	ErrCompileFailed ErrorType = "compile_failed"

	// Segment execution phase
	ErrSegmentFailed     ErrorType = "segment_failed"
	ErrSegmentTimeout    ErrorType = "segment_timeout"
	ErrSimulationFatal   ErrorType = "simulation_fatal"
	ErrCheckpointMissing ErrorType = "checkpoint_missing"
	ErrOutputCollection  ErrorType = "output_collection_failed"

	// Catch-all
	ErrInternalError ErrorType = "internal_error"
)
