package models

import "time"

// Resolution is the model discretization: a spectral truncation such as
// "T42" plus the number of vertical levels.
type Resolution struct {
	Horizontal string `yaml:"horizontal" json:"horizontal"`
	Levels     int    `yaml:"levels" json:"levels"`
}

// IsZero reports whether no resolution was set.
func (r Resolution) IsZero() bool {
	return r.Horizontal == "" && r.Levels == 0
}

// OverwritePolicy decides whether a segment with existing output is
// re-executed. First applies to the first segment of a sequence and Rest to
// every later one.
type OverwritePolicy struct {
	First bool `yaml:"overwrite_first" json:"overwrite_first"`
	Rest  bool `yaml:"overwrite" json:"overwrite"`
}

// For returns the overwrite flag for the segment at index within [start, ...].
func (p OverwritePolicy) For(index, start int) bool {
	if index == start {
		return p.First
	}
	return p.Rest
}

// RunState is the controller state.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateCompiling RunState = "compiling"
	StateRunning   RunState = "running"
	StateCompleted RunState = "completed"
	StateFailed    RunState = "failed"
)

// SegmentStatus records what happened to one segment.
type SegmentStatus string

const (
	SegmentExecuted SegmentStatus = "executed"
	SegmentSkipped  SegmentStatus = "skipped"
	SegmentFailed   SegmentStatus = "failed"
)

// SegmentError is the persisted form of a segment failure.
type SegmentError struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
}

// SegmentResult describes one segment of a run.
type SegmentResult struct {
	Experiment  string        `json:"experiment"`
	Index       int           `json:"index"`
	Status      SegmentStatus `json:"status"`
	Overwrite   bool          `json:"overwrite"`
	Cores       int           `json:"cores"`
	StartedAt   time.Time     `json:"started_at"`
	EndedAt     time.Time     `json:"ended_at"`
	DurationSec float64       `json:"duration_sec"`
	Error       *SegmentError `json:"error,omitempty"`
}

// RunResult summarizes a controller invocation.
type RunResult struct {
	Experiment string          `json:"experiment"`
	Start      int             `json:"start"`
	End        int             `json:"end"`
	State      RunState        `json:"state"`
	Executed   []int           `json:"executed"`
	Skipped    []int           `json:"skipped"`
	Segments   []SegmentResult `json:"segments"`
	// LastCompleted is the highest index that finished or was skipped as
	// already complete; Start-1 when nothing did.
	LastCompleted int           `json:"last_completed"`
	FailedIndex   int           `json:"failed_index,omitempty"`
	Error         *SegmentError `json:"error,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	EndedAt       time.Time     `json:"ended_at"`
	DurationSec   float64       `json:"duration_sec"`
}

// SegmentRecord is written as segment.json next to a segment's output.
type SegmentRecord struct {
	Experiment  string     `json:"experiment"`
	Index       int        `json:"index"`
	Cores       int        `json:"cores"`
	Resolution  Resolution `json:"resolution"`
	Environment string     `json:"environment"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     time.Time  `json:"ended_at"`
	DurationSec float64    `json:"duration_sec"`
	Cost        float64    `json:"cost"`
}

// BatchSummary aggregates the runs of one gcmrun invocation.
type BatchSummary struct {
	TotalExperiments int          `json:"total_experiments"`
	Completed        int          `json:"completed"`
	Failed           int          `json:"failed"`
	SegmentsExecuted int          `json:"segments_executed"`
	SegmentsSkipped  int          `json:"segments_skipped"`
	Cancelled        bool         `json:"cancelled"`
	StartedAt        time.Time    `json:"started_at"`
	EndedAt          time.Time    `json:"ended_at"`
	TotalDurationSec float64      `json:"total_duration_sec"`
	Results          []*RunResult `json:"results"`
}
