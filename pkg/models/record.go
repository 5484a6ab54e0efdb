package models

import "time"

// StageResult is the correctness-bearing payload of a StageRecord.
// For a given (fingerprint, stage, attempt) it is immutable once recorded.
type StageResult struct {
	// Generation and refinement payload
	Input  string `json:"input,omitempty"`
	Output string `json:"output,omitempty"`
	Origin string `json:"origin,omitempty"`
	// Evaluation payload
	Passed     bool    `json:"passed,omitempty"`
	Prediction string  `json:"prediction,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
}

// StageRecord is one append-only log entry: the outcome of one stage for
// one sample. The checkpoint buffer is the ordered log of these records.
type StageRecord struct {
	Fingerprint string      `json:"fingerprint"`
	Stage       Stage       `json:"stage"`
	Status      Status      `json:"status"`
	Attempt     int         `json:"attempt"`
	Result      StageResult `json:"result"`
	ErrorTag    string      `json:"error_tag,omitempty"`
	Usage       Usage       `json:"usage"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Key identifies the (fingerprint, stage) pair the buffer deduplicates on
func (r StageRecord) Key() RecordKey {
	return RecordKey{Fingerprint: r.Fingerprint, Stage: r.Stage}
}

// RecordKey is the checkpoint buffer's primary key
type RecordKey struct {
	Fingerprint string
	Stage       Stage
}

// EventKind classifies a ProgressEvent
type EventKind string

const (
	EventPhaseStarted EventKind = "phase_started"
	EventStepUpdate   EventKind = "step_update"
	EventStepComplete EventKind = "step_complete"
	EventWarning      EventKind = "warning"
	EventError        EventKind = "error"
	EventRunComplete  EventKind = "run_complete"
	EventFatalError   EventKind = "fatal_error"
)

// ProgressEvent is a transient progress notification pushed to an external
// observer. It is never persisted and does not affect pipeline state.
type ProgressEvent struct {
	Kind               EventKind        `json:"kind"`
	Phase              string           `json:"phase,omitempty"`
	Step               string           `json:"step,omitempty"`
	Message            string           `json:"message,omitempty"`
	Completed          int              `json:"completed,omitempty"`
	Total              int              `json:"total,omitempty"`
	Usage              Usage            `json:"usage,omitempty"`
	EstimatedRemaining time.Duration    `json:"estimated_remaining,omitempty"`
	Counts             map[Category]int `json:"counts,omitempty"`
	Err                string           `json:"error,omitempty"`
	Timestamp          time.Time        `json:"timestamp"`
}

// Terminal reports whether this event ends the progress stream
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventRunComplete || e.Kind == EventFatalError
}
