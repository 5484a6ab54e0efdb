package models

import "time"

// SourceType selects which task executor produces raw sample drafts
type SourceType string

const (
	// SourceLocal generates samples grounded in passages retrieved from a
	// local document collection
	SourceLocal SourceType = "local"
	// SourceWeb filters and reformats rows from a dataset-search collaborator
	SourceWeb SourceType = "web"
	// SourceDistill asks a teacher model to produce samples directly from the
	// task instruction, no grounding context
	SourceDistill SourceType = "distill"
)

// Stage is one phase of the per-sample pipeline
type Stage string

const (
	StageGeneration      Stage = "generation"
	StageEvaluation      Stage = "evaluation"
	StageRefinement      Stage = "refinement"
	StageFinalEvaluation Stage = "final_evaluation"
)

// Status is the outcome of one stage for one sample
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Category is the final learnability partition of a sample. It is derived
// from the sample's StageRecord history, never stored independently.
type Category string

const (
	// CategoryRaw means the sample was generated but never evaluated
	// (only reachable when a run is interrupted before evaluation)
	CategoryRaw Category = "raw"
	// CategorySolved means the student solved the sample on first evaluation
	CategorySolved Category = "solved"
	// CategoryLearnable means the student failed initially but solved the
	// refined sample after a teacher rewrite - the target training signal
	CategoryLearnable Category = "learnable"
	// CategoryUnsolved means the student failed both before and after
	// refinement, or evaluation repeatedly errored
	CategoryUnsolved Category = "unsolved"
)

// Draft is a raw candidate sample emitted by a task executor before it
// enters the pipeline
type Draft struct {
	Input  string `json:"input"`
	Output string `json:"output"`
	Origin string `json:"origin,omitempty"` // source document or dataset id
	Usage  Usage  `json:"usage,omitempty"`  // model cost of producing this draft
}

// Sample is one unit of training data moving through the pipeline.
// Fingerprint is the primary key, unique across the run.
type Sample struct {
	Fingerprint  string `json:"fingerprint"`
	Input        string `json:"input"`
	Output       string `json:"output"`
	Origin       string `json:"origin,omitempty"`
	Stage        Stage  `json:"stage"`
	Status       Status `json:"status"`
	AttemptCount int    `json:"attempt_count"`
	// RefinedInput/RefinedOutput hold the teacher rewrite once the sample
	// has passed through refinement
	RefinedInput  string `json:"refined_input,omitempty"`
	RefinedOutput string `json:"refined_output,omitempty"`
}

// Usage tracks token and wall-time cost of one or more model calls
type Usage struct {
	Tokens     int           `json:"tokens"`
	WallTime   time.Duration `json:"wall_time"`
	CallCount  int           `json:"call_count,omitempty"`
	RetryCount int           `json:"retry_count,omitempty"`
}

// Add accumulates another usage into this one
func (u *Usage) Add(other Usage) {
	u.Tokens += other.Tokens
	u.WallTime += other.WallTime
	u.CallCount += other.CallCount
	u.RetryCount += other.RetryCount
}

// ExportRecord is one line of a category-partitioned export file
type ExportRecord struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// RunStats tracks cumulative statistics for one pipeline run.
// It travels with the run context; there is no ambient global state.
type RunStats struct {
	RunID       string        `json:"run_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	TotalTarget int           `json:"total_target"`
	Generated   int           `json:"generated"`
	Raw         int           `json:"raw"`
	Solved      int           `json:"solved"`
	Learnable   int           `json:"learnable"`
	Unsolved    int           `json:"unsolved"`
	ErrorCount  int           `json:"error_count"`
	TotalTokens int           `json:"total_tokens"`
	Elapsed     time.Duration `json:"elapsed"`
}
