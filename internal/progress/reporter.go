// Package progress delivers an ordered stream of run events to a single
// consumer. Events are emitted by the pipeline goroutine and consumed by the
// CLI (progress bar, log mirror) or by tests.
package progress

import (
	"log/slog"
	"sync"
	"time"

	"github.com/lamim/sdgforge/pkg/models"
)

// Reporter fans events into a buffered channel. Emission order is preserved
// because all emitters funnel through a mutex, and exactly one terminal event
// (run_complete or fatal_error) is delivered per run regardless of how many
// the pipeline attempts to send.
type Reporter struct {
	mu       sync.Mutex
	ch       chan models.ProgressEvent
	logger   *slog.Logger
	terminal sync.Once
	closed   bool
}

// New returns a Reporter with the given channel capacity. A capacity of zero
// makes every Emit synchronous with the consumer.
func New(logger *slog.Logger, capacity int) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		ch:     make(chan models.ProgressEvent, capacity),
		logger: logger,
	}
}

// Events returns the consumer side of the stream. The channel is closed after
// the terminal event has been delivered.
func (r *Reporter) Events() <-chan models.ProgressEvent {
	return r.ch
}

// Emit delivers a non-terminal event. Terminal events passed here are
// redirected through the once-guard so a careless caller cannot produce two.
func (r *Reporter) Emit(ev models.ProgressEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	if ev.Terminal() {
		r.emitTerminal(ev)
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Debug("progress event dropped after terminal", "kind", ev.Kind)
		return
	}
	r.ch <- ev
}

// PhaseStarted announces a stage transition.
func (r *Reporter) PhaseStarted(stage models.Stage, total int) {
	r.Emit(models.ProgressEvent{
		Kind:  models.EventPhaseStarted,
		Phase: string(stage),
		Total: total,
	})
}

// StepUpdate reports liveness mid-stage.
func (r *Reporter) StepUpdate(stage models.Stage, completed, total int, usage models.Usage, remaining time.Duration) {
	r.Emit(models.ProgressEvent{
		Kind:               models.EventStepUpdate,
		Phase:              string(stage),
		Completed:          completed,
		Total:              total,
		Usage:              usage,
		EstimatedRemaining: remaining,
	})
}

// StepComplete reports a finished unit of work.
func (r *Reporter) StepComplete(stage models.Stage, step string, completed, total int) {
	r.Emit(models.ProgressEvent{
		Kind:      models.EventStepComplete,
		Phase:     string(stage),
		Step:      step,
		Completed: completed,
		Total:     total,
	})
}

// Warning surfaces a recoverable condition without stopping the run.
func (r *Reporter) Warning(stage models.Stage, msg string) {
	r.Emit(models.ProgressEvent{
		Kind:    models.EventWarning,
		Phase:   string(stage),
		Message: msg,
	})
}

// Error surfaces a per-unit failure that the run survives.
func (r *Reporter) Error(stage models.Stage, msg string) {
	r.Emit(models.ProgressEvent{
		Kind:    models.EventError,
		Phase:   string(stage),
		Message: msg,
	})
}

// RunComplete delivers the success terminal event and closes the stream.
func (r *Reporter) RunComplete(stats models.RunStats) {
	r.emitTerminal(models.ProgressEvent{
		Kind:      models.EventRunComplete,
		Completed: stats.Generated,
		Total:     stats.TotalTarget,
		Usage:     models.Usage{Tokens: stats.TotalTokens, WallTime: stats.Elapsed},
		Counts: map[models.Category]int{
			models.CategoryRaw:       stats.Raw,
			models.CategorySolved:    stats.Solved,
			models.CategoryLearnable: stats.Learnable,
			models.CategoryUnsolved:  stats.Unsolved,
		},
	})
}

// FatalError delivers the failure terminal event and closes the stream.
func (r *Reporter) FatalError(err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	r.emitTerminal(models.ProgressEvent{
		Kind: models.EventFatalError,
		Err:  msg,
	})
}

func (r *Reporter) emitTerminal(ev models.ProgressEvent) {
	r.terminal.Do(func() {
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now()
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		r.ch <- ev
		r.closed = true
		close(r.ch)
	})
}
