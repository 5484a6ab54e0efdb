// Package pool provides the bounded-concurrency execution engine. One unit
// of work is one per-sample, per-stage model interaction; units are
// independent within a stage, and results are handed to a single collector
// so downstream writes stay serialized.
package pool

import (
	"context"
	"log/slog"
	"sync"

	"github.com/lamim/sdgforge/internal/metrics"
	"github.com/lamim/sdgforge/pkg/models"
)

// Result is the outcome of one unit. Err is set only for failures the work
// function could not classify into an error record itself.
type Result struct {
	Index  int
	Record models.StageRecord
	Err    error
}

// WorkFunc executes one unit. It should classify per-call failures into an
// error-status StageRecord rather than returning an error; a returned error
// marks the unit failed without a usable record.
type WorkFunc func(ctx context.Context, index int) (models.StageRecord, error)

// CollectFunc consumes results serially, in completion order. Returning an
// error stops the run: no new units are dispatched, in-flight units finish
// and their results are drained.
type CollectFunc func(Result) error

// Pool is a fixed-size worker pool
type Pool struct {
	size   int
	logger *slog.Logger
}

// New creates a pool of the given size
func New(size int, logger *slog.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{size: size, logger: logger}
}

// Size returns the configured worker count
func (p *Pool) Size() int {
	return p.size
}

// Run dispatches total units to the workers and feeds every result to
// collect. At most Size units are in flight; at most a small multiple of
// Size results are buffered before the collector drains them. A stop signal
// (ctx cancellation) is honored between units: already-dispatched calls
// finish and their results are still collected.
func (p *Pool) Run(ctx context.Context, total int, work WorkFunc, collect CollectFunc) error {
	if total == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, p.size)
	results := make(chan Result, 2*p.size)

	var wg sync.WaitGroup
	wg.Add(p.size)
	for w := 0; w < p.size; w++ {
		go func(workerID int) {
			defer wg.Done()
			workerLogger := p.logger.With("worker_id", workerID)
			for idx := range jobs {
				// Stop signal is checked between units only
				select {
				case <-runCtx.Done():
					workerLogger.Debug("Worker stopping")
					return
				default:
				}

				metrics.IncPoolInFlight()
				rec, err := work(runCtx, idx)
				metrics.DecPoolInFlight()

				results <- Result{Index: idx, Record: rec, Err: err}
			}
		}(w)
	}

	// Feeder stays off the caller goroutine so the collector below can run
	go func() {
		defer close(jobs)
		for i := 0; i < total; i++ {
			select {
			case jobs <- i:
			case <-runCtx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	var collectErr error
	for res := range results {
		if collectErr != nil {
			continue // drain remaining in-flight results
		}
		if err := collect(res); err != nil {
			collectErr = err
			cancel()
		}
	}

	if collectErr != nil {
		return collectErr
	}
	return ctx.Err()
}
