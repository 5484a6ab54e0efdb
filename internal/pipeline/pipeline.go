// Package pipeline drives samples through the stage state machine:
// generation, evaluation, refinement of failed samples, re-evaluation, and
// final categorization. Every stage transition happens only after all
// in-flight samples for the current stage have completed, and every
// completed unit is durably checkpointed before the run advances past it.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/buffer"
	"github.com/lamim/sdgforge/internal/compare"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/executor"
	"github.com/lamim/sdgforge/internal/metrics"
	"github.com/lamim/sdgforge/internal/pool"
	"github.com/lamim/sdgforge/internal/progress"
	"github.com/lamim/sdgforge/pkg/models"
)

// maxStaleBatches bounds how many consecutive full batches of
// already-seen drafts the generation loop tolerates before declaring the
// source exhausted. Each stale batch is a paid model call.
const maxStaleBatches = 3

// Exporter writes the final category-partitioned dataset. Implemented by
// the writer package; stubbed in tests.
type Exporter interface {
	Export(ctx context.Context, partition map[models.Category][]models.ExportRecord) error
}

// Pipeline owns one run of the sample state machine.
type Pipeline struct {
	cfg      *config.Config
	secrets  *config.Secrets
	caller   api.Caller
	log      *buffer.Log
	exec     executor.Executor
	eval     *evaluator
	refiner  *refiner
	exporter Exporter
	reporter *progress.Reporter
	pool     *pool.Pool
	logger   *slog.Logger

	samples []*models.Sample
}

// New wires a pipeline from its collaborators. The comparer is built here
// from the configured evaluation strategy.
func New(cfg *config.Config, secrets *config.Secrets, caller api.Caller, embedder api.Embedder, log *buffer.Log, exec executor.Executor, exporter Exporter, reporter *progress.Reporter, logger *slog.Logger) (*Pipeline, error) {
	comparer, err := compare.New(cfg, secrets, caller, embedder, logger)
	if err != nil {
		return nil, err
	}
	validator, err := executor.NewDraftValidator(&cfg.Task)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		cfg:      cfg,
		secrets:  secrets,
		caller:   caller,
		log:      log,
		exec:     exec,
		eval:     newEvaluator(cfg, secrets, caller, comparer, validator, logger),
		refiner:  newRefiner(cfg, secrets, caller, logger),
		exporter: exporter,
		reporter: reporter,
		pool:     pool.New(cfg.Run.Concurrency, logger),
		logger:   logger.With("component", "pipeline"),
	}, nil
}

// Run executes the full state machine. Per-sample failures are recorded and
// survive; only configuration, checkpoint, or export failures abort the run.
// Exactly one terminal progress event is emitted either way.
func (p *Pipeline) Run(ctx context.Context) (models.RunStats, error) {
	stats := models.RunStats{
		RunID:       uuid.New().String(),
		StartTime:   time.Now(),
		TotalTarget: p.cfg.Task.NumSamples,
	}

	if err := p.generate(ctx); err != nil {
		p.reporter.FatalError(err)
		return stats, err
	}
	stats.Generated = len(p.samples)

	if err := p.evaluate(ctx); err != nil {
		p.reporter.FatalError(err)
		return stats, err
	}

	if p.cfg.Refinement.Trigger != "none" {
		if err := p.refineFailed(ctx); err != nil {
			p.reporter.FatalError(err)
			return stats, err
		}
	}

	partition, err := p.categorize(ctx, &stats)
	if err != nil {
		p.reporter.FatalError(err)
		return stats, err
	}

	p.reporter.Emit(models.ProgressEvent{Kind: models.EventPhaseStarted, Phase: "exporting"})
	if err := p.exporter.Export(ctx, partition); err != nil {
		p.reporter.FatalError(fmt.Errorf("export failed: %w", err))
		return stats, err
	}

	stats.EndTime = time.Now()
	stats.Elapsed = stats.EndTime.Sub(stats.StartTime)
	for _, rec := range p.log.Records() {
		stats.TotalTokens += rec.Usage.Tokens
		if rec.Status == models.StatusError {
			stats.ErrorCount++
		}
	}
	p.reporter.RunComplete(stats)
	return stats, nil
}

// generate fills p.samples up to the configured target, restoring already
// checkpointed samples first and drawing the remainder from the executor in
// batches. Source exhaustion shrinks the run with a warning; it is not
// fatal.
func (p *Pipeline) generate(ctx context.Context) error {
	target := p.cfg.Task.NumSamples
	p.reporter.PhaseStarted(models.StageGeneration, target)

	seen := make(map[string]bool)
	for _, rec := range p.log.Records() {
		if rec.Stage != models.StageGeneration || rec.Status != models.StatusSuccess {
			continue
		}
		seen[rec.Fingerprint] = true
		p.samples = append(p.samples, &models.Sample{
			Fingerprint:  rec.Fingerprint,
			Input:        rec.Result.Input,
			Output:       rec.Result.Output,
			Origin:       rec.Result.Origin,
			Stage:        models.StageGeneration,
			Status:       models.StatusSuccess,
			AttemptCount: rec.Attempt,
		})
		if len(p.samples) >= target {
			break
		}
	}
	if len(p.samples) > 0 {
		p.logger.Info("Restored samples from checkpoint", "count", len(p.samples))
	}

	info := p.exec.Describe()
	tr := newTracker()
	staleBatches := 0
	for len(p.samples) < target {
		n := target - len(p.samples)
		if n > p.cfg.Run.BatchSize {
			n = p.cfg.Run.BatchSize
		}

		drafts, err := p.exec.NextBatch(ctx, n)
		if err != nil {
			if len(p.samples) == 0 {
				return fmt.Errorf("source %s produced no samples: %w", info.Source, err)
			}
			p.reporter.Warning(models.StageGeneration,
				fmt.Sprintf("source stopped early: %v", err))
			break
		}

		added := 0
		for _, d := range drafts {
			fp := executor.Fingerprint(p.cfg.Task.Name, d.Input)
			if seen[fp] {
				p.logger.Debug("Duplicate draft skipped", "fingerprint", fp)
				continue
			}
			seen[fp] = true
			added++

			rec := successRecord(fp, models.StageGeneration, 1, d.Usage, models.StageResult{
				Input:  d.Input,
				Output: d.Output,
				Origin: d.Origin,
			})
			if err := p.log.Append(rec); err != nil {
				return fmt.Errorf("checkpoint write: %w", err)
			}
			metrics.RecordStageUnit(string(models.StageGeneration), d.Usage.WallTime, true)

			p.samples = append(p.samples, &models.Sample{
				Fingerprint: fp,
				Input:       d.Input,
				Output:      d.Output,
				Origin:      d.Origin,
				Stage:       models.StageGeneration,
				Status:      models.StatusSuccess,
			})
			_, usage, remaining := tr.step(d.Usage, target)
			p.reporter.StepUpdate(models.StageGeneration, len(p.samples), target, usage, remaining)
		}

		if len(drafts) < n {
			p.reporter.Warning(models.StageGeneration,
				fmt.Sprintf("source exhausted: produced %d of %d samples", len(p.samples), target))
			break
		}

		// A full batch of nothing but known drafts makes no progress; a few
		// of those in a row means the source is repeating itself and one
		// more call will not change that.
		if added == 0 {
			staleBatches++
			if staleBatches >= maxStaleBatches {
				p.reporter.Warning(models.StageGeneration,
					fmt.Sprintf("source exhausted: %d consecutive batches of duplicates, produced %d of %d samples",
						staleBatches, len(p.samples), target))
				break
			}
		} else {
			staleBatches = 0
		}
	}
	return nil
}

// evaluate runs the student over every sample that has no evaluation record
// yet. Units run concurrently up to the pool size; results are collected and
// checkpointed serially.
func (p *Pipeline) evaluate(ctx context.Context) error {
	p.reporter.PhaseStarted(models.StageEvaluation, len(p.samples))

	var pending []*models.Sample
	for _, s := range p.samples {
		if p.log.Has(s.Fingerprint, models.StageEvaluation) {
			p.applyRecord(s, mustGet(p.log, s.Fingerprint, models.StageEvaluation))
			continue
		}
		pending = append(pending, s)
	}
	restored := len(p.samples) - len(pending)
	if restored > 0 {
		p.logger.Info("Skipping already evaluated samples", "count", restored)
	}

	tr := newTracker()
	return p.pool.Run(ctx, len(pending),
		func(ctx context.Context, i int) (models.StageRecord, error) {
			s := pending[i]
			return p.eval.run(ctx, models.StageEvaluation, s.Fingerprint, s.Input, s.Output, 1), nil
		},
		func(res pool.Result) error {
			if res.Err != nil {
				return res.Err
			}
			if err := p.log.Append(res.Record); err != nil {
				return fmt.Errorf("checkpoint write: %w", err)
			}
			rec := res.Record
			metrics.RecordStageUnit(string(rec.Stage), rec.Usage.WallTime, rec.Status == models.StatusSuccess)
			p.applyRecord(pending[res.Index], rec)
			if rec.Status == models.StatusError {
				p.reporter.Error(models.StageEvaluation, rec.ErrorTag)
			}
			done, usage, remaining := tr.step(rec.Usage, len(pending))
			p.reporter.StepUpdate(models.StageEvaluation, restored+done, len(p.samples), usage, remaining)
			return nil
		})
}

// refineState tracks one failed sample across refinement rounds. base holds
// the pair being rewritten: the original sample in round one, the previous
// rewrite afterwards.
type refineState struct {
	sample     *models.Sample
	baseInput  string
	baseOutput string
}

// refineFailed rewrites every sample the student failed and re-evaluates
// the rewrite, looping up to the configured round bound. Stage records for
// refinement and final evaluation are appended only once a verdict is
// terminal (passed, or the last round), so the at-most-one-success rule
// holds across rounds and a resumed run reaches the same verdict.
func (p *Pipeline) refineFailed(ctx context.Context) error {
	var pending []*refineState
	for _, s := range p.samples {
		rec, ok := p.log.Get(s.Fingerprint, models.StageEvaluation)
		if !ok || rec.Status != models.StatusSuccess || rec.Result.Passed {
			continue
		}
		if p.log.Has(s.Fingerprint, models.StageFinalEvaluation) {
			p.applyRecord(s, mustGet(p.log, s.Fingerprint, models.StageFinalEvaluation))
			if r, ok := p.log.Get(s.Fingerprint, models.StageRefinement); ok && r.Status == models.StatusSuccess {
				s.RefinedInput = r.Result.Input
				s.RefinedOutput = r.Result.Output
			}
			continue
		}
		pending = append(pending, &refineState{sample: s, baseInput: s.Input, baseOutput: s.Output})
	}
	if len(pending) == 0 {
		return nil
	}

	maxRounds := p.cfg.Refinement.MaxRounds
	for round := 1; round <= maxRounds && len(pending) > 0; round++ {
		p.reporter.PhaseStarted(models.StageRefinement, len(pending))

		rewrites := make([]models.StageRecord, len(pending))
		tr := newTracker()
		err := p.pool.Run(ctx, len(pending),
			func(ctx context.Context, i int) (models.StageRecord, error) {
				st := pending[i]
				return p.refiner.rewrite(ctx, st.sample.Fingerprint, st.baseInput, st.baseOutput, round), nil
			},
			func(res pool.Result) error {
				if res.Err != nil {
					return res.Err
				}
				rewrites[res.Index] = res.Record
				metrics.RecordStageUnit(string(models.StageRefinement), res.Record.Usage.WallTime, res.Record.Status == models.StatusSuccess)
				done, usage, remaining := tr.step(res.Record.Usage, len(pending))
				p.reporter.StepUpdate(models.StageRefinement, done, len(pending), usage, remaining)
				return nil
			})
		if err != nil {
			return err
		}

		p.reporter.PhaseStarted(models.StageFinalEvaluation, len(pending))
		verdicts := make([]models.StageRecord, len(pending))
		tr = newTracker()
		err = p.pool.Run(ctx, len(pending),
			func(ctx context.Context, i int) (models.StageRecord, error) {
				rw := rewrites[i]
				if rw.Status != models.StatusSuccess {
					return errorRecord(rw.Fingerprint, models.StageFinalEvaluation, round,
						models.Usage{}, "no rewrite to evaluate"), nil
				}
				return p.eval.run(ctx, models.StageFinalEvaluation, rw.Fingerprint,
					rw.Result.Input, rw.Result.Output, round), nil
			},
			func(res pool.Result) error {
				if res.Err != nil {
					return res.Err
				}
				verdicts[res.Index] = res.Record
				metrics.RecordStageUnit(string(models.StageFinalEvaluation), res.Record.Usage.WallTime, res.Record.Status == models.StatusSuccess)
				done, usage, remaining := tr.step(res.Record.Usage, len(pending))
				p.reporter.StepUpdate(models.StageFinalEvaluation, done, len(pending), usage, remaining)
				return nil
			})
		if err != nil {
			return err
		}

		var carry []*refineState
		for i, st := range pending {
			verdict := verdicts[i]
			solved := verdict.Status == models.StatusSuccess && verdict.Result.Passed
			if !solved && round < maxRounds {
				if rewrites[i].Status == models.StatusSuccess {
					st.baseInput = rewrites[i].Result.Input
					st.baseOutput = rewrites[i].Result.Output
				}
				carry = append(carry, st)
				continue
			}
			if err := p.log.Append(rewrites[i]); err != nil {
				return fmt.Errorf("checkpoint write: %w", err)
			}
			if err := p.log.Append(verdict); err != nil {
				return fmt.Errorf("checkpoint write: %w", err)
			}
			if rewrites[i].Status == models.StatusSuccess {
				st.sample.RefinedInput = rewrites[i].Result.Input
				st.sample.RefinedOutput = rewrites[i].Result.Output
			}
			p.applyRecord(st.sample, verdict)
			if verdict.Status == models.StatusError {
				p.reporter.Error(models.StageFinalEvaluation, verdict.ErrorTag)
			}
		}
		pending = carry
	}
	return nil
}

// categorize partitions every sample by its recorded history and builds the
// export payload. Learnable samples export the refined pair; everything
// else exports the original.
func (p *Pipeline) categorize(_ context.Context, stats *models.RunStats) (map[models.Category][]models.ExportRecord, error) {
	p.reporter.Emit(models.ProgressEvent{Kind: models.EventPhaseStarted, Phase: "categorizing", Total: len(p.samples)})

	history := make(map[string][]models.StageRecord)
	for _, rec := range p.log.Records() {
		history[rec.Fingerprint] = append(history[rec.Fingerprint], rec)
	}

	partition := make(map[models.Category][]models.ExportRecord)
	for _, s := range p.samples {
		cat := Categorize(history[s.Fingerprint])
		rec := models.ExportRecord{Input: s.Input, Output: s.Output}
		if cat == models.CategoryLearnable && s.RefinedInput != "" {
			rec = models.ExportRecord{Input: s.RefinedInput, Output: s.RefinedOutput}
		}
		partition[cat] = append(partition[cat], rec)

		switch cat {
		case models.CategoryRaw:
			stats.Raw++
		case models.CategorySolved:
			stats.Solved++
		case models.CategoryLearnable:
			stats.Learnable++
		case models.CategoryUnsolved:
			stats.Unsolved++
		}
	}
	for cat, recs := range partition {
		metrics.SetCategoryCount(string(cat), len(recs))
	}
	p.logger.Info("Samples categorized",
		"raw", stats.Raw, "solved", stats.Solved,
		"learnable", stats.Learnable, "unsolved", stats.Unsolved)
	return partition, nil
}

// applyRecord folds a stage record into the sample's mutable view.
func (p *Pipeline) applyRecord(s *models.Sample, rec models.StageRecord) {
	s.Stage = rec.Stage
	s.Status = rec.Status
	if rec.Attempt > s.AttemptCount {
		s.AttemptCount = rec.Attempt
	}
}

func mustGet(l *buffer.Log, fingerprint string, stage models.Stage) models.StageRecord {
	rec, _ := l.Get(fingerprint, stage)
	return rec
}
