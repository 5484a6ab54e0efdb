package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/compare"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/executor"
	"github.com/lamim/sdgforge/pkg/models"
)

// evaluator has the student model attempt a sample and scores the answer
// against the reference. Transient call failures are downgraded to an error
// record after the client's own retries are exhausted; they never abort the
// run.
type evaluator struct {
	caller    api.Caller
	modelCfg  config.ModelConfig
	apiKey    string
	task      *config.TaskConfig
	system    string
	comparer  compare.Comparer
	attempts  int // predictions per sample, majority-voted
	validator *executor.DraftValidator
	logger    *slog.Logger
}

func newEvaluator(cfg *config.Config, secrets *config.Secrets, caller api.Caller, comparer compare.Comparer, validator *executor.DraftValidator, logger *slog.Logger) *evaluator {
	mc := cfg.Models["student"]
	if cfg.Evaluation.Temperature > 0 {
		mc.Temperature = cfg.Evaluation.Temperature
	}
	if cfg.Evaluation.MaxTokens > 0 {
		mc.MaxOutputTokens = cfg.Evaluation.MaxTokens
	}
	return &evaluator{
		caller:    caller,
		modelCfg:  mc,
		apiKey:    secrets.GetAPIKey(mc.BaseURL),
		task:      &cfg.Task,
		system:    cfg.PromptTemplates.StudentSystem,
		comparer:  comparer,
		attempts:  cfg.Evaluation.SamplesPerEval,
		validator: validator,
		logger:    logger.With("component", "evaluator"),
	}
}

// run produces the stage record for one sample at the given stage
// (evaluation or final_evaluation).
func (e *evaluator) run(ctx context.Context, stage models.Stage, fingerprint, input, reference string, attempt int) models.StageRecord {
	start := time.Now()
	var usage models.Usage

	preds := make([]string, 0, e.attempts)
	var lastErr error
	for i := 0; i < e.attempts; i++ {
		resp, err := e.caller.ChatCompletion(ctx, e.modelCfg, e.apiKey, e.messages(input))
		if err != nil {
			lastErr = err
			e.logger.Warn("Student call failed",
				"fingerprint", fingerprint, "stage", stage, "error", err)
			continue
		}
		usage.Add(models.Usage{Tokens: resp.Usage.TotalTokens, CallCount: 1})
		if len(resp.Choices) > 0 {
			preds = append(preds, strings.TrimSpace(resp.Choices[0].Message.Content))
		}
	}
	usage.WallTime = time.Since(start)

	if len(preds) == 0 {
		return errorRecord(fingerprint, stage, attempt, usage,
			fmt.Sprintf("student unavailable: %v", lastErr))
	}

	prediction := compare.MajorityVote(preds)
	confidence := voteShare(preds, prediction)

	result := models.StageResult{
		Prediction: prediction,
		Confidence: confidence,
		Strategy:   string(e.comparer.Name()),
	}

	// An answer that does not meet the task's output format counts as a
	// failure, not an error: the sample is routed to refinement.
	if err := e.validator.ValidateOutput(prediction); err != nil {
		result.Passed = false
		result.Strategy = "format"
		return successRecord(fingerprint, stage, attempt, usage, result)
	}

	passed, cmpUsage, err := e.comparer.Compare(ctx, input, reference, prediction)
	usage.Add(cmpUsage)
	usage.WallTime = time.Since(start)
	if err != nil {
		return errorRecord(fingerprint, stage, attempt, usage,
			fmt.Sprintf("comparison failed: %v", err))
	}
	result.Passed = passed
	return successRecord(fingerprint, stage, attempt, usage, result)
}

func (e *evaluator) messages(input string) []api.Message {
	var sb strings.Builder
	sb.WriteString(e.task.Instruction)
	if e.task.OutputInstruction != "" {
		sb.WriteString("\n\nOutput format: ")
		sb.WriteString(e.task.OutputInstruction)
	}
	sb.WriteString("\n\n")
	sb.WriteString(input)

	msgs := []api.Message{}
	if e.system != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: e.system})
	}
	return append(msgs, api.Message{Role: "user", Content: sb.String()})
}

func voteShare(preds []string, winner string) float64 {
	if len(preds) == 0 {
		return 0
	}
	norm := compare.Normalize(winner)
	n := 0
	for _, p := range preds {
		if compare.Normalize(p) == norm {
			n++
		}
	}
	return float64(n) / float64(len(preds))
}

func successRecord(fingerprint string, stage models.Stage, attempt int, usage models.Usage, result models.StageResult) models.StageRecord {
	return models.StageRecord{
		Fingerprint: fingerprint,
		Stage:       stage,
		Status:      models.StatusSuccess,
		Attempt:     attempt,
		Result:      result,
		Usage:       usage,
		Timestamp:   time.Now(),
	}
}

func errorRecord(fingerprint string, stage models.Stage, attempt int, usage models.Usage, tag string) models.StageRecord {
	return models.StageRecord{
		Fingerprint: fingerprint,
		Stage:       stage,
		Status:      models.StatusError,
		Attempt:     attempt,
		ErrorTag:    tag,
		Usage:       usage,
		Timestamp:   time.Now(),
	}
}
