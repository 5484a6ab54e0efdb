package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/util"
	"github.com/lamim/sdgforge/pkg/models"
)

// distillExecutor asks a teacher model to produce samples directly from the
// task instruction, optionally guided by patterns extracted from
// demonstration examples
type distillExecutor struct {
	cfg       *config.Config
	caller    api.Caller
	secrets   *config.Secrets
	validator *DraftValidator
	logger    *slog.Logger

	patterns     string
	patternsDone bool
	pendingUsage models.Usage
}

func newDistillExecutor(cfg *config.Config, deps Deps, validator *DraftValidator) *distillExecutor {
	return &distillExecutor{
		cfg:       cfg,
		caller:    deps.Caller,
		secrets:   deps.Secrets,
		validator: validator,
		logger:    deps.Logger.With("executor", "distill"),
	}
}

func (e *distillExecutor) Describe() SourceInfo {
	return SourceInfo{
		Source: models.SourceDistill,
		Name:   e.cfg.Task.Name,
		Detail: e.cfg.Models["generation"].ModelName,
	}
}

// NextBatch issues one batch-generation call asking for n samples. The
// model may return fewer, which per the Executor contract signals
// exhaustion: the orchestrator keeps the short batch and stops generating.
func (e *distillExecutor) NextBatch(ctx context.Context, n int) ([]models.Draft, error) {
	if !e.patternsDone && len(e.cfg.Task.DemoExamples) > 0 {
		if err := e.generatePatterns(ctx); err != nil {
			// Patterns improve diversity but are not required
			e.logger.Warn("Pattern extraction failed, generating without patterns", "error", err)
		}
		e.patternsDone = true
	}

	prompt, err := util.RenderTemplate(e.cfg.PromptTemplates.DistillGeneration, map[string]interface{}{
		"Instruction":       e.cfg.Task.Instruction,
		"InputInstruction":  e.cfg.Task.InputInstruction,
		"OutputInstruction": e.cfg.Task.OutputInstruction,
		"Patterns":          e.patterns,
		"Count":             n,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render distill template: %w", err)
	}

	mc := e.cfg.Models["generation"]
	messages := []api.Message{}
	if e.cfg.PromptTemplates.GenerationSystem != "" {
		messages = append(messages, api.Message{Role: "system", Content: e.cfg.PromptTemplates.GenerationSystem})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := e.caller.ChatCompletion(ctx, mc, e.secrets.GetAPIKey(mc.BaseURL), messages)
	if err != nil {
		return nil, err
	}

	batchUsage := usageFromResponse(resp)
	batchUsage.Add(e.pendingUsage)
	e.pendingUsage = models.Usage{}

	drafts, err := parseDraftArray(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}

	valid := drafts[:0]
	for _, d := range drafts {
		if err := e.validator.ValidateDraft(d); err != nil {
			e.logger.Warn("Dropping invalid distilled draft", "error", err)
			continue
		}
		valid = append(valid, d)
	}
	if len(valid) == 0 {
		return nil, fmt.Errorf("distillation batch produced no valid drafts")
	}

	// Spread the batch cost evenly across the drafts it produced
	perDraft := models.Usage{
		Tokens:    batchUsage.Tokens / len(valid),
		WallTime:  batchUsage.WallTime / time.Duration(len(valid)),
		CallCount: 0,
	}
	for i := range valid {
		valid[i].Usage = perDraft
	}
	valid[0].Usage.CallCount = batchUsage.CallCount

	if len(valid) > n {
		valid = valid[:n]
	}
	return valid, nil
}

func (e *distillExecutor) generatePatterns(ctx context.Context) error {
	prompt, err := util.RenderTemplate(e.cfg.PromptTemplates.PatternGeneration, map[string]interface{}{
		"Instruction":  e.cfg.Task.Instruction,
		"DemoExamples": formatDemoExamples(e.cfg.Task.DemoExamples),
	})
	if err != nil {
		return fmt.Errorf("failed to render pattern template: %w", err)
	}

	mc := e.cfg.Models["generation"]
	resp, err := e.caller.ChatCompletion(ctx, mc, e.secrets.GetAPIKey(mc.BaseURL), []api.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return err
	}

	e.pendingUsage.Add(usageFromResponse(resp))
	e.patterns = resp.Choices[0].Message.Content
	e.logger.Debug("Extracted generation patterns", "length", len(e.patterns))
	return nil
}

// parseDraftArray parses a JSON array of {"input","output"} objects
func parseDraftArray(content string) ([]models.Draft, error) {
	jsonStr := util.SanitizeJSON(util.ExtractJSON(content))

	var parsed []struct {
		Input  string `json:"input"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse draft batch: %w", err)
	}

	drafts := make([]models.Draft, 0, len(parsed))
	for _, p := range parsed {
		drafts = append(drafts, models.Draft{Input: p.Input, Output: p.Output})
	}
	return drafts, nil
}
