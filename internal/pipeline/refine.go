package pipeline

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

// refiner asks the teacher model to rewrite a sample the student could not
// solve into an easier form that still tests the same skill.
type refiner struct {
	caller   api.Caller
	modelCfg config.ModelConfig
	apiKey   string
	task     *config.TaskConfig
	tmpl     string
	system   string
	logger   *slog.Logger
}

func newRefiner(cfg *config.Config, secrets *config.Secrets, caller api.Caller, logger *slog.Logger) *refiner {
	mc := cfg.Models["refiner"]
	return &refiner{
		caller:   caller,
		modelCfg: mc,
		apiKey:   secrets.GetAPIKey(mc.BaseURL),
		task:     &cfg.Task,
		tmpl:     cfg.PromptTemplates.Refinement,
		system:   cfg.PromptTemplates.RefinerSystem,
		logger:   logger.With("component", "refiner"),
	}
}

// rewrite produces the refinement stage record for one sample. A rewrite
// that cannot be obtained or parsed yields an error record; the sample then
// categorizes as unsolved.
func (r *refiner) rewrite(ctx context.Context, fingerprint, input, output string, attempt int) models.StageRecord {
	start := time.Now()
	var usage models.Usage

	prompt, err := util.RenderTemplate(r.tmpl, map[string]interface{}{
		"Instruction":       r.task.Instruction,
		"InputInstruction":  r.task.InputInstruction,
		"OutputInstruction": r.task.OutputInstruction,
		"Input":             input,
		"Output":            output,
	})
	if err != nil {
		return errorRecord(fingerprint, models.StageRefinement, attempt, usage,
			fmt.Sprintf("refinement template: %v", err))
	}

	msgs := []api.Message{}
	if r.system != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: r.system})
	}
	msgs = append(msgs, api.Message{Role: "user", Content: prompt})

	resp, err := r.caller.ChatCompletion(ctx, r.modelCfg, r.apiKey, msgs)
	if err != nil {
		usage.WallTime = time.Since(start)
		return errorRecord(fingerprint, models.StageRefinement, attempt, usage,
			fmt.Sprintf("refiner unavailable: %v", err))
	}
	usage = models.Usage{
		Tokens:    resp.Usage.TotalTokens,
		CallCount: 1,
		WallTime:  time.Since(start),
	}

	content := resp.Choices[0].Message.Content
	var rewrite struct {
		Input  *string `json:"input"`
		Output *string `json:"output"`
	}
	if err := json.Unmarshal([]byte(util.SanitizeJSON(util.ExtractJSON(content))), &rewrite); err != nil {
		r.logger.Warn("Unparseable rewrite",
			"fingerprint", fingerprint,
			"response", util.TruncateString(content, 120))
		return errorRecord(fingerprint, models.StageRefinement, attempt, usage,
			fmt.Sprintf("rewrite parse: %v", err))
	}
	if rewrite.Input == nil || rewrite.Output == nil || *rewrite.Input == "" || *rewrite.Output == "" {
		return errorRecord(fingerprint, models.StageRefinement, attempt, usage,
			"rewrite missing input or output")
	}

	return successRecord(fingerprint, models.StageRefinement, attempt, usage, models.StageResult{
		Input:  *rewrite.Input,
		Output: *rewrite.Output,
	})
}
