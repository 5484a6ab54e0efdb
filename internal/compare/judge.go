package compare

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/util"
	"github.com/lamim/sdgforge/pkg/models"
)

// Judge asks a judge model whether a candidate answer matches the
// reference, via a yes/no rubric prompt
type Judge struct {
	caller   api.Caller
	modelCfg config.ModelConfig
	apiKey   string
	rubric   string
	system   string
	logger   *slog.Logger
}

// NewJudge creates a judge comparer from the configured judge model
func NewJudge(cfg *config.Config, secrets *config.Secrets, caller api.Caller, logger *slog.Logger) *Judge {
	mc := cfg.Models["judge"]
	return &Judge{
		caller:   caller,
		modelCfg: mc,
		apiKey:   secrets.GetAPIKey(mc.BaseURL),
		rubric:   cfg.PromptTemplates.JudgeRubric,
		system:   cfg.PromptTemplates.JudgeSystem,
		logger:   logger.With("component", "judge"),
	}
}

func (j *Judge) Name() Strategy { return StrategyJudge }

func (j *Judge) Compare(ctx context.Context, question, reference, candidate string) (bool, models.Usage, error) {
	prompt, err := util.RenderTemplate(j.rubric, map[string]interface{}{
		"Question":  question,
		"Reference": reference,
		"Candidate": candidate,
	})
	if err != nil {
		return false, models.Usage{}, fmt.Errorf("failed to render judge rubric: %w", err)
	}

	messages := []api.Message{}
	if j.system != "" {
		messages = append(messages, api.Message{Role: "system", Content: j.system})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := j.caller.ChatCompletion(ctx, j.modelCfg, j.apiKey, messages)
	if err != nil {
		return false, models.Usage{}, err
	}

	usage := models.Usage{Tokens: resp.Usage.TotalTokens, CallCount: 1}
	verdict, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		j.logger.Warn("Unparseable judge verdict",
			"response", util.TruncateString(resp.Choices[0].Message.Content, 120))
		return false, usage, err
	}
	return verdict, usage, nil
}

// verdictRegex matches YES or NO as whole words only, so words that merely
// contain one of the tokens ("Noted", "know", "not") never count as a
// verdict.
var verdictRegex = regexp.MustCompile(`(?i)\b(yes|no)\b`)

// parseVerdict extracts a YES/NO decision from a judge response. The first
// whole-word occurrence of either token wins, so a short explanation after
// the verdict is tolerated.
func parseVerdict(response string) (bool, error) {
	match := verdictRegex.FindString(response)
	if match == "" {
		return false, fmt.Errorf("judge response contains neither YES nor NO")
	}
	return strings.EqualFold(match, "yes"), nil
}
