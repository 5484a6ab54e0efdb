package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/util"
	"github.com/lamim/sdgforge/pkg/models"
)

// extractKeywords asks the generation model for short domain keywords
// describing the task. The configured domain, if any, is appended when the
// model misses it.
func extractKeywords(
	ctx context.Context,
	caller api.Caller,
	cfg *config.Config,
	secrets *config.Secrets,
	usage *models.Usage,
) ([]string, error) {
	demo := formatDemoExamples(cfg.Task.DemoExamples)
	prompt, err := util.RenderTemplate(cfg.PromptTemplates.KeywordExtraction, map[string]interface{}{
		"Instruction":  cfg.Task.Instruction,
		"DemoExamples": demo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render keyword template: %w", err)
	}

	mc := cfg.Models["generation"]
	resp, err := caller.ChatCompletion(ctx, mc, secrets.GetAPIKey(mc.BaseURL), []api.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, err
	}
	usage.Add(usageFromResponse(resp))

	jsonStr := util.ExtractJSON(resp.Choices[0].Message.Content)
	var keywords []string
	if err := json.Unmarshal([]byte(jsonStr), &keywords); err != nil {
		return nil, fmt.Errorf("failed to parse keywords: %w", err)
	}

	cleaned := keywords[:0]
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" {
			cleaned = append(cleaned, kw)
		}
	}
	if len(cleaned) == 0 {
		return nil, fmt.Errorf("keyword extraction returned no keywords")
	}

	if domain := strings.TrimSpace(cfg.Task.Domain); domain != "" {
		found := false
		for _, kw := range cleaned {
			if strings.EqualFold(kw, domain) {
				found = true
				break
			}
		}
		if !found {
			cleaned = append(cleaned, domain)
		}
	}

	return cleaned, nil
}

func formatDemoExamples(examples []config.DemoExample) string {
	if len(examples) == 0 {
		return ""
	}
	var b strings.Builder
	for i, ex := range examples {
		fmt.Fprintf(&b, "%d. input: %s\n   output: %s\n", i+1, ex.Input, ex.Output)
	}
	return b.String()
}
