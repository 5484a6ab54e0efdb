package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/internal/util"
	"github.com/lamim/sdgforge/pkg/models"
)

// localExecutor grounds each generated sample in a passage retrieved from a
// local document collection
type localExecutor struct {
	cfg       *config.Config
	caller    api.Caller
	secrets   *config.Secrets
	retriever Retriever
	validator *DraftValidator
	logger    *slog.Logger

	keywords   []string
	keywordIdx int
	passages   []Passage
	exhausted  bool
	// pendingUsage carries the cost of shared setup calls (keyword
	// extraction) until it can be attributed to a draft
	pendingUsage models.Usage
}

func newLocalExecutor(cfg *config.Config, deps Deps, validator *DraftValidator) *localExecutor {
	return &localExecutor{
		cfg:       cfg,
		caller:    deps.Caller,
		secrets:   deps.Secrets,
		retriever: deps.Retriever,
		validator: validator,
		logger:    deps.Logger.With("executor", "local"),
	}
}

func (e *localExecutor) Describe() SourceInfo {
	return SourceInfo{
		Source: models.SourceLocal,
		Name:   e.cfg.Task.Name,
		Detail: e.cfg.Task.DocumentsDir,
	}
}

// NextBatch generates up to n drafts, one per retrieved passage. Returning
// fewer than n signals the document collection is exhausted for this task.
func (e *localExecutor) NextBatch(ctx context.Context, n int) ([]models.Draft, error) {
	if e.keywords == nil {
		var usage models.Usage
		keywords, err := extractKeywords(ctx, e.caller, e.cfg, e.secrets, &usage)
		if err != nil {
			return nil, fmt.Errorf("keyword extraction failed: %w", err)
		}
		e.keywords = keywords
		e.logger.Info("Extracted task keywords", "keywords", keywords)
		// Keyword usage is charged to the first draft of the run
		e.pendingUsage.Add(usage)
	}

	drafts := make([]models.Draft, 0, n)
	var failures int

	for len(drafts) < n {
		passage, ok, err := e.nextPassage(ctx)
		if err != nil {
			return drafts, err
		}
		if !ok {
			break // collection exhausted
		}

		draft, err := e.generateFromPassage(ctx, passage)
		if err != nil {
			failures++
			e.logger.Warn("Draft generation failed for passage",
				"source", passage.Source, "error", err)
			continue
		}
		drafts = append(drafts, draft)
	}

	if len(drafts) == 0 && failures > 0 {
		return nil, fmt.Errorf("local executor produced no valid drafts (%d failures)", failures)
	}
	return drafts, nil
}

func (e *localExecutor) nextPassage(ctx context.Context) (Passage, bool, error) {
	for len(e.passages) == 0 {
		if e.keywordIdx >= len(e.keywords) {
			e.exhausted = true
			return Passage{}, false, nil
		}
		query := e.keywords[e.keywordIdx]
		e.keywordIdx++

		passages, err := e.retriever.Retrieve(ctx, query, e.cfg.Task.PassagesPerQuery)
		if err != nil {
			return Passage{}, false, fmt.Errorf("retrieval failed for %q: %w", query, err)
		}
		e.passages = passages
	}

	p := e.passages[0]
	e.passages = e.passages[1:]
	return p, true, nil
}

func (e *localExecutor) generateFromPassage(ctx context.Context, passage Passage) (models.Draft, error) {
	prompt, err := util.RenderTemplate(e.cfg.PromptTemplates.SampleGeneration, map[string]interface{}{
		"Instruction":       e.cfg.Task.Instruction,
		"InputInstruction":  e.cfg.Task.InputInstruction,
		"OutputInstruction": e.cfg.Task.OutputInstruction,
		"Passage":           passage.Text,
	})
	if err != nil {
		return models.Draft{}, fmt.Errorf("failed to render sample template: %w", err)
	}

	mc := e.cfg.Models["generation"]
	messages := []api.Message{}
	if e.cfg.PromptTemplates.GenerationSystem != "" {
		messages = append(messages, api.Message{Role: "system", Content: e.cfg.PromptTemplates.GenerationSystem})
	}
	messages = append(messages, api.Message{Role: "user", Content: prompt})

	resp, err := e.caller.ChatCompletion(ctx, mc, e.secrets.GetAPIKey(mc.BaseURL), messages)
	if err != nil {
		return models.Draft{}, err
	}

	usage := usageFromResponse(resp)
	usage.Add(e.pendingUsage)
	e.pendingUsage = models.Usage{}

	draft, err := parseDraftObject(resp.Choices[0].Message.Content)
	if err != nil {
		return models.Draft{}, err
	}
	draft.Origin = passage.Source
	draft.Usage = usage

	if err := e.validator.ValidateDraft(draft); err != nil {
		return models.Draft{}, fmt.Errorf("draft failed validation: %w", err)
	}
	return draft, nil
}

// parseDraftObject parses a {"input": ..., "output": ...} model response
func parseDraftObject(content string) (models.Draft, error) {
	jsonStr := util.SanitizeJSON(util.ExtractJSON(content))

	var parsed struct {
		Input  *string `json:"input"`
		Output *string `json:"output"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return models.Draft{}, fmt.Errorf("failed to parse draft: %w", err)
	}
	if parsed.Input == nil || parsed.Output == nil {
		return models.Draft{}, fmt.Errorf("draft response missing input or output")
	}
	return models.Draft{Input: *parsed.Input, Output: *parsed.Output}, nil
}
