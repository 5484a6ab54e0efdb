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

type webRow struct {
	datasetID string
	row       map[string]string
}

// webExecutor sources drafts from public datasets found by the
// dataset-search collaborator, reformatting each row into the task's
// input/output shape with a model call
type webExecutor struct {
	cfg       *config.Config
	caller    api.Caller
	secrets   *config.Secrets
	searcher  DatasetSearcher
	validator *DraftValidator
	logger    *slog.Logger

	crawled      bool
	rows         []webRow
	pendingUsage models.Usage
}

func newWebExecutor(cfg *config.Config, deps Deps, validator *DraftValidator) *webExecutor {
	return &webExecutor{
		cfg:       cfg,
		caller:    deps.Caller,
		secrets:   deps.Secrets,
		searcher:  deps.Searcher,
		validator: validator,
		logger:    deps.Logger.With("executor", "web"),
	}
}

func (e *webExecutor) Describe() SourceInfo {
	return SourceInfo{
		Source: models.SourceWeb,
		Name:   e.cfg.Task.Name,
		Detail: fmt.Sprintf("dataset_limit=%d row_limit=%d", e.cfg.Task.DatasetLimit, e.cfg.Task.RowLimit),
	}
}

// NextBatch converts up to n crawled rows into drafts. Rows the conversion
// model rejects are skipped. Fewer than n drafts means the crawl queue ran
// dry.
func (e *webExecutor) NextBatch(ctx context.Context, n int) ([]models.Draft, error) {
	if !e.crawled {
		if err := e.crawl(ctx); err != nil {
			return nil, err
		}
		e.crawled = true
	}

	drafts := make([]models.Draft, 0, n)
	var failures int

	for len(drafts) < n && len(e.rows) > 0 {
		r := e.rows[0]
		e.rows = e.rows[1:]

		draft, ok, err := e.convertRow(ctx, r)
		if err != nil {
			failures++
			e.logger.Warn("Row conversion failed", "dataset", r.datasetID, "error", err)
			continue
		}
		if !ok {
			continue // the model judged the row unusable for this task
		}
		drafts = append(drafts, draft)
	}

	if len(drafts) == 0 && failures > 0 && len(e.rows) == 0 {
		return nil, fmt.Errorf("web executor produced no valid drafts (%d failures)", failures)
	}
	return drafts, nil
}

// crawl searches datasets for each task keyword and queues their rows
func (e *webExecutor) crawl(ctx context.Context) error {
	keywords, err := extractKeywords(ctx, e.caller, e.cfg, e.secrets, &e.pendingUsage)
	if err != nil {
		return fmt.Errorf("keyword extraction failed: %w", err)
	}
	e.logger.Info("Searching datasets", "keywords", keywords)

	for _, keyword := range keywords {
		refs, err := e.searcher.Search(ctx, keyword, e.cfg.Task.DatasetLimit)
		if err != nil {
			e.logger.Warn("Dataset search failed", "keyword", keyword, "error", err)
			continue
		}
		for _, ref := range refs {
			rows, err := e.searcher.Rows(ctx, ref.ID, e.cfg.Task.RowLimit)
			if err != nil {
				e.logger.Warn("Failed to fetch rows", "dataset", ref.ID, "error", err)
				continue
			}
			for _, row := range rows {
				e.rows = append(e.rows, webRow{datasetID: ref.ID, row: row})
			}
		}
	}

	e.logger.Info("Crawl complete", "rows", len(e.rows))
	return nil
}

// convertRow reformats one dataset row into a task draft. The second
// return value is false when the model judges the row unusable.
func (e *webExecutor) convertRow(ctx context.Context, r webRow) (models.Draft, bool, error) {
	rawInput, rawOutput, ok := pickFields(r.row)
	if !ok {
		return models.Draft{}, false, nil
	}

	prompt, err := util.RenderTemplate(e.cfg.PromptTemplates.WebFormatConversion, map[string]interface{}{
		"Instruction":       e.cfg.Task.Instruction,
		"InputInstruction":  e.cfg.Task.InputInstruction,
		"OutputInstruction": e.cfg.Task.OutputInstruction,
		"RawInput":          rawInput,
		"RawOutput":         rawOutput,
	})
	if err != nil {
		return models.Draft{}, false, fmt.Errorf("failed to render conversion template: %w", err)
	}

	mc := e.cfg.Models["generation"]
	resp, err := e.caller.ChatCompletion(ctx, mc, e.secrets.GetAPIKey(mc.BaseURL), []api.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return models.Draft{}, false, err
	}

	usage := usageFromResponse(resp)
	usage.Add(e.pendingUsage)
	e.pendingUsage = models.Usage{}

	jsonStr := util.SanitizeJSON(util.ExtractJSON(resp.Choices[0].Message.Content))
	var parsed struct {
		Input  *string `json:"input"`
		Output *string `json:"output"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return models.Draft{}, false, fmt.Errorf("failed to parse conversion: %w", err)
	}
	if parsed.Input == nil || parsed.Output == nil {
		// Model signaled the row cannot serve this task
		return models.Draft{}, false, nil
	}

	draft := models.Draft{
		Input:  *parsed.Input,
		Output: *parsed.Output,
		Origin: r.datasetID,
		Usage:  usage,
	}
	if err := e.validator.ValidateDraft(draft); err != nil {
		return models.Draft{}, false, fmt.Errorf("converted draft failed validation: %w", err)
	}
	return draft, true, nil
}

// pickFields guesses the input/output columns of a dataset row by common
// field names
func pickFields(row map[string]string) (string, string, bool) {
	inputNames := []string{"input", "question", "prompt", "instruction", "text"}
	outputNames := []string{"output", "answer", "response", "completion", "label"}

	var input, output string
	for _, name := range inputNames {
		if v, ok := row[name]; ok && v != "" {
			input = v
			break
		}
	}
	for _, name := range outputNames {
		if v, ok := row[name]; ok && v != "" {
			output = v
			break
		}
	}
	return input, output, input != "" && output != ""
}
