// Package executor produces raw candidate samples from heterogeneous
// sources. The three variants (local document RAG, web dataset sourcing,
// teacher distillation) share one capability contract and differ only in
// how drafts are produced.
package executor

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/xeipuuv/gojsonschema"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/pkg/models"
)

// SourceInfo describes where an executor's drafts come from
type SourceInfo struct {
	Source models.SourceType `json:"source"`
	Name   string            `json:"name"`
	Detail string            `json:"detail,omitempty"`
}

// Executor is the shared contract for all sample sources. NextBatch may
// return fewer than n drafts; that signals the source is exhausted and is
// not an error. The orchestrator tolerates partial batches.
type Executor interface {
	NextBatch(ctx context.Context, n int) ([]models.Draft, error)
	Describe() SourceInfo
}

// Passage is one retrieved context chunk for grounded generation
type Passage struct {
	Text   string
	Source string
}

// Retriever is the ranked-retrieval collaborator the local executor
// consumes. Document parsing and retrieval internals live outside this
// module.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Passage, error)
}

// DatasetRef identifies one dataset found by the search collaborator
type DatasetRef struct {
	ID          string
	Description string
}

// DatasetSearcher is the dataset-search collaborator the web executor
// consumes
type DatasetSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]DatasetRef, error)
	Rows(ctx context.Context, datasetID string, limit int) ([]map[string]string, error)
}

// Deps carries the collaborators an executor variant may need
type Deps struct {
	Caller    api.Caller
	Secrets   *config.Secrets
	Retriever Retriever       // required for source=local
	Searcher  DatasetSearcher // required for source=web
	Logger    *slog.Logger
}

// New builds the executor variant selected by the task config
func New(cfg *config.Config, deps Deps) (Executor, error) {
	validator, err := NewDraftValidator(&cfg.Task)
	if err != nil {
		return nil, err
	}

	switch cfg.Task.Source {
	case models.SourceLocal:
		if deps.Retriever == nil {
			return nil, fmt.Errorf("source=local requires a document retriever")
		}
		return newLocalExecutor(cfg, deps, validator), nil
	case models.SourceWeb:
		if deps.Searcher == nil {
			return nil, fmt.Errorf("source=web requires a dataset searcher")
		}
		return newWebExecutor(cfg, deps, validator), nil
	case models.SourceDistill:
		return newDistillExecutor(cfg, deps, validator), nil
	default:
		return nil, fmt.Errorf("unknown task source %q", cfg.Task.Source)
	}
}

// Fingerprint derives a sample's stable identity from the task name and the
// draft input. It is the checkpoint key: the same draft in a resumed run
// maps to the same records.
func Fingerprint(taskName, input string) string {
	sum := sha256.Sum256([]byte(taskName + "\x00" + input))
	return fmt.Sprintf("%x", sum[:16])
}

// DraftValidator applies output-format checks to drafts and predictions.
// When the task declares an output JSON Schema, outputs must parse as JSON
// and validate against it.
type DraftValidator struct {
	schema *gojsonschema.Schema
}

// NewDraftValidator compiles the task's output schema, if declared
func NewDraftValidator(task *config.TaskConfig) (*DraftValidator, error) {
	v := &DraftValidator{}
	if task.OutputSchema != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(task.OutputSchema))
		if err != nil {
			return nil, fmt.Errorf("invalid task.output_schema: %w", err)
		}
		v.schema = schema
	}
	return v, nil
}

// ValidateDraft checks a freshly generated draft
func (v *DraftValidator) ValidateDraft(d models.Draft) error {
	if d.Input == "" {
		return fmt.Errorf("draft has empty input")
	}
	if d.Output == "" {
		return fmt.Errorf("draft has empty output")
	}
	return v.ValidateOutput(d.Output)
}

// ValidateOutput checks one output text against the declared schema, if any
func (v *DraftValidator) ValidateOutput(output string) error {
	if v.schema == nil {
		return nil
	}

	var doc interface{}
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		return fmt.Errorf("output is not valid JSON: %w", err)
	}
	result, err := v.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("output does not match schema: %s", errs[0].String())
		}
		return fmt.Errorf("output does not match schema")
	}
	return nil
}

func usageFromResponse(resp *api.ChatCompletionResponse) models.Usage {
	return models.Usage{Tokens: resp.Usage.TotalTokens, CallCount: 1}
}
