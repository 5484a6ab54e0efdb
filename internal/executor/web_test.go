package executor

import (
	"context"
	"testing"

	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/pkg/models"
)

type stubSearcher struct {
	refs map[string][]DatasetRef
	rows map[string][]map[string]string
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) ([]DatasetRef, error) {
	refs := s.refs[query]
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (s *stubSearcher) Rows(_ context.Context, datasetID string, limit int) ([]map[string]string, error) {
	rows := s.rows[datasetID]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func webConfig() *config.Config {
	return &config.Config{
		Task: config.TaskConfig{
			Name:         "qa",
			Source:       models.SourceWeb,
			Instruction:  "Answer questions",
			DatasetLimit: 3,
			RowLimit:     10,
			NumSamples:   10,
		},
		Models: map[string]config.ModelConfig{"generation": {ModelName: "gen"}},
		PromptTemplates: config.PromptTemplates{
			KeywordExtraction:   "Keywords for: {{.Instruction}}",
			WebFormatConversion: "Convert {{.RawInput}} / {{.RawOutput}}",
		},
	}
}

func TestWebNextBatchConvertsRows(t *testing.T) {
	cfg := webConfig()
	caller := &scriptedCaller{responses: []string{
		`["trivia"]`,
		`{"input":"converted q1","output":"converted a1"}`,
		`{"input":null,"output":null}`,
		`{"input":"converted q3","output":"converted a3"}`,
	}}
	searcher := &stubSearcher{
		refs: map[string][]DatasetRef{"trivia": {{ID: "org/trivia"}}},
		rows: map[string][]map[string]string{"org/trivia": {
			{"question": "q1", "answer": "a1"},
			{"question": "q2", "answer": "a2"},
			{"question": "q3", "answer": "a3"},
			{"irrelevant": "no usable fields"},
		}},
	}
	deps := Deps{Caller: caller, Secrets: &config.Secrets{APIKeys: map[string]string{}}, Searcher: searcher, Logger: testLogger()}

	exec, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	drafts, err := exec.NextBatch(context.Background(), 10)
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	// Row 2 rejected by the model (null), row 4 has no recognizable fields
	if len(drafts) != 2 {
		t.Fatalf("Expected 2 drafts, got %d", len(drafts))
	}
	if drafts[0].Input != "converted q1" {
		t.Errorf("Unexpected first draft: %+v", drafts[0])
	}
	if drafts[0].Origin != "org/trivia" {
		t.Errorf("Expected origin org/trivia, got %q", drafts[0].Origin)
	}
}

func TestWebDrainedQueueSignalsExhaustion(t *testing.T) {
	cfg := webConfig()
	caller := &scriptedCaller{responses: []string{`["trivia"]`}}
	searcher := &stubSearcher{
		refs: map[string][]DatasetRef{"trivia": nil},
		rows: map[string][]map[string]string{},
	}
	deps := Deps{Caller: caller, Secrets: &config.Secrets{APIKeys: map[string]string{}}, Searcher: searcher, Logger: testLogger()}

	exec, err := New(cfg, deps)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	drafts, err := exec.NextBatch(context.Background(), 5)
	if err != nil {
		t.Fatalf("NextBatch() failed: %v", err)
	}
	if len(drafts) != 0 {
		t.Errorf("Expected empty batch when no datasets found, got %d", len(drafts))
	}
}

func TestPickFields(t *testing.T) {
	tests := []struct {
		name    string
		row     map[string]string
		wantIn  string
		wantOut string
		ok      bool
	}{
		{"question/answer", map[string]string{"question": "q", "answer": "a"}, "q", "a", true},
		{"input/output", map[string]string{"input": "q", "output": "a"}, "q", "a", true},
		{"prompt/response", map[string]string{"prompt": "q", "response": "a"}, "q", "a", true},
		{"no output field", map[string]string{"question": "q"}, "", "", false},
		{"empty row", map[string]string{}, "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, out, ok := pickFields(tt.row)
			if ok != tt.ok {
				t.Fatalf("pickFields ok = %v, want %v", ok, tt.ok)
			}
			if ok && (in != tt.wantIn || out != tt.wantOut) {
				t.Errorf("pickFields = (%q, %q), want (%q, %q)", in, out, tt.wantIn, tt.wantOut)
			}
		})
	}
}
