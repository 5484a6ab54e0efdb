package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validTOML = `
[task]
name = "arith"
source = "distill"
instruction = "Write arithmetic questions"

[models.generation]
base_url = "https://api.example.com/v1"
model_name = "big-model"

[models.student]
base_url = "https://api.example.com/v1"
model_name = "small-model"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Task.NumSamples != 100 {
		t.Errorf("Expected default num_samples 100, got %d", cfg.Task.NumSamples)
	}
	if cfg.Run.Concurrency != 8 {
		t.Errorf("Expected default concurrency 8, got %d", cfg.Run.Concurrency)
	}
	if cfg.Evaluation.Strategy != "exact" {
		t.Errorf("Expected default strategy exact, got %q", cfg.Evaluation.Strategy)
	}
	if cfg.Refinement.Trigger != "failed" || cfg.Refinement.MaxRounds != 1 {
		t.Errorf("Unexpected refinement defaults: %+v", cfg.Refinement)
	}
	if cfg.PromptTemplates.Refinement == "" || cfg.PromptTemplates.JudgeRubric == "" {
		t.Error("Expected default prompt templates to be filled in")
	}
}

func TestLoadRefinerFallsBackToGeneration(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, validTOML))
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	refiner, ok := cfg.Models["refiner"]
	if !ok {
		t.Fatal("Expected refiner role to fall back to the generation model")
	}
	if refiner.ModelName != "big-model" {
		t.Errorf("Expected refiner to use generation model, got %q", refiner.ModelName)
	}
}

func TestLoadRejectsMissingInstruction(t *testing.T) {
	broken := strings.Replace(validTOML, `instruction = "Write arithmetic questions"`, "", 1)
	if _, _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Expected error for missing task.instruction")
	}
}

func TestLoadRejectsUnknownSource(t *testing.T) {
	broken := strings.Replace(validTOML, `source = "distill"`, `source = "telepathy"`, 1)
	if _, _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Expected error for unknown task.source")
	}
}

func TestLocalSourceRequiresDocumentsDir(t *testing.T) {
	broken := strings.Replace(validTOML, `source = "distill"`, `source = "local"`, 1)
	if _, _, err := Load(writeConfig(t, broken)); err == nil {
		t.Error("Expected error for local source without documents_dir")
	}

	fixed := broken + "\n"
	fixed = strings.Replace(fixed, `name = "arith"`, "name = \"arith\"\ndocuments_dir = \"./docs\"", 1)
	if _, _, err := Load(writeConfig(t, fixed)); err != nil {
		t.Errorf("Load() with documents_dir failed: %v", err)
	}
}

func TestJudgeStrategyRequiresJudgeModel(t *testing.T) {
	withJudge := validTOML + `
[evaluation]
strategy = "judge"
`
	if _, _, err := Load(writeConfig(t, withJudge)); err == nil {
		t.Error("Expected error for judge strategy without judge model")
	}

	withModel := withJudge + `
[models.judge]
base_url = "https://api.example.com/v1"
model_name = "judge-model"
`
	if _, _, err := Load(writeConfig(t, withModel)); err != nil {
		t.Errorf("Load() with judge model failed: %v", err)
	}
}

func TestValidateModelConfigBounds(t *testing.T) {
	if err := validateModelConfig("generation", ModelConfig{
		BaseURL: "https://x", ModelName: "m", Temperature: 3,
	}); err == nil {
		t.Error("Expected error for temperature out of range")
	}
	if err := validateModelConfig("generation", ModelConfig{
		BaseURL: "https://x", ModelName: "m", MaxOutputTokens: 9000, ContextSize: 4096,
	}); err == nil {
		t.Error("Expected error for max_output_tokens above context_size")
	}
}

func TestSecretsProviderLookup(t *testing.T) {
	s := &Secrets{APIKeys: map[string]string{
		"openai":  "sk-openai",
		"generic": "sk-generic",
	}}

	if got := s.GetAPIKey("https://api.openai.com/v1"); got != "sk-openai" {
		t.Errorf("Expected provider key, got %q", got)
	}
	if got := s.GetAPIKey("http://localhost:8080/v1"); got != "sk-generic" {
		t.Errorf("Expected generic fallback, got %q", got)
	}

	s.APIKeys = map[string]string{}
	if got := s.GetAPIKey("http://localhost:8080/v1"); got != "" {
		t.Errorf("Expected empty key for unauthenticated local server, got %q", got)
	}
}

func TestGetProviderName(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://api.openai.com/v1", "openai"},
		{"https://integrate.api.nvidia.com/v1", "nvidia"},
		{"https://api.together.xyz/v1", "together"},
		{"http://localhost:11434/v1", "http://localhost:11434/v1"},
	}
	for _, tt := range tests {
		if got := GetProviderName(tt.url); got != tt.want {
			t.Errorf("GetProviderName(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}
