package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lamim/sdgforge/pkg/models"
)

// Config represents the complete application configuration
type Config struct {
	Task               TaskConfig             `toml:"task" validate:"required"`
	Run                RunConfig              `toml:"run"`
	Evaluation         EvaluationConfig       `toml:"evaluation"`
	Refinement         RefinementConfig       `toml:"refinement"`
	Checkpoint         CheckpointConfig       `toml:"checkpoint"`
	Models             map[string]ModelConfig `toml:"models"`
	PromptTemplates    PromptTemplates        `toml:"prompt_templates"`
	ProviderRateLimits map[string]int         `toml:"provider_rate_limits"` // requests per minute per provider
}

// DemoExample is an optional demonstration pair for pattern extraction
type DemoExample struct {
	Input  string `toml:"input"`
	Output string `toml:"output"`
}

// TaskConfig is the immutable description of one generation task.
// It is owned by the orchestrator for the lifetime of a run.
type TaskConfig struct {
	Name              string            `toml:"name" validate:"required"`
	Source            models.SourceType `toml:"source" validate:"required,oneof=local web distill"`
	Instruction       string            `toml:"instruction" validate:"required"`
	InputInstruction  string            `toml:"input_instruction"`
	OutputInstruction string            `toml:"output_instruction"`
	OutputSchema      string            `toml:"output_schema"` // optional JSON Schema applied to sample outputs
	NumSamples        int               `toml:"num_samples" validate:"min=1"`
	Domain            string            `toml:"domain"`
	DemoExamples      []DemoExample     `toml:"demo_examples"`
	DocumentsDir      string            `toml:"documents_dir"` // local source only
	PassagesPerQuery  int               `toml:"passages_per_query"`
	DatasetLimit      int               `toml:"dataset_limit"` // web source: datasets per keyword
	RowLimit          int               `toml:"row_limit"`     // web source: rows per dataset
	ExportFormat      string            `toml:"export_format" validate:"omitempty,oneof=jsonl json"`
}

// RunConfig holds run-level execution settings
type RunConfig struct {
	Concurrency       int    `toml:"concurrency" validate:"min=1,max=256"`
	BatchSize         int    `toml:"batch_size" validate:"min=1"`
	OutputDir         string `toml:"output_dir"`
	ResumeFromSession string `toml:"resume_from_session"`
}

// EvaluationConfig selects how student answers are compared to references
type EvaluationConfig struct {
	Strategy            string  `toml:"strategy" validate:"oneof=exact semantic judge"`
	SamplesPerEval      int     `toml:"samples_per_eval" validate:"min=1,max=16"` // n predictions per sample, majority-voted
	SimilarityThreshold float64 `toml:"similarity_threshold" validate:"min=0,max=1"`
	Temperature         float64 `toml:"temperature" validate:"min=0,max=2"`
	MaxTokens           int     `toml:"max_tokens" validate:"min=1"`
}

// RefinementConfig controls the teacher-rewrite stage
type RefinementConfig struct {
	// Trigger selects which samples are rewritten: "failed" routes samples
	// the student could not solve, "none" skips refinement entirely
	Trigger   string `toml:"trigger" validate:"oneof=failed none"`
	MaxRounds int    `toml:"max_rounds" validate:"min=1,max=5"`
}

// CheckpointConfig controls the durable stage-record log
type CheckpointConfig struct {
	Disabled bool `toml:"disabled"`
}

// ModelConfig represents configuration for a single model endpoint.
// Recognized roles in Config.Models: generation, student, refiner, judge,
// embedding. refiner falls back to the generation model when absent.
type ModelConfig struct {
	BaseURL            string  `toml:"base_url"`
	ModelName          string  `toml:"model_name"`
	Temperature        float64 `toml:"temperature"`
	TopP               float64 `toml:"top_p"`
	MaxOutputTokens    int     `toml:"max_output_tokens"`
	ContextSize        int     `toml:"context_size"`
	RateLimitPerMinute int     `toml:"rate_limit_per_minute"`
	MaxRetries         int     `toml:"max_retries"`           // retry bound for transient errors (default 3)
	MaxBackoffSeconds  int     `toml:"max_backoff_seconds"`   // cap on exponential backoff (default 120)
	HTTPTimeoutSeconds int     `toml:"http_timeout_seconds"`  // per-call timeout (default 120)
	UseJSONMode        bool    `toml:"use_json_mode"`         // request structured JSON output
}

// PromptTemplates holds all customizable prompt templates.
// Defaults cover every template; config overrides individually.
type PromptTemplates struct {
	KeywordExtraction    string `toml:"keyword_extraction"`
	PatternGeneration    string `toml:"pattern_generation"`
	SampleGeneration     string `toml:"sample_generation"` // local: grounded in retrieved passages
	DistillGeneration    string `toml:"distill_generation"`
	WebFormatConversion  string `toml:"web_format_conversion"`
	Refinement           string `toml:"refinement"`
	JudgeRubric          string `toml:"judge_rubric"`
	GenerationSystem     string `toml:"generation_system"`
	StudentSystem        string `toml:"student_system"`
	RefinerSystem        string `toml:"refiner_system"`
	JudgeSystem          string `toml:"judge_system"`
}

// Validate checks cross-field constraints that struct tags cannot express
func (c *Config) Validate() error {
	if c.Task.Source == models.SourceLocal && c.Task.DocumentsDir == "" {
		return fmt.Errorf("task.documents_dir is required for source=local")
	}

	required := []string{"generation", "student"}
	if c.Evaluation.Strategy == "judge" {
		required = append(required, "judge")
	}
	if c.Evaluation.Strategy == "semantic" {
		required = append(required, "embedding")
	}
	for _, role := range required {
		mc, ok := c.Models[role]
		if !ok {
			return fmt.Errorf("models.%s is required", role)
		}
		if err := validateModelConfig(role, mc); err != nil {
			return err
		}
	}
	if mc, ok := c.Models["refiner"]; ok {
		if err := validateModelConfig("refiner", mc); err != nil {
			return err
		}
	} else if c.Refinement.Trigger != "none" {
		// refiner falls back to the generation model
		c.Models["refiner"] = c.Models["generation"]
	}

	if c.Evaluation.Strategy == "judge" && c.PromptTemplates.JudgeRubric == "" {
		return fmt.Errorf("prompt_templates.judge_rubric is required when evaluation.strategy=judge")
	}
	return nil
}

func validateModelConfig(name string, mc ModelConfig) error {
	if mc.BaseURL == "" {
		return fmt.Errorf("models.%s.base_url is required", name)
	}
	if mc.ModelName == "" {
		return fmt.Errorf("models.%s.model_name is required", name)
	}
	if mc.Temperature < 0 || mc.Temperature > 2 {
		return fmt.Errorf("models.%s.temperature must be between 0 and 2", name)
	}
	if mc.TopP < 0 || mc.TopP > 1 {
		return fmt.Errorf("models.%s.top_p must be between 0 and 1", name)
	}
	if mc.MaxOutputTokens > 0 && mc.ContextSize > 0 && mc.MaxOutputTokens > mc.ContextSize {
		return fmt.Errorf("models.%s.max_output_tokens (%d) must not exceed context_size (%d)", name, mc.MaxOutputTokens, mc.ContextSize)
	}
	return nil
}

// Secrets holds sensitive credentials loaded from environment variables
type Secrets struct {
	APIKeys map[string]string
}

// LoadSecrets loads API credentials from environment variables
func LoadSecrets() (*Secrets, error) {
	secrets := &Secrets{
		APIKeys: make(map[string]string),
	}

	// Generic key works for any OpenAI-compatible provider
	if key := os.Getenv("API_KEY"); key != "" {
		secrets.APIKeys["generic"] = key
	}

	// Provider-specific keys override the generic one
	for env, provider := range map[string]string{
		"OPENAI_API_KEY":   "openai",
		"NVIDIA_API_KEY":   "nvidia",
		"TOGETHER_API_KEY": "together",
		"HF_TOKEN":         "huggingface",
	} {
		if key := os.Getenv(env); key != "" {
			secrets.APIKeys[provider] = key
		}
	}

	return secrets, nil
}

// GetAPIKey returns the API key for a given base URL
func (s *Secrets) GetAPIKey(baseURL string) string {
	if key := s.APIKeys[GetProviderName(baseURL)]; key != "" {
		return key
	}
	if key := s.APIKeys["generic"]; key != "" {
		return key
	}
	// Empty is fine for local servers without auth
	return ""
}

// GetProviderName extracts a provider name from a base URL for rate limiting
func GetProviderName(baseURL string) string {
	switch {
	case strings.Contains(baseURL, "openai.com"):
		return "openai"
	case strings.Contains(baseURL, "nvidia.com"):
		return "nvidia"
	case strings.Contains(baseURL, "together.xyz"), strings.Contains(baseURL, "together.ai"):
		return "together"
	case strings.Contains(baseURL, "huggingface.co"):
		return "huggingface"
	default:
		// localhost and unknown providers keyed by the full base URL
		return baseURL
	}
}
