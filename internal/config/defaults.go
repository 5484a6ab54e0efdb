package config

// applyDefaults sets default values for optional configuration fields
func applyDefaults(cfg *Config) {
	if cfg.Models == nil {
		cfg.Models = make(map[string]ModelConfig)
	}

	if cfg.Task.NumSamples == 0 {
		cfg.Task.NumSamples = 100
	}
	if cfg.Task.PassagesPerQuery == 0 {
		cfg.Task.PassagesPerQuery = 3
	}
	if cfg.Task.DatasetLimit == 0 {
		cfg.Task.DatasetLimit = 5
	}
	if cfg.Task.RowLimit == 0 {
		cfg.Task.RowLimit = 50
	}
	if cfg.Task.ExportFormat == "" {
		cfg.Task.ExportFormat = "jsonl"
	}

	if cfg.Run.Concurrency == 0 {
		cfg.Run.Concurrency = 8
	}
	if cfg.Run.BatchSize == 0 {
		cfg.Run.BatchSize = 10
	}
	if cfg.Run.OutputDir == "" {
		cfg.Run.OutputDir = "output"
	}

	if cfg.Evaluation.Strategy == "" {
		cfg.Evaluation.Strategy = "exact"
	}
	if cfg.Evaluation.SamplesPerEval == 0 {
		cfg.Evaluation.SamplesPerEval = 1
	}
	if cfg.Evaluation.SimilarityThreshold == 0 {
		cfg.Evaluation.SimilarityThreshold = 0.85
	}
	if cfg.Evaluation.MaxTokens == 0 {
		cfg.Evaluation.MaxTokens = 1500
	}

	if cfg.Refinement.Trigger == "" {
		cfg.Refinement.Trigger = "failed"
	}
	if cfg.Refinement.MaxRounds == 0 {
		cfg.Refinement.MaxRounds = 1
	}

	for name, model := range cfg.Models {
		if model.Temperature == 0 {
			model.Temperature = 0.7
		}
		if model.TopP == 0 {
			model.TopP = 1.0
		}
		if model.MaxOutputTokens == 0 {
			model.MaxOutputTokens = 4096
		}
		if model.ContextSize == 0 {
			model.ContextSize = 16384
		}
		if model.RateLimitPerMinute == 0 {
			model.RateLimitPerMinute = 60
		}
		if model.MaxRetries == 0 {
			model.MaxRetries = 3
		}
		if model.MaxBackoffSeconds == 0 {
			model.MaxBackoffSeconds = 120
		}
		if model.HTTPTimeoutSeconds == 0 {
			model.HTTPTimeoutSeconds = 120
		}
		cfg.Models[name] = model
	}

	applyTemplateDefaults(&cfg.PromptTemplates)
}

// Default prompt templates. Every template can be overridden in config;
// the defaults keep a minimal config usable end to end.
const (
	defaultKeywordExtraction = `Analyze the following task and extract 3 to 6 short domain keywords.
Task: {{.Instruction}}
{{if .DemoExamples}}Examples:
{{.DemoExamples}}
{{end}}Respond with a JSON array of strings only.`

	defaultSampleGeneration = `You are creating one training sample for the task below, grounded in the given context passage.

Task: {{.Instruction}}
{{if .InputInstruction}}Input format: {{.InputInstruction}}
{{end}}{{if .OutputInstruction}}Output format: {{.OutputInstruction}}
{{end}}
Context passage:
{{.Passage}}

Respond with a JSON object {"input": "...", "output": "..."} and nothing else.`

	defaultDistillGeneration = `Generate {{.Count}} diverse training samples for the task below.

Task: {{.Instruction}}
{{if .InputInstruction}}Input format: {{.InputInstruction}}
{{end}}{{if .OutputInstruction}}Output format: {{.OutputInstruction}}
{{end}}{{if .Patterns}}Follow these patterns observed in demonstration examples:
{{.Patterns}}
{{end}}
Respond with a JSON array of objects, each {"input": "...", "output": "..."}, and nothing else.`

	defaultPatternGeneration = `Study the demonstration examples below and describe, in a short numbered list, the structural patterns a new sample for this task should follow.

Task: {{.Instruction}}

Examples:
{{.DemoExamples}}`

	defaultWebFormatConversion = `Convert the record below into a training sample for the task.

Task: {{.Instruction}}
{{if .InputInstruction}}Input format: {{.InputInstruction}}
{{end}}{{if .OutputInstruction}}Output format: {{.OutputInstruction}}
{{end}}
Record input: {{.RawInput}}
Record output: {{.RawOutput}}

Respond with a JSON object {"input": "...", "output": "..."} and nothing else. If the record cannot serve this task, respond with {"input": null, "output": null}.`

	defaultRefinement = `The training sample below was too difficult for a smaller model to solve. Rewrite it so the same skill is tested but the sample is easier to learn from: make the question clearer, add intermediate structure if helpful, and keep the answer correct.

Task: {{.Instruction}}
{{if .InputInstruction}}Input format: {{.InputInstruction}}
{{end}}{{if .OutputInstruction}}Output format: {{.OutputInstruction}}
{{end}}
Sample:
input: {{.Input}}
output: {{.Output}}

Respond with a JSON object {"input": "...", "output": "..."} and nothing else.`

	defaultJudgeRubric = `You are grading a model answer against a reference answer.

Question: {{.Question}}
Reference answer: {{.Reference}}
Candidate answer: {{.Candidate}}

Does the candidate answer convey the same final answer as the reference? Reply with exactly one word: YES or NO.`
)

func applyTemplateDefaults(pt *PromptTemplates) {
	if pt.KeywordExtraction == "" {
		pt.KeywordExtraction = defaultKeywordExtraction
	}
	if pt.PatternGeneration == "" {
		pt.PatternGeneration = defaultPatternGeneration
	}
	if pt.SampleGeneration == "" {
		pt.SampleGeneration = defaultSampleGeneration
	}
	if pt.DistillGeneration == "" {
		pt.DistillGeneration = defaultDistillGeneration
	}
	if pt.WebFormatConversion == "" {
		pt.WebFormatConversion = defaultWebFormatConversion
	}
	if pt.Refinement == "" {
		pt.Refinement = defaultRefinement
	}
	if pt.JudgeRubric == "" {
		pt.JudgeRubric = defaultJudgeRubric
	}
}
