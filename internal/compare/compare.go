// Package compare implements the answer-comparison strategies used during
// evaluation: exact match, embedding similarity, and LLM-as-a-judge, plus
// majority voting over repeated predictions.
package compare

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/lamim/sdgforge/internal/api"
	"github.com/lamim/sdgforge/internal/config"
	"github.com/lamim/sdgforge/pkg/models"
)

// Strategy identifies one comparison strategy
type Strategy string

const (
	StrategyExact    Strategy = "exact"
	StrategySemantic Strategy = "semantic"
	StrategyJudge    Strategy = "judge"
)

// Comparer decides whether a candidate answer matches a reference answer
type Comparer interface {
	Name() Strategy
	Compare(ctx context.Context, question, reference, candidate string) (bool, models.Usage, error)
}

// New builds the comparer selected by the evaluation config
func New(cfg *config.Config, secrets *config.Secrets, caller api.Caller, embedder api.Embedder, logger *slog.Logger) (Comparer, error) {
	switch Strategy(cfg.Evaluation.Strategy) {
	case StrategyExact:
		return &ExactComparer{}, nil
	case StrategySemantic:
		mc := cfg.Models["embedding"]
		return &SemanticComparer{
			embedder:  embedder,
			modelCfg:  mc,
			apiKey:    secrets.GetAPIKey(mc.BaseURL),
			threshold: cfg.Evaluation.SimilarityThreshold,
		}, nil
	case StrategyJudge:
		return NewJudge(cfg, secrets, caller, logger), nil
	default:
		return nil, fmt.Errorf("unknown evaluation strategy %q", cfg.Evaluation.Strategy)
	}
}

// ExactComparer compares normalized strings
type ExactComparer struct{}

func (c *ExactComparer) Name() Strategy { return StrategyExact }

func (c *ExactComparer) Compare(_ context.Context, _, reference, candidate string) (bool, models.Usage, error) {
	return Normalize(reference) == Normalize(candidate), models.Usage{}, nil
}

// Normalize lowercases, collapses whitespace, and strips trailing
// punctuation so trivially different renderings of the same answer compare
// equal
func Normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Join(strings.Fields(s), " ")
	s = strings.TrimRight(s, ".!?,;: ")
	return s
}

// SemanticComparer embeds both answers and compares cosine similarity
// against a configured threshold
type SemanticComparer struct {
	embedder  api.Embedder
	modelCfg  config.ModelConfig
	apiKey    string
	threshold float64
}

func (c *SemanticComparer) Name() Strategy { return StrategySemantic }

func (c *SemanticComparer) Compare(ctx context.Context, _, reference, candidate string) (bool, models.Usage, error) {
	resp, err := c.embedder.Embeddings(ctx, c.modelCfg, c.apiKey, []string{reference, candidate})
	if err != nil {
		return false, models.Usage{}, fmt.Errorf("embedding request failed: %w", err)
	}

	usage := models.Usage{Tokens: resp.Usage.TotalTokens, CallCount: 1}
	sim, err := cosineSimilarity(resp.Data[0].Embedding, resp.Data[1].Embedding)
	if err != nil {
		return false, usage, err
	}
	return sim >= c.threshold, usage, nil
}

func cosineSimilarity(a, b []float64) (float64, error) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, fmt.Errorf("embedding dimension mismatch: %d vs %d", len(a), len(b))
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), nil
}

// MajorityVote returns the answer with the most normalized-equal votes.
// Ties go to the earliest prediction.
func MajorityVote(predictions []string) string {
	if len(predictions) == 0 {
		return ""
	}

	counts := make(map[string]int, len(predictions))
	first := make(map[string]string, len(predictions))
	firstIdx := make(map[string]int, len(predictions))

	for i, p := range predictions {
		key := Normalize(p)
		counts[key]++
		if _, ok := first[key]; !ok {
			first[key] = p
			firstIdx[key] = i
		}
	}

	bestKey := ""
	bestCount := -1
	for key, count := range counts {
		if count > bestCount || (count == bestCount && firstIdx[key] < firstIdx[bestKey]) {
			bestKey = key
			bestCount = count
		}
	}
	return first[bestKey]
}
