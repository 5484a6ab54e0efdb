package pipeline

import (
	"testing"

	"github.com/lamim/sdgforge/pkg/models"
)

func rec(stage models.Stage, status models.Status, passed bool) models.StageRecord {
	return models.StageRecord{
		Fingerprint: "fp",
		Stage:       stage,
		Status:      status,
		Result:      models.StageResult{Passed: passed},
	}
}

func TestCategorize(t *testing.T) {
	gen := rec(models.StageGeneration, models.StatusSuccess, false)

	tests := []struct {
		name    string
		history []models.StageRecord
		want    models.Category
	}{
		{
			name:    "never evaluated",
			history: []models.StageRecord{gen},
			want:    models.CategoryRaw,
		},
		{
			name: "solved on first evaluation",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusSuccess, true),
			},
			want: models.CategorySolved,
		},
		{
			name: "failed then solved after refinement",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusSuccess, false),
				rec(models.StageRefinement, models.StatusSuccess, false),
				rec(models.StageFinalEvaluation, models.StatusSuccess, true),
			},
			want: models.CategoryLearnable,
		},
		{
			name: "failed both evaluations",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusSuccess, false),
				rec(models.StageRefinement, models.StatusSuccess, false),
				rec(models.StageFinalEvaluation, models.StatusSuccess, false),
			},
			want: models.CategoryUnsolved,
		},
		{
			name: "failed with no re-evaluation",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusSuccess, false),
			},
			want: models.CategoryUnsolved,
		},
		{
			name: "evaluation errored",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusError, false),
			},
			want: models.CategoryUnsolved,
		},
		{
			name: "re-evaluation errored",
			history: []models.StageRecord{
				gen,
				rec(models.StageEvaluation, models.StatusSuccess, false),
				rec(models.StageRefinement, models.StatusError, false),
				rec(models.StageFinalEvaluation, models.StatusError, false),
			},
			want: models.CategoryUnsolved,
		},
		{
			name:    "empty history",
			history: nil,
			want:    models.CategoryRaw,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Categorize(tt.history); got != tt.want {
				t.Errorf("Categorize() = %s, want %s", got, tt.want)
			}
			// Pure function: a second pass over the same history agrees
			if again := Categorize(tt.history); again != Categorize(tt.history) {
				t.Errorf("Categorize() not deterministic: %s vs %s", again, Categorize(tt.history))
			}
		})
	}
}
