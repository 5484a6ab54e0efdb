package pipeline

import "github.com/lamim/sdgforge/pkg/models"

// Categorize derives a sample's final category from its stage-record
// history. It is a pure function of the records: the same history always
// yields the same category, whether computed live or after a resume.
//
//	no evaluation record          -> raw
//	evaluation passed             -> solved
//	evaluation failed, re-eval ok -> learnable
//	anything else                 -> unsolved
func Categorize(history []models.StageRecord) models.Category {
	var eval, finalEval *models.StageRecord
	for i := range history {
		switch history[i].Stage {
		case models.StageEvaluation:
			eval = &history[i]
		case models.StageFinalEvaluation:
			finalEval = &history[i]
		}
	}

	if eval == nil {
		return models.CategoryRaw
	}
	if eval.Status != models.StatusSuccess {
		return models.CategoryUnsolved
	}
	if eval.Result.Passed {
		return models.CategorySolved
	}
	if finalEval != nil && finalEval.Status == models.StatusSuccess && finalEval.Result.Passed {
		return models.CategoryLearnable
	}
	return models.CategoryUnsolved
}
