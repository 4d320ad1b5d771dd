package pipeline

import (
	"context"
	"fmt"
	"sort"

	"marksman/internal/logging"
	"marksman/internal/types"
)

// Confidence penalties applied at aggregation.
const (
	missingCitationPenalty     = 0.2
	alternativeSolutionPenalty = 0.15
)

// runAggregate folds the merged unit outcomes into per-question and
// per-student results, applies the confidence penalties, and excludes any
// student whose failed-unit fraction crossed the threshold.
func runAggregate(ctx context.Context, env *Env, st *State) (*Pause, error) {
	st.Results = Aggregate(st.Rubric, st.Boundaries, st.Outcomes, env.Cfg.Runs.UnscoredFailFraction)
	for i := range st.Results {
		if st.Results[i].ExclusionReason != "" {
			env.emit(st.Run.RunID, types.EventStudentExcluded, map[string]string{
				"student_key": st.Results[i].StudentKey,
				"reason":      st.Results[i].ExclusionReason,
			})
		}
	}
	logging.Pipeline("run %s: aggregated %d students", st.Run.RunID, len(st.Results))
	return nil, nil
}

// Aggregate is the pure fold from unit outcomes to student results, ordered
// by student key. failFraction is the per-student unscored share above which
// the student is excluded with reason grading_failed; <=0 disables exclusion.
func Aggregate(rubric *types.Rubric, boundaries []types.StudentBoundary, outcomes map[string]*UnitOutcome, failFraction float64) []types.StudentResult {
	classByStudent := make(map[string]string, len(boundaries))
	var students []string
	for _, b := range boundaries {
		if _, seen := classByStudent[b.StudentKey]; !seen {
			students = append(students, b.StudentKey)
		}
		classByStudent[b.StudentKey] = b.ClassID
	}
	sort.Strings(students)

	results := make([]types.StudentResult, 0, len(students))
	for _, student := range students {
		sr := types.StudentResult{
			StudentKey:    student,
			ClassID:       classByStudent[student],
			MaxTotalScore: rubric.TotalScore,
		}

		failed := 0
		for _, q := range rubric.Questions {
			unit := types.GradingUnit{StudentKey: student, QuestionID: q.QuestionID}
			out, ok := outcomes[unit.Key()]
			switch {
			case !ok || out.Grade == nil:
				reason := "unit was not dispatched"
				if ok {
					reason = out.FailReason
				}
				failed++
				sr.QuestionResults = append(sr.QuestionResults, types.QuestionResult{
					QuestionID:     q.QuestionID,
					MaxScore:       q.MaxScore,
					Unscored:       true,
					UnscoredReason: reason,
				})
			default:
				qr := aggregateQuestion(&q, out)
				sr.QuestionResults = append(sr.QuestionResults, qr)
				sr.TotalScore += qr.Score
			}
		}
		sr.TotalScore = types.ClampScore(sr.TotalScore, rubric.TotalScore)

		if failFraction > 0 && len(rubric.Questions) > 0 {
			if frac := float64(failed) / float64(len(rubric.Questions)); frac > failFraction {
				sr.ExclusionReason = "grading_failed"
				sr.ReviewNote = fmt.Sprintf("%d of %d questions could not be graded", failed, len(rubric.Questions))
			}
		}
		sr.SortQuestionResults()
		results = append(results, sr)
	}
	return results
}

// aggregateQuestion sums the awarded points (bounded by max_score) and
// computes the score-weighted confidence with the citation and
// alternative-solution penalties applied.
func aggregateQuestion(q *types.Question, out *UnitOutcome) types.QuestionResult {
	var (
		score         float64
		anyMissing    bool
		anyAlternate  bool
	)
	for _, pr := range out.Grade.ScoringPointResults {
		score += pr.Awarded
		if pr.CitationQuality == types.CitationMissing {
			anyMissing = true
		}
		if pr.IsAlternativeSolution {
			anyAlternate = true
		}
	}

	confidence := WeightedConfidence(q, out.Grade.ScoringPointResults)
	if anyMissing {
		confidence -= missingCitationPenalty
	}
	if anyAlternate {
		confidence -= alternativeSolutionPenalty
	}

	return types.QuestionResult{
		QuestionID:          q.QuestionID,
		Score:               types.ClampScore(score, q.MaxScore),
		MaxScore:            q.MaxScore,
		Feedback:            out.Grade.Feedback,
		TypoNotes:           out.Grade.TypoNotes,
		Confidence:          types.ClampUnit(confidence),
		PageIndices:         out.Unit.PageIndices,
		ScoringPointResults: out.Grade.ScoringPointResults,
	}
}

// WeightedConfidence is the mean of the per-point confidences weighted by
// each rubric point's score, before penalties. Points missing a rubric
// weight fall back to weight 1 so they still count.
func WeightedConfidence(q *types.Question, results []types.ScoringPointResult) float64 {
	var weighted, weights float64
	for _, pr := range results {
		w := 1.0
		if point, ok := q.Point(pr.PointID); ok && point.Score > 0 {
			w = point.Score
		}
		weighted += pr.Confidence * w
		weights += w
	}
	if weights == 0 {
		return 0
	}
	return weighted / weights
}
