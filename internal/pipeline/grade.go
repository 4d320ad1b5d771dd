package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"marksman/internal/fingerprint"
	"marksman/internal/gateway"
	"marksman/internal/logging"
	"marksman/internal/types"
)

const gradeBatchSystem = `You grade one student's answer to one question against the rubric excerpt
provided. Award each scoring point from 0 up to its score, quote the
student's work as evidence, cite the rubric point you applied, and rate your
citation quality (high, medium, low, missing). Mark alternative solutions.
Report a confidence for the whole unit. Respond with JSON only.`

// runGradeBatch forms the grading units, chunks them into batches, and
// dispatches each batch's units concurrently under the process-wide LLM
// quota. Per-unit failures after exhausted retries leave the unit unscored;
// only cancellation aborts the stage.
func runGradeBatch(ctx context.Context, env *Env, st *State) (*Pause, error) {
	if len(st.Units) == 0 {
		st.Units = BuildUnits(st)
	}
	if st.Outcomes == nil {
		st.Outcomes = make(map[string]*UnitOutcome, len(st.Units))
	}

	pending := make([]types.GradingUnit, 0, len(st.Units))
	for _, u := range st.Units {
		if out, ok := st.Outcomes[u.Key()]; ok && out.FailReason == "" && !st.BypassCache[u.Key()] {
			continue // already graded (checkpoint resume)
		}
		pending = append(pending, u)
	}

	chunkSize := env.Cfg.Runs.BatchChunkSize
	if chunkSize < 1 {
		chunkSize = 50
	}

	var (
		mu   sync.Mutex
		done = len(st.Units) - len(pending)
	)
	base := CompletionProgress[types.StageIndex]
	span := CompletionProgress[types.StageGradeBatch] - base

	for start := 0; start < len(pending); start += chunkSize {
		end := start + chunkSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, unit := range batch {
			unit := unit
			g.Go(func() error {
				outcome, err := gradeUnit(gctx, env, st, unit)
				if err != nil {
					return err // cancellation only
				}
				mu.Lock()
				st.Outcomes[unit.Key()] = outcome
				done++
				frac := base + span*float64(done)/float64(len(st.Units))
				mu.Unlock()

				if outcome.FailReason != "" {
					env.emit(st.Run.RunID, types.EventUnitUnscored, map[string]string{
						"student_key": unit.StudentKey,
						"question_id": unit.QuestionID,
						"reason":      outcome.FailReason,
					})
				} else {
					env.emit(st.Run.RunID, types.EventUnitCompleted, map[string]interface{}{
						"student_key": unit.StudentKey,
						"question_id": unit.QuestionID,
						"from_cache":  outcome.FromCache,
					})
				}
				env.progress(st.Run.RunID, types.StageGradeBatch, frac,
					fmt.Sprintf("%d/%d units", done, len(st.Units)))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Regrade directives are consumed by the dispatch above.
	st.BypassCache = nil
	logging.Pipeline("run %s: graded %d units", st.Run.RunID, len(st.Units))
	return nil, nil
}

// BuildUnits crosses every detected student with every rubric question. Page
// indices stay in document order so evidence concatenation preserves it.
func BuildUnits(st *State) []types.GradingUnit {
	pageFP := make(map[int]string, len(st.AnswerPages))
	for _, p := range st.AnswerPages {
		pageFP[p.Index] = p.FP
	}

	var units []types.GradingUnit
	for _, b := range st.Boundaries {
		var pages []int
		var fps []string
		for i := b.StartPage; i <= b.EndPage; i++ {
			pages = append(pages, i)
			fps = append(fps, pageFP[i])
		}
		for _, q := range st.Rubric.Questions {
			units = append(units, types.GradingUnit{
				RunID:       st.Run.RunID,
				StudentKey:  b.StudentKey,
				QuestionID:  q.QuestionID,
				PageIndices: pages,
				Fingerprint: fingerprint.Unit(st.RubricFP+":"+q.QuestionID, fps),
			})
		}
	}
	return units
}

// gradeUnit dispatches one unit through the gateway under an LLM slot. The
// returned outcome carries either the grade or the failure reason; only
// cancellation comes back as an error.
func gradeUnit(ctx context.Context, env *Env, st *State, unit types.GradingUnit) (*UnitOutcome, error) {
	if env.Slots != nil {
		if err := env.Slots.AcquireLLMSlot(ctx); err != nil {
			return nil, types.WrapErr(types.KindCancellation, "llm slot wait interrupted", err)
		}
		defer env.Slots.ReleaseLLMSlot()
	}
	if err := ctx.Err(); err != nil {
		return nil, types.WrapErr(types.KindCancellation, "grading interrupted", err)
	}

	question, ok := st.Rubric.Question(unit.QuestionID)
	if !ok {
		return &UnitOutcome{Unit: unit, FailReason: "question missing from rubric"}, nil
	}
	rubricExcerpt, err := json.Marshal(question)
	if err != nil {
		return &UnitOutcome{Unit: unit, FailReason: "rubric excerpt unmarshalable"}, nil
	}

	pageByIndex := make(map[int]Page, len(st.AnswerPages))
	for _, p := range st.AnswerPages {
		pageByIndex[p.Index] = p
	}
	var images []gateway.ImagePart
	var fps []string
	for _, idx := range unit.PageIndices {
		p := pageByIndex[idx]
		images = append(images, gateway.ImagePart{MIME: "image/png", Data: p.PNG})
		fps = append(fps, p.FP)
	}

	resp, err := env.Caller.Call(ctx, &gateway.Request{
		RunID:  st.Run.RunID,
		NodeID: "grade:" + unit.StudentKey + ":" + unit.QuestionID,
		Kind:   gateway.KindGradeBatch,
		System: gradeBatchSystem,
		Prompt: fmt.Sprintf("Grade student %q on question %s.\n\nRubric excerpt:\n%s\n\nThe attached pages are the student's work in page order.",
			unit.StudentKey, unit.QuestionID, rubricExcerpt),
		Images:        images,
		CacheEligible: !st.BypassCache[unit.Key()],
		// The question id folds into the rubric component so two questions
		// graded over the same pages key distinct cache entries.
		RubricFP: st.RubricFP + ":" + unit.QuestionID,
		ImageFPs: fps,
	})
	if err != nil {
		if types.IsKind(err, types.KindCancellation) {
			return nil, err
		}
		return &UnitOutcome{Unit: unit, FailReason: err.Error()}, nil
	}

	var grade gateway.UnitGrade
	if err := json.Unmarshal(resp.Parsed, &grade); err != nil {
		return &UnitOutcome{Unit: unit, FailReason: "grade response undecodable: " + err.Error()}, nil
	}

	// Bound every award before it enters aggregation.
	for i := range grade.ScoringPointResults {
		pr := &grade.ScoringPointResults[i]
		if point, ok := question.Point(pr.PointID); ok {
			pr.Awarded = types.ClampScore(pr.Awarded, point.Score)
		}
		pr.Confidence = types.ClampUnit(pr.Confidence)
	}
	grade.Confidence = types.ClampUnit(grade.Confidence)

	return &UnitOutcome{Unit: unit, Grade: &grade, FromCache: resp.FromCache}, nil
}
