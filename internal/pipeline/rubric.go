package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marksman/internal/fingerprint"
	"marksman/internal/gateway"
	"marksman/internal/logging"
	"marksman/internal/types"
)

const rubricParseSystem = `You extract a structured grading rubric from scanned rubric pages.
Report every question with its maximum score and its scoring points. Scoring
point ids follow the q.n convention (1.1, 1.2, 2.1). Scores within a question
must not sum above its maximum; question maximums must sum to the total.
Respond with JSON only.`

const rubricParseStrictSuffix = `

STRICT MODE: your previous answer violated the schema. Respond with a single
JSON object and nothing else. Every question needs question_id, max_score and
scoring_points; every scoring point needs point_id, description and score.
Do not invent questions that are not on the pages.`

// runRubricParse asks the model for the structured rubric and validates its
// invariants. A schema or invariant violation earns one strict-mode retry;
// a second failure pauses the run for human rubric review. Submissions that
// carry only a rubric fingerprint (no document) pause immediately: the
// reviewer supplies the parsed rubric.
func runRubricParse(ctx context.Context, env *Env, st *State) (*Pause, error) {
	if st.Rubric != nil && st.ReviewNotes == "" {
		// Already supplied by a review update or restored from a checkpoint.
		return nil, nil
	}
	if len(st.RubricPages) == 0 {
		if st.Spec.RubricFingerprint == "" {
			return nil, types.E(types.KindValidation, "intake_failed: no rubric pages rendered")
		}
		st.RubricFP = st.Spec.RubricFingerprint
		return &Pause{
			Status: types.StatusPausedRubricReview,
			Reason: "rubric fingerprint supplied without a document; parsed rubric required",
		}, nil
	}

	rubric, err := parseOnce(ctx, env, st, false)
	if err != nil {
		if types.IsKind(err, types.KindCancellation) {
			return nil, err
		}
		logging.Get(logging.CategoryPipeline).Warn("run %s: rubric parse failed, retrying strict: %v", st.Run.RunID, err)
		rubric, err = parseOnce(ctx, env, st, true)
	}
	if err != nil {
		if types.IsKind(err, types.KindCancellation) {
			return nil, err
		}
		env.emit(st.Run.RunID, types.EventError, types.ErrorPayload{
			Kind: types.KindOf(err), Stage: types.StageRubricParse, Detail: err.Error(),
		})
		return &Pause{
			Status: types.StatusPausedRubricReview,
			Reason: fmt.Sprintf("rubric parse failed twice: %v", err),
		}, nil
	}

	st.Rubric = rubric
	st.ReviewNotes = ""
	st.RubricFP = rubricFingerprint(st, rubric)
	logging.Pipeline("run %s: parsed rubric (%d questions, total %.1f, confidence %.2f)",
		st.Run.RunID, len(rubric.Questions), rubric.TotalScore, rubric.Confidence)
	return nil, nil
}

// parseOnce is one gateway round trip plus invariant validation.
func parseOnce(ctx context.Context, env *Env, st *State, strict bool) (*types.Rubric, error) {
	prompt := "Extract the grading rubric from the attached pages."
	if st.ReviewNotes != "" {
		prompt += "\n\nReviewer notes to honour:\n" + st.ReviewNotes
	}
	system := rubricParseSystem
	if strict {
		system += rubricParseStrictSuffix
	}

	images := make([]gateway.ImagePart, len(st.RubricPages))
	for i, p := range st.RubricPages {
		images[i] = gateway.ImagePart{MIME: "image/png", Data: p.PNG}
	}

	resp, err := env.Caller.Call(ctx, &gateway.Request{
		RunID:  st.Run.RunID,
		NodeID: "rubric_parse",
		Kind:   gateway.KindRubricParse,
		System: system,
		Prompt: prompt,
		Images: images,
	})
	if err != nil {
		return nil, err
	}

	var rubric types.Rubric
	if err := json.Unmarshal(resp.Parsed, &rubric); err != nil {
		return nil, types.WrapErr(types.KindSchema, "rubric response undecodable", err)
	}
	if rubric.TotalQuestions == 0 {
		rubric.TotalQuestions = len(rubric.Questions)
	}
	if err := rubric.Validate(); err != nil {
		return nil, types.WrapErr(types.KindSchema, "rubric violates invariants", err)
	}
	return &rubric, nil
}

// rubricFingerprint keys the semantic cache for this rubric: the submitted
// fingerprint when the caller pinned one, otherwise the digest of the parsed
// rubric's canonical text.
func rubricFingerprint(st *State, rubric *types.Rubric) string {
	if st.Spec.RubricFingerprint != "" {
		return st.Spec.RubricFingerprint
	}
	return fingerprint.Rubric(CanonicalRubricText(rubric))
}

// CanonicalRubricText renders the rubric's grading-relevant content in a
// stable order so equal rubrics key equal cache entries regardless of how
// they were extracted.
func CanonicalRubricText(r *types.Rubric) string {
	var b strings.Builder
	fmt.Fprintf(&b, "total=%.2f notes=%s", r.TotalScore, r.GeneralNotes)
	for _, q := range r.Questions {
		fmt.Fprintf(&b, " q=%s max=%.2f answer=%s notes=%s", q.QuestionID, q.MaxScore, q.StandardAnswer, q.GradingNotes)
		for _, p := range q.ScoringPoints {
			fmt.Fprintf(&b, " p=%s score=%.2f req=%t desc=%s", p.PointID, p.Score, p.IsRequired, p.Description)
		}
		for _, alt := range q.AlternativeSolutions {
			fmt.Fprintf(&b, " alt=%s", alt)
		}
	}
	return b.String()
}

// runRubricReview pauses when the run spec demands a human look or the parse
// confidence fell below the configured bar. The orchestrator resolves the
// pause by applying the reviewer's action and re-entering the stage sequence.
func runRubricReview(ctx context.Context, env *Env, st *State) (*Pause, error) {
	if st.Rubric == nil {
		return nil, types.E(types.KindInternal, "rubric review reached without a rubric")
	}
	minConf := env.Cfg.Review.RubricMinConfidence
	if st.Spec.Options.RubricMinConfidence > 0 {
		minConf = st.Spec.Options.RubricMinConfidence
	}
	switch {
	case st.Spec.Options.RequireRubricReview:
		return &Pause{Status: types.StatusPausedRubricReview, Reason: "manual rubric review requested"}, nil
	case st.Rubric.Confidence > 0 && st.Rubric.Confidence < minConf:
		return &Pause{
			Status: types.StatusPausedRubricReview,
			Reason: fmt.Sprintf("rubric confidence %.2f below threshold %.2f", st.Rubric.Confidence, minConf),
		}, nil
	}
	return nil, nil
}
