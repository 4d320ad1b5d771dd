// Package confession builds the per-student self-report: which instructions
// the grading considered, whether each was complied with and on what
// evidence, and what remained uncertain. A model call drafts the narrative
// compliance entries; the honesty score is computed locally from the
// report's structural completeness and never by the model. Nothing in the
// report alters scores.
package confession

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"marksman/internal/gateway"
	"marksman/internal/logging"
	"marksman/internal/types"
)

// lowConfidence is the per-question bar under which the report must carry an
// uncertainty entry for the honesty score's uncertainty component.
const lowConfidence = 0.7

// Caller is the slice of the gateway the builder needs.
type Caller interface {
	Call(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// Builder drafts confession reports. A nil caller skips the narrative call
// and builds the report from result structure alone.
type Builder struct {
	caller Caller
}

// NewBuilder builds a confession builder over the gateway.
func NewBuilder(caller Caller) *Builder {
	return &Builder{caller: caller}
}

// Instructions derives section 1 from the rubric: every scoring point, the
// general notes, and the implicit grading rules.
func Instructions(rubric *types.Rubric) []types.InstructionEntry {
	var entries []types.InstructionEntry
	for _, q := range rubric.Questions {
		for _, p := range q.ScoringPoints {
			entries = append(entries, types.InstructionEntry{
				ID:     q.QuestionID + "/" + p.PointID,
				Text:   p.Description,
				Source: types.InstructionFromRubric,
			})
		}
	}
	if strings.TrimSpace(rubric.GeneralNotes) != "" {
		entries = append(entries, types.InstructionEntry{
			ID:     "general_notes",
			Text:   rubric.GeneralNotes,
			Source: types.InstructionFromGeneral,
		})
	}
	entries = append(entries, types.InstructionEntry{
		ID:     "evidence_required",
		Text:   "award a scoring point only on visible evidence in the student's work",
		Source: types.InstructionFromImplicit,
	})
	return entries
}

// Build assembles the report for one student.
func (b *Builder) Build(ctx context.Context, runID string, rubric *types.Rubric, sr *types.StudentResult) (*types.ConfessionReport, error) {
	report := &types.ConfessionReport{
		StudentKey:   sr.StudentKey,
		Instructions: Instructions(rubric),
	}

	draft, err := b.draft(ctx, runID, rubric, sr, report.Instructions)
	if err != nil {
		// The report is diagnostic; a failed narrative call degrades to the
		// structural report rather than failing the stage.
		logging.Get(logging.CategoryReview).Warn("confession draft for %s failed, using structural report: %v", sr.StudentKey, err)
		draft = nil
	}
	if draft != nil {
		report.Compliance = draft.Compliance
		report.Uncertainties = draft.Uncertainties
	} else {
		report.Compliance = structuralCompliance(sr, report.Instructions)
		report.Uncertainties = structuralUncertainties(sr)
	}

	report.OverallHonestyScore = HonestyScore(report, sr)
	return report, nil
}

// draft asks the model for the narrative sections.
func (b *Builder) draft(ctx context.Context, runID string, rubric *types.Rubric, sr *types.StudentResult, instructions []types.InstructionEntry) (*gateway.ConfessionDraft, error) {
	if b.caller == nil {
		return nil, nil
	}
	payload := struct {
		Instructions []types.InstructionEntry `json:"instructions"`
		Result       *types.StudentResult     `json:"result"`
		GeneralNotes string                   `json:"general_notes,omitempty"`
	}{instructions, sr, rubric.GeneralNotes}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal confession context: %w", err)
	}

	resp, err := b.caller.Call(ctx, &gateway.Request{
		RunID:  runID,
		NodeID: "confession:" + sr.StudentKey,
		Kind:   gateway.KindConfession,
		System: "You audit a completed grading and report honestly on instruction compliance. Cite the rubric. Do not change or re-litigate any score.",
		Prompt: "Given the instructions considered and the grading result below, produce the compliance entries and remaining uncertainties.\n\n" + string(body),
	})
	if err != nil {
		return nil, err
	}

	var draft gateway.ConfessionDraft
	if err := json.Unmarshal(resp.Parsed, &draft); err != nil {
		return nil, fmt.Errorf("decode confession draft: %w", err)
	}
	return &draft, nil
}

// structuralCompliance derives section 2 without a model: a rubric-point
// instruction is complied with when its result carries evidence for any
// awarded score.
func structuralCompliance(sr *types.StudentResult, instructions []types.InstructionEntry) []types.ComplianceEntry {
	type pointKey struct{ question, point string }
	results := make(map[pointKey]types.ScoringPointResult)
	for _, qr := range sr.QuestionResults {
		for _, pr := range qr.ScoringPointResults {
			results[pointKey{qr.QuestionID, pr.PointID}] = pr
		}
	}

	var entries []types.ComplianceEntry
	for _, ins := range instructions {
		if ins.Source != types.InstructionFromRubric {
			continue
		}
		parts := strings.SplitN(ins.ID, "/", 2)
		if len(parts) != 2 {
			continue
		}
		pr, ok := results[pointKey{parts[0], parts[1]}]
		if !ok {
			continue
		}
		entries = append(entries, types.ComplianceEntry{
			InstructionID:   ins.ID,
			Complied:        pr.Awarded == 0 || strings.TrimSpace(pr.Evidence) != "",
			Evidence:        pr.Evidence,
			RubricReference: pr.RubricReference,
			CitationQuality: pr.CitationQuality,
		})
	}
	return entries
}

// structuralUncertainties lists the low-confidence questions.
func structuralUncertainties(sr *types.StudentResult) []string {
	var out []string
	for _, qr := range sr.QuestionResults {
		if qr.Unscored {
			out = append(out, fmt.Sprintf("question %s was not scored: %s", qr.QuestionID, qr.UnscoredReason))
			continue
		}
		if qr.Confidence < lowConfidence {
			out = append(out, fmt.Sprintf("question %s was graded at low confidence (%.2f)", qr.QuestionID, qr.Confidence))
		}
	}
	return out
}

// HonestyScore computes the completeness score in [0,1]:
//   - coverage: compliance entries over rubric-point instructions,
//   - citation: compliance entries carrying a rubric reference,
//   - uncertainty: an uncertainty list present when any question was graded
//     below the low-confidence bar.
//
// The score reflects report completeness only, never grading quality.
func HonestyScore(report *types.ConfessionReport, sr *types.StudentResult) float64 {
	rubricInstructions := 0
	for _, ins := range report.Instructions {
		if ins.Source == types.InstructionFromRubric {
			rubricInstructions++
		}
	}

	coverage := 1.0
	if rubricInstructions > 0 {
		coverage = float64(len(report.Compliance)) / float64(rubricInstructions)
		if coverage > 1 {
			coverage = 1
		}
	}

	cited := 1.0
	if len(report.Compliance) > 0 {
		n := 0
		for _, c := range report.Compliance {
			if c.RubricReference != "" && c.CitationQuality != types.CitationMissing {
				n++
			}
		}
		cited = float64(n) / float64(len(report.Compliance))
	} else if rubricInstructions > 0 {
		cited = 0
	}

	uncertainty := 1.0
	needsUncertainty := false
	for _, qr := range sr.QuestionResults {
		if qr.Unscored || qr.Confidence < lowConfidence {
			needsUncertainty = true
			break
		}
	}
	if needsUncertainty && len(report.Uncertainties) == 0 {
		uncertainty = 0
	}

	return types.ClampUnit(0.4*coverage + 0.4*cited + 0.2*uncertainty)
}
