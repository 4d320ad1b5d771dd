package types

// Confession types: the structured self-report emitted after grading. The
// report is diagnostic only; nothing in it may alter scores, and downstream
// consumers must not use it to retroactively reward or penalise a grading.

// InstructionSource says where a considered instruction came from.
type InstructionSource string

const (
	InstructionFromRubric   InstructionSource = "rubric_point"
	InstructionFromGeneral  InstructionSource = "general_notes"
	InstructionFromImplicit InstructionSource = "implicit"
)

// InstructionEntry is one rubric point or implicit rule the grading
// considered (report section 1).
type InstructionEntry struct {
	ID     string            `json:"id"`
	Text   string            `json:"text"`
	Source InstructionSource `json:"source"`
}

// ComplianceEntry records, per instruction, whether the grading complied and
// what evidence supports the decision (report section 2).
type ComplianceEntry struct {
	InstructionID   string          `json:"instruction_id"`
	Complied        bool            `json:"complied"`
	Evidence        string          `json:"evidence,omitempty"`
	RubricReference string          `json:"rubric_reference,omitempty"`
	CitationQuality CitationQuality `json:"citation_quality"`
}

// ConfessionReport is the three-section self-report for one student's
// grading result.
type ConfessionReport struct {
	StudentKey    string             `json:"student_key"`
	Instructions  []InstructionEntry `json:"instructions"`
	Compliance    []ComplianceEntry  `json:"compliance"`
	Uncertainties []string           `json:"uncertainties"`
	// OverallHonestyScore is computed purely over completeness of the three
	// sections; it never feeds back into grading.
	OverallHonestyScore float64 `json:"overall_honesty_score"`
}
