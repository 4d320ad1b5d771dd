// Package gateway is the single choke point for model calls: it fronts the
// providers with the semantic cache, the sliding-window rate limits, an
// outbound pacer, the retry envelope, schema validation of structured
// output, stream-chunk event emission, and budget accounting.
package gateway

import (
	"context"
	"encoding/json"

	"marksman/internal/retry"
	"marksman/internal/types"
)

// Kind names the logical request families. Each kind carries its own prompt
// contract and response schema.
type Kind string

const (
	KindRubricParse    Kind = "rubric_parse"
	KindPageDescribe   Kind = "page_describe"
	KindGradeBatch     Kind = "grade_batch"
	KindCrossPageMerge Kind = "cross_page_merge"
	KindLogicReview    Kind = "logic_review"
	KindConfession     Kind = "confession"
)

// ImagePart is one inline image attached to a request.
type ImagePart struct {
	MIME string // image/png, image/jpeg, image/webp
	Data []byte
}

// Request is one model call.
type Request struct {
	RunID  string
	NodeID string // logical call id; serialises and keys stream chunks
	Kind   Kind

	System string
	Prompt string
	Images []ImagePart

	// Model overrides the configured default when set.
	Model string

	// Retry overrides the default envelope when MaximumAttempts > 0.
	Retry retry.Policy

	// CacheEligible allows the semantic cache for grade_batch requests.
	// Regrades clear it to force a fresh model call.
	CacheEligible bool
	RubricFP      string
	ImageFPs      []string
}

// Response is the structured outcome of a call.
type Response struct {
	Text   string          // raw model output
	Parsed json.RawMessage // schema-validated JSON

	Model            string
	PromptTokens     int64
	CompletionTokens int64
	FromCache        bool
}

// Provider performs the actual remote (or scripted) completion. onChunk, when
// non-nil in CompleteStream, receives raw text chunks in arrival order; the
// returned Response still carries the full text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
	CompleteStream(ctx context.Context, req *Request, onChunk func(chunk string)) (*Response, error)
}

// UnitGrade is the decoded grade_batch response: the grading outcome for one
// (student, question) unit on the pages it was shown. Cache hits synthesise
// this shape from the stored artifact.
type UnitGrade struct {
	Feedback            string                     `json:"feedback,omitempty"`
	TypoNotes           string                     `json:"typo_notes,omitempty"`
	Confidence          float64                    `json:"confidence"`
	ScoringPointResults []types.ScoringPointResult `json:"scoring_point_results"`
}

// PageDescription is the decoded page_describe response: what the header
// region of one page says, for student boundary detection.
type PageDescription struct {
	HasHeader  bool    `json:"has_header"`
	StudentKey string  `json:"student_key,omitempty"`
	ClassID    string  `json:"class_id,omitempty"`
	HeaderText string  `json:"header_text,omitempty"`
	Confidence float64 `json:"confidence"`
}

// ConfessionDraft is the decoded confession response: narrative fields for
// the self-report. Scores are computed locally, never by the model.
type ConfessionDraft struct {
	Instructions  []types.InstructionEntry `json:"instructions"`
	Compliance    []types.ComplianceEntry  `json:"compliance"`
	Uncertainties []string                 `json:"uncertainties,omitempty"`
}
