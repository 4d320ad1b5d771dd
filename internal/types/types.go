// Package types provides the shared data model for marksman: runs, rubrics,
// grading results, cache entries, and review signals. This package exists to
// break import cycles between the pipeline, orchestrator, and gateway; types
// here are foundational data structures with no complex dependencies.
package types

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

// RunStatus is the lifecycle state of a batch grading run.
type RunStatus string

const (
	StatusQueued             RunStatus = "queued"
	StatusRunning            RunStatus = "running"
	StatusPausedRubricReview RunStatus = "paused_rubric_review"
	StatusPausedResultReview RunStatus = "paused_results_review"
	StatusCompleted          RunStatus = "completed"
	StatusFailed             RunStatus = "failed"
	StatusCancelled          RunStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// IsPaused reports whether the run is waiting on an external review signal.
func (s RunStatus) IsPaused() bool {
	return s == StatusPausedRubricReview || s == StatusPausedResultReview
}

// CanTransitionTo enforces the run state machine: transitions are monotonic
// except paused_* -> running, and terminal states accept nothing.
func (s RunStatus) CanTransitionTo(next RunStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case StatusQueued:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	case StatusRunning:
		switch next {
		case StatusPausedRubricReview, StatusPausedResultReview,
			StatusCompleted, StatusFailed, StatusCancelled:
			return true
		}
		return false
	case StatusPausedRubricReview, StatusPausedResultReview:
		return next == StatusRunning || next == StatusCancelled || next == StatusFailed
	}
	return false
}

// Stage names the pipeline stages in execution order.
type Stage string

const (
	StageIntake         Stage = "intake"
	StagePreprocess     Stage = "preprocess"
	StageRubricParse    Stage = "rubric_parse"
	StageRubricReview   Stage = "rubric_review"
	StageIndex          Stage = "index"
	StageGradeBatch     Stage = "grade_batch"
	StageCrossPageMerge Stage = "cross_page_merge"
	StageAggregate      Stage = "aggregate"
	StageLogicReview    Stage = "logic_review"
	StageConfession     Stage = "confession"
	StageExport         Stage = "export"
)

// StageOrder lists the stages in pipeline order. The orchestrator iterates
// this slice; checkpoint resumption indexes into it.
var StageOrder = []Stage{
	StageIntake,
	StagePreprocess,
	StageRubricParse,
	StageRubricReview,
	StageIndex,
	StageGradeBatch,
	StageCrossPageMerge,
	StageAggregate,
	StageLogicReview,
	StageConfession,
	StageExport,
}

// StageIndexOf returns the position of a stage in StageOrder, or -1.
func StageIndexOf(s Stage) int {
	for i, st := range StageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

// Run identifies one batch execution and its externally visible state.
type Run struct {
	RunID         string     `json:"run_id"`
	TeacherID     string     `json:"teacher_id"`
	ClassIDs      []string   `json:"class_ids,omitempty"`
	Status        RunStatus  `json:"status"`
	CurrentStage  Stage      `json:"current_stage,omitempty"`
	Progress      float64    `json:"progress"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FailureSeq    int64      `json:"failure_seq,omitempty"`
	SoftBudgetUSD float64    `json:"soft_budget_usd,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Document is an uploaded input file: the multi-page answer document or the
// rubric document.
type Document struct {
	Name string `json:"name"`
	Kind string `json:"kind"` // pdf, jpeg, png, webp
	Data []byte `json:"data"`
}

// RunOptions carries per-run knobs from the submission API.
type RunOptions struct {
	RequireRubricReview  bool          `json:"require_rubric_review,omitempty"`
	RequireResultsReview bool          `json:"require_results_review,omitempty"`
	SoftBudgetUSD        float64       `json:"soft_budget_usd,omitempty"`
	Deadline             time.Duration `json:"deadline,omitempty"`
	RubricMinConfidence  float64       `json:"rubric_min_confidence,omitempty"`
}

// RunSpec is a batch submission. Either RubricDocument or RubricFingerprint
// (for a rubric parsed in an earlier run) must be present.
type RunSpec struct {
	TeacherID         string     `json:"teacher_id"`
	ClassIDs          []string   `json:"class_ids,omitempty"`
	AnswerDocument    Document   `json:"answer_document"`
	RubricDocument    *Document  `json:"rubric_document,omitempty"`
	RubricFingerprint string     `json:"rubric_fingerprint,omitempty"`
	Options           RunOptions `json:"options,omitempty"`
}

// Validate rejects structurally unusable submissions.
func (s *RunSpec) Validate() error {
	if strings.TrimSpace(s.TeacherID) == "" {
		return E(KindValidation, "teacher_id is required")
	}
	if len(s.AnswerDocument.Data) == 0 {
		return E(KindValidation, "answer document is empty")
	}
	if s.RubricDocument == nil && s.RubricFingerprint == "" {
		return E(KindValidation, "rubric document or rubric fingerprint is required")
	}
	if s.RubricDocument != nil && len(s.RubricDocument.Data) == 0 {
		return E(KindValidation, "rubric document is empty")
	}
	return nil
}

// =============================================================================
// RUBRIC
// =============================================================================

// PointAccrual controls how cross-page evidence for a scoring point merges.
type PointAccrual string

const (
	// AccrualMetOnce takes the maximum award across pages (the point is
	// either demonstrated or not).
	AccrualMetOnce PointAccrual = "met_once"
	// AccrualCumulative sums non-overlapping evidence across pages.
	AccrualCumulative PointAccrual = "cumulative"
)

// ScoringPoint is one atomic criterion within a question.
type ScoringPoint struct {
	PointID       string       `json:"point_id"`
	Description   string       `json:"description"`
	ExpectedValue string       `json:"expected_value,omitempty"`
	Score         float64      `json:"score"`
	IsRequired    bool         `json:"is_required"`
	Keywords      []string     `json:"keywords,omitempty"`
	Accrual       PointAccrual `json:"accrual,omitempty"`
}

// AccrualMode returns the merge mode, defaulting to met_once.
func (p ScoringPoint) AccrualMode() PointAccrual {
	if p.Accrual == AccrualCumulative {
		return AccrualCumulative
	}
	return AccrualMetOnce
}

// Question is one graded question within a rubric.
type Question struct {
	QuestionID           string         `json:"question_id"`
	MaxScore             float64        `json:"max_score"`
	StandardAnswer       string         `json:"standard_answer,omitempty"`
	GradingNotes         string         `json:"grading_notes,omitempty"`
	ScoringPoints        []ScoringPoint `json:"scoring_points"`
	AlternativeSolutions []string       `json:"alternative_solutions,omitempty"`
	SourcePages          []int          `json:"source_pages,omitempty"`
}

// Point returns the scoring point with the given id, if present.
func (q *Question) Point(pointID string) (ScoringPoint, bool) {
	for _, p := range q.ScoringPoints {
		if p.PointID == pointID {
			return p, true
		}
	}
	return ScoringPoint{}, false
}

// Rubric is the parsed scoring standard for one answer document.
type Rubric struct {
	TotalQuestions int        `json:"total_questions"`
	TotalScore     float64    `json:"total_score"`
	GeneralNotes   string     `json:"general_notes,omitempty"`
	Questions      []Question `json:"questions"`
	// Confidence is the parser's self-assessed confidence in the structure;
	// values below the review threshold force a human gate.
	Confidence float64 `json:"confidence,omitempty"`
}

// Question returns the question with the given id, if present.
func (r *Rubric) Question(questionID string) (*Question, bool) {
	for i := range r.Questions {
		if r.Questions[i].QuestionID == questionID {
			return &r.Questions[i], true
		}
	}
	return nil, false
}

const scoreEpsilon = 1e-6

// Validate enforces the rubric invariants: non-empty questions, unique ids,
// per-question point sums bounded by max_score, and question max_scores
// summing to total_score.
func (r *Rubric) Validate() error {
	if len(r.Questions) == 0 {
		return E(KindValidation, "rubric has no questions")
	}
	if r.TotalQuestions != 0 && r.TotalQuestions != len(r.Questions) {
		return E(KindValidation, fmt.Sprintf("rubric declares %d questions but contains %d", r.TotalQuestions, len(r.Questions)))
	}
	seen := make(map[string]bool, len(r.Questions))
	var sumMax float64
	for _, q := range r.Questions {
		if strings.TrimSpace(q.QuestionID) == "" {
			return E(KindValidation, "question with empty question_id")
		}
		if seen[q.QuestionID] {
			return E(KindValidation, fmt.Sprintf("duplicate question_id %q", q.QuestionID))
		}
		seen[q.QuestionID] = true
		if q.MaxScore < 0 {
			return E(KindValidation, fmt.Sprintf("question %s has negative max_score", q.QuestionID))
		}
		sumMax += q.MaxScore

		pointSeen := make(map[string]bool, len(q.ScoringPoints))
		var sumPoints float64
		for _, p := range q.ScoringPoints {
			if strings.TrimSpace(p.PointID) == "" {
				return E(KindValidation, fmt.Sprintf("question %s has a scoring point with empty point_id", q.QuestionID))
			}
			if pointSeen[p.PointID] {
				return E(KindValidation, fmt.Sprintf("question %s has duplicate point_id %q", q.QuestionID, p.PointID))
			}
			pointSeen[p.PointID] = true
			if p.Score < 0 {
				return E(KindValidation, fmt.Sprintf("scoring point %s has negative score", p.PointID))
			}
			sumPoints += p.Score
		}
		if sumPoints > q.MaxScore+scoreEpsilon {
			return E(KindValidation, fmt.Sprintf("question %s scoring points sum to %.2f, above max_score %.2f", q.QuestionID, sumPoints, q.MaxScore))
		}
	}
	if math.Abs(sumMax-r.TotalScore) > scoreEpsilon {
		return E(KindValidation, fmt.Sprintf("question max_scores sum to %.2f, rubric total_score is %.2f", sumMax, r.TotalScore))
	}
	return nil
}

// =============================================================================
// BOUNDARIES AND GRADING UNITS
// =============================================================================

// UnidentifiedKey is the bucket for pages no student boundary claims.
const UnidentifiedKey = "unidentified"

// StudentBoundary locates one student's contiguous page range within the
// answer document. Page indices are zero-based and inclusive.
type StudentBoundary struct {
	StudentKey string  `json:"student_key"`
	StartPage  int     `json:"start_page"`
	EndPage    int     `json:"end_page"`
	ClassID    string  `json:"class_id,omitempty"`
	Confidence float64 `json:"confidence"`
}

// GradingUnit is the smallest schedulable work item: one student crossed
// with one question and the pages the answer may appear on.
type GradingUnit struct {
	RunID       string `json:"run_id"`
	StudentKey  string `json:"student_key"`
	QuestionID  string `json:"question_id"`
	PageIndices []int  `json:"page_indices"`
	Fingerprint string `json:"fingerprint"`
}

// Key identifies the per-question result slot this unit feeds.
func (u GradingUnit) Key() string {
	return u.StudentKey + "\x00" + u.QuestionID
}

// =============================================================================
// RESULTS
// =============================================================================

// CitationQuality grades how well a scoring decision cites the rubric.
type CitationQuality string

const (
	CitationHigh    CitationQuality = "high"
	CitationMedium  CitationQuality = "medium"
	CitationLow     CitationQuality = "low"
	CitationMissing CitationQuality = "missing"
)

// ScoringPointResult is the grading outcome for one scoring point of one
// question of one student.
type ScoringPointResult struct {
	PointID               string          `json:"point_id"`
	Awarded               float64         `json:"awarded"`
	Evidence              string          `json:"evidence,omitempty"`
	RubricReference       string          `json:"rubric_reference,omitempty"`
	RubricText            string          `json:"rubric_text,omitempty"`
	CitationQuality       CitationQuality `json:"citation_quality"`
	IsAlternativeSolution bool            `json:"is_alternative_solution,omitempty"`
	Confidence            float64         `json:"confidence"`
	PageIndex             int             `json:"page_index,omitempty"`
}

// QuestionResult aggregates the scoring point results for one question.
type QuestionResult struct {
	QuestionID          string               `json:"question_id"`
	Score               float64              `json:"score"`
	MaxScore            float64              `json:"max_score"`
	Feedback            string               `json:"feedback,omitempty"`
	Confidence          float64              `json:"confidence"`
	PageIndices         []int                `json:"page_indices,omitempty"`
	TypoNotes           string               `json:"typo_notes,omitempty"`
	ScoringPointResults []ScoringPointResult `json:"scoring_point_results"`
	Unscored            bool                 `json:"unscored,omitempty"`
	UnscoredReason      string               `json:"unscored_reason,omitempty"`
}

// StudentResult is the aggregate for one student within a run.
type StudentResult struct {
	StudentKey      string           `json:"student_key"`
	ClassID         string           `json:"class_id,omitempty"`
	TotalScore      float64          `json:"total_score"`
	MaxTotalScore   float64          `json:"max_total_score"`
	QuestionResults []QuestionResult `json:"question_results"`
	ReviewNote      string           `json:"review_note,omitempty"`
	// Excluded students are withheld from export; the reason is
	// grading_failed when the failed-unit fraction crossed the threshold.
	ExclusionReason string `json:"exclusion_reason,omitempty"`
}

// SortQuestionResults orders question results by question id for stable
// serialisation and comparison.
func (s *StudentResult) SortQuestionResults() {
	sort.Slice(s.QuestionResults, func(i, j int) bool {
		return s.QuestionResults[i].QuestionID < s.QuestionResults[j].QuestionID
	})
}

// Flag is one finding from the logic review stage.
type Flag struct {
	Code       string `json:"code"`
	StudentKey string `json:"student_key,omitempty"`
	QuestionID string `json:"question_id,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// RunResults is the exported artifact for a completed run.
type RunResults struct {
	RunID          string                       `json:"run_id"`
	StudentResults []StudentResult              `json:"student_results"`
	Flags          []Flag                       `json:"flags,omitempty"`
	Confessions    map[string]*ConfessionReport `json:"confessions,omitempty"`
	Usage          *RunUsage                    `json:"usage,omitempty"`
}

// RunUsage summarises model spend for one run.
type RunUsage struct {
	PromptTokens     int64            `json:"prompt_tokens"`
	CompletionTokens int64            `json:"completion_tokens"`
	EstimatedUSD     float64          `json:"estimated_usd"`
	ByKind           map[string]int64 `json:"by_kind,omitempty"`
	ByModel          map[string]int64 `json:"by_model,omitempty"`
}

// =============================================================================
// CACHE
// =============================================================================

// CacheEntry is one semantic-cache record: a serialised scoring point result
// set stored under the (rubric, image) fingerprint pair.
type CacheEntry struct {
	Key        string               `json:"key"`
	Artifact   []ScoringPointResult `json:"artifact"`
	StoredAt   time.Time            `json:"stored_at"`
	TTLSeconds int64                `json:"ttl_seconds"`
	Confidence float64              `json:"confidence"`
}

// Expired reports whether the entry is past its TTL at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.StoredAt.Add(time.Duration(e.TTLSeconds) * time.Second))
}

// =============================================================================
// REVIEW SIGNALS
// =============================================================================

// ReviewAction names the external resolution for a paused run.
type ReviewAction string

const (
	ReviewApprove ReviewAction = "approve"
	ReviewUpdate  ReviewAction = "update"
	ReviewReparse ReviewAction = "reparse"
	ReviewRegrade ReviewAction = "regrade"
)

// RubricReview resolves a paused_rubric_review gate.
type RubricReview struct {
	Action       ReviewAction `json:"action"`
	ParsedRubric *Rubric      `json:"parsed_rubric,omitempty"`
	Notes        string       `json:"notes,omitempty"`
}

// Validate checks the action against its required payload.
func (r *RubricReview) Validate() error {
	switch r.Action {
	case ReviewApprove, ReviewReparse:
		return nil
	case ReviewUpdate:
		if r.ParsedRubric == nil {
			return E(KindValidation, "update action requires parsed_rubric")
		}
		return r.ParsedRubric.Validate()
	default:
		return E(KindValidation, fmt.Sprintf("unsupported rubric review action %q", r.Action))
	}
}

// ScoreOverride replaces one question score during results review.
type ScoreOverride struct {
	StudentKey string  `json:"student_key"`
	QuestionID string  `json:"question_id"`
	Score      float64 `json:"score"`
	Note       string  `json:"note,omitempty"`
}

// RegradeItem names one grading unit to re-dispatch with cache bypass.
type RegradeItem struct {
	StudentKey string `json:"student_key"`
	QuestionID string `json:"question_id"`
}

// ResultsReview resolves a paused_results_review gate.
type ResultsReview struct {
	Action       ReviewAction    `json:"action"`
	Overrides    []ScoreOverride `json:"overrides,omitempty"`
	RegradeItems []RegradeItem   `json:"regrade_items,omitempty"`
	Notes        string          `json:"notes,omitempty"`
}

// Validate checks the action against its required payload.
func (r *ResultsReview) Validate() error {
	switch r.Action {
	case ReviewApprove:
		return nil
	case ReviewUpdate:
		if len(r.Overrides) == 0 {
			return E(KindValidation, "update action requires overrides")
		}
		return nil
	case ReviewRegrade:
		if len(r.RegradeItems) == 0 {
			return E(KindValidation, "regrade action requires regrade_items")
		}
		return nil
	default:
		return E(KindValidation, fmt.Sprintf("unsupported results review action %q", r.Action))
	}
}

// ClampScore bounds a score into [0, max].
func ClampScore(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// ClampUnit bounds a confidence-like value into [0, 1].
func ClampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
