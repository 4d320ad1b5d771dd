// Package pipeline implements the grading stages: intake, preprocess,
// rubric_parse, rubric_review, index, grade_batch, cross_page_merge,
// aggregate, logic_review, confession, and export. Each stage is a function
// over the shared run state with side effects only through the environment's
// collaborators (gateway, caches, event log); the orchestrator owns stage
// sequencing, pauses, and checkpoints.
package pipeline

import (
	"context"

	"marksman/internal/cache"
	"marksman/internal/config"
	"marksman/internal/events"
	"marksman/internal/gateway"
	"marksman/internal/imaging"
	"marksman/internal/logging"
	"marksman/internal/types"
)

// Caller is the slice of the gateway the stages call through.
type Caller interface {
	Call(ctx context.Context, req *gateway.Request) (*gateway.Response, error)
}

// Slots bounds outstanding model calls process-wide. A nil Slots in the
// environment means unbounded (unit tests).
type Slots interface {
	AcquireLLMSlot(ctx context.Context) error
	ReleaseLLMSlot()
}

// ResultStore persists the exported artifact.
type ResultStore interface {
	SaveResults(runID string, results *types.RunResults) error
}

// UsageSource supplies the run's spend summary for the export payload.
type UsageSource interface {
	Summary(runID string) *types.RunUsage
}

// ConfessionBuilder drafts the per-student self-report.
type ConfessionBuilder interface {
	Build(ctx context.Context, runID string, rubric *types.Rubric, sr *types.StudentResult) (*types.ConfessionReport, error)
}

// Env carries the stage collaborators. Nil optional fields disable the
// corresponding concern so tests compose only what they exercise.
type Env struct {
	Cfg      *config.Config
	Caller   Caller
	Log      *events.Log // nil: events are not recorded
	Cache    *cache.Semantic
	Images   *cache.ImageLRU
	Renderer imaging.Renderer
	Slots    Slots
	Results  ResultStore
	Usage    UsageSource
	Reporter ConfessionBuilder

	// OnProgress receives within-stage progress for the run record. The
	// orchestrator wires it; nil in unit tests.
	OnProgress func(stage types.Stage, progress float64, detail string)
}

// emit appends to the run's event log, swallowing failures: event emission
// never fails a stage.
func (e *Env) emit(runID string, typ types.EventType, payload interface{}) {
	if e.Log == nil {
		return
	}
	if _, err := e.Log.Append(runID, typ, payload); err != nil {
		logging.Get(logging.CategoryPipeline).Warn("event %s for run %s not recorded: %v", typ, runID, err)
	}
}

// progress reports within-stage progress and a progress_tick event.
func (e *Env) progress(runID string, stage types.Stage, frac float64, detail string) {
	if e.OnProgress != nil {
		e.OnProgress(stage, frac, detail)
	}
	e.emit(runID, types.EventProgressTick, types.ProgressPayload{
		Stage: stage, Progress: frac, Detail: detail,
	})
}

// Page is one prepared page of a document: its index, perceptual
// fingerprint, and the normalised image encoded for the model gateway.
type Page struct {
	Index int    `json:"index"`
	FP    string `json:"fp"`
	PNG   []byte `json:"-"`
}

// UnitOutcome is the recorded result of one grading unit's dispatch.
type UnitOutcome struct {
	Unit      types.GradingUnit  `json:"unit"`
	Grade     *gateway.UnitGrade `json:"grade,omitempty"`
	FromCache bool               `json:"from_cache,omitempty"`
	// FailReason is set when retries were exhausted; the unit stays
	// unscored and the run continues.
	FailReason string `json:"fail_reason,omitempty"`
}

// State is the shared run state the stages transform. Everything except the
// page images serialises into the stage-boundary checkpoints; on resume the
// pages are rebuilt by re-running intake and preprocess, which call no model.
type State struct {
	Run  *types.Run     `json:"run"`
	Spec *types.RunSpec `json:"-"`

	AnswerPages []Page `json:"answer_pages,omitempty"`
	RubricPages []Page `json:"rubric_pages,omitempty"`

	RubricFP    string        `json:"rubric_fp,omitempty"`
	Rubric      *types.Rubric `json:"rubric,omitempty"`
	ReviewNotes string        `json:"review_notes,omitempty"`

	Probes            []gateway.PageDescription `json:"probes,omitempty"`
	Boundaries        []types.StudentBoundary   `json:"boundaries,omitempty"`
	UnidentifiedPages []int                     `json:"unidentified_pages,omitempty"`

	Units    []types.GradingUnit     `json:"units,omitempty"`
	Outcomes map[string]*UnitOutcome `json:"outcomes,omitempty"`

	// BypassCache names unit keys a results-review regrade re-dispatches
	// with the cache disabled.
	BypassCache map[string]bool `json:"bypass_cache,omitempty"`

	Results     []types.StudentResult              `json:"results,omitempty"`
	Flags       []types.Flag                       `json:"flags,omitempty"`
	Confessions map[string]*types.ConfessionReport `json:"confessions,omitempty"`
}

// Pause is a stage's explicit request to suspend the run for an external
// review signal. It is a result, not an error: the orchestrator transitions
// the status, checkpoints, and waits.
type Pause struct {
	Status types.RunStatus
	Reason string
}

// StageFunc runs one stage. A non-nil Pause suspends the run; an error ends
// it (failed, or cancelled when the context was cancelled).
type StageFunc func(ctx context.Context, env *Env, st *State) (*Pause, error)

// stageFuncs maps each stage to its implementation.
var stageFuncs = map[types.Stage]StageFunc{
	types.StageIntake:         runIntake,
	types.StagePreprocess:     runPreprocess,
	types.StageRubricParse:    runRubricParse,
	types.StageRubricReview:   runRubricReview,
	types.StageIndex:          runIndex,
	types.StageGradeBatch:     runGradeBatch,
	types.StageCrossPageMerge: runCrossPageMerge,
	types.StageAggregate:      runAggregate,
	types.StageLogicReview:    runLogicReview,
	types.StageConfession:     runConfession,
	types.StageExport:         runExport,
}

// For returns the implementation of a stage.
func For(stage types.Stage) StageFunc {
	return stageFuncs[stage]
}

// CompletionProgress is each stage's cumulative progress share. The
// orchestrator applies these at stage completion; grade_batch interpolates
// between its predecessor's share and its own per unit.
var CompletionProgress = map[types.Stage]float64{
	types.StageIntake:         0.05,
	types.StagePreprocess:     0.15,
	types.StageRubricParse:    0.25,
	types.StageRubricReview:   0.25,
	types.StageIndex:          0.40,
	types.StageGradeBatch:     0.80,
	types.StageCrossPageMerge: 0.85,
	types.StageAggregate:      0.90,
	types.StageLogicReview:    0.93,
	types.StageConfession:     0.97,
	types.StageExport:         1.0,
}
