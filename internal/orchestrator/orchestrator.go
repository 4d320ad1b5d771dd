// Package orchestrator is the run coordinator: it admits submissions through
// the run-control scheduler, walks each run through the pipeline stages,
// publishes sequenced events, writes stage-boundary checkpoints, holds runs
// at the human-review gates, and recovers interrupted runs at startup.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"marksman/internal/budget"
	"marksman/internal/cache"
	"marksman/internal/config"
	"marksman/internal/events"
	"marksman/internal/fingerprint"
	"marksman/internal/gateway"
	"marksman/internal/imaging"
	"marksman/internal/kv"
	"marksman/internal/logging"
	"marksman/internal/pipeline"
	"marksman/internal/runcontrol"
	"marksman/internal/store"
	"marksman/internal/types"
)

// Options wires the orchestrator's collaborators.
type Options struct {
	Cfg      *config.Config
	Store    *store.Store
	KV       kv.Store
	Log      *events.Log
	Gateway  *gateway.Gateway
	Cache    *cache.Semantic
	Budget   *budget.Tracker
	Images   *cache.ImageLRU
	Renderer imaging.Renderer
	Reporter pipeline.ConfessionBuilder
}

// reviewSignal resolves one paused run. Exactly one field is set.
type reviewSignal struct {
	rubric  *types.RubricReview
	results *types.ResultsReview
}

// runHandle tracks one in-flight run.
type runHandle struct {
	spec   *types.RunSpec
	signal chan reviewSignal
}

// Orchestrator owns the run lifecycle from submission to terminal state.
type Orchestrator struct {
	cfg   *config.Config
	store *store.Store
	kv    kv.Store
	log   *events.Log
	gw    *gateway.Gateway
	cache *cache.Semantic
	bud   *budget.Tracker

	sched *runcontrol.Scheduler
	env   pipeline.Env

	mu   sync.Mutex
	runs map[string]*runHandle

	pruneStop chan struct{}
	pruneDone chan struct{}
	stopped   sync.Once
}

// New builds an orchestrator. Start must be called before submissions admit.
func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		cfg:       opts.Cfg,
		store:     opts.Store,
		kv:        opts.KV,
		log:       opts.Log,
		gw:        opts.Gateway,
		cache:     opts.Cache,
		bud:       opts.Budget,
		runs:      make(map[string]*runHandle),
		pruneStop: make(chan struct{}),
		pruneDone: make(chan struct{}),
	}
	o.sched = runcontrol.New(runcontrol.Config{
		MaxConcurrentRuns:   opts.Cfg.Runs.MaxConcurrency,
		TeacherMaxActive:    opts.Cfg.Runs.TeacherMaxActive,
		MaxParallelLLMCalls: opts.Cfg.Runs.MaxParallelLLMCalls,
		QueueWatermark:      opts.Cfg.Runs.UploadQueueWatermark,
		ActiveWatermark:     opts.Cfg.Runs.UploadActiveWatermark,
	}, o.dispatch)

	o.env = pipeline.Env{
		Cfg:      opts.Cfg,
		Caller:   opts.Gateway,
		Log:      opts.Log,
		Cache:    opts.Cache,
		Images:   opts.Images,
		Renderer: opts.Renderer,
		Slots:    o.sched,
		Results:  opts.Store,
		Usage:    opts.Budget,
		Reporter: opts.Reporter,
	}
	return o
}

// Scheduler exposes the admission layer for the stats endpoint.
func (o *Orchestrator) Scheduler() *runcontrol.Scheduler { return o.sched }

// Start launches the scheduler, recovers interrupted runs, and begins the
// event-prune sweep.
func (o *Orchestrator) Start() {
	o.sched.Start()
	o.recover()
	go o.pruneLoop()
	logging.Boot("orchestrator started")
}

// Stop halts admission and the prune sweep. In-flight runs keep their
// checkpoints; a later Start resumes them.
func (o *Orchestrator) Stop() {
	o.stopped.Do(func() {
		close(o.pruneStop)
		<-o.pruneDone
		o.sched.Stop()
	})
}

func (o *Orchestrator) pruneLoop() {
	defer close(o.pruneDone)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-o.pruneStop:
			return
		case <-ticker.C:
			if n, err := o.log.Prune(o.cfg.GetEventGracePeriod()); err != nil {
				logging.Get(logging.CategoryEvents).Warn("event prune failed: %v", err)
			} else if n > 0 {
				logging.Events("pruned event logs of %d terminal runs", n)
			}
		}
	}
}

// recover re-enqueues the runs a previous coordinator left behind: queued
// runs in submission order, running and paused runs to resume from their
// last checkpoint. Runs whose spec is gone cannot be resumed and fail with
// reason coordinator_crash.
func (o *Orchestrator) recover() {
	runs, err := o.store.ListRunsByStatus(
		types.StatusQueued, types.StatusRunning,
		types.StatusPausedRubricReview, types.StatusPausedResultReview)
	if err != nil {
		logging.Get(logging.CategoryRuns).Error("recovery scan failed: %v", err)
		return
	}
	for _, r := range runs {
		spec, err := o.store.GetRunSpec(r.RunID)
		if err != nil {
			logging.Get(logging.CategoryRuns).Warn("run %s: spec unrecoverable, failing: %v", r.RunID, err)
			o.finish(r.RunID, types.StatusFailed, string(types.KindCoordinatorCrash), 0)
			continue
		}
		o.mu.Lock()
		o.runs[r.RunID] = &runHandle{spec: spec, signal: make(chan reviewSignal, 1)}
		o.mu.Unlock()
		o.sched.Register(r.RunID, r.TeacherID)
		logging.Runs("recovered run %s (status was %s)", r.RunID, r.Status)
	}
}

// Submit registers a new batch run. Returns the assigned run id and any soft
// admission warnings.
func (o *Orchestrator) Submit(spec *types.RunSpec) (string, []runcontrol.Warning, error) {
	if err := spec.Validate(); err != nil {
		return "", nil, err
	}
	runID := "run_" + uuid.NewString()

	softBudget := spec.Options.SoftBudgetUSD
	if softBudget == 0 {
		softBudget = o.cfg.Runs.SoftBudgetUSD
	}
	now := time.Now().UTC()
	run := &types.Run{
		RunID:         runID,
		TeacherID:     spec.TeacherID,
		ClassIDs:      spec.ClassIDs,
		Status:        types.StatusQueued,
		SoftBudgetUSD: softBudget,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.CreateRun(run); err != nil {
		return "", nil, err
	}
	if err := o.store.SaveRunSpec(runID, spec); err != nil {
		return "", nil, err
	}
	if o.bud != nil {
		o.bud.Register(runID, softBudget)
	}

	o.mu.Lock()
	o.runs[runID] = &runHandle{spec: spec, signal: make(chan reviewSignal, 1)}
	o.mu.Unlock()

	o.emit(runID, types.EventRunQueued, map[string]string{"teacher_id": spec.TeacherID})
	warnings := o.sched.Register(runID, spec.TeacherID)
	return runID, warnings, nil
}

// Status returns the run's externally visible state.
func (o *Orchestrator) Status(runID string) (*types.Run, error) {
	return o.store.GetRun(runID)
}

// EventsAfter pages the run's event log.
func (o *Orchestrator) EventsAfter(runID string, afterSeq int64, limit int) ([]types.EventRecord, error) {
	if _, err := o.store.GetRun(runID); err != nil {
		return nil, err
	}
	return o.log.After(runID, afterSeq, limit)
}

// Results returns the exported artifact of a completed run.
func (o *Orchestrator) Results(runID string) (*types.RunResults, error) {
	if _, err := o.store.GetRun(runID); err != nil {
		return nil, err
	}
	return o.store.GetResults(runID)
}

// Cancel flags a run for cooperative cancellation. Queued runs cancel
// immediately; active runs unwind at their next suspension point.
func (o *Orchestrator) Cancel(runID string) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return types.Ef(types.KindConflict, "run %s is already %s", runID, run.Status)
	}

	known := o.sched.Cancel(runID)
	if run.Status == types.StatusQueued {
		o.finish(runID, types.StatusCancelled, "cancelled by caller", 0)
		return nil
	}
	if !known {
		// Not queued and not active: a coordinator restart lost it.
		o.finish(runID, types.StatusCancelled, "cancelled by caller", 0)
	}
	logging.Runs("cancellation requested for run %s", runID)
	return nil
}

// SubmitRubricReview resolves a paused_rubric_review gate.
func (o *Orchestrator) SubmitRubricReview(runID string, rv *types.RubricReview) error {
	if err := rv.Validate(); err != nil {
		return err
	}
	return o.deliver(runID, types.StatusPausedRubricReview, reviewSignal{rubric: rv})
}

// SubmitResultsReview resolves a paused_results_review gate.
func (o *Orchestrator) SubmitResultsReview(runID string, rv *types.ResultsReview) error {
	if err := rv.Validate(); err != nil {
		return err
	}
	return o.deliver(runID, types.StatusPausedResultReview, reviewSignal{results: rv})
}

func (o *Orchestrator) deliver(runID string, wantStatus types.RunStatus, sig reviewSignal) error {
	run, err := o.store.GetRun(runID)
	if err != nil {
		return err
	}
	if run.Status != wantStatus {
		return types.Ef(types.KindConflict, "run %s is %s, not %s", runID, run.Status, wantStatus)
	}
	o.mu.Lock()
	handle, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		return types.Ef(types.KindConflict, "run %s is not waiting on this coordinator", runID)
	}
	select {
	case handle.signal <- sig:
		return nil
	default:
		return types.Ef(types.KindConflict, "run %s already has a pending review signal", runID)
	}
}

// emit appends an event, logging failures.
func (o *Orchestrator) emit(runID string, typ types.EventType, payload interface{}) int64 {
	rec, err := o.log.Append(runID, typ, payload)
	if err != nil {
		logging.Get(logging.CategoryRuns).Warn("event %s for run %s not recorded: %v", typ, runID, err)
		return 0
	}
	return rec.Seq
}

// dispatch runs one admitted run to a terminal state. Invoked by the
// scheduler on its own goroutine with the run's cancellation context.
func (o *Orchestrator) dispatch(ctx context.Context, runID string) {
	o.mu.Lock()
	handle, ok := o.runs[runID]
	o.mu.Unlock()
	if !ok {
		spec, err := o.store.GetRunSpec(runID)
		if err != nil {
			o.finish(runID, types.StatusFailed, string(types.KindCoordinatorCrash), 0)
			return
		}
		handle = &runHandle{spec: spec, signal: make(chan reviewSignal, 1)}
		o.mu.Lock()
		o.runs[runID] = handle
		o.mu.Unlock()
	}

	run, err := o.store.GetRun(runID)
	if err != nil {
		logging.Get(logging.CategoryRuns).Error("run %s: unloadable, releasing slot: %v", runID, err)
		o.sched.ReleaseSlot(runID)
		return
	}

	deadline := handle.spec.Options.Deadline
	if deadline == 0 {
		deadline = o.cfg.GetRunDeadline()
	}
	if deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	st := &pipeline.State{Run: run, Spec: handle.spec}
	startIdx := 0
	if cp := o.loadCheckpoint(runID); cp != nil {
		st = cp.State
		st.Run = run
		st.Spec = handle.spec
		startIdx = types.StageIndexOf(cp.NextStage)
		logging.Runs("run %s: resuming at stage %s", runID, cp.NextStage)
	}

	if err := o.transition(runID, types.StatusRunning, "", 0); err != nil {
		logging.Get(logging.CategoryRuns).Error("run %s: cannot start: %v", runID, err)
		o.sched.ReleaseSlot(runID)
		return
	}
	o.emit(runID, types.EventRunStarted, nil)

	env := o.env
	env.OnProgress = func(stage types.Stage, progress float64, detail string) {
		if err := o.store.SetStageProgress(runID, stage, progress); err != nil {
			logging.Get(logging.CategoryRuns).Warn("run %s: progress update failed: %v", runID, err)
		}
	}

	// Resuming past preprocess needs the page images back; intake and
	// preprocess are deterministic and call no model, so replay them.
	if startIdx > types.StageIndexOf(types.StagePreprocess) && len(st.Spec.AnswerDocument.Data) > 0 {
		for _, s := range []types.Stage{types.StageIntake, types.StagePreprocess} {
			if _, err := pipeline.For(s)(ctx, &env, st); err != nil {
				o.endOnError(ctx, runID, s, err)
				return
			}
		}
	}

	idx := startIdx
	for idx < len(types.StageOrder) {
		stage := types.StageOrder[idx]
		if ctx.Err() != nil {
			o.endOnError(ctx, runID, stage, types.WrapErr(types.KindCancellation, "run interrupted", ctx.Err()))
			return
		}

		env.OnProgress(stage, stageBaseProgress(idx), "")
		o.emit(runID, types.EventStageStarted, map[string]string{"stage": string(stage)})

		pause, err := pipeline.For(stage)(ctx, &env, st)
		if err != nil {
			o.endOnError(ctx, runID, stage, err)
			return
		}

		if pause != nil {
			next, err := o.holdForReview(ctx, runID, handle, st, idx, pause)
			if err != nil {
				o.endOnError(ctx, runID, stage, err)
				return
			}
			idx = next
			continue
		}

		o.emit(runID, types.StageCompletedEvent(stage), nil)
		env.OnProgress(stage, pipeline.CompletionProgress[stage], "")
		idx++
		if idx < len(types.StageOrder) {
			o.saveCheckpoint(runID, types.StageOrder[idx], st)
		}
	}

	o.finish(runID, types.StatusCompleted, "", 0)
}

// stageBaseProgress is the progress floor entering the stage at idx.
func stageBaseProgress(idx int) float64 {
	if idx == 0 {
		return 0
	}
	return pipeline.CompletionProgress[types.StageOrder[idx-1]]
}

// endOnError routes a stage failure to its terminal status: cancellation and
// deadline expiry unwind to cancelled, everything else fails the run with a
// pointer to the error event.
func (o *Orchestrator) endOnError(ctx context.Context, runID string, stage types.Stage, err error) {
	kind := types.KindOf(err)
	if kind == types.KindCancellation || errors.Is(err, context.Canceled) {
		reason := "cancelled by caller"
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			reason = string(types.KindDeadlineExceeded)
		}
		o.finish(runID, types.StatusCancelled, reason, 0)
		return
	}

	seq := o.emit(runID, types.EventError, types.ErrorPayload{
		Kind: kind, Stage: stage, Detail: err.Error(),
	})
	logging.Get(logging.CategoryRuns).Error("run %s failed at %s: %v", runID, stage, err)
	o.finish(runID, types.StatusFailed, err.Error(), seq)
}

// holdForReview parks a paused run until its review signal or cancellation,
// applies the resolution, and returns the stage index to continue from.
func (o *Orchestrator) holdForReview(ctx context.Context, runID string, handle *runHandle, st *pipeline.State, idx int, pause *Pause) (int, error) {
	stage := types.StageOrder[idx]
	o.saveCheckpoint(runID, stage, st)
	if err := o.transition(runID, pause.Status, "", 0); err != nil {
		return 0, err
	}

	kind := "rubric"
	requested := types.EventRubricReviewRequested
	if pause.Status == types.StatusPausedResultReview {
		kind = "results"
		requested = types.EventResultsReviewRequested
	}
	if _, err := o.store.RecordReviewRequest(runID, kind, types.MarshalPayload(map[string]string{"reason": pause.Reason})); err != nil {
		logging.Get(logging.CategoryReview).Warn("run %s: review audit failed: %v", runID, err)
	}
	o.emit(runID, requested, map[string]string{"reason": pause.Reason})
	logging.Review("run %s paused for %s review: %s", runID, kind, pause.Reason)

	var sig reviewSignal
	select {
	case sig = <-handle.signal:
	case <-ctx.Done():
		return 0, types.WrapErr(types.KindCancellation, "review wait interrupted", ctx.Err())
	}

	next, action, err := o.applySignal(runID, st, idx, sig)
	if err != nil {
		return 0, err
	}
	if err := o.store.ResolveReviewRequest(runID, kind, action); err != nil {
		logging.Get(logging.CategoryReview).Warn("run %s: review resolution audit failed: %v", runID, err)
	}
	if err := o.transition(runID, types.StatusRunning, "", 0); err != nil {
		return 0, err
	}

	resolved := types.EventRubricReviewResolved
	if pause.Status == types.StatusPausedResultReview {
		resolved = types.EventResultsReviewResolved
	}
	o.emit(runID, resolved, map[string]string{"action": action})
	return next, nil
}

// applySignal folds the reviewer's action into the run state and picks the
// next stage index.
func (o *Orchestrator) applySignal(runID string, st *pipeline.State, idx int, sig reviewSignal) (int, string, error) {
	switch {
	case sig.rubric != nil:
		rv := sig.rubric
		switch rv.Action {
		case types.ReviewReparse:
			st.ReviewNotes = rv.Notes
			st.Rubric = nil
			return types.StageIndexOf(types.StageRubricParse), string(rv.Action), nil
		case types.ReviewUpdate:
			if st.RubricFP != "" {
				// The rubric is being edited; stale grades keyed by the old
				// fingerprint must not serve.
				o.invalidateRubric(runID, st.RubricFP)
			}
			st.Rubric = rv.ParsedRubric
			st.ReviewNotes = ""
			if st.Spec.RubricFingerprint != "" {
				st.RubricFP = st.Spec.RubricFingerprint
			} else {
				st.RubricFP = rubricFP(rv.ParsedRubric)
			}
			return types.StageIndexOf(types.StageIndex), string(rv.Action), nil
		default: // approve
			if st.Rubric == nil {
				// Approving a parse that never succeeded re-runs it.
				return types.StageIndexOf(types.StageRubricParse), string(rv.Action), nil
			}
			return types.StageIndexOf(types.StageIndex), string(rv.Action), nil
		}

	case sig.results != nil:
		rv := sig.results
		switch rv.Action {
		case types.ReviewUpdate:
			o.applyOverrides(runID, st, rv.Overrides)
			return idx + 1, string(rv.Action), nil
		case types.ReviewRegrade:
			st.BypassCache = make(map[string]bool, len(rv.RegradeItems))
			for _, item := range rv.RegradeItems {
				key := types.GradingUnit{StudentKey: item.StudentKey, QuestionID: item.QuestionID}.Key()
				st.BypassCache[key] = true
				delete(st.Outcomes, key)
			}
			return types.StageIndexOf(types.StageGradeBatch), string(rv.Action), nil
		default: // approve
			return idx + 1, string(rv.Action), nil
		}
	}
	return 0, "", types.E(types.KindInternal, "empty review signal")
}

// applyOverrides replaces question scores per the reviewer's direction,
// re-clamping and recomputing totals. Each override leaves an event.
func (o *Orchestrator) applyOverrides(runID string, st *pipeline.State, overrides []types.ScoreOverride) {
	for _, ov := range overrides {
		for i := range st.Results {
			sr := &st.Results[i]
			if sr.StudentKey != ov.StudentKey {
				continue
			}
			for j := range sr.QuestionResults {
				qr := &sr.QuestionResults[j]
				if qr.QuestionID != ov.QuestionID {
					continue
				}
				old := qr.Score
				qr.Score = types.ClampScore(ov.Score, qr.MaxScore)
				qr.Unscored = false
				qr.UnscoredReason = ""
				if ov.Note != "" {
					sr.ReviewNote = ov.Note
				}
				var total float64
				for _, q := range sr.QuestionResults {
					total += q.Score
				}
				sr.TotalScore = types.ClampScore(total, sr.MaxTotalScore)
				o.emit(runID, types.EventOverrideApplied, map[string]interface{}{
					"student_key": ov.StudentKey,
					"question_id": ov.QuestionID,
					"old_score":   old,
					"new_score":   qr.Score,
				})
			}
		}
	}
}

func (o *Orchestrator) invalidateRubric(runID, rubricFP string) {
	if o.cache == nil {
		return
	}
	n := o.cache.InvalidateByRubric(context.Background(), rubricFP)
	logging.Review("run %s: rubric edit invalidated %d cache entries", runID, n)
}

// transition applies a status change through the store's state machine.
func (o *Orchestrator) transition(runID string, next types.RunStatus, reason string, seq int64) error {
	return o.store.UpdateRunStatus(runID, next, reason, seq)
}

// finish moves the run to a terminal status and releases everything it held.
// Idempotent for repeated terminal transitions.
func (o *Orchestrator) finish(runID string, status types.RunStatus, reason string, seq int64) {
	if err := o.transition(runID, status, reason, seq); err != nil {
		if !types.IsKind(err, types.KindConflict) {
			logging.Get(logging.CategoryRuns).Error("run %s: terminal transition to %s failed: %v", runID, status, err)
		}
		return
	}

	switch status {
	case types.StatusCompleted:
		o.emit(runID, types.EventRunCompleted, nil)
	case types.StatusFailed:
		o.emit(runID, types.EventRunFailed, map[string]interface{}{"reason": reason, "error_seq": seq})
	case types.StatusCancelled:
		o.emit(runID, types.EventRunCancelled, map[string]string{"reason": reason})
	}

	o.sched.ReleaseSlot(runID)
	if o.gw != nil {
		o.gw.ReleaseRun(runID)
	}
	if o.bud != nil {
		o.bud.Release(runID)
	}
	pipeline.ReleaseImages(o.env.Images, runID)
	o.dropCheckpoints(runID)
	if err := o.store.DeleteRunSpec(runID); err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: spec cleanup failed: %v", runID, err)
	}

	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
	logging.Runs("run %s finished: %s", runID, status)
}

// rubricFP keys the cache for a reviewer-supplied rubric.
func rubricFP(r *types.Rubric) string {
	return fingerprint.Rubric(pipeline.CanonicalRubricText(r))
}

// Pause is re-exported for the holdForReview signature.
type Pause = pipeline.Pause
