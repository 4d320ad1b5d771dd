package orchestrator

import (
	"encoding/json"
	"fmt"

	"marksman/internal/logging"
	"marksman/internal/pipeline"
	"marksman/internal/types"
)

// checkpoint is the stage-boundary snapshot written to the key-value store.
// Page images are excluded from the serialised state; resume rebuilds them by
// re-running intake and preprocess, which call no model.
type checkpoint struct {
	NextStage types.Stage     `json:"next_stage"`
	State     *pipeline.State `json:"state"`
}

func checkpointKey(runID string, stage types.Stage) string {
	return fmt.Sprintf("checkpoint:%s:%s", runID, stage)
}

func checkpointPointerKey(runID string) string {
	return "checkpoint:" + runID + ":latest"
}

// saveCheckpoint snapshots the run state at a stage boundary. Best-effort:
// a failed write costs resumability, not the run.
func (o *Orchestrator) saveCheckpoint(runID string, next types.Stage, st *pipeline.State) {
	if o.kv == nil {
		return
	}
	blob, err := json.Marshal(&checkpoint{NextStage: next, State: st})
	if err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: checkpoint marshal failed: %v", runID, err)
		return
	}
	if err := o.kv.Set(checkpointKey(runID, next), blob, 0); err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: checkpoint write failed: %v", runID, err)
		return
	}
	if err := o.kv.Set(checkpointPointerKey(runID), []byte(next), 0); err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: checkpoint pointer write failed: %v", runID, err)
	}
}

// loadCheckpoint returns the newest snapshot for a run, or nil when none is
// readable.
func (o *Orchestrator) loadCheckpoint(runID string) *checkpoint {
	if o.kv == nil {
		return nil
	}
	ptr, found, err := o.kv.Get(checkpointPointerKey(runID))
	if err != nil || !found {
		return nil
	}
	blob, found, err := o.kv.Get(checkpointKey(runID, types.Stage(ptr)))
	if err != nil || !found {
		return nil
	}
	var cp checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: checkpoint undecodable: %v", runID, err)
		return nil
	}
	if cp.State == nil || types.StageIndexOf(cp.NextStage) < 0 {
		return nil
	}
	return &cp
}

// dropCheckpoints removes a terminal run's snapshots.
func (o *Orchestrator) dropCheckpoints(runID string) {
	if o.kv == nil {
		return
	}
	if _, err := o.kv.DeleteByPrefix("checkpoint:" + runID + ":"); err != nil {
		logging.Get(logging.CategoryRuns).Warn("run %s: checkpoint cleanup failed: %v", runID, err)
	}
}
