package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marksman/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleRun(runID string) *types.Run {
	now := time.Now().Truncate(time.Second).UTC()
	return &types.Run{
		RunID:         runID,
		TeacherID:     "teacher-1",
		ClassIDs:      []string{"class-a", "class-b"},
		Status:        types.StatusQueued,
		SoftBudgetUSD: 2.5,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRunRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := sampleRun("run-1")
	require.NoError(t, s.CreateRun(want))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("run mismatch (-want +got):\n%s", diff)
	}
}

func TestCreateRunDuplicateConflicts(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("run-1")))
	err := s.CreateRun(sampleRun("run-1"))
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestGetRunNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun("ghost")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestStatusTransitionsEnforced(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("run-1")))

	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusRunning, "", 0))
	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusCompleted, "", 0))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt, "terminal status records completed_at")

	// Terminal runs accept no further transitions.
	err = s.UpdateRunStatus("run-1", types.StatusRunning, "", 0)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestStatusUpdateIdempotent(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("run-1")))
	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusRunning, "", 0))
	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusRunning, "", 0))
}

func TestFailureReasonPersists(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("run-1")))
	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusRunning, "", 0))
	require.NoError(t, s.UpdateRunStatus("run-1", types.StatusFailed, "intake_failed", 7))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "intake_failed", got.FailureReason)
	assert.Equal(t, int64(7), got.FailureSeq)
}

func TestListRunsByStatus(t *testing.T) {
	s := openTestStore(t)
	a := sampleRun("run-a")
	a.CreatedAt = time.Now().Add(-2 * time.Hour).Truncate(time.Second).UTC()
	a.UpdatedAt = a.CreatedAt
	require.NoError(t, s.CreateRun(a))
	require.NoError(t, s.CreateRun(sampleRun("run-b")))
	c := sampleRun("run-c")
	require.NoError(t, s.CreateRun(c))
	require.NoError(t, s.UpdateRunStatus("run-c", types.StatusRunning, "", 0))

	queued, err := s.ListRunsByStatus(types.StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, "run-a", queued[0].RunID, "oldest first")

	both, err := s.ListRunsByStatus(types.StatusQueued, types.StatusRunning)
	require.NoError(t, err)
	assert.Len(t, both, 3)
}

func TestSetStageProgress(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("run-1")))
	require.NoError(t, s.SetStageProgress("run-1", types.StageGradeBatch, 0.42))

	got, err := s.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, types.StageGradeBatch, got.CurrentStage)
	assert.InDelta(t, 0.42, got.Progress, 1e-9)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEventAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	at := time.Now().UTC()
	for seq := int64(1); seq <= 3; seq++ {
		require.NoError(t, s.AppendEvent(types.EventRecord{
			RunID: "run-1", Seq: seq, Type: types.EventProgressTick,
			Payload: json.RawMessage(`{"progress":0.1}`), At: at,
		}))
	}

	all, err := s.EventsAfter("run-1", 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, int64(1), all[0].Seq)
	assert.Equal(t, json.RawMessage(`{"progress":0.1}`), all[0].Payload)

	tail, err := s.EventsAfter("run-1", 1, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(2), tail[0].Seq)
}

func TestEventDuplicateSeqConflicts(t *testing.T) {
	s := openTestStore(t)
	rec := types.EventRecord{RunID: "run-1", Seq: 1, Type: types.EventRunStarted, At: time.Now()}
	require.NoError(t, s.AppendEvent(rec))
	err := s.AppendEvent(rec)
	require.Error(t, err)
	assert.Equal(t, types.KindConflict, types.KindOf(err))
}

func TestMaxSeq(t *testing.T) {
	s := openTestStore(t)
	max, err := s.MaxSeq("run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), max, "no events yet")

	require.NoError(t, s.AppendEvent(types.EventRecord{RunID: "run-1", Seq: 5, Type: types.EventError, At: time.Now()}))
	max, err = s.MaxSeq("run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), max)
}

func TestPruneEvents(t *testing.T) {
	s := openTestStore(t)
	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, s.AppendEvent(types.EventRecord{RunID: "run-1", Seq: seq, Type: types.EventProgressTick, At: time.Now()}))
	}
	n, err := s.PruneEvents("run-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	all, err := s.EventsAfter("run-1", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestTerminalRunsCompletedBefore(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.CreateRun(sampleRun("old")))
	require.NoError(t, s.UpdateRunStatus("old", types.StatusRunning, "", 0))
	require.NoError(t, s.UpdateRunStatus("old", types.StatusCompleted, "", 0))
	require.NoError(t, s.CreateRun(sampleRun("live")))

	ids, err := s.TerminalRunsCompletedBefore(time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	ids, err = s.TerminalRunsCompletedBefore(time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids, "grace period not yet elapsed")
}

// =============================================================================
// RESULTS AND REVIEW AUDIT
// =============================================================================

func TestResultsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	want := &types.RunResults{
		RunID: "run-1",
		StudentResults: []types.StudentResult{{
			StudentKey: "alice", TotalScore: 8, MaxTotalScore: 10,
			QuestionResults: []types.QuestionResult{{QuestionID: "q1", Score: 8, MaxScore: 10, Confidence: 0.95}},
		}},
		Flags: []types.Flag{{Code: "missing_citation_high_award", StudentKey: "alice", QuestionID: "q1"}},
	}
	require.NoError(t, s.SaveResults("run-1", want))

	got, err := s.GetResults("run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("results mismatch (-want +got):\n%s", diff)
	}
}

func TestResultsOverwrite(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.SaveResults("run-1", &types.RunResults{RunID: "run-1"}))
	updated := &types.RunResults{RunID: "run-1", StudentResults: []types.StudentResult{{StudentKey: "bob"}}}
	require.NoError(t, s.SaveResults("run-1", updated))

	got, err := s.GetResults("run-1")
	require.NoError(t, err)
	require.Len(t, got.StudentResults, 1)
	assert.Equal(t, "bob", got.StudentResults[0].StudentKey)
}

func TestResultsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetResults("ghost")
	require.Error(t, err)
	assert.Equal(t, types.KindNotFound, types.KindOf(err))
}

func TestReviewAuditLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, err := s.RecordReviewRequest("run-1", "rubric", json.RawMessage(`{"confidence":0.5}`))
	require.NoError(t, err)
	assert.Positive(t, id)

	require.NoError(t, s.ResolveReviewRequest("run-1", "rubric", "approve"))

	recs, err := s.ListReviewRequests("run-1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "approve", recs[0].Action)
	require.NotNil(t, recs[0].ResolvedAt)
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.CreateRun(sampleRun("run-1")))
	require.NoError(t, s1.Close())

	// Reopening re-runs migrate and must preserve data.
	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.GetRun("run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
}
