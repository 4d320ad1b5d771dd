package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRubric() *Rubric {
	return &Rubric{
		TotalQuestions: 2,
		TotalScore:     15,
		GeneralNotes:   "award partial credit for correct setup",
		Questions: []Question{
			{
				QuestionID: "Q1",
				MaxScore:   10,
				ScoringPoints: []ScoringPoint{
					{PointID: "1.1", Description: "sets up the equation", Score: 6, IsRequired: true},
					{PointID: "1.2", Description: "solves for x", Score: 4},
				},
			},
			{
				QuestionID: "Q2",
				MaxScore:   5,
				ScoringPoints: []ScoringPoint{
					{PointID: "2.1", Description: "final value", Score: 5, ExpectedValue: "42"},
				},
			},
		},
		Confidence: 0.93,
	}
}

func TestRubricValidate(t *testing.T) {
	require.NoError(t, sampleRubric().Validate())
}

func TestRubricValidateRejectsPointSumAboveMax(t *testing.T) {
	r := sampleRubric()
	r.Questions[0].ScoringPoints[0].Score = 9 // 9 + 4 > 10
	err := r.Validate()
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
}

func TestRubricValidateRejectsTotalMismatch(t *testing.T) {
	r := sampleRubric()
	r.TotalScore = 20
	require.Error(t, r.Validate())
}

func TestRubricValidateRejectsDuplicateQuestionIDs(t *testing.T) {
	r := sampleRubric()
	r.Questions[1].QuestionID = "Q1"
	require.Error(t, r.Validate())
}

func TestRubricValidateRejectsEmpty(t *testing.T) {
	r := &Rubric{}
	require.Error(t, r.Validate())
}

func TestRubricRoundTrip(t *testing.T) {
	r := sampleRubric()
	b, err := json.Marshal(r)
	require.NoError(t, err)

	var back Rubric
	require.NoError(t, json.Unmarshal(b, &back))
	if diff := cmp.Diff(r, &back); diff != "" {
		t.Fatalf("rubric changed across round trip (-want +got):\n%s", diff)
	}
}

func TestStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to RunStatus
		ok       bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusCancelled, true},
		{StatusQueued, StatusCompleted, false},
		{StatusRunning, StatusPausedRubricReview, true},
		{StatusRunning, StatusPausedResultReview, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusQueued, false},
		{StatusPausedRubricReview, StatusRunning, true},
		{StatusPausedRubricReview, StatusCancelled, true},
		{StatusPausedRubricReview, StatusCompleted, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusRunning, false},
		{StatusCancelled, StatusFailed, false},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.ok, tc.from.CanTransitionTo(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatuses(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.False(t, StatusPausedRubricReview.IsTerminal())
}

func TestCacheEntryExpiry(t *testing.T) {
	now := time.Now()
	e := &CacheEntry{StoredAt: now, TTLSeconds: 60}
	assert.False(t, e.Expired(now.Add(30*time.Second)))
	assert.True(t, e.Expired(now.Add(61*time.Second)))

	forever := &CacheEntry{StoredAt: now, TTLSeconds: 0}
	assert.False(t, forever.Expired(now.Add(365*24*time.Hour)))
}

func TestRunSpecValidate(t *testing.T) {
	spec := &RunSpec{
		TeacherID:      "t-1",
		AnswerDocument: Document{Name: "answers.pdf", Kind: "pdf", Data: []byte("%PDF")},
		RubricDocument: &Document{Name: "rubric.png", Kind: "png", Data: []byte{1}},
	}
	require.NoError(t, spec.Validate())

	spec.RubricDocument = nil
	err := spec.Validate()
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))

	spec.RubricFingerprint = "abc123"
	require.NoError(t, spec.Validate())
}

func TestReviewValidate(t *testing.T) {
	rr := &RubricReview{Action: ReviewUpdate}
	require.Error(t, rr.Validate())
	rr.ParsedRubric = sampleRubric()
	require.NoError(t, rr.Validate())

	res := &ResultsReview{Action: ReviewRegrade}
	require.Error(t, res.Validate())
	res.RegradeItems = []RegradeItem{{StudentKey: "alice", QuestionID: "Q1"}}
	require.NoError(t, res.Validate())
}

func TestErrorKindClassification(t *testing.T) {
	err := Ef(KindSchema, "missing field %q", "questions")
	assert.Equal(t, KindSchema, KindOf(err))

	wrapped := WrapErr(KindTransientRemote, "gateway call", err)
	// The outermost kind wins.
	assert.Equal(t, KindTransientRemote, KindOf(wrapped))

	assert.True(t, KindValidation.Terminal())
	assert.True(t, KindCancellation.Terminal())
	assert.False(t, KindTransientRemote.Terminal())
	assert.False(t, KindSchema.Terminal())
}

func TestStageCompletedEvent(t *testing.T) {
	assert.Equal(t, EventType("intake_completed"), StageCompletedEvent(StageIntake))
	assert.Equal(t, EventType("rubric_parse_completed"), StageCompletedEvent(StageRubricParse))
	assert.Equal(t, EventType("aggregate_completed"), StageCompletedEvent(StageAggregate))
}

func TestClamps(t *testing.T) {
	assert.Equal(t, 0.0, ClampScore(-1, 10))
	assert.Equal(t, 10.0, ClampScore(12, 10))
	assert.Equal(t, 7.5, ClampScore(7.5, 10))
	assert.Equal(t, 1.0, ClampUnit(1.3))
	assert.Equal(t, 0.0, ClampUnit(-0.2))
}

func TestStageOrderCoversPipeline(t *testing.T) {
	require.Len(t, StageOrder, 11)
	assert.Equal(t, StageIntake, StageOrder[0])
	assert.Equal(t, StageExport, StageOrder[len(StageOrder)-1])
	assert.Equal(t, 5, StageIndexOf(StageGradeBatch))
	assert.Equal(t, -1, StageIndexOf(Stage("bogus")))
}
