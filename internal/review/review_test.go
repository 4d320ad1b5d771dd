package review

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marksman/internal/types"
)

func testRubric() *types.Rubric {
	return &types.Rubric{
		TotalScore: 10,
		Questions: []types.Question{
			{
				QuestionID: "q1", MaxScore: 6,
				ScoringPoints: []types.ScoringPoint{
					{PointID: "p1", Description: "setup", Score: 2},
					{PointID: "p2", Description: "derivation", Score: 4},
				},
			},
			{
				QuestionID: "q2", MaxScore: 4,
				ScoringPoints: []types.ScoringPoint{
					{PointID: "p1", Description: "definition", Score: 4},
				},
			},
		},
	}
}

func cleanResult() types.StudentResult {
	return types.StudentResult{
		StudentKey: "alice", TotalScore: 9, MaxTotalScore: 10,
		QuestionResults: []types.QuestionResult{
			{
				QuestionID: "q1", Score: 5, MaxScore: 6, Confidence: 0.95,
				ScoringPointResults: []types.ScoringPointResult{
					{PointID: "p1", Awarded: 2, Evidence: "line 1", CitationQuality: types.CitationHigh, Confidence: 0.95},
					{PointID: "p2", Awarded: 3, Evidence: "line 4", CitationQuality: types.CitationMedium, Confidence: 0.9},
				},
			},
			{
				QuestionID: "q2", Score: 4, MaxScore: 4, Confidence: 0.92,
				ScoringPointResults: []types.ScoringPointResult{
					{PointID: "p1", Awarded: 4, Evidence: "para 2", CitationQuality: types.CitationHigh, Confidence: 0.92},
				},
			},
		},
	}
}

func TestCleanResultProducesNoFlags(t *testing.T) {
	flags, err := Run(testRubric(), []types.StudentResult{cleanResult()})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestOverMaxPointFlagged(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].ScoringPointResults[0].Awarded = 2.5 // p1 max is 2

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	require.NotEmpty(t, flags)
	assert.Equal(t, FlagOverMaxPoint, flags[0].Code)
	assert.Equal(t, "alice", flags[0].StudentKey)
	assert.Equal(t, "q1", flags[0].QuestionID)
	assert.Contains(t, flags[0].Detail, "2.50")
}

func TestOverMaxQuestionAndTotalFlagged(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].Score = 7 // q1 max is 6
	sr.TotalScore = 11              // rubric total is 10

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)

	codes := make(map[string]bool)
	for _, f := range flags {
		codes[f.Code] = true
	}
	assert.True(t, codes[FlagOverMaxQuestion])
	assert.True(t, codes[FlagOverRubricTotal])
}

func TestAwardedWithoutEvidenceFlagged(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].ScoringPointResults[1].Evidence = "   "

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, FlagAwardedWithoutEvidence, flags[0].Code)
	assert.Contains(t, flags[0].Detail, "p2")
}

func TestZeroAwardWithoutEvidenceNotFlagged(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].ScoringPointResults[1].Awarded = 0
	sr.QuestionResults[0].ScoringPointResults[1].Evidence = ""
	sr.QuestionResults[0].Score = 2
	sr.TotalScore = 6

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	assert.Empty(t, flags, "withholding a point needs no evidence")
}

func TestMissingCitationHighAwardFlagged(t *testing.T) {
	sr := cleanResult()
	// Full award on q2/p1 with a missing citation.
	sr.QuestionResults[1].ScoringPointResults[0].CitationQuality = types.CitationMissing

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, FlagMissingCitationHigh, flags[0].Code)
	assert.Equal(t, "q2", flags[0].QuestionID)
}

func TestPartialAwardMissingCitationNotFlagged(t *testing.T) {
	sr := cleanResult()
	// p2 awarded 3 of 4: below the full-award bar for the citation rule.
	sr.QuestionResults[0].ScoringPointResults[1].CitationQuality = types.CitationMissing

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestDuplicatePointResultFlagged(t *testing.T) {
	sr := cleanResult()
	dup := sr.QuestionResults[0].ScoringPointResults[0]
	sr.QuestionResults[0].ScoringPointResults = append(sr.QuestionResults[0].ScoringPointResults, dup)

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	require.NotEmpty(t, flags)
	assert.Equal(t, FlagDuplicatePointResult, flags[0].Code)
	assert.Contains(t, flags[0].Detail, "2 times")
}

func TestUnscoredQuestionsSkipped(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].Unscored = true
	sr.QuestionResults[0].Score = 99 // would flag if considered
	sr.TotalScore = 4

	flags, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	assert.Empty(t, flags)
}

func TestDeterministicOrdering(t *testing.T) {
	sr := cleanResult()
	sr.QuestionResults[0].ScoringPointResults[0].Awarded = 3
	sr.QuestionResults[0].ScoringPointResults[1].Awarded = 5
	sr.QuestionResults[0].Score = 8
	sr.TotalScore = 12

	first, err := Run(testRubric(), []types.StudentResult{sr})
	require.NoError(t, err)
	require.NotEmpty(t, first)
	for i := 0; i < 5; i++ {
		again, err := Run(testRubric(), []types.StudentResult{sr})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
