package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRates() Rates {
	return Rates{USDPer1KPromptTokens: 0.5, USDPer1KCompletionTokens: 1.0}
}

func TestAddAccumulatesTokensAndUSD(t *testing.T) {
	tr, err := NewTracker("", testRates())
	require.NoError(t, err)

	tr.Register("run_1", 0)
	tr.Add("run_1", Usage{Model: "gemini-2.5-flash", Kind: "grade_batch", PromptTokens: 2000, CompletionTokens: 1000})
	tr.Add("run_1", Usage{Model: "gemini-2.5-flash", Kind: "rubric_parse", PromptTokens: 1000, CompletionTokens: 500})

	s := tr.Summary("run_1")
	require.NotNil(t, s)
	assert.EqualValues(t, 3000, s.PromptTokens)
	assert.EqualValues(t, 1500, s.CompletionTokens)
	// 3.0 * 0.5 + 1.5 * 1.0
	assert.InDelta(t, 3.0, s.EstimatedUSD, 1e-9)
	assert.EqualValues(t, 3000, s.ByKind["grade_batch"])
	assert.EqualValues(t, 1500, s.ByKind["rubric_parse"])
	assert.EqualValues(t, 4500, s.ByModel["gemini-2.5-flash"])
}

func TestSoftBudgetWarnsExactlyOnce(t *testing.T) {
	tr, err := NewTracker("", testRates())
	require.NoError(t, err)

	tr.Register("run_1", 1.0) // $1 soft budget

	assert.False(t, tr.Add("run_1", Usage{PromptTokens: 1000})) // $0.50
	assert.True(t, tr.Add("run_1", Usage{PromptTokens: 2000}), "crossing the budget fires once") // $1.50
	assert.False(t, tr.Add("run_1", Usage{PromptTokens: 2000}), "already warned")
}

func TestZeroBudgetNeverWarns(t *testing.T) {
	tr, err := NewTracker("", testRates())
	require.NoError(t, err)
	tr.Register("run_1", 0)
	assert.False(t, tr.Add("run_1", Usage{PromptTokens: 1_000_000}))
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	tr, err := NewTracker(dir, testRates())
	require.NoError(t, err)
	tr.Register("run_1", 0)
	tr.Add("run_1", Usage{Kind: "confession", PromptTokens: 100, CompletionTokens: 50})
	require.NoError(t, tr.Save())

	reloaded, err := NewTracker(dir, testRates())
	require.NoError(t, err)
	s := reloaded.Summary("run_1")
	require.NotNil(t, s)
	assert.EqualValues(t, 100, s.PromptTokens)
}

func TestReleaseDropsAccount(t *testing.T) {
	tr, err := NewTracker("", testRates())
	require.NoError(t, err)
	tr.Register("run_1", 0)
	tr.Add("run_1", Usage{PromptTokens: 10})
	tr.Release("run_1")
	assert.Nil(t, tr.Summary("run_1"))
}
