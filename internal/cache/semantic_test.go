package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marksman/internal/kv"
	"marksman/internal/types"
)

func artifact() []types.ScoringPointResult {
	return []types.ScoringPointResult{
		{PointID: "1.1", Awarded: 6, Evidence: "x = 4", RubricReference: "1.1", CitationQuality: types.CitationHigh, Confidence: 0.95},
		{PointID: "1.2", Awarded: 2, Evidence: "partial simplification", RubricReference: "1.2", CitationQuality: types.CitationHigh, Confidence: 0.92},
	}
}

func newSemantic(t *testing.T) (*Semantic, *kv.Flaky) {
	t.Helper()
	flaky := kv.NewFlaky(kv.NewMemory())
	t.Cleanup(func() { flaky.Close() })
	return NewSemantic(flaky, 30*24*time.Hour, 0.9), flaky
}

func TestPutGetRoundTrip(t *testing.T) {
	c, _ := newSemantic(t)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "rub", "img", artifact(), 0.95))

	entry, ok := c.Get(ctx, "rub", "img")
	require.True(t, ok)
	assert.Equal(t, Key("rub", "img"), entry.Key)
	assert.InDelta(t, 0.95, entry.Confidence, 1e-9)
	assert.Empty(t, cmp.Diff(artifact(), entry.Artifact))
}

func TestPutRejectsLowConfidence(t *testing.T) {
	c, _ := newSemantic(t)
	ctx := context.Background()

	assert.False(t, c.Put(ctx, "rub", "img", artifact(), 0.9), "confidence must exceed the gate, not equal it")
	assert.False(t, c.Put(ctx, "rub", "img", artifact(), 0.5))

	_, ok := c.Get(ctx, "rub", "img")
	assert.False(t, ok)
}

func TestPutIsIdempotent(t *testing.T) {
	c, _ := newSemantic(t)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "rub", "img", artifact(), 0.95))
	first, ok := c.Get(ctx, "rub", "img")
	require.True(t, ok)

	require.True(t, c.Put(ctx, "rub", "img", artifact(), 0.95))
	second, ok := c.Get(ctx, "rub", "img")
	require.True(t, ok)

	assert.Empty(t, cmp.Diff(first.Artifact, second.Artifact))
	assert.Equal(t, first.Key, second.Key)
}

func TestGetHonoursTTL(t *testing.T) {
	c, _ := newSemantic(t)
	ctx := context.Background()
	base := time.Now()
	c.now = func() time.Time { return base }

	require.True(t, c.Put(ctx, "rub", "img", artifact(), 0.95))

	base = base.Add(29 * 24 * time.Hour)
	_, ok := c.Get(ctx, "rub", "img")
	assert.True(t, ok)

	base = base.Add(2 * 24 * time.Hour)
	_, ok = c.Get(ctx, "rub", "img")
	assert.False(t, ok, "entry past 30d TTL must miss")
}

func TestInvalidateByRubric(t *testing.T) {
	c, _ := newSemantic(t)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "rubA", "img1", artifact(), 0.95))
	require.True(t, c.Put(ctx, "rubA", "img2", artifact(), 0.95))
	require.True(t, c.Put(ctx, "rubB", "img1", artifact(), 0.95))

	assert.Equal(t, 2, c.InvalidateByRubric(ctx, "rubA"))

	_, ok := c.Get(ctx, "rubA", "img1")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "rubB", "img1")
	assert.True(t, ok)
}

func TestFailOpenOnStoreErrors(t *testing.T) {
	c, flaky := newSemantic(t)
	ctx := context.Background()

	require.True(t, c.Put(ctx, "rub", "img", artifact(), 0.95))

	flaky.Break()
	_, ok := c.Get(ctx, "rub", "img")
	assert.False(t, ok, "store failure reads as a miss")
	assert.False(t, c.Put(ctx, "rub", "img2", artifact(), 0.95), "store failure reads as not-stored")
	assert.Zero(t, c.InvalidateByRubric(ctx, "rub"))

	flaky.Heal()
	_, ok = c.Get(ctx, "rub", "img")
	assert.True(t, ok)
}

func TestCancelledContextMisses(t *testing.T) {
	c, _ := newSemantic(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := c.Get(ctx, "rub", "img")
	assert.False(t, ok)
	assert.False(t, c.Put(ctx, "rub", "img", artifact(), 0.95))
}
