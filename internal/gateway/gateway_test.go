package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marksman/internal/budget"
	"marksman/internal/cache"
	"marksman/internal/events"
	"marksman/internal/kv"
	"marksman/internal/ratelimit"
	"marksman/internal/retry"
	"marksman/internal/store"
	"marksman/internal/types"
)

const unitGradeJSON = `{
	"feedback": "correct derivation",
	"confidence": 0.95,
	"scoring_point_results": [
		{"point_id": "p1", "awarded": 2, "evidence": "line 3", "citation_quality": "high", "confidence": 0.95, "page_index": 0}
	]
}`

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		InitialInterval:    time.Millisecond,
		BackoffCoefficient: 1.0,
		MaximumInterval:    time.Millisecond,
		MaximumAttempts:    attempts,
		NonRetryable:       []types.ErrorKind{types.KindValidation, types.KindSchema},
	}
}

func newBudgetTracker(t *testing.T) *budget.Tracker {
	t.Helper()
	tr, err := budget.NewTracker("", budget.Rates{USDPer1KPromptTokens: 1, USDPer1KCompletionTokens: 1})
	require.NoError(t, err)
	return tr
}

func newTestLog(t *testing.T) *events.Log {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return events.NewLog(st, events.NewBus())
}

func eventTypes(t *testing.T, log *events.Log, runID string) []types.EventType {
	t.Helper()
	recs, err := log.After(runID, 0, 0)
	require.NoError(t, err)
	out := make([]types.EventType, len(recs))
	for i, r := range recs {
		out[i] = r.Type
	}
	return out
}

func TestCallReturnsValidatedParsed(t *testing.T) {
	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{DefaultRetry: fastPolicy(2)})
	require.NoError(t, err)

	resp, err := g.Call(context.Background(), &Request{
		RunID: "run-1", NodeID: "n1", Kind: KindGradeBatch, Prompt: "grade this",
	})
	require.NoError(t, err)

	var grade UnitGrade
	require.NoError(t, json.Unmarshal(resp.Parsed, &grade))
	assert.InDelta(t, 0.95, grade.Confidence, 1e-9)
	require.Len(t, grade.ScoringPointResults, 1)
	assert.Equal(t, "p1", grade.ScoringPointResults[0].PointID)
}

func TestCallStripsCodeFences(t *testing.T) {
	mock := NewMock().Script(KindGradeBatch, "```json\n"+unitGradeJSON+"\n```")
	g, err := New(mock, Options{DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	resp, err := g.Call(context.Background(), &Request{Kind: KindGradeBatch, Prompt: "x"})
	require.NoError(t, err)
	var grade UnitGrade
	require.NoError(t, json.Unmarshal(resp.Parsed, &grade))
}

func TestSchemaViolationIsTerminal(t *testing.T) {
	// Missing required confidence; must not be retried.
	mock := NewMock().Script(KindGradeBatch, `{"scoring_point_results": []}`)
	g, err := New(mock, Options{DefaultRetry: fastPolicy(3)})
	require.NoError(t, err)

	_, err = g.Call(context.Background(), &Request{Kind: KindGradeBatch, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.KindSchema, types.KindOf(err))
	assert.Equal(t, 1, mock.CallCount(KindGradeBatch))
}

func TestTransientFailureRetriesAndEmitsEvents(t *testing.T) {
	log := newTestLog(t)
	mock := NewMock().
		ScriptErr(KindGradeBatch, types.E(types.KindTransientRemote, "upstream 503")).
		Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{Log: log, DefaultRetry: fastPolicy(3)})
	require.NoError(t, err)

	_, err = g.Call(context.Background(), &Request{RunID: "run-1", NodeID: "n1", Kind: KindGradeBatch, Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount(KindGradeBatch))

	// Every attempt leaves a retry_attempt record: the first with no
	// backoff and no prior error, the retry with both.
	recs, err := log.After("run-1", 0, 0)
	require.NoError(t, err)
	var attempts []types.RetryAttemptPayload
	for _, rec := range recs {
		if rec.Type != types.EventRetryAttempt {
			continue
		}
		var p types.RetryAttemptPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		attempts = append(attempts, p)
	}
	require.Len(t, attempts, 2)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Empty(t, attempts[0].Backoff)
	assert.Empty(t, attempts[0].Error)
	assert.Equal(t, 2, attempts[1].Attempt)
	assert.NotEmpty(t, attempts[1].Backoff)
	assert.Contains(t, attempts[1].Error, "upstream 503")
	assert.Equal(t, "n1", attempts[1].NodeID)
}

func TestCachePopulateAndHit(t *testing.T) {
	log := newTestLog(t)
	sem := cache.NewSemantic(kv.NewMemory(), time.Hour, 0.9)
	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{Cache: sem, Log: log, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	req := func() *Request {
		return &Request{
			RunID: "run-1", NodeID: "n1", Kind: KindGradeBatch, Prompt: "x",
			CacheEligible: true, RubricFP: "rfp", ImageFPs: []string{"dh1:0011223344556677"},
		}
	}

	first, err := g.Call(context.Background(), req())
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := g.Call(context.Background(), req())
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, 1, mock.CallCount(KindGradeBatch), "second call served from cache")
	assert.Contains(t, eventTypes(t, log, "run-1"), types.EventCacheHit)

	var grade UnitGrade
	require.NoError(t, json.Unmarshal(second.Parsed, &grade))
	require.Len(t, grade.ScoringPointResults, 1)
	assert.Equal(t, "p1", grade.ScoringPointResults[0].PointID)
}

func TestCacheBypassForcesModelCall(t *testing.T) {
	sem := cache.NewSemantic(kv.NewMemory(), time.Hour, 0.9)
	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{Cache: sem, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	base := Request{
		RunID: "run-1", Kind: KindGradeBatch, Prompt: "x",
		CacheEligible: true, RubricFP: "rfp", ImageFPs: []string{"fp"},
	}
	r1 := base
	_, err = g.Call(context.Background(), &r1)
	require.NoError(t, err)

	regrade := base
	regrade.CacheEligible = false
	resp, err := g.Call(context.Background(), &regrade)
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	assert.Equal(t, 2, mock.CallCount(KindGradeBatch))
}

func TestLowConfidenceNotCached(t *testing.T) {
	sem := cache.NewSemantic(kv.NewMemory(), time.Hour, 0.9)
	low := `{"confidence": 0.5, "scoring_point_results": []}`
	mock := NewMock().Script(KindGradeBatch, low)
	g, err := New(mock, Options{Cache: sem, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	req := Request{
		RunID: "run-1", Kind: KindGradeBatch, Prompt: "x",
		CacheEligible: true, RubricFP: "rfp", ImageFPs: []string{"fp"},
	}
	r1 := req
	_, err = g.Call(context.Background(), &r1)
	require.NoError(t, err)

	r2 := req
	resp, err := g.Call(context.Background(), &r2)
	require.NoError(t, err)
	assert.False(t, resp.FromCache, "confidence below gate never populates the cache")
	assert.Equal(t, 2, mock.CallCount(KindGradeBatch))
}

func TestNonGradeKindsSkipCache(t *testing.T) {
	sem := cache.NewSemantic(kv.NewMemory(), time.Hour, 0.9)
	mock := NewMock().Script(KindPageDescribe, `{"has_header": true, "student_key": "alice", "confidence": 0.9}`)
	g, err := New(mock, Options{Cache: sem, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	req := Request{
		RunID: "run-1", Kind: KindPageDescribe, Prompt: "x",
		CacheEligible: true, RubricFP: "rfp", ImageFPs: []string{"fp"},
	}
	r1, r2 := req, req
	_, err = g.Call(context.Background(), &r1)
	require.NoError(t, err)
	_, err = g.Call(context.Background(), &r2)
	require.NoError(t, err)
	assert.Equal(t, 2, mock.CallCount(KindPageDescribe))
}

func TestRateLimitDenialBacksOffThenSucceeds(t *testing.T) {
	mem := kv.NewMemory()
	limiter := ratelimit.New(mem)
	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{
		Limiter:       limiter,
		ModelAPILimit: WindowLimit{Max: 1, Window: time.Second},
		DefaultRetry:  fastPolicy(5),
	})
	require.NoError(t, err)

	// Exhaust the window, then the call must retry past the denial once the
	// window rolls. With a 1s window and millisecond backoff the envelope
	// exhausts before rollover, so assert denial surfaces as transient.
	ctx := context.Background()
	require.True(t, limiter.Acquire(ctx, ratelimit.KeyModelAPI, 1, time.Second))

	_, err = g.Call(ctx, &Request{Kind: KindGradeBatch, Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.KindTransientRemote, types.KindOf(err))
	assert.Zero(t, mock.CallCount(KindGradeBatch), "denied before reaching the provider")
}

func TestStreamChunksLogged(t *testing.T) {
	log := newTestLog(t)
	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{Log: log, Stream: true, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	_, err = g.Call(context.Background(), &Request{RunID: "run-1", NodeID: "n1", Kind: KindGradeBatch, Prompt: "x"})
	require.NoError(t, err)

	recs, err := log.After("run-1", 0, 0)
	require.NoError(t, err)
	var chunks []types.StreamChunkPayload
	for _, rec := range recs {
		if rec.Type != types.EventLLMStreamChunk {
			continue
		}
		var p types.StreamChunkPayload
		require.NoError(t, json.Unmarshal(rec.Payload, &p))
		chunks = append(chunks, p)
	}
	require.Len(t, chunks, 2)
	assert.Equal(t, 0, chunks[0].Index)
	assert.Equal(t, 1, chunks[1].Index)
	assert.Equal(t, "n1", chunks[0].NodeID)
	assert.Equal(t, unitGradeJSON, chunks[0].Chunk+chunks[1].Chunk)
}

func TestBudgetWarningEmittedOnce(t *testing.T) {
	log := newTestLog(t)
	tracker := newBudgetTracker(t)
	tracker.Register("run-1", 0.001) // tiny soft budget

	mock := NewMock().Script(KindGradeBatch, unitGradeJSON)
	g, err := New(mock, Options{Log: log, Budget: tracker, DefaultRetry: fastPolicy(1)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := g.Call(context.Background(), &Request{RunID: "run-1", Kind: KindGradeBatch, Prompt: "x"})
		require.NoError(t, err)
	}

	warned := 0
	for _, typ := range eventTypes(t, log, "run-1") {
		if typ == types.EventBudgetWarning {
			warned++
		}
	}
	assert.Equal(t, 1, warned)
}

func TestMissingKindRejected(t *testing.T) {
	g, err := New(NewMock(), Options{})
	require.NoError(t, err)
	_, err = g.Call(context.Background(), &Request{Prompt: "x"})
	require.Error(t, err)
	assert.Equal(t, types.KindValidation, types.KindOf(err))
}

func TestValidatorAllKindsCompile(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	assert.NoError(t, v.Validate(KindPageDescribe, []byte(`{"has_header": false, "confidence": 0.2}`)))
	assert.Error(t, v.Validate(KindPageDescribe, []byte(`{"confidence": 2.0}`)))
	assert.NoError(t, v.Validate(KindRubricParse, []byte(`{
		"total_score": 10,
		"questions": [{"question_id": "q1", "max_score": 10, "scoring_points": [
			{"point_id": "p1", "description": "d", "score": 10}
		]}]
	}`)))
	assert.Error(t, v.Validate(KindRubricParse, []byte(`{"questions": []}`)))
	// Unregistered kinds skip validation.
	assert.NoError(t, v.Validate(KindLogicReview, []byte(`not json`)))
}

func TestExtractJSON(t *testing.T) {
	assert.Equal(t, `{"a":1}`, extractJSON("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON("```\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, extractJSON(`  {"a":1}  `))
}
