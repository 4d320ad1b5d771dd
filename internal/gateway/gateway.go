package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"marksman/internal/budget"
	"marksman/internal/cache"
	"marksman/internal/events"
	"marksman/internal/fingerprint"
	"marksman/internal/logging"
	"marksman/internal/ratelimit"
	"marksman/internal/retry"
	"marksman/internal/types"
)

// WindowLimit is one sliding-window quota the gateway acquires per call.
type WindowLimit struct {
	Max    int
	Window time.Duration
}

// Options wires the gateway's collaborators. Nil fields disable the
// corresponding concern (tests compose only what they exercise).
type Options struct {
	Cache   *cache.Semantic
	Limiter *ratelimit.Limiter
	Log     *events.Log
	Budget  *budget.Tracker

	ModelAPILimit WindowLimit
	GlobalLimit   WindowLimit

	// PaceRequestsPerSecond smooths request departure on top of the
	// windowed quotas. 0 disables the pacer.
	PaceRequestsPerSecond float64

	// Stream selects CompleteStream and llm_stream_chunk emission.
	Stream bool

	DefaultRetry retry.Policy
}

// Gateway fronts a Provider with caching, rate limiting, retries, schema
// validation, and accounting. Calls sharing a (run, node) pair serialise.
type Gateway struct {
	provider  Provider
	validator *Validator
	opts      Options
	pacer     *rate.Limiter

	mu        sync.Mutex
	nodeLocks map[string]*sync.Mutex
}

// New builds a gateway over the provider.
func New(provider Provider, opts Options) (*Gateway, error) {
	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}
	if opts.DefaultRetry.MaximumAttempts == 0 {
		opts.DefaultRetry = retry.DefaultPolicy()
	}
	g := &Gateway{
		provider:  provider,
		validator: validator,
		opts:      opts,
		nodeLocks: make(map[string]*sync.Mutex),
	}
	if opts.PaceRequestsPerSecond > 0 {
		g.pacer = rate.NewLimiter(rate.Limit(opts.PaceRequestsPerSecond), 1)
	}
	return g, nil
}

// Provider exposes the underlying provider name for the stats endpoint.
func (g *Gateway) Provider() string { return g.provider.Name() }

// nodeLock returns the mutex serialising calls for one (run, node) pair.
func (g *Gateway) nodeLock(runID, nodeID string) *sync.Mutex {
	key := runID + "\x00" + nodeID
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.nodeLocks[key]; ok {
		return m
	}
	m := &sync.Mutex{}
	g.nodeLocks[key] = m
	return m
}

// ReleaseRun drops the node locks of a finished run.
func (g *Gateway) ReleaseRun(runID string) {
	prefix := runID + "\x00"
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.nodeLocks {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			delete(g.nodeLocks, key)
		}
	}
}

// cacheImageFP collapses the request's image fingerprints into the cache
// key's image component.
func cacheImageFP(req *Request) string {
	if len(req.ImageFPs) == 1 {
		return req.ImageFPs[0]
	}
	return fingerprint.Unit(req.RubricFP, req.ImageFPs)
}

func (g *Gateway) cacheEligible(req *Request) bool {
	return g.opts.Cache != nil && req.CacheEligible &&
		req.Kind == KindGradeBatch && req.RubricFP != "" && len(req.ImageFPs) > 0
}

// appendEvent writes to the run's event log, swallowing log failures: event
// emission never fails a model call.
func (g *Gateway) appendEvent(runID string, typ types.EventType, payload interface{}) {
	if g.opts.Log == nil || runID == "" {
		return
	}
	if _, err := g.opts.Log.Append(runID, typ, payload); err != nil {
		logging.Get(logging.CategoryGateway).Warn("event %s for run %s not recorded: %v", typ, runID, err)
	}
}

// Call runs one model request through the full flow: cache consult, rate
// limits and pacing, the retry envelope around the provider, schema
// validation, budget accounting, and cache population.
func (g *Gateway) Call(ctx context.Context, req *Request) (*Response, error) {
	if req.Kind == "" {
		return nil, types.E(types.KindValidation, "request kind is required")
	}
	if req.NodeID != "" {
		lock := g.nodeLock(req.RunID, req.NodeID)
		lock.Lock()
		defer lock.Unlock()
	}

	if g.cacheEligible(req) {
		if entry, ok := g.opts.Cache.Get(ctx, req.RubricFP, cacheImageFP(req)); ok {
			return g.fromCache(req, entry)
		}
	}

	policy := g.opts.DefaultRetry
	if req.Retry.MaximumAttempts > 0 {
		policy = req.Retry
	}

	timer := logging.StartTimer(logging.CategoryGateway, string(req.Kind)+" call")
	resp, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*Response, error) {
		return g.attempt(ctx, req)
	}, nil, func(attempt int, lastErr error) {
		payload := types.RetryAttemptPayload{NodeID: req.NodeID, Attempt: attempt}
		if attempt > 1 {
			payload.Backoff = policy.Backoff(attempt - 1).String()
		}
		if lastErr != nil {
			payload.Error = lastErr.Error()
		}
		g.appendEvent(req.RunID, types.EventRetryAttempt, payload)
	})
	timer.Stop()
	if err != nil {
		logging.Get(logging.CategoryGateway).Warn("%s call failed (run=%s node=%s): %v",
			req.Kind, req.RunID, req.NodeID, err)
		return nil, err
	}

	g.account(req, resp)
	g.populateCache(ctx, req, resp)
	return resp, nil
}

// attempt is one provider round trip: quota acquisition, pacing, the call
// itself, and schema validation.
func (g *Gateway) attempt(ctx context.Context, req *Request) (*Response, error) {
	if g.opts.Limiter != nil {
		if l := g.opts.ModelAPILimit; !g.opts.Limiter.Acquire(ctx, ratelimit.KeyModelAPI, l.Max, l.Window) {
			return nil, types.E(types.KindTransientRemote, "model_api rate limit reached")
		}
		if l := g.opts.GlobalLimit; !g.opts.Limiter.Acquire(ctx, ratelimit.KeyGlobal, l.Max, l.Window) {
			return nil, types.E(types.KindTransientRemote, "global rate limit reached")
		}
	}
	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			return nil, types.WrapErr(types.KindCancellation, "pacer wait interrupted", err)
		}
	}

	var resp *Response
	var err error
	if g.opts.Stream {
		index := 0
		resp, err = g.provider.CompleteStream(ctx, req, func(chunk string) {
			g.appendEvent(req.RunID, types.EventLLMStreamChunk, types.StreamChunkPayload{
				NodeID: req.NodeID,
				Kind:   string(req.Kind),
				Chunk:  chunk,
				Index:  index,
			})
			index++
		})
	} else {
		resp, err = g.provider.Complete(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	parsed := []byte(extractJSON(resp.Text))
	if err := g.validator.Validate(req.Kind, parsed); err != nil {
		return nil, err
	}
	resp.Parsed = parsed
	return resp, nil
}

// fromCache synthesises a response from a cache entry and emits cache_hit.
func (g *Gateway) fromCache(req *Request, entry *types.CacheEntry) (*Response, error) {
	parsed, err := json.Marshal(UnitGrade{
		Confidence:          entry.Confidence,
		ScoringPointResults: entry.Artifact,
	})
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "cache entry unmarshalable", err)
	}
	g.appendEvent(req.RunID, types.EventCacheHit, map[string]string{
		"node_id": req.NodeID,
		"key":     entry.Key,
	})
	logging.Gateway("cache hit for run %s node %s", req.RunID, req.NodeID)
	return &Response{Parsed: parsed, FromCache: true}, nil
}

// account feeds budget tracking and emits the one-shot budget_warning.
func (g *Gateway) account(req *Request, resp *Response) {
	if g.opts.Budget == nil || req.RunID == "" {
		return
	}
	crossed := g.opts.Budget.Add(req.RunID, budget.Usage{
		Model:            resp.Model,
		Kind:             string(req.Kind),
		PromptTokens:     resp.PromptTokens,
		CompletionTokens: resp.CompletionTokens,
	})
	if crossed {
		summary := g.opts.Budget.Summary(req.RunID)
		g.appendEvent(req.RunID, types.EventBudgetWarning, summary)
	}
}

// populateCache stores a grade_batch result when its confidence clears the
// cache gate.
func (g *Gateway) populateCache(ctx context.Context, req *Request, resp *Response) {
	if !g.cacheEligible(req) || resp.FromCache {
		return
	}
	var grade UnitGrade
	if err := json.Unmarshal(resp.Parsed, &grade); err != nil {
		return
	}
	g.opts.Cache.Put(ctx, req.RubricFP, cacheImageFP(req), grade.ScoringPointResults, grade.Confidence)
}
