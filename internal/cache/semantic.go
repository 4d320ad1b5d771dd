// Package cache implements the two caches the grading pipeline uses: the
// semantic result cache (backed by the key-value store, TTL-evicted,
// confidence-gated) and the in-memory batch-image cache (LRU-evicted).
// The two share configuration proximity and nothing else.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"marksman/internal/kv"
	"marksman/internal/logging"
	"marksman/internal/types"
)

// KeyPrefix versions the semantic cache key space.
const KeyPrefix = "grade_cache:v1:"

// Key builds the cache key for a (rubric, image) fingerprint pair.
func Key(rubricFP, imageFP string) string {
	return KeyPrefix + rubricFP + ":" + imageFP
}

// Semantic maps (rubric_fp, image_fp) to grading artifacts. Every operation
// is fail-open: backing-store trouble degrades to a miss / not-stored / zero
// and a warning, never an error to the caller. Last-writer-wins.
type Semantic struct {
	store         kv.Store
	ttl           time.Duration
	minConfidence float64

	// now is injectable for expiry tests.
	now func() time.Time
}

// NewSemantic builds the semantic cache over a key-value store.
func NewSemantic(store kv.Store, ttl time.Duration, minConfidence float64) *Semantic {
	return &Semantic{
		store:         store,
		ttl:           ttl,
		minConfidence: minConfidence,
		now:           time.Now,
	}
}

// Get returns the stored artifact if present and not expired.
func (c *Semantic) Get(ctx context.Context, rubricFP, imageFP string) (*types.CacheEntry, bool) {
	if err := ctx.Err(); err != nil {
		return nil, false
	}
	key := Key(rubricFP, imageFP)
	raw, found, err := c.store.Get(key)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("get %s failed, treating as miss: %v", key, err)
		return nil, false
	}
	if !found {
		return nil, false
	}

	var entry types.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logging.Get(logging.CategoryCache).Warn("get %s: undecodable entry dropped: %v", key, err)
		_ = c.store.Delete(key)
		return nil, false
	}
	if entry.Expired(c.now()) {
		_ = c.store.Delete(key)
		return nil, false
	}
	return &entry, true
}

// Put stores the artifact when its confidence clears the gate. The boolean
// reports whether the entry was stored; failures are logged, never raised.
func (c *Semantic) Put(ctx context.Context, rubricFP, imageFP string, artifact []types.ScoringPointResult, confidence float64) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	if confidence <= c.minConfidence {
		return false
	}

	key := Key(rubricFP, imageFP)
	entry := types.CacheEntry{
		Key:        key,
		Artifact:   artifact,
		StoredAt:   c.now(),
		TTLSeconds: int64(c.ttl / time.Second),
		Confidence: confidence,
	}
	raw, err := json.Marshal(&entry)
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("put %s: marshal failed: %v", key, err)
		return false
	}
	if err := c.store.Set(key, raw, entry.TTLSeconds); err != nil {
		logging.Get(logging.CategoryCache).Warn("put %s failed, not stored: %v", key, err)
		return false
	}
	logging.Get(logging.CategoryCache).Debug("stored %s (confidence=%.2f)", key, confidence)
	return true
}

// InvalidateByRubric deletes every entry under the rubric fingerprint and
// returns the count; zero on backing-store failure.
func (c *Semantic) InvalidateByRubric(ctx context.Context, rubricFP string) int {
	if err := ctx.Err(); err != nil {
		return 0
	}
	n, err := c.store.DeleteByPrefix(KeyPrefix + rubricFP + ":")
	if err != nil {
		logging.Get(logging.CategoryCache).Warn("invalidate rubric %s failed: %v", rubricFP, err)
		return 0
	}
	logging.Cache("invalidated %d entries for rubric %s", n, rubricFP)
	return n
}
