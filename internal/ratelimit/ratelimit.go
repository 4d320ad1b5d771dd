// Package ratelimit implements an aligned sliding-window counter over the
// key-value store. Windows align to multiples of the window length, which
// admits a brief (at most 2x) burst at window boundaries in exchange for a
// single atomic increment per acquisition. The limiter fails open: a
// backing-store error allows the request.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"marksman/internal/kv"
	"marksman/internal/logging"
)

// Well-known limiter keys. Per-user keys are "user:<id>".
const (
	KeyModelAPI = "model_api"
	KeyGlobal   = "global"
)

// UserKey builds the per-user limiter key.
func UserKey(id string) string { return "user:" + id }

// Limiter counts acquisitions per (key, window).
type Limiter struct {
	store kv.Store

	// now is injectable so window tests do not sleep.
	now func() time.Time
}

// New builds a limiter over the given store.
func New(store kv.Store) *Limiter {
	return &Limiter{store: store, now: time.Now}
}

// counterKey aligns now down to the window start.
// Layout: rate_limit:<key>:<window_start_unix>.
func (l *Limiter) counterKey(key string, window time.Duration) string {
	sec := int64(window / time.Second)
	if sec < 1 {
		sec = 1
	}
	start := l.now().Unix() / sec * sec
	return fmt.Sprintf("rate_limit:%s:%d", key, start)
}

// Acquire increments the counter for the current window and reports whether
// the post-increment count stays within max. The expiry set on the window's
// first write reclaims the counter once the window passes. On store error it
// returns true (fail-open) and logs a warning.
func (l *Limiter) Acquire(ctx context.Context, key string, max int, window time.Duration) bool {
	if err := ctx.Err(); err != nil {
		return false
	}
	if max <= 0 {
		return true // unconfigured limit
	}

	count, err := l.store.Incr(l.counterKey(key, window), int64(window/time.Second))
	if err != nil {
		logging.Get(logging.CategoryRate).Warn("acquire %s: store error, failing open: %v", key, err)
		return true
	}
	allowed := count <= int64(max)
	if !allowed {
		logging.Get(logging.CategoryRate).Debug("acquire %s denied (%d/%d in window)", key, count, max)
	}
	return allowed
}

// Remaining reports how many acquisitions are left in the current window.
// Store errors report the full budget (fail-open).
func (l *Limiter) Remaining(ctx context.Context, key string, max int, window time.Duration) int {
	if err := ctx.Err(); err != nil {
		return 0
	}
	raw, found, err := l.store.Get(l.counterKey(key, window))
	if err != nil {
		logging.Get(logging.CategoryRate).Warn("remaining %s: store error: %v", key, err)
		return max
	}
	if !found {
		return max
	}
	used := decodeCount(raw)
	if used >= int64(max) {
		return 0
	}
	return max - int(used)
}

// Reset clears the current window's counter for key.
func (l *Limiter) Reset(ctx context.Context, key string, window time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.store.Delete(l.counterKey(key, window))
}

// decodeCount reads the kv counter encoding (big-endian int64).
func decodeCount(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	var v int64
	for _, c := range b {
		v = v<<8 | int64(c)
	}
	return v
}
