package kv

import (
	"errors"
	"sync/atomic"
)

// ErrInjected is the failure every broken Flaky operation returns.
var ErrInjected = errors.New("kv: injected failure")

// Flaky wraps a Store with on-demand fault injection so callers' fail-open
// paths are testable. While Break is set every operation fails; Heal restores
// pass-through behaviour.
type Flaky struct {
	Inner  Store
	broken atomic.Bool
	fails  atomic.Int64
}

// NewFlaky wraps inner in working condition.
func NewFlaky(inner Store) *Flaky {
	return &Flaky{Inner: inner}
}

// Break makes every subsequent operation fail.
func (f *Flaky) Break() { f.broken.Store(true) }

// Heal restores pass-through behaviour.
func (f *Flaky) Heal() { f.broken.Store(false) }

// Failures reports how many operations were rejected while broken.
func (f *Flaky) Failures() int64 { return f.fails.Load() }

func (f *Flaky) fail() error {
	f.fails.Add(1)
	return ErrInjected
}

func (f *Flaky) Get(key string) ([]byte, bool, error) {
	if f.broken.Load() {
		return nil, false, f.fail()
	}
	return f.Inner.Get(key)
}

func (f *Flaky) Set(key string, value []byte, ttlSeconds int64) error {
	if f.broken.Load() {
		return f.fail()
	}
	return f.Inner.Set(key, value, ttlSeconds)
}

func (f *Flaky) Incr(key string, ttlSeconds int64) (int64, error) {
	if f.broken.Load() {
		return 0, f.fail()
	}
	return f.Inner.Incr(key, ttlSeconds)
}

func (f *Flaky) Delete(key string) error {
	if f.broken.Load() {
		return f.fail()
	}
	return f.Inner.Delete(key)
}

func (f *Flaky) DeleteByPrefix(prefix string) (int, error) {
	if f.broken.Load() {
		return 0, f.fail()
	}
	return f.Inner.DeleteByPrefix(prefix)
}

func (f *Flaky) Close() error {
	return f.Inner.Close()
}
