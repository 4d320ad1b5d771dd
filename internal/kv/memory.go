package kv

import (
	"strings"
	"sync"
	"time"
)

// Memory is the in-memory Store implementation used by tests and by
// single-process deployments that do not need persistence.
type Memory struct {
	mu     sync.Mutex
	data   map[string]memEntry
	closed bool

	// Now is injectable so expiry tests do not sleep.
	Now func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt int64 // unix seconds; 0 = never
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memEntry),
		Now:  time.Now,
	}
}

func (m *Memory) live(e memEntry) bool {
	return e.expiresAt == 0 || m.Now().Unix() < e.expiresAt
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false, ErrClosed
	}
	e, ok := m.data[key]
	if !ok || !m.live(e) {
		delete(m.data, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (m *Memory) Set(key string, value []byte, ttlSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	e := memEntry{value: append([]byte(nil), value...)}
	if ttlSeconds > 0 {
		e.expiresAt = m.Now().Unix() + ttlSeconds
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Incr(key string, ttlSeconds int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.data[key]
	var count int64
	var expiresAt int64
	if ok && m.live(e) {
		count = decodeCounter(e.value)
		expiresAt = e.expiresAt
	} else if ttlSeconds > 0 {
		expiresAt = m.Now().Unix() + ttlSeconds
	}
	count++
	m.data[key] = memEntry{value: encodeCounter(count), expiresAt: expiresAt}
	return count, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *Memory) DeleteByPrefix(prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	count := 0
	for k, e := range m.data {
		if strings.HasPrefix(k, prefix) {
			if m.live(e) {
				count++
			}
			delete(m.data, k)
		}
	}
	return count, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.data = make(map[string]memEntry)
	return nil
}

// Len reports the number of stored keys, expired entries included.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}
