package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"marksman/internal/logging"
)

// envelope wraps every stored value with its expiry instant. ExpiresAt == 0
// means the entry never expires.
type envelope struct {
	ExpiresAt int64  `json:"exp,omitempty"` // unix seconds
	Value     []byte `json:"v"`
}

// counterStripes serialises Incr per key so read-modify-write stays atomic
// without one global lock. LevelDB itself is single-writer safe.
const counterStripes = 64

// LevelDB is the persistent Store implementation.
type LevelDB struct {
	db      *leveldb.DB
	stripes [counterStripes]sync.Mutex
	closed  sync.Once
	done    chan struct{}

	// now is injectable for expiry tests.
	now func() time.Time
}

// OpenLevelDB opens (or creates) the database directory at path.
func OpenLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open leveldb at %s: %w", path, err)
	}
	logging.Store("kv: opened leveldb at %s", path)
	return &LevelDB{
		db:   db,
		done: make(chan struct{}),
		now:  time.Now,
	}, nil
}

func (l *LevelDB) isClosed() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

// Get returns the live value for key. Expired entries read as absent and are
// lazily deleted.
func (l *LevelDB) Get(key string) ([]byte, bool, error) {
	if l.isClosed() {
		return nil, false, ErrClosed
	}
	raw, err := l.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kv get %s: %w", key, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		// Unreadable entry: treat as absent and clear it.
		_ = l.db.Delete([]byte(key), nil)
		return nil, false, nil
	}
	if env.ExpiresAt > 0 && l.now().Unix() >= env.ExpiresAt {
		_ = l.db.Delete([]byte(key), nil)
		return nil, false, nil
	}
	return env.Value, true, nil
}

// Set stores value under key with the given ttl.
func (l *LevelDB) Set(key string, value []byte, ttlSeconds int64) error {
	if l.isClosed() {
		return ErrClosed
	}
	env := envelope{Value: value}
	if ttlSeconds > 0 {
		env.ExpiresAt = l.now().Unix() + ttlSeconds
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("kv marshal %s: %w", key, err)
	}
	if err := l.db.Put([]byte(key), raw, nil); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func stripeFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % counterStripes)
}

// Incr atomically increments the counter at key. The expiry set by the first
// increment of a window is preserved by later increments, matching the
// INCR-then-EXPIRE-on-first-write contract.
func (l *LevelDB) Incr(key string, ttlSeconds int64) (int64, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}
	mu := &l.stripes[stripeFor(key)]
	mu.Lock()
	defer mu.Unlock()

	var count int64
	var expiresAt int64

	raw, err := l.db.Get([]byte(key), nil)
	switch {
	case err == leveldb.ErrNotFound:
		// First write of the window.
		if ttlSeconds > 0 {
			expiresAt = l.now().Unix() + ttlSeconds
		}
	case err != nil:
		return 0, fmt.Errorf("kv incr %s: %w", key, err)
	default:
		var env envelope
		if jerr := json.Unmarshal(raw, &env); jerr == nil {
			if env.ExpiresAt > 0 && l.now().Unix() >= env.ExpiresAt {
				// Window rolled over; restart the counter.
				if ttlSeconds > 0 {
					expiresAt = l.now().Unix() + ttlSeconds
				}
			} else {
				count = decodeCounter(env.Value)
				expiresAt = env.ExpiresAt
			}
		} else if ttlSeconds > 0 {
			expiresAt = l.now().Unix() + ttlSeconds
		}
	}

	count++
	env := envelope{ExpiresAt: expiresAt, Value: encodeCounter(count)}
	out, err := json.Marshal(env)
	if err != nil {
		return 0, fmt.Errorf("kv incr marshal %s: %w", key, err)
	}
	if err := l.db.Put([]byte(key), out, nil); err != nil {
		return 0, fmt.Errorf("kv incr put %s: %w", key, err)
	}
	return count, nil
}

// Delete removes a single key.
func (l *LevelDB) Delete(key string) error {
	if l.isClosed() {
		return ErrClosed
	}
	if err := l.db.Delete([]byte(key), nil); err != nil {
		return fmt.Errorf("kv delete %s: %w", key, err)
	}
	return nil
}

// DeleteByPrefix removes every live entry under prefix.
func (l *LevelDB) DeleteByPrefix(prefix string) (int, error) {
	if l.isClosed() {
		return 0, ErrClosed
	}
	iter := l.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer iter.Release()

	batch := new(leveldb.Batch)
	count := 0
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
		count++
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("kv scan %s: %w", prefix, err)
	}
	if count > 0 {
		if err := l.db.Write(batch, nil); err != nil {
			return 0, fmt.Errorf("kv delete prefix %s: %w", prefix, err)
		}
	}
	return count, nil
}

// Close releases the database.
func (l *LevelDB) Close() error {
	var err error
	l.closed.Do(func() {
		close(l.done)
		err = l.db.Close()
		logging.Store("kv: leveldb closed")
	})
	return err
}

func encodeCounter(v int64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return buf[:]
}

func decodeCounter(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
