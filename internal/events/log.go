// Package events provides the per-run append-only event log and the live
// fan-out bus. The log owns seq assignment: within a run, seq is strictly
// increasing with no gaps, persisted before publication, so a client that
// reads the log and then subscribes from its last seq misses nothing.
package events

import (
	"sync"
	"time"

	"marksman/internal/logging"
	"marksman/internal/store"
	"marksman/internal/types"
)

// Log appends run events durably and republishes them on the bus.
type Log struct {
	store *store.Store
	bus   *Bus

	mu   sync.Mutex
	seqs map[string]int64 // last assigned seq per run

	now func() time.Time
}

// NewLog builds the event log. bus may be nil for log-only use in tests.
func NewLog(st *store.Store, bus *Bus) *Log {
	return &Log{
		store: st,
		bus:   bus,
		seqs:  make(map[string]int64),
		now:   time.Now,
	}
}

// Append assigns the next seq for the run, persists the record, then fans it
// out. Returns the persisted record.
func (l *Log) Append(runID string, typ types.EventType, payload interface{}) (types.EventRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seq, ok := l.seqs[runID]
	if !ok {
		// First append since startup: resume from the persisted tail.
		max, err := l.store.MaxSeq(runID)
		if err != nil {
			return types.EventRecord{}, err
		}
		seq = max
	}
	seq++

	rec := types.EventRecord{
		RunID:   runID,
		Seq:     seq,
		Type:    typ,
		Payload: types.MarshalPayload(payload),
		At:      l.now().UTC(),
	}
	if err := l.store.AppendEvent(rec); err != nil {
		return types.EventRecord{}, err
	}
	l.seqs[runID] = seq

	if l.bus != nil {
		l.bus.publish(rec)
	}
	logging.Events("run %s seq %d: %s", runID, seq, typ)
	return rec, nil
}

// After returns up to limit persisted events with seq > afterSeq.
func (l *Log) After(runID string, afterSeq int64, limit int) ([]types.EventRecord, error) {
	return l.store.EventsAfter(runID, afterSeq, limit)
}

// Prune deletes the event logs of terminal runs that completed before the
// grace period. Returns the number of runs swept.
func (l *Log) Prune(grace time.Duration) (int, error) {
	cutoff := l.now().Add(-grace)
	runIDs, err := l.store.TerminalRunsCompletedBefore(cutoff)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, runID := range runIDs {
		n, err := l.store.PruneEvents(runID)
		if err != nil {
			return swept, err
		}
		if n > 0 {
			swept++
			l.mu.Lock()
			delete(l.seqs, runID)
			l.mu.Unlock()
			logging.Events("pruned %d events for terminal run %s", n, runID)
		}
	}
	return swept, nil
}
