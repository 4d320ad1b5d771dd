package store

import (
	"fmt"
	"time"

	"marksman/internal/types"
)

// AppendEvent persists one event record. The (run_id, seq) primary key makes
// duplicate appends fail loudly; the event log owns seq assignment.
func (s *Store) AppendEvent(rec types.EventRecord) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`INSERT INTO run_events (run_id, seq, type, payload, at) VALUES (?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seq, string(rec.Type), []byte(rec.Payload), rec.At.UnixNano())
	if err != nil {
		return types.WrapErr(types.KindConflict,
			fmt.Sprintf("append event %s/%d", rec.RunID, rec.Seq), err)
	}
	return nil
}

// EventsAfter returns up to limit events with seq > afterSeq, in seq order.
// limit <= 0 means no limit.
func (s *Store) EventsAfter(runID string, afterSeq int64, limit int) ([]types.EventRecord, error) {
	query := `SELECT run_id, seq, type, payload, at FROM run_events
		WHERE run_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{runID, afterSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var recs []types.EventRecord
	for rows.Next() {
		var (
			rec     types.EventRecord
			typ     string
			payload []byte
			at      int64
		)
		if err := rows.Scan(&rec.RunID, &rec.Seq, &typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		rec.Type = types.EventType(typ)
		rec.Payload = payload
		rec.At = time.Unix(0, at).UTC()
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// MaxSeq returns the highest persisted seq for a run, 0 when none exist. The
// event log seeds its counters from this at startup.
func (s *Store) MaxSeq(runID string) (int64, error) {
	var max int64
	err := s.db.QueryRow(`SELECT COALESCE(MAX(seq), 0) FROM run_events WHERE run_id = ?`, runID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("max seq for %s: %w", runID, err)
	}
	return max, nil
}

// PruneEvents deletes the event log of one run. Callers gate this on the run
// being terminal past its retention grace period.
func (s *Store) PruneEvents(runID string) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`DELETE FROM run_events WHERE run_id = ?`, runID)
	if err != nil {
		return 0, fmt.Errorf("prune events for %s: %w", runID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// TerminalRunsCompletedBefore lists run ids whose runs reached a terminal
// status before the cutoff; the event pruner sweeps these.
func (s *Store) TerminalRunsCompletedBefore(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`SELECT run_id FROM runs
		WHERE completed_at IS NOT NULL AND completed_at < ?`, cutoff.Unix())
	if err != nil {
		return nil, fmt.Errorf("list terminal runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan run id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
