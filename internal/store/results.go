package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marksman/internal/types"
)

// SaveResults stores the exported artifact for a run, replacing any earlier
// save. Results review overrides re-save through this.
func (s *Store) SaveResults(runID string, results *types.RunResults) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	blob, err := json.Marshal(results)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO run_results (run_id, results, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET results = excluded.results, saved_at = excluded.saved_at`,
		runID, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save results for %s: %w", runID, err)
	}
	return nil
}

// GetResults loads a run's exported artifact.
func (s *Store) GetResults(runID string) (*types.RunResults, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT results FROM run_results WHERE run_id = ?`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "results not available")
	}
	if err != nil {
		return nil, fmt.Errorf("load results for %s: %w", runID, err)
	}
	var results types.RunResults
	if err := json.Unmarshal(blob, &results); err != nil {
		return nil, fmt.Errorf("decode results for %s: %w", runID, err)
	}
	return &results, nil
}

// =============================================================================
// REVIEW AUDIT
// =============================================================================

// ReviewRecord is one row of the review audit trail.
type ReviewRecord struct {
	ID         int64           `json:"id"`
	RunID      string          `json:"run_id"`
	Kind       string          `json:"kind"` // rubric or results
	Action     string          `json:"action"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// RecordReviewRequest opens an audit row when a run pauses for review.
func (s *Store) RecordReviewRequest(runID, kind string, payload json.RawMessage) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	res, err := s.db.Exec(`INSERT INTO review_requests (run_id, kind, payload, created_at) VALUES (?, ?, ?, ?)`,
		runID, kind, []byte(payload), time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("record review request for %s: %w", runID, err)
	}
	return res.LastInsertId()
}

// ResolveReviewRequest closes the newest open audit row for the run and kind
// with the action the reviewer took.
func (s *Store) ResolveReviewRequest(runID, kind, action string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE review_requests SET action = ?, resolved_at = ?
		WHERE id = (SELECT MAX(id) FROM review_requests
			WHERE run_id = ? AND kind = ? AND resolved_at IS NULL)`,
		action, time.Now().Unix(), runID, kind)
	if err != nil {
		return fmt.Errorf("resolve review request for %s: %w", runID, err)
	}
	return nil
}

// ListReviewRequests returns a run's audit rows, oldest first.
func (s *Store) ListReviewRequests(runID string) ([]ReviewRecord, error) {
	rows, err := s.db.Query(`SELECT id, run_id, kind, action, payload, created_at, resolved_at
		FROM review_requests WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list review requests: %w", err)
	}
	defer rows.Close()

	var recs []ReviewRecord
	for rows.Next() {
		var (
			rec        ReviewRecord
			payload    []byte
			createdAt  int64
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.RunID, &rec.Kind, &rec.Action, &payload, &createdAt, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan review request: %w", err)
		}
		rec.Payload = payload
		rec.CreatedAt = time.Unix(createdAt, 0).UTC()
		if resolvedAt.Valid {
			t := time.Unix(resolvedAt.Int64, 0).UTC()
			rec.ResolvedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
