package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marksman/internal/types"
)

// SaveRunSpec persists the submitted spec (documents included) so queued and
// interrupted runs survive a coordinator restart.
func (s *Store) SaveRunSpec(runID string, spec *types.RunSpec) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	blob, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshal run spec: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO run_specs (run_id, spec, saved_at) VALUES (?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET spec = excluded.spec, saved_at = excluded.saved_at`,
		runID, blob, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save spec for %s: %w", runID, err)
	}
	return nil
}

// GetRunSpec loads a run's submitted spec.
func (s *Store) GetRunSpec(runID string) (*types.RunSpec, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT spec FROM run_specs WHERE run_id = ?`, runID).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "run spec not found")
	}
	if err != nil {
		return nil, fmt.Errorf("load spec for %s: %w", runID, err)
	}
	var spec types.RunSpec
	if err := json.Unmarshal(blob, &spec); err != nil {
		return nil, fmt.Errorf("decode spec for %s: %w", runID, err)
	}
	return &spec, nil
}

// DeleteRunSpec drops a terminal run's documents; the results artifact is
// what outlives the run.
func (s *Store) DeleteRunSpec(runID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`DELETE FROM run_specs WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("delete spec for %s: %w", runID, err)
	}
	return nil
}
