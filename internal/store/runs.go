package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"marksman/internal/types"
)

// CreateRun inserts a new run row. The run id must be unused.
func (s *Store) CreateRun(r *types.Run) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	classIDs, err := json.Marshal(r.ClassIDs)
	if err != nil {
		return fmt.Errorf("marshal class_ids: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO runs
		(run_id, teacher_id, class_ids, status, current_stage, progress,
		 failure_reason, failure_seq, soft_budget_usd, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TeacherID, string(classIDs), string(r.Status), string(r.CurrentStage),
		r.Progress, r.FailureReason, r.FailureSeq, r.SoftBudgetUSD,
		r.CreatedAt.Unix(), r.UpdatedAt.Unix())
	if err != nil {
		return types.WrapErr(types.KindConflict, fmt.Sprintf("create run %s", r.RunID), err)
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(runID string) (*types.Run, error) {
	row := s.db.QueryRow(`SELECT run_id, teacher_id, class_ids, status, current_stage,
		progress, failure_reason, failure_seq, soft_budget_usd, created_at, updated_at, completed_at
		FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

// ListRunsByStatus returns runs in any of the given statuses, oldest first.
// Crash recovery scans queued and running runs with this.
func (s *Store) ListRunsByStatus(statuses ...types.RunStatus) ([]*types.Run, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT run_id, teacher_id, class_ids, status, current_stage,
		progress, failure_reason, failure_seq, soft_budget_usd, created_at, updated_at, completed_at
		FROM runs WHERE status IN (?` + repeat(",?", len(statuses)-1) + `) ORDER BY created_at ASC`
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		args[i] = string(st)
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*types.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// UpdateRunStatus applies a status transition after checking it against the
// run state machine. Terminal statuses record completed_at; a failure reason
// and the event seq it was reported at come along for failed runs.
func (s *Store) UpdateRunStatus(runID string, next types.RunStatus, failureReason string, failureSeq int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, err := s.GetRun(runID)
	if err != nil {
		return err
	}
	if current.Status != next && !current.Status.CanTransitionTo(next) {
		return types.E(types.KindConflict,
			fmt.Sprintf("run %s cannot transition %s -> %s", runID, current.Status, next))
	}

	now := time.Now().Unix()
	if next.IsTerminal() {
		_, err = s.db.Exec(`UPDATE runs SET status = ?, failure_reason = ?, failure_seq = ?,
			updated_at = ?, completed_at = ? WHERE run_id = ?`,
			string(next), failureReason, failureSeq, now, now, runID)
	} else {
		_, err = s.db.Exec(`UPDATE runs SET status = ?, failure_reason = ?, failure_seq = ?,
			updated_at = ? WHERE run_id = ?`,
			string(next), failureReason, failureSeq, now, runID)
	}
	if err != nil {
		return fmt.Errorf("update run %s status: %w", runID, err)
	}
	return nil
}

// SetStageProgress records the pipeline position for status reads.
func (s *Store) SetStageProgress(runID string, stage types.Stage, progress float64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.Exec(`UPDATE runs SET current_stage = ?, progress = ?, updated_at = ? WHERE run_id = ?`,
		string(stage), progress, time.Now().Unix(), runID)
	if err != nil {
		return fmt.Errorf("update run %s stage: %w", runID, err)
	}
	return nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*types.Run, error) {
	var (
		r           types.Run
		classIDs    string
		status      string
		stage       string
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&r.RunID, &r.TeacherID, &classIDs, &status, &stage,
		&r.Progress, &r.FailureReason, &r.FailureSeq, &r.SoftBudgetUSD,
		&createdAt, &updatedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, types.E(types.KindNotFound, "run not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	if err := json.Unmarshal([]byte(classIDs), &r.ClassIDs); err != nil {
		return nil, fmt.Errorf("decode class_ids: %w", err)
	}
	r.Status = types.RunStatus(status)
	r.CurrentStage = types.Stage(stage)
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0).UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
