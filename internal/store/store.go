// Package store is the durable state layer: runs, their append-only event
// logs, per-student results, and review audit records, all in a single
// SQLite database under the data directory.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"marksman/internal/logging"
)

// Store wraps the SQLite handle. All methods are safe for concurrent use;
// writes serialise on writeMu because SQLite allows one writer at a time.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex
}

// Open creates or opens the database at dir/marksman.db and applies pending
// migrations.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	path := filepath.Join(dir, "marksman.db")

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection avoids SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("opened database at %s", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// =============================================================================
// MIGRATIONS
// =============================================================================

// migration is one versioned schema step. Versions apply in order and are
// recorded in schema_migrations; never edit a shipped migration.
type migration struct {
	version int
	sql     string
}

var migrations = []migration{
	{1, `
		CREATE TABLE IF NOT EXISTS runs (
			run_id         TEXT PRIMARY KEY,
			teacher_id     TEXT NOT NULL,
			class_ids      TEXT NOT NULL DEFAULT '[]',
			status         TEXT NOT NULL,
			current_stage  TEXT NOT NULL DEFAULT '',
			progress       REAL NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			failure_seq    INTEGER NOT NULL DEFAULT 0,
			soft_budget_usd REAL NOT NULL DEFAULT 0,
			created_at     INTEGER NOT NULL,
			updated_at     INTEGER NOT NULL,
			completed_at   INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_teacher ON runs(teacher_id);
	`},
	{2, `
		CREATE TABLE IF NOT EXISTS run_events (
			run_id  TEXT NOT NULL,
			seq     INTEGER NOT NULL,
			type    TEXT NOT NULL,
			payload BLOB,
			at      INTEGER NOT NULL,
			PRIMARY KEY (run_id, seq)
		);
	`},
	{3, `
		CREATE TABLE IF NOT EXISTS run_results (
			run_id  TEXT PRIMARY KEY,
			results BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`},
	{4, `
		CREATE TABLE IF NOT EXISTS review_requests (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id     TEXT NOT NULL,
			kind       TEXT NOT NULL,
			action     TEXT NOT NULL DEFAULT '',
			payload    BLOB,
			created_at INTEGER NOT NULL,
			resolved_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_review_run ON review_requests(run_id);
	`},
	{5, `
		CREATE TABLE IF NOT EXISTS run_specs (
			run_id   TEXT PRIMARY KEY,
			spec     BLOB NOT NULL,
			saved_at INTEGER NOT NULL
		);
	`},
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, strftime('%s','now'))`, m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.version, err)
		}
		logging.StoreDebug("applied migration %d", m.version)
	}
	return nil
}
