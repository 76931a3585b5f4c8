// Package store persists jobs, auto-merge policy, the processed-comment
// ledger and conflict-resolution history in a local SQLite database.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned for a status change the state machine does not define.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrTransitionConflict is returned when the row was not in the expected status,
	// typically because another claimant won the race.
	ErrTransitionConflict = errors.New("job status changed concurrently")
)

// Store wraps the database handle. All methods are safe for concurrent use.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)", path)
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// single writer
	db.SetMaxOpenConns(1)

	s := New(db)
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without running migrations.
func New(db *sqlx.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	for _, c := range addedColumns {
		var n int
		if err := s.db.Get(&n, `SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, c.table, c.name); err != nil {
			return fmt.Errorf("inspecting %s: %w", c.table, err)
		}
		if n > 0 {
			continue
		}
		if _, err := s.db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, c.table, c.name, c.def)); err != nil {
			return fmt.Errorf("adding %s.%s: %w", c.table, c.name, err)
		}
	}
	return nil
}

// addedColumns are columns introduced after their table first shipped.
var addedColumns = []struct{ table, name, def string }{
	{"processed_comments", "request", "TEXT NOT NULL DEFAULT ''"},
	{"processed_comments", "consumed_at", "INTEGER NOT NULL DEFAULT 0"},
}

func (s *Store) nowMillis() int64 {
	return s.now().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		issue_number INTEGER NOT NULL,
		issue_title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		branch TEXT,
		merge_request_url TEXT,
		merge_request_number INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		force_new_branch INTEGER NOT NULL DEFAULT 0,
		stale_count INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,
	// Cancelled jobs are kept for audit; every other status occupies the issue.
	`CREATE UNIQUE INDEX IF NOT EXISTS jobs_one_open_per_issue
		ON jobs (owner, name, issue_number) WHERE status != 'cancelled'`,
	`CREATE INDEX IF NOT EXISTS jobs_status ON jobs (status, updated_at)`,
	`CREATE TABLE IF NOT EXISTS automerge_repo_config (
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		enabled INTEGER NOT NULL,
		auto_merge_clean INTEGER NOT NULL,
		auto_resolve_conflicts INTEGER NOT NULL,
		merge_method TEXT NOT NULL,
		stale_after_ms INTEGER NOT NULL,
		max_resolution_attempts INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner, name)
	)`,
	`CREATE TABLE IF NOT EXISTS automerge_pr_config (
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		mr_number INTEGER NOT NULL,
		enabled INTEGER,
		merge_method TEXT,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (owner, name, mr_number)
	)`,
	`CREATE TABLE IF NOT EXISTS processed_comments (
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		comment_id INTEGER NOT NULL,
		issue_number INTEGER NOT NULL,
		content_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 0,
		body TEXT NOT NULL DEFAULT '',
		request TEXT NOT NULL DEFAULT '',
		processed_at INTEGER NOT NULL,
		consumed_at INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (owner, name, comment_id)
	)`,
	`CREATE INDEX IF NOT EXISTS processed_comments_issue
		ON processed_comments (owner, name, issue_number)`,
	`CREATE TABLE IF NOT EXISTS conflict_attempts (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		owner TEXT NOT NULL,
		name TEXT NOT NULL,
		mr_number INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		resolved_files TEXT NOT NULL DEFAULT '[]',
		escalated_files TEXT NOT NULL DEFAULT '[]',
		reason TEXT NOT NULL DEFAULT '',
		duration_ms INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conflict_attempts_mr
		ON conflict_attempts (owner, name, mr_number, outcome)`,
}
