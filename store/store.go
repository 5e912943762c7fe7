package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the SQLite-backed persistent store.
//
// It is safe for concurrent use. All timestamps are stored as RFC 3339
// strings in UTC. List-valued columns (constraints, reasoning, traces) are
// stored as JSON arrays.
//
// A Store opened against ":memory:" is used throughout the test suite; the
// schema is identical to the on-disk production database.
type Store struct {
	db *sql.DB

	// q is the active query target: the pool, or a transaction inside
	// WithTx.
	q dbtx

	// locks implements the session-scoped advisory lock primitive.
	// Shared across transactional views of the same store.
	locks *advisoryLocks

	mu     sync.RWMutex
	closed bool
}

// dbtx abstracts *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates (or opens) the quill database at path and migrates the
// schema. Use ":memory:" for tests.
//
// Example:
//
//	st, err := store.Open("./quill.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &Store{db: db, q: db, locks: newAdvisoryLocks()}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS cases (
			id TEXT PRIMARY KEY,
			agency TEXT NOT NULL DEFAULT '',
			jurisdiction TEXT NOT NULL DEFAULT '',
			request_text TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'draft',
			review_state TEXT NOT NULL DEFAULT 'IDLE',
			autopilot_mode TEXT NOT NULL DEFAULT 'SUPERVISED',
			requires_human INTEGER NOT NULL DEFAULT 0,
			constraints TEXT NOT NULL DEFAULT '[]',
			scope_items TEXT NOT NULL DEFAULT '[]',
			fee_quote_cents INTEGER NOT NULL DEFAULT 0,
			fee_quoted_at TEXT,
			portal_url TEXT NOT NULL DEFAULT '',
			deadline TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			direction TEXT NOT NULL,
			provider_message_id TEXT NOT NULL UNIQUE,
			subject TEXT NOT NULL DEFAULT '',
			body_ref TEXT NOT NULL DEFAULT '',
			sent_at TEXT NOT NULL,
			processed_at TEXT,
			processed_run_id TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_case ON messages(case_id, sent_at)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			message_id TEXT,
			proposal_key TEXT NOT NULL UNIQUE,
			action_type TEXT NOT NULL,
			subject TEXT NOT NULL DEFAULT '',
			body_ref TEXT NOT NULL DEFAULT '',
			reasoning TEXT NOT NULL DEFAULT '[]',
			risk_flags TEXT NOT NULL DEFAULT '[]',
			confidence REAL NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL DEFAULT 1,
			status TEXT NOT NULL DEFAULT 'DRAFT',
			pause_reason TEXT NOT NULL DEFAULT '',
			decision TEXT,
			decision_note TEXT NOT NULL DEFAULT '',
			execution_key TEXT UNIQUE,
			executed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proposals_case ON proposals(case_id, status)`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			trigger_type TEXT NOT NULL,
			message_id TEXT,
			followup_id TEXT,
			proposal_id TEXT,
			status TEXT NOT NULL DEFAULT 'CREATED',
			started_at TEXT,
			ended_at TEXT,
			heartbeat_at TEXT,
			lock_expires_at TEXT,
			thread_id TEXT NOT NULL DEFAULT '',
			node_trace TEXT NOT NULL DEFAULT '[]',
			interrupt_value TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			skip_reason TEXT NOT NULL DEFAULT '',
			recovery_attempted INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_case_status ON runs(case_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_expiry ON runs(status, lock_expires_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			proposal_id TEXT NOT NULL REFERENCES proposals(id) ON DELETE CASCADE,
			execution_key TEXT NOT NULL UNIQUE,
			status TEXT NOT NULL DEFAULT 'PENDING',
			provider_ref TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_proposal ON executions(proposal_id)`,
		`CREATE TABLE IF NOT EXISTS followup_schedules (
			id TEXT PRIMARY KEY,
			case_id TEXT NOT NULL REFERENCES cases(id) ON DELETE CASCADE,
			due_at TEXT NOT NULL,
			attempt INTEGER NOT NULL DEFAULT 1,
			paused INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			scheduled_key TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_followups_due ON followup_schedules(completed, paused, due_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id TEXT PRIMARY KEY,
			queue TEXT NOT NULL,
			job_name TEXT NOT NULL,
			job_id TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			case_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dead_letters_status ON dead_letters(status, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration statement failed: %w", err)
		}
	}
	return nil
}

// WithTx runs fn against a transactional view of the store. The
// finalization writes of a run (run update, proposal update, execution
// insert, message mark-processed) go through here so they commit or roll
// back together.
//
// fn receives a *Store bound to the transaction; advisory locks are shared
// with the parent.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Store) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	view := &Store{db: s.db, q: tx, locks: s.locks}
	if err := fn(view); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the database and releases every advisory lock held by this
// session. Double-close is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.locks.releaseAll()
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// ---- column encoding helpers ----

func encodeList(items []string) string {
	if items == nil {
		items = []string{}
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func decodeList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(raw sql.NullString) *time.Time {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	t := decodeTime(raw.String)
	return &t
}

func strPtr(raw sql.NullString) *string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	v := raw.String
	return &v
}

func ptrVal(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
