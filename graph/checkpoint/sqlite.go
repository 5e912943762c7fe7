package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteSaver is a SQLite implementation of Saver.
//
// It stores checkpoints in a single-file database and is the default
// production backend: a run interrupted at a human gate must be resumable
// after a process restart, so a volatile saver is never acceptable outside
// tests.
//
// SQLiteSaver uses WAL mode for concurrent reads and a busy timeout so
// short write contention resolves without surfacing errors.
type SQLiteSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteSaver opens (or creates) a checkpoint database at path.
//
// The path may be a file path or ":memory:" for an in-memory database
// (data lost on close; tests normally use MemSaver instead).
//
// Example:
//
//	saver, err := checkpoint.NewSQLiteSaver("./quill.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer saver.Close()
func NewSQLiteSaver(path string) (*SQLiteSaver, error) {
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
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteSaver{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteSaver) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			thread_id TEXT NOT NULL,
			idx INTEGER NOT NULL,
			blob BLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(thread_id, idx)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create graph_checkpoints table: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS idx_checkpoints_thread ON graph_checkpoints(thread_id, idx)"); err != nil {
		return fmt.Errorf("failed to create idx_checkpoints_thread: %w", err)
	}
	return nil
}

// Put stores a checkpoint, replacing any existing row at (threadID, index).
func (s *SQLiteSaver) Put(ctx context.Context, threadID string, index int, blob []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO graph_checkpoints (thread_id, idx, blob, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(thread_id, idx) DO UPDATE SET
			blob = excluded.blob,
			created_at = excluded.created_at
	`
	_, err := s.db.ExecContext(ctx, query, threadID, index, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-index checkpoint for the thread.
func (s *SQLiteSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	query := `
		SELECT idx, blob, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY idx DESC
		LIMIT 1
	`
	var (
		cp        = Checkpoint{ThreadID: threadID}
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, query, threadID).Scan(&cp.Index, &cp.Blob, &createdAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	cp.CreatedAt = parseTimestamp(createdAt)
	return cp, nil
}

// List returns all checkpoints for the thread in ascending index order.
func (s *SQLiteSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT idx, blob, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY idx ASC
	`
	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp := Checkpoint{ThreadID: threadID}
		var createdAt string
		if err := rows.Scan(&cp.Index, &cp.Blob, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cp.CreatedAt = parseTimestamp(createdAt)
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// DeleteByPrefix removes every checkpoint whose thread ID starts with prefix.
func (s *SQLiteSaver) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	// ESCAPE so prefixes containing % or _ match literally.
	query := `DELETE FROM graph_checkpoints WHERE thread_id LIKE ? ESCAPE '\'`
	_, err := s.db.ExecContext(ctx, query, escapeLike(prefix)+"%")
	if err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (s *SQLiteSaver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteSaver) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *SQLiteSaver) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("checkpoint saver is closed")
	}
	return nil
}

func parseTimestamp(raw string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return time.Time{}
}

func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
