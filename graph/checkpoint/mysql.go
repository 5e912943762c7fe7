package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLSaver is a MySQL/MariaDB implementation of Saver.
//
// Designed for deployments where several workers share one checkpoint
// database. Connection pooling and the unique (thread_id, idx) key give the
// same semantics as SQLiteSaver over a networked backend.
//
// Never hardcode credentials; pass the DSN from configuration:
//
//	saver, err := checkpoint.NewMySQLSaver(cfg.Checkpoint.MySQLDSN)
type MySQLSaver struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLSaver opens a MySQL-backed saver. The DSN uses the go-sql-driver
// format, e.g. "user:pass@tcp(localhost:3306)/quill?parseTime=true".
func NewMySQLSaver(dsn string) (*MySQLSaver, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLSaver{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (m *MySQLSaver) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS graph_checkpoints (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			thread_id VARCHAR(255) NOT NULL,
			idx INT NOT NULL,
			blob_data MEDIUMBLOB NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			INDEX idx_thread (thread_id, idx),
			UNIQUE KEY unique_thread_idx (thread_id, idx)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create graph_checkpoints table: %w", err)
	}
	return nil
}

// Put stores a checkpoint, replacing any existing row at (threadID, index).
func (m *MySQLSaver) Put(ctx context.Context, threadID string, index int, blob []byte) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO graph_checkpoints (thread_id, idx, blob_data)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE blob_data = VALUES(blob_data), created_at = CURRENT_TIMESTAMP
	`
	if _, err := m.db.ExecContext(ctx, query, threadID, index, blob); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Latest returns the highest-index checkpoint for the thread.
func (m *MySQLSaver) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return Checkpoint{}, err
	}

	query := `
		SELECT idx, blob_data, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY idx DESC
		LIMIT 1
	`
	cp := Checkpoint{ThreadID: threadID}
	err := m.db.QueryRowContext(ctx, query, threadID).Scan(&cp.Index, &cp.Blob, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return Checkpoint{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint{}, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns all checkpoints for the thread in ascending index order.
func (m *MySQLSaver) List(ctx context.Context, threadID string) ([]Checkpoint, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT idx, blob_data, created_at
		FROM graph_checkpoints
		WHERE thread_id = ?
		ORDER BY idx ASC
	`
	rows, err := m.db.QueryContext(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Checkpoint, 0)
	for rows.Next() {
		cp := Checkpoint{ThreadID: threadID}
		if err := rows.Scan(&cp.Index, &cp.Blob, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		out = append(out, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return out, nil
}

// DeleteByPrefix removes every checkpoint whose thread ID starts with prefix.
func (m *MySQLSaver) DeleteByPrefix(ctx context.Context, prefix string) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `DELETE FROM graph_checkpoints WHERE thread_id LIKE CONCAT(?, '%')`
	if _, err := m.db.ExecContext(ctx, query, prefix); err != nil {
		return fmt.Errorf("failed to delete checkpoints: %w", err)
	}
	return nil
}

// Close closes the database connection. Double-close is a no-op.
func (m *MySQLSaver) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

// Ping verifies the database connection is alive.
func (m *MySQLSaver) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

func (m *MySQLSaver) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return fmt.Errorf("checkpoint saver is closed")
	}
	return nil
}
