package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateDeadLetter preserves a job that exhausted its retries.
func (s *Store) CreateDeadLetter(ctx context.Context, d *DeadLetterEntry) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DeadLetterPending
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO dead_letters (id, queue, job_name, job_id, payload, error, attempts, case_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.Queue, d.JobName, d.JobID, d.Payload, d.Error, d.Attempts,
		d.CaseID, string(d.Status), encodeTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", mapSQLiteErr(err))
	}
	return nil
}

// GetDeadLetter loads an entry by ID.
func (s *Store) GetDeadLetter(ctx context.Context, id string) (*DeadLetterEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, deadLetterSelect+` WHERE id = ?`, id)
	return scanDeadLetter(row)
}

// ListDeadLetters returns entries in the given status, newest first. Empty
// status returns everything.
func (s *Store) ListDeadLetters(ctx context.Context, status DeadLetterStatus) ([]*DeadLetterEntry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := deadLetterSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}
	defer rows.Close()

	var out []*DeadLetterEntry
	for rows.Next() {
		d, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ResolveDeadLetter marks an entry retried or discarded. Only pending
// entries can be resolved; a second resolution returns ErrNotFound.
func (s *Store) ResolveDeadLetter(ctx context.Context, id string, status DeadLetterStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE dead_letters SET status = ? WHERE id = ? AND status = ?`,
		string(status), id, string(DeadLetterPending))
	if err != nil {
		return fmt.Errorf("failed to resolve dead letter: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const deadLetterSelect = `
	SELECT id, queue, job_name, job_id, payload, error, attempts, case_id, status, created_at
	FROM dead_letters`

func scanDeadLetter(row rowScanner) (*DeadLetterEntry, error) {
	var (
		d         DeadLetterEntry
		status    string
		createdAt string
	)
	err := row.Scan(&d.ID, &d.Queue, &d.JobName, &d.JobID, &d.Payload, &d.Error, &d.Attempts, &d.CaseID, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan dead letter: %w", err)
	}
	d.Status = DeadLetterStatus(status)
	d.CreatedAt = decodeTime(createdAt)
	return &d, nil
}
