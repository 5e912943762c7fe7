package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateExecution records a dispatched (or attempted) side effect. The
// execution_key column is UNIQUE; a replay of the same claim gets
// ErrDuplicateKey.
func (s *Store) CreateExecution(ctx context.Context, e *Execution) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.Status == "" {
		e.Status = ExecutionPending
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO executions (id, proposal_id, execution_key, status, provider_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProposalID, e.ExecutionKey, string(e.Status), e.ProviderRef,
		encodeTime(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", mapSQLiteErr(err))
	}
	return nil
}

// GetExecutionByKey loads an execution by its unique key.
func (s *Store) GetExecutionByKey(ctx context.Context, key string) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, proposal_id, execution_key, status, provider_ref, created_at
		FROM executions WHERE execution_key = ?`, key)
	return scanExecution(row)
}

// LiveExecution returns a proposal's non-terminal execution, or ErrNotFound.
// Used by resume pre-checks: a pending execution means the side effect is in
// flight and the resume must be skipped.
func (s *Store) LiveExecution(ctx context.Context, proposalID string) (*Execution, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, proposal_id, execution_key, status, provider_ref, created_at
		FROM executions WHERE proposal_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		proposalID, string(ExecutionPending))
	return scanExecution(row)
}

// SetExecutionStatus finalizes an execution, optionally recording the
// provider's reference for the dispatched effect.
func (s *Store) SetExecutionStatus(ctx context.Context, id string, status ExecutionStatus, providerRef string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE executions SET status = ?, provider_ref = ? WHERE id = ?`,
		string(status), providerRef, id)
	if err != nil {
		return fmt.Errorf("failed to set execution status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanExecution(row rowScanner) (*Execution, error) {
	var (
		e         Execution
		status    string
		createdAt string
	)
	err := row.Scan(&e.ID, &e.ProposalID, &e.ExecutionKey, &status, &e.ProviderRef, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	e.Status = ExecutionStatus(status)
	e.CreatedAt = decodeTime(createdAt)
	return &e, nil
}
