package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateRun inserts a run in its initial status.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = RunCreated
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO runs (
			id, case_id, trigger_type, message_id, followup_id, proposal_id,
			status, started_at, ended_at, heartbeat_at, lock_expires_at,
			thread_id, node_trace, interrupt_value, error_message,
			skip_reason, recovery_attempted, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.CaseID, string(r.TriggerType), ptrVal(r.MessageID),
		ptrVal(r.FollowUpID), ptrVal(r.ProposalID), string(r.Status),
		encodeTimePtr(r.StartedAt), encodeTimePtr(r.EndedAt),
		encodeTimePtr(r.HeartbeatAt), encodeTimePtr(r.LockExpiresAt),
		r.ThreadID, encodeList(r.NodeTrace), r.InterruptValue,
		r.ErrorMessage, r.SkipReason, boolInt(r.RecoveryAttempted),
		encodeTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", mapSQLiteErr(err))
	}
	return nil
}

// GetRun loads a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, runSelect+` WHERE id = ?`, id)
	return scanRun(row)
}

// UpdateRun persists all mutable run fields.
func (s *Store) UpdateRun(ctx context.Context, r *Run) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE runs SET
			status = ?, started_at = ?, ended_at = ?, heartbeat_at = ?,
			lock_expires_at = ?, thread_id = ?, node_trace = ?,
			interrupt_value = ?, error_message = ?, skip_reason = ?,
			recovery_attempted = ?, proposal_id = ?
		WHERE id = ?`,
		string(r.Status), encodeTimePtr(r.StartedAt), encodeTimePtr(r.EndedAt),
		encodeTimePtr(r.HeartbeatAt), encodeTimePtr(r.LockExpiresAt),
		r.ThreadID, encodeList(r.NodeTrace), r.InterruptValue,
		r.ErrorMessage, r.SkipReason, boolInt(r.RecoveryAttempted),
		ptrVal(r.ProposalID), r.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Heartbeat refreshes heartbeat_at and extends the lease for a RUNNING
// run. Returns ErrNotFound when the run no longer holds RUNNING status,
// which tells the worker its lease was reaped.
func (s *Store) Heartbeat(ctx context.Context, runID string, at, leaseUntil time.Time) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE runs SET heartbeat_at = ?, lock_expires_at = ?
		WHERE id = ? AND status = ?`,
		encodeTime(at), encodeTime(leaseUntil), runID, string(RunRunning))
	if err != nil {
		return fmt.Errorf("failed to heartbeat run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ActiveRun returns the case's RUNNING or WAITING run, or ErrNotFound.
func (s *Store) ActiveRun(ctx context.Context, caseID string) (*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, runSelect+`
		WHERE case_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		caseID, string(RunRunning), string(RunWaiting))
	return scanRun(row)
}

// WaitingRun returns the case's WAITING run, or ErrNotFound.
func (s *Store) WaitingRun(ctx context.Context, caseID string) (*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, runSelect+`
		WHERE case_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`, caseID, string(RunWaiting))
	return scanRun(row)
}

// ListExpiredRunning returns RUNNING runs whose lock TTL passed before
// cutoff. The reaper reconciles these to TIMED_OUT.
func (s *Store) ListExpiredRunning(ctx context.Context, cutoff time.Time) ([]*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, runSelect+`
		WHERE status = ? AND lock_expires_at IS NOT NULL AND lock_expires_at < ?
		ORDER BY lock_expires_at ASC`,
		string(RunRunning), encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list expired runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReapRun moves a RUNNING run to TIMED_OUT and marks recovery attempted.
// Conditional on the run still being RUNNING so a worker that finishes
// between listing and reaping wins.
func (s *Store) ReapRun(ctx context.Context, runID string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE runs SET status = ?, ended_at = ?, recovery_attempted = 1,
			error_message = 'reaped: heartbeat expired'
		WHERE id = ? AND status = ?`,
		string(RunTimedOut), encodeTime(time.Now().UTC()),
		runID, string(RunRunning))
	if err != nil {
		return false, fmt.Errorf("failed to reap run: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ListRuns returns a case's runs newest first.
func (s *Store) ListRuns(ctx context.Context, caseID string) ([]*Run, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, runSelect+`
		WHERE case_id = ? ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const runSelect = `
	SELECT id, case_id, trigger_type, message_id, followup_id, proposal_id,
		status, started_at, ended_at, heartbeat_at, lock_expires_at,
		thread_id, node_trace, interrupt_value, error_message, skip_reason,
		recovery_attempted, created_at
	FROM runs`

func scanRun(row rowScanner) (*Run, error) {
	var (
		r                                      Run
		trigger, status                        string
		messageID, followupID, proposalID      sql.NullString
		startedAt, endedAt, heartbeat, lockExp sql.NullString
		nodeTrace, createdAt                   string
		recovery                               int
	)
	err := row.Scan(
		&r.ID, &r.CaseID, &trigger, &messageID, &followupID, &proposalID,
		&status, &startedAt, &endedAt, &heartbeat, &lockExp, &r.ThreadID,
		&nodeTrace, &r.InterruptValue, &r.ErrorMessage, &r.SkipReason,
		&recovery, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	r.TriggerType = TriggerType(trigger)
	r.MessageID = strPtr(messageID)
	r.FollowUpID = strPtr(followupID)
	r.ProposalID = strPtr(proposalID)
	r.Status = RunStatus(status)
	r.StartedAt = decodeTimePtr(startedAt)
	r.EndedAt = decodeTimePtr(endedAt)
	r.HeartbeatAt = decodeTimePtr(heartbeat)
	r.LockExpiresAt = decodeTimePtr(lockExp)
	r.NodeTrace = decodeList(nodeTrace)
	r.RecoveryAttempted = recovery != 0
	r.CreatedAt = decodeTime(createdAt)
	return &r, nil
}
