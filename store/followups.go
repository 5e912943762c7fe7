package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduledKey builds the unique key for one follow-up slot:
// "followup:{case_id}:{attempt}:{yyyy-mm-dd}". Re-firing the same slot
// collides on this key.
func ScheduledKey(caseID string, attempt int, due time.Time) string {
	return fmt.Sprintf("followup:%s:%d:%s", caseID, attempt, due.UTC().Format("2006-01-02"))
}

// AcquireFollowupSlot inserts the follow-up schedule iff its scheduled key
// is unused. Returns true when this caller created the slot, false when the
// slot already existed. Any other error is a real failure.
func (s *Store) AcquireFollowupSlot(ctx context.Context, f *FollowUpSchedule) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if f.ScheduledKey == "" {
		f.ScheduledKey = ScheduledKey(f.CaseID, f.Attempt, f.DueAt)
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO followup_schedules (id, case_id, due_at, attempt, paused, completed, scheduled_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, f.CaseID, encodeTime(f.DueAt), f.Attempt, boolInt(f.Paused),
		boolInt(f.Completed), f.ScheduledKey, encodeTime(f.CreatedAt),
	)
	if err != nil {
		mapped := mapSQLiteErr(err)
		if errors.Is(mapped, ErrDuplicateKey) {
			return false, nil
		}
		return false, fmt.Errorf("failed to acquire followup slot: %w", mapped)
	}
	return true, nil
}

// GetFollowUp loads a schedule entry by ID.
func (s *Store) GetFollowUp(ctx context.Context, id string) (*FollowUpSchedule, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, followupSelect+` WHERE id = ?`, id)
	return scanFollowUp(row)
}

// DueFollowUps returns uncompleted, unpaused follow-ups due at or before
// now, oldest first.
func (s *Store) DueFollowUps(ctx context.Context, now time.Time) ([]*FollowUpSchedule, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, followupSelect+`
		WHERE completed = 0 AND paused = 0 AND due_at <= ?
		ORDER BY due_at ASC`, encodeTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due followups: %w", err)
	}
	defer rows.Close()

	var out []*FollowUpSchedule
	for rows.Next() {
		f, err := scanFollowUp(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CompleteFollowUp marks a slot done so it never fires again.
func (s *Store) CompleteFollowUp(ctx context.Context, id string) error {
	return s.setFollowupFlag(ctx, id, "completed", true)
}

// PauseFollowUps pauses every pending follow-up for a case, e.g. while a
// gate is open or the case went portal-only. Returns the number paused.
func (s *Store) PauseFollowUps(ctx context.Context, caseID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE followup_schedules SET paused = 1
		WHERE case_id = ? AND completed = 0 AND paused = 0`, caseID)
	if err != nil {
		return 0, fmt.Errorf("failed to pause followups: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ResumeFollowUps unpauses a case's pending follow-ups.
func (s *Store) ResumeFollowUps(ctx context.Context, caseID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE followup_schedules SET paused = 0
		WHERE case_id = ? AND completed = 0 AND paused = 1`, caseID)
	if err != nil {
		return 0, fmt.Errorf("failed to resume followups: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) setFollowupFlag(ctx context.Context, id, column string, v bool) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	// column is always a compile-time constant from this file.
	res, err := s.q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE followup_schedules SET %s = ? WHERE id = ?`, column),
		boolInt(v), id)
	if err != nil {
		return fmt.Errorf("failed to update followup: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const followupSelect = `
	SELECT id, case_id, due_at, attempt, paused, completed, scheduled_key, created_at
	FROM followup_schedules`

func scanFollowUp(row rowScanner) (*FollowUpSchedule, error) {
	var (
		f                 FollowUpSchedule
		dueAt, createdAt  string
		paused, completed int
	)
	err := row.Scan(&f.ID, &f.CaseID, &dueAt, &f.Attempt, &paused, &completed, &f.ScheduledKey, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan followup: %w", err)
	}
	f.DueAt = decodeTime(dueAt)
	f.Paused = paused != 0
	f.Completed = completed != 0
	f.CreatedAt = decodeTime(createdAt)
	return &f, nil
}
