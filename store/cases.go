package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCase inserts a new case. A zero ID is assigned; zero timestamps
// default to now.
func (s *Store) CreateCase(ctx context.Context, c *Case) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Status == "" {
		c.Status = CaseStatusDraft
	}
	if c.ReviewState == "" {
		c.ReviewState = ReviewIdle
	}
	if c.AutopilotMode == "" {
		c.AutopilotMode = AutopilotSupervised
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cases (
			id, agency, jurisdiction, request_text, status, review_state,
			autopilot_mode, requires_human, constraints, scope_items,
			fee_quote_cents, fee_quoted_at, portal_url, deadline,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Agency, c.Jurisdiction, c.RequestText, string(c.Status),
		string(c.ReviewState), string(c.AutopilotMode), boolInt(c.RequiresHuman),
		encodeList(c.Constraints), encodeList(c.ScopeItems),
		c.FeeQuoteCents, encodeTimePtr(c.FeeQuotedAt), c.PortalURL,
		encodeTimePtr(c.Deadline), encodeTime(c.CreatedAt), encodeTime(c.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert case: %w", mapSQLiteErr(err))
	}
	return nil
}

// GetCase loads a case by ID, returning ErrNotFound when absent.
func (s *Store) GetCase(ctx context.Context, id string) (*Case, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, agency, jurisdiction, request_text, status, review_state,
			autopilot_mode, requires_human, constraints, scope_items,
			fee_quote_cents, fee_quoted_at, portal_url, deadline,
			created_at, updated_at
		FROM cases WHERE id = ?`, id)
	return scanCase(row)
}

// UpdateCase persists mutable case fields and bumps updated_at.
func (s *Store) UpdateCase(ctx context.Context, c *Case) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	c.UpdatedAt = time.Now().UTC()

	res, err := s.q.ExecContext(ctx, `
		UPDATE cases SET
			agency = ?, jurisdiction = ?, request_text = ?, status = ?,
			review_state = ?, autopilot_mode = ?, requires_human = ?,
			constraints = ?, scope_items = ?, fee_quote_cents = ?,
			fee_quoted_at = ?, portal_url = ?, deadline = ?, updated_at = ?
		WHERE id = ?`,
		c.Agency, c.Jurisdiction, c.RequestText, string(c.Status),
		string(c.ReviewState), string(c.AutopilotMode), boolInt(c.RequiresHuman),
		encodeList(c.Constraints), encodeList(c.ScopeItems), c.FeeQuoteCents,
		encodeTimePtr(c.FeeQuotedAt), c.PortalURL, encodeTimePtr(c.Deadline),
		encodeTime(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update case: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetReviewState updates only the review-state projection column.
func (s *Store) SetReviewState(ctx context.Context, caseID string, rs ReviewState) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE cases SET review_state = ?, updated_at = ? WHERE id = ?`,
		string(rs), encodeTime(time.Now().UTC()), caseID)
	if err != nil {
		return fmt.Errorf("failed to set review state: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCases returns cases in the given status, newest first. An empty
// status returns everything.
func (s *Store) ListCases(ctx context.Context, status CaseStatus) ([]*Case, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	query := `
		SELECT id, agency, jurisdiction, request_text, status, review_state,
			autopilot_mode, requires_human, constraints, scope_items,
			fee_quote_cents, fee_quoted_at, portal_url, deadline,
			created_at, updated_at
		FROM cases`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	defer rows.Close()

	var out []*Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (*Case, error) {
	var (
		c                                   Case
		status, review, autopilot           string
		requiresHuman                       int
		constraints, scope                  string
		feeQuotedAt, deadline               sql.NullString
		createdAt, updatedAt                string
	)
	err := row.Scan(
		&c.ID, &c.Agency, &c.Jurisdiction, &c.RequestText, &status, &review,
		&autopilot, &requiresHuman, &constraints, &scope, &c.FeeQuoteCents,
		&feeQuotedAt, &c.PortalURL, &deadline, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan case: %w", err)
	}
	c.Status = CaseStatus(status)
	c.ReviewState = ReviewState(review)
	c.AutopilotMode = AutopilotMode(autopilot)
	c.RequiresHuman = requiresHuman != 0
	c.Constraints = decodeList(constraints)
	c.ScopeItems = decodeList(scope)
	c.FeeQuotedAt = decodeTimePtr(feeQuotedAt)
	c.Deadline = decodeTimePtr(deadline)
	c.CreatedAt = decodeTime(createdAt)
	c.UpdatedAt = decodeTime(updatedAt)
	return &c, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
