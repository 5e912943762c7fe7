package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateMessage inserts a message. The provider_message_id column carries a
// UNIQUE constraint; a redelivered webhook therefore gets ErrDuplicateKey,
// which the intake path treats as success.
func (s *Store) CreateMessage(ctx context.Context, m *Message) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if m.SentAt.IsZero() {
		m.SentAt = m.CreatedAt
	}

	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (
			id, case_id, direction, provider_message_id, subject, body_ref,
			sent_at, processed_at, processed_run_id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.CaseID, string(m.Direction), m.ProviderMessageID, m.Subject,
		m.BodyRef, encodeTime(m.SentAt), encodeTimePtr(m.ProcessedAt),
		ptrVal(m.ProcessedRunID), encodeTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", mapSQLiteErr(err))
	}
	return nil
}

// GetMessage loads a message by ID.
func (s *Store) GetMessage(ctx context.Context, id string) (*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, case_id, direction, provider_message_id, subject, body_ref,
			sent_at, processed_at, processed_run_id, created_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetMessageByProviderID looks a message up by its provider ID, the key
// webhooks deduplicate on.
func (s *Store) GetMessageByProviderID(ctx context.Context, providerID string) (*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, case_id, direction, provider_message_id, subject, body_ref,
			sent_at, processed_at, processed_run_id, created_at
		FROM messages WHERE provider_message_id = ?`, providerID)
	return scanMessage(row)
}

// LatestInboundMessage returns the newest inbound message for a case.
func (s *Store) LatestInboundMessage(ctx context.Context, caseID string) (*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, `
		SELECT id, case_id, direction, provider_message_id, subject, body_ref,
			sent_at, processed_at, processed_run_id, created_at
		FROM messages
		WHERE case_id = ? AND direction = ?
		ORDER BY sent_at DESC LIMIT 1`, caseID, string(DirectionInbound))
	return scanMessage(row)
}

// ListMessages returns a case's correspondence oldest first.
func (s *Store) ListMessages(ctx context.Context, caseID string) ([]*Message, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, case_id, direction, provider_message_id, subject, body_ref,
			sent_at, processed_at, processed_run_id, created_at
		FROM messages WHERE case_id = ? ORDER BY sent_at ASC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkMessageProcessed stamps processed_at and processed_run_id, but only if
// the message has never been processed. A second caller gets
// ErrAlreadyProcessed regardless of which run it belongs to.
func (s *Store) MarkMessageProcessed(ctx context.Context, messageID, runID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET processed_at = ?, processed_run_id = ?
		WHERE id = ? AND processed_at IS NULL`,
		encodeTime(time.Now().UTC()), runID, messageID)
	if err != nil {
		return fmt.Errorf("failed to mark message processed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}

	// No row changed: either the message is missing or already stamped.
	if _, err := s.GetMessage(ctx, messageID); err != nil {
		return err
	}
	return ErrAlreadyProcessed
}

func scanMessage(row rowScanner) (*Message, error) {
	var (
		m                        Message
		direction                string
		sentAt, createdAt        string
		processedAt, processedBy sql.NullString
	)
	err := row.Scan(
		&m.ID, &m.CaseID, &direction, &m.ProviderMessageID, &m.Subject,
		&m.BodyRef, &sentAt, &processedAt, &processedBy, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	m.Direction = Direction(direction)
	m.SentAt = decodeTime(sentAt)
	m.ProcessedAt = decodeTimePtr(processedAt)
	m.ProcessedRunID = strPtr(processedBy)
	m.CreatedAt = decodeTime(createdAt)
	return &m, nil
}
