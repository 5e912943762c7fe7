package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ProposalKey builds the deterministic dedup key for a proposal. messageID
// may be empty for runs not triggered by a message.
func ProposalKey(caseID, messageID string, action ActionType, attempt int) string {
	if messageID == "" {
		messageID = "no-msg"
	}
	return fmt.Sprintf("%s:%s:%s:%d", caseID, messageID, action, attempt)
}

// ExecutionKey derives the default execution key for a proposal when the
// caller supplies none. Same key means same execution; the atomic claim on
// the proposal row enforces that.
func ExecutionKey(action ActionType, caseID, proposalID string) string {
	return fmt.Sprintf("email-%s-%s-proposal-%s", action, caseID, proposalID)
}

// UpsertProposalByKey inserts a proposal or, when one already exists under
// the same proposal key, refreshes its draft content. A proposal in a
// terminal status is left untouched and the stored row is returned so
// callers can observe the earlier outcome.
//
// On return p reflects the row as stored (ID, status, timestamps included).
func (s *Store) UpsertProposalByKey(ctx context.Context, p *Proposal) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if p.ProposalKey == "" {
		return fmt.Errorf("proposal key is required")
	}

	existing, err := s.GetProposalByKey(ctx, p.ProposalKey)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	if existing == nil {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if p.Status == "" {
			p.Status = ProposalDraft
		}
		if p.Attempt == 0 {
			p.Attempt = 1
		}
		p.CreatedAt = now
		p.UpdatedAt = now

		_, err := s.q.ExecContext(ctx, `
			INSERT INTO proposals (
				id, case_id, message_id, proposal_key, action_type, subject,
				body_ref, reasoning, risk_flags, confidence, attempt, status,
				pause_reason, decision, decision_note, execution_key,
				executed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.CaseID, ptrVal(p.MessageID), p.ProposalKey,
			string(p.ActionType), p.Subject, p.BodyRef,
			encodeList(p.Reasoning), encodeList(p.RiskFlags), p.Confidence,
			p.Attempt, string(p.Status), string(p.PauseReason),
			decisionVal(p.Decision), p.DecisionNote, ptrVal(p.ExecutionKey),
			encodeTimePtr(p.ExecutedAt), encodeTime(p.CreatedAt),
			encodeTime(p.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert proposal: %w", mapSQLiteErr(err))
		}
		return nil
	}

	if existing.Status.Terminal() {
		*p = *existing
		return nil
	}

	// Refresh drafted content; lifecycle columns stay with the stored row.
	_, err = s.q.ExecContext(ctx, `
		UPDATE proposals SET
			subject = ?, body_ref = ?, reasoning = ?, risk_flags = ?,
			confidence = ?, pause_reason = ?, updated_at = ?
		WHERE id = ?`,
		p.Subject, p.BodyRef, encodeList(p.Reasoning),
		encodeList(p.RiskFlags), p.Confidence, string(p.PauseReason),
		encodeTime(now), existing.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to refresh proposal: %w", err)
	}

	refreshed, err := s.GetProposal(ctx, existing.ID)
	if err != nil {
		return err
	}
	*p = *refreshed
	return nil
}

// GetProposal loads a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*Proposal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, proposalSelect+` WHERE id = ?`, id)
	return scanProposal(row)
}

// GetProposalByKey loads a proposal by its dedup key.
func (s *Store) GetProposalByKey(ctx context.Context, key string) (*Proposal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, proposalSelect+` WHERE proposal_key = ?`, key)
	return scanProposal(row)
}

// LiveProposal returns the case's single non-terminal, non-superseded
// proposal, or ErrNotFound.
func (s *Store) LiveProposal(ctx context.Context, caseID string) (*Proposal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx, proposalSelect+`
		WHERE case_id = ? AND status IN (?, ?, ?, ?)
		ORDER BY created_at DESC LIMIT 1`,
		caseID, string(ProposalDraft), string(ProposalPendingApproval),
		string(ProposalDecisionReceived), string(ProposalApproved))
	return scanProposal(row)
}

// ListProposals returns all proposals for a case, newest first.
func (s *Store) ListProposals(ctx context.Context, caseID string) ([]*Proposal, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, proposalSelect+`
		WHERE case_id = ? ORDER BY created_at DESC`, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to list proposals: %w", err)
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetProposalStatus transitions a proposal's lifecycle status. Moving a
// terminal proposal returns ErrProposalTerminal.
func (s *Store) SetProposalStatus(ctx context.Context, id string, status ProposalStatus) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(status), encodeTime(time.Now().UTC()), id,
		string(ProposalExecuted), string(ProposalDismissed),
		string(ProposalCancelled), string(ProposalFailed))
	if err != nil {
		return fmt.Errorf("failed to set proposal status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetProposal(ctx, id); err != nil {
		return err
	}
	return ErrProposalTerminal
}

// RecordDecision stores a reviewer's decision on a non-terminal proposal
// and moves it to DECISION_RECEIVED.
func (s *Store) RecordDecision(ctx context.Context, id string, d HumanDecision, note string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET decision = ?, decision_note = ?, status = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(d), note, string(ProposalDecisionReceived),
		encodeTime(time.Now().UTC()), id,
		string(ProposalExecuted), string(ProposalDismissed),
		string(ProposalCancelled), string(ProposalFailed))
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetProposal(ctx, id); err != nil {
		return err
	}
	return ErrProposalTerminal
}

// ClaimProposalExecution atomically claims the right to execute a
// proposal's side effect. The claim succeeds iff the proposal is in
// PENDING_APPROVAL, DECISION_RECEIVED, or APPROVED and no execution key has
// been set; the key is written and the proposal advances to APPROVED in the
// same statement.
//
// Exactly one caller wins per proposal, even across concurrent workers and
// crash-retry replays. Losers get (false, nil) and must not dispatch.
func (s *Store) ClaimProposalExecution(ctx context.Context, proposalID, executionKey string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET execution_key = ?, status = ?, updated_at = ?
		WHERE id = ? AND execution_key IS NULL AND status IN (?, ?, ?)`,
		executionKey, string(ProposalApproved), encodeTime(time.Now().UTC()),
		proposalID, string(ProposalPendingApproval),
		string(ProposalDecisionReceived), string(ProposalApproved))
	if err != nil {
		return false, fmt.Errorf("failed to claim execution: %w", mapSQLiteErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return n == 1, nil
}

// MarkProposalExecuted finalizes a claimed proposal after its side effect
// dispatched.
func (s *Store) MarkProposalExecuted(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET status = ?, executed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(ProposalExecuted), encodeTime(time.Now().UTC()),
		encodeTime(time.Now().UTC()), id, string(ProposalApproved))
	if err != nil {
		return fmt.Errorf("failed to mark proposal executed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SupersedeLiveProposals moves every live proposal for the case to
// SUPERSEDED, except the one identified by keepID (pass "" to supersede
// all). Returns the number of proposals superseded. A proposal that already
// claimed an execution key is never superseded.
func (s *Store) SupersedeLiveProposals(ctx context.Context, caseID, keepID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE proposals SET status = ?, updated_at = ?
		WHERE case_id = ? AND id != ? AND execution_key IS NULL
		AND status IN (?, ?, ?)`,
		string(ProposalSuperseded), encodeTime(time.Now().UTC()),
		caseID, keepID,
		string(ProposalDraft), string(ProposalPendingApproval),
		string(ProposalDecisionReceived))
	if err != nil {
		return 0, fmt.Errorf("failed to supersede proposals: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

const proposalSelect = `
	SELECT id, case_id, message_id, proposal_key, action_type, subject,
		body_ref, reasoning, risk_flags, confidence, attempt, status,
		pause_reason, decision, decision_note, execution_key, executed_at,
		created_at, updated_at
	FROM proposals`

func scanProposal(row rowScanner) (*Proposal, error) {
	var (
		p                              Proposal
		messageID, decision            sql.NullString
		executionKey, executedAt       sql.NullString
		actionType, status, pause      string
		reasoning, riskFlags           string
		createdAt, updatedAt           string
	)
	err := row.Scan(
		&p.ID, &p.CaseID, &messageID, &p.ProposalKey, &actionType, &p.Subject,
		&p.BodyRef, &reasoning, &riskFlags, &p.Confidence, &p.Attempt,
		&status, &pause, &decision, &p.DecisionNote, &executionKey,
		&executedAt, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan proposal: %w", err)
	}
	p.MessageID = strPtr(messageID)
	p.ActionType = ActionType(actionType)
	p.Reasoning = decodeList(reasoning)
	p.RiskFlags = decodeList(riskFlags)
	p.Status = ProposalStatus(status)
	p.PauseReason = PauseReason(pause)
	if d := strPtr(decision); d != nil {
		hd := HumanDecision(strings.ToUpper(*d))
		p.Decision = &hd
	}
	p.ExecutionKey = strPtr(executionKey)
	p.ExecutedAt = decodeTimePtr(executedAt)
	p.CreatedAt = decodeTime(createdAt)
	p.UpdatedAt = decodeTime(updatedAt)
	return &p, nil
}

func decisionVal(d *HumanDecision) any {
	if d == nil {
		return nil
	}
	return string(*d)
}
