package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/openrecords/quill/store"
)

// ProjectReviewState derives the UI-visible review state from a case, its
// active run, and its live proposal. Pure: callers pass nil for absent
// inputs.
//
// Precedence: an open gate beats everything; a decision being applied beats
// plain processing; a running run beats the agency-waiting default.
func ProjectReviewState(c *store.Case, active *store.Run, live *store.Proposal) store.ReviewState {
	if live != nil {
		switch live.Status {
		case store.ProposalPendingApproval:
			return store.ReviewDecisionRequired
		case store.ProposalDecisionReceived, store.ProposalApproved:
			return store.ReviewDecisionApplying
		}
	}
	if active != nil && active.Status == store.RunRunning {
		return store.ReviewProcessing
	}
	if c != nil {
		switch c.Status {
		case store.CaseStatusSubmitted, store.CaseStatusAwaitingAgency:
			return store.ReviewWaitingAgency
		}
	}
	return store.ReviewIdle
}

// ReviewStateFor loads a case's inputs and projects its review state.
func (e *Engine) ReviewStateFor(ctx context.Context, caseID string) (store.ReviewState, error) {
	c, err := e.store.GetCase(ctx, caseID)
	if err != nil {
		return "", fmt.Errorf("failed to load case: %w", err)
	}

	active, err := e.store.ActiveRun(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		active = nil
	} else if err != nil {
		return "", fmt.Errorf("failed to load active run: %w", err)
	}

	live, err := e.store.LiveProposal(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		live = nil
	} else if err != nil {
		return "", fmt.Errorf("failed to load live proposal: %w", err)
	}

	return ProjectReviewState(c, active, live), nil
}
