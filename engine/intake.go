package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openrecords/quill/agent"
	"github.com/openrecords/quill/queue"
	"github.com/openrecords/quill/store"
)

// Intake allocates the run row before enqueueing its job, so every trigger
// has an audit trail from the moment it exists. A trigger the queue
// collapses as a duplicate finalizes its freshly allocated run as SKIPPED
// rather than leaving it dangling.

// IngestInboundMessage records an inbound message and enqueues its
// processing run. Safe to call more than once for the same provider
// message: the store dedupes on provider_message_id and the queue on the
// job ID, so a redelivered webhook yields exactly one live run.
//
// Returns the stored message (the original row on redelivery) and whether
// a new job was enqueued.
func (e *Engine) IngestInboundMessage(ctx context.Context, msg *store.Message) (*store.Message, bool, error) {
	err := e.store.CreateMessage(ctx, msg)
	if errors.Is(err, store.ErrDuplicateKey) {
		existing, getErr := e.store.GetMessageByProviderID(ctx, msg.ProviderMessageID)
		if getErr != nil {
			return nil, false, fmt.Errorf("failed to load duplicate message: %w", getErr)
		}
		msg = existing
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to store message: %w", err)
	}

	run := &store.Run{
		CaseID:      msg.CaseID,
		TriggerType: store.TriggerInboundMessage,
		MessageID:   &msg.ID,
		Status:      store.RunQueued,
		ThreadID:    agent.InboundThreadID(msg.CaseID),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, false, fmt.Errorf("failed to create run: %w", err)
	}

	payload, err := json.Marshal(InboundMessagePayload{RunID: run.ID, CaseID: msg.CaseID, MessageID: msg.ID})
	if err != nil {
		return nil, false, fmt.Errorf("failed to encode payload: %w", err)
	}
	enqueued, err := e.queue.Enqueue(ctx, &queue.Job{
		ID:      fmt.Sprintf("run:%s:%s", msg.CaseID, msg.ID),
		Queue:   queue.QueueAgent,
		Name:    JobRunInboundMessage,
		Payload: payload,
		CaseID:  msg.CaseID,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue run: %w", err)
	}
	if !enqueued {
		if err := e.skip(ctx, run, SkipDuplicateTrigger); err != nil {
			return nil, false, err
		}
	}
	return msg, enqueued, nil
}

// StartInitialRequest enqueues the initial-request run for a case. One job
// per case: re-submission dedupes on the job ID.
func (e *Engine) StartInitialRequest(ctx context.Context, caseID string) (bool, error) {
	run := &store.Run{
		CaseID:      caseID,
		TriggerType: store.TriggerInitialRequest,
		Status:      store.RunQueued,
		ThreadID:    agent.InitialThreadID(caseID),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}

	payload, err := json.Marshal(InitialRequestPayload{RunID: run.ID, CaseID: caseID})
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}
	enqueued, err := e.queue.Enqueue(ctx, &queue.Job{
		ID:      "initial:" + caseID,
		Queue:   queue.QueueAgent,
		Name:    JobRunInitialRequest,
		Payload: payload,
		CaseID:  caseID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue initial request: %w", err)
	}
	if !enqueued {
		if err := e.skip(ctx, run, SkipDuplicateTrigger); err != nil {
			return false, err
		}
	}
	return enqueued, nil
}

// SubmitDecision enqueues a reviewer decision for a gated proposal. The
// job ID folds in the proposal and decision, so a double-clicked approval
// collapses at the queue; anything that slips past still skips on the
// engine's resume pre-checks.
func (e *Engine) SubmitDecision(ctx context.Context, caseID, proposalID string, decision store.HumanDecision, note string) (bool, error) {
	run := &store.Run{
		CaseID:      caseID,
		TriggerType: store.TriggerResume,
		ProposalID:  &proposalID,
		Status:      store.RunQueued,
		ThreadID:    agent.InboundThreadID(caseID),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return false, fmt.Errorf("failed to create run: %w", err)
	}

	payload, err := json.Marshal(ResumePayload{
		RunID:      run.ID,
		CaseID:     caseID,
		ProposalID: proposalID,
		Decision:   decision,
		Note:       note,
	})
	if err != nil {
		return false, fmt.Errorf("failed to encode payload: %w", err)
	}
	enqueued, err := e.queue.Enqueue(ctx, &queue.Job{
		ID:      fmt.Sprintf("resume:%s:%s", proposalID, decision),
		Queue:   queue.QueueAgent,
		Name:    JobResumeRun,
		Payload: payload,
		CaseID:  caseID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to enqueue decision: %w", err)
	}
	if !enqueued {
		if err := e.skip(ctx, run, SkipDuplicateTrigger); err != nil {
			return false, err
		}
	}
	return enqueued, nil
}
