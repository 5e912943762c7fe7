package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openrecords/quill/agent"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/queue"
	"github.com/openrecords/quill/store"
)

// DispatchDueFollowups enqueues a run for every due follow-up slot and
// completes the slot. The job ID is the slot's scheduled key, so a tick
// that fires twice (or three dispatchers racing) still yields one job.
// Returns the number of jobs enqueued.
func (e *Engine) DispatchDueFollowups(ctx context.Context) (int, error) {
	due, err := e.store.DueFollowUps(ctx, e.now())
	if err != nil {
		return 0, fmt.Errorf("failed to list due followups: %w", err)
	}

	dispatched := 0
	for _, slot := range due {
		run := &store.Run{
			CaseID:      slot.CaseID,
			TriggerType: store.TriggerScheduledFollowup,
			FollowUpID:  &slot.ID,
			Status:      store.RunQueued,
			ThreadID:    agent.InboundThreadID(slot.CaseID),
		}
		if err := e.store.CreateRun(ctx, run); err != nil {
			return dispatched, fmt.Errorf("failed to create run: %w", err)
		}

		payload, err := json.Marshal(FollowupPayload{
			RunID:      run.ID,
			CaseID:     slot.CaseID,
			FollowUpID: slot.ID,
			Attempt:    slot.Attempt,
		})
		if err != nil {
			return dispatched, fmt.Errorf("failed to encode followup payload: %w", err)
		}

		enqueued, err := e.queue.Enqueue(ctx, &queue.Job{
			ID:      slot.ScheduledKey,
			Queue:   queue.QueueAgent,
			Name:    JobRunFollowup,
			Payload: payload,
			CaseID:  slot.CaseID,
		})
		if err != nil {
			return dispatched, fmt.Errorf("failed to enqueue followup: %w", err)
		}

		// Complete the slot either way: a dedup hit means the job already
		// exists and the slot must not fire again.
		if err := e.store.CompleteFollowUp(ctx, slot.ID); err != nil {
			return dispatched, fmt.Errorf("failed to complete followup slot: %w", err)
		}
		if enqueued {
			dispatched++
		} else if err := e.skip(ctx, run, SkipDuplicateTrigger); err != nil {
			return dispatched, err
		}
	}
	return dispatched, nil
}

// RunFollowupDispatcher dispatches due follow-ups on a ticker until ctx is
// cancelled.
func (e *Engine) RunFollowupDispatcher(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.DispatchDueFollowups(ctx); err != nil && ctx.Err() == nil {
				e.emitter.Emit(emit.Event{
					Msg:  emit.MsgRunFailed,
					Meta: map[string]interface{}{"component": "followup_dispatcher", "error": err.Error()},
				})
			}
		}
	}
}
