// Package engine turns queued triggers into case graph runs. It owns the
// run lifecycle around the graph: per-case locking, the wall-clock budget,
// interrupt persistence, and the skip rules that keep redelivered triggers
// idempotent.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openrecords/quill/agent"
	"github.com/openrecords/quill/caselock"
	"github.com/openrecords/quill/graph"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/queue"
	"github.com/openrecords/quill/store"
)

// ErrGraphTimeout marks a run that exhausted its wall-clock budget.
var ErrGraphTimeout = errors.New("graph run exceeded its time budget")

// Job names the engine registers handlers for.
const (
	JobRunInitialRequest = "run-initial-request"
	JobRunInboundMessage = "run-inbound-message"
	JobRunFollowup       = "run-followup-trigger"
	JobResumeRun         = "resume-run"
)

// Skip reasons recorded on SKIPPED runs.
const (
	SkipCaseLocked        = "case_locked"
	SkipAlreadyProcessed  = "already_processed"
	SkipProposalTerminal  = "proposal_terminal"
	SkipSuperseded        = "proposal_superseded"
	SkipExecutionInFlight = "execution_in_flight"
	SkipNoWaitingRun      = "no_waiting_run"
	SkipSlotInactive      = "followup_slot_inactive"
	SkipDuplicateTrigger  = "duplicate_trigger"
)

// Job payloads carry the run ID allocated at enqueue time, so the audit
// trail exists even when the run never gets to execute (contended lock,
// crashed worker). Handlers fall back to allocating at dequeue for
// payloads written before the run existed.

// InitialRequestPayload starts the initial-request graph for a case.
type InitialRequestPayload struct {
	RunID  string `json:"run_id"`
	CaseID string `json:"case_id"`
}

// InboundMessagePayload processes one inbound agency message.
type InboundMessagePayload struct {
	RunID     string `json:"run_id"`
	CaseID    string `json:"case_id"`
	MessageID string `json:"message_id"`
}

// FollowupPayload fires one scheduled follow-up slot.
type FollowupPayload struct {
	RunID      string `json:"run_id"`
	CaseID     string `json:"case_id"`
	FollowUpID string `json:"followup_id"`
	Attempt    int    `json:"attempt"`
}

// ResumePayload applies a human decision to a gated proposal.
type ResumePayload struct {
	RunID      string              `json:"run_id"`
	CaseID     string              `json:"case_id"`
	ProposalID string              `json:"proposal_id"`
	Decision   store.HumanDecision `json:"decision"`
	Note       string              `json:"note,omitempty"`
}

// Engine dispatches queue jobs into graph runs.
type Engine struct {
	store   *store.Store
	queue   *queue.Queue
	locks   *caselock.Manager
	graphs  *agent.Graphs
	emitter emit.Emitter
	metrics *Metrics

	// RunTimeout is the wall-clock budget for one graph run.
	RunTimeout time.Duration

	now func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches run metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an Engine over its collaborators.
func New(s *store.Store, q *queue.Queue, locks *caselock.Manager, graphs *agent.Graphs, emitter emit.Emitter, opts ...Option) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	e := &Engine{
		store:      s,
		queue:      q,
		locks:      locks,
		graphs:     graphs,
		emitter:    emitter,
		RunTimeout: 120 * time.Second,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Register attaches the engine's handlers to a worker consuming the agent
// queue.
func (e *Engine) Register(w *queue.Worker) {
	w.Handle(JobRunInitialRequest, e.HandleInitialRequest)
	w.Handle(JobRunInboundMessage, e.HandleInboundMessage)
	w.Handle(JobRunFollowup, e.HandleFollowup)
	w.Handle(JobResumeRun, e.HandleResume)
}

// runForJob resolves the run a dequeued job belongs to: the one allocated
// at enqueue time when the payload names it, or a fresh one for legacy
// payloads and for redeliveries whose run was already finalized.
func (e *Engine) runForJob(ctx context.Context, runID string, template *store.Run) (*store.Run, error) {
	if runID != "" {
		run, err := e.store.GetRun(ctx, runID)
		if err == nil {
			if !run.Status.Terminal() {
				return run, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to load run: %w", err)
		}
	}
	if err := e.store.CreateRun(ctx, template); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return template, nil
}

// HandleInitialRequest runs the initial-request graph for a new case.
func (e *Engine) HandleInitialRequest(ctx context.Context, job *queue.Job) error {
	var p InitialRequestPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode initial-request payload: %w", err)
	}

	run, err := e.runForJob(ctx, p.RunID, &store.Run{
		CaseID:      p.CaseID,
		TriggerType: store.TriggerInitialRequest,
		Status:      store.RunQueued,
		ThreadID:    agent.InitialThreadID(p.CaseID),
	})
	if err != nil {
		return err
	}

	return e.drive(ctx, run, func(ctx context.Context) (graph.Result[agent.CaseState], error) {
		return e.graphs.Initial.Invoke(ctx, run.ThreadID, agent.CaseState{
			CaseID:  p.CaseID,
			RunID:   run.ID,
			Trigger: string(store.TriggerInitialRequest),
		})
	})
}

// HandleInboundMessage runs the inbound-response graph for one message.
//
// A message that was already processed by an earlier run skips. A live
// proposal from an earlier message is superseded before the new run starts:
// the agency's newest word invalidates drafts based on the old one.
func (e *Engine) HandleInboundMessage(ctx context.Context, job *queue.Job) error {
	var p InboundMessagePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode inbound-message payload: %w", err)
	}

	run, err := e.runForJob(ctx, p.RunID, &store.Run{
		CaseID:      p.CaseID,
		TriggerType: store.TriggerInboundMessage,
		MessageID:   &p.MessageID,
		Status:      store.RunQueued,
		ThreadID:    agent.InboundThreadID(p.CaseID),
	})
	if err != nil {
		return err
	}

	msg, err := e.store.GetMessage(ctx, p.MessageID)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("failed to load message: %w", err))
	}
	if msg.ProcessedAt != nil {
		return e.skip(ctx, run, SkipAlreadyProcessed)
	}

	if err := e.supersedeForNewInbound(ctx, p.CaseID); err != nil {
		return e.fail(ctx, run, err)
	}

	return e.drive(ctx, run, func(ctx context.Context) (graph.Result[agent.CaseState], error) {
		return e.graphs.Inbound.Invoke(ctx, run.ThreadID, agent.CaseState{
			CaseID:    p.CaseID,
			RunID:     run.ID,
			Trigger:   string(store.TriggerInboundMessage),
			MessageID: p.MessageID,
		})
	})
}

// supersedeForNewInbound retires the case's pending gate, if any: the
// waiting run is skipped and its live proposals move to SUPERSEDED. Claimed
// proposals survive; an execution already in flight is not ours to undo.
func (e *Engine) supersedeForNewInbound(ctx context.Context, caseID string) error {
	waiting, err := e.store.WaitingRun(ctx, caseID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to check waiting run: %w", err)
	}

	n, err := e.store.SupersedeLiveProposals(ctx, caseID, "")
	if err != nil {
		return fmt.Errorf("failed to supersede proposals: %w", err)
	}

	now := e.now()
	waiting.Status = store.RunSkipped
	waiting.SkipReason = SkipSuperseded
	waiting.EndedAt = &now
	if err := e.store.UpdateRun(ctx, waiting); err != nil {
		return fmt.Errorf("failed to retire waiting run: %w", err)
	}
	e.emitter.Emit(emit.Event{
		RunID:  waiting.ID,
		CaseID: caseID,
		Msg:    emit.MsgRunSkipped,
		Meta:   map[string]interface{}{"reason": SkipSuperseded, "proposals_superseded": n},
	})
	return nil
}

// HandleFollowup runs the follow-up graph for a due schedule slot.
func (e *Engine) HandleFollowup(ctx context.Context, job *queue.Job) error {
	var p FollowupPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode followup payload: %w", err)
	}

	run, err := e.runForJob(ctx, p.RunID, &store.Run{
		CaseID:      p.CaseID,
		TriggerType: store.TriggerScheduledFollowup,
		FollowUpID:  &p.FollowUpID,
		Status:      store.RunQueued,
		ThreadID:    agent.InboundThreadID(p.CaseID),
	})
	if err != nil {
		return err
	}

	slot, err := e.store.GetFollowUp(ctx, p.FollowUpID)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("failed to load followup: %w", err))
	}
	if slot.Paused {
		return e.skip(ctx, run, SkipSlotInactive)
	}

	return e.drive(ctx, run, func(ctx context.Context) (graph.Result[agent.CaseState], error) {
		return e.graphs.Followup.Invoke(ctx, run.ThreadID, agent.CaseState{
			CaseID:  p.CaseID,
			RunID:   run.ID,
			Trigger: string(store.TriggerScheduledFollowup),
			Attempt: p.Attempt,
		})
	})
}

// HandleResume applies a reviewer decision to the case's waiting run.
//
// Pre-checks make redelivered and double-clicked decisions harmless: a
// proposal already terminal or superseded skips, as does a proposal whose
// execution is still in flight from a previous resume.
func (e *Engine) HandleResume(ctx context.Context, job *queue.Job) error {
	var p ResumePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("failed to decode resume payload: %w", err)
	}

	run, err := e.runForJob(ctx, p.RunID, &store.Run{
		CaseID:      p.CaseID,
		TriggerType: store.TriggerResume,
		ProposalID:  &p.ProposalID,
		Status:      store.RunQueued,
		ThreadID:    agent.InboundThreadID(p.CaseID),
	})
	if err != nil {
		return err
	}

	prop, err := e.store.GetProposal(ctx, p.ProposalID)
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("failed to load proposal: %w", err))
	}
	if prop.Status.Terminal() {
		return e.skip(ctx, run, SkipProposalTerminal)
	}
	if prop.Status == store.ProposalSuperseded {
		return e.skip(ctx, run, SkipSuperseded)
	}
	if _, err := e.store.LiveExecution(ctx, p.ProposalID); err == nil {
		return e.skip(ctx, run, SkipExecutionInFlight)
	} else if !errors.Is(err, store.ErrNotFound) {
		return e.fail(ctx, run, fmt.Errorf("failed to check execution: %w", err))
	}

	waiting, err := e.store.WaitingRun(ctx, p.CaseID)
	if errors.Is(err, store.ErrNotFound) {
		return e.skip(ctx, run, SkipNoWaitingRun)
	}
	if err != nil {
		return e.fail(ctx, run, fmt.Errorf("failed to find waiting run: %w", err))
	}
	run.ThreadID = waiting.ThreadID

	e.emitter.Emit(emit.Event{
		RunID:  run.ID,
		CaseID: p.CaseID,
		Msg:    emit.MsgRunResumed,
		Meta:   map[string]interface{}{"proposal_id": p.ProposalID, "decision": string(p.Decision)},
	})
	if err := e.store.SetReviewState(ctx, p.CaseID, store.ReviewDecisionApplying); err != nil {
		return e.fail(ctx, run, fmt.Errorf("failed to project review state: %w", err))
	}

	err = e.drive(ctx, run, func(ctx context.Context) (graph.Result[agent.CaseState], error) {
		return e.graphFor(run.ThreadID).Resume(ctx, run.ThreadID, agent.Decision{
			Action: p.Decision,
			Note:   p.Note,
		})
	})
	if err == nil {
		e.finalizeWaiting(ctx, waiting)
	}
	return err
}

// finalizeWaiting closes out the suspended run a resume replaced.
func (e *Engine) finalizeWaiting(ctx context.Context, waiting *store.Run) {
	now := e.now()
	waiting.Status = store.RunCompleted
	waiting.EndedAt = &now
	waiting.InterruptValue = ""
	_ = e.store.UpdateRun(ctx, waiting)
}

// graphFor selects the graph family owning a thread.
func (e *Engine) graphFor(threadID string) *graph.Engine[agent.CaseState] {
	if strings.HasPrefix(threadID, "initial:") {
		return e.graphs.Initial
	}
	return e.graphs.Inbound
}

type invokeFunc func(ctx context.Context) (graph.Result[agent.CaseState], error)

// drive executes one graph run under the case lock and finalizes the run
// row from the result.
func (e *Engine) drive(ctx context.Context, run *store.Run, invoke invokeFunc) error {
	e.emitter.Emit(emit.Event{
		RunID:  run.ID,
		CaseID: run.CaseID,
		Msg:    emit.MsgRunStarted,
		Meta:   map[string]interface{}{"trigger": string(run.TriggerType)},
	})
	start := e.now()

	var (
		result graph.Result[agent.CaseState]
		runErr error
	)
	lockErr := e.locks.WithCaseLock(ctx, run, func(ctx context.Context) error {
		runCtx, cancel := context.WithTimeout(ctx, e.RunTimeout)
		defer cancel()
		result, runErr = invoke(runCtx)
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			runErr = fmt.Errorf("%w after %s", ErrGraphTimeout, e.RunTimeout)
		}
		return runErr
	})

	if errors.Is(lockErr, caselock.ErrCaseBusy) {
		return e.skip(ctx, run, SkipCaseLocked)
	}
	if errors.Is(lockErr, graph.ErrNotInterrupted) {
		// The thread moved on before this decision landed; nothing to
		// resume.
		return e.skip(ctx, run, SkipProposalTerminal)
	}
	if lockErr != nil {
		return e.fail(ctx, run, lockErr)
	}

	now := e.now()
	run.NodeTrace = result.Trace
	if id := result.State.ProposalID; id != "" {
		run.ProposalID = &id
	}

	switch result.Status {
	case graph.StatusInterrupted:
		blob, err := json.Marshal(result.InterruptValue)
		if err != nil {
			return e.fail(ctx, run, fmt.Errorf("failed to encode interrupt: %w", err))
		}
		run.Status = store.RunWaiting
		run.InterruptValue = string(blob)
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("failed to park run: %w", err)
		}
		e.observe(run, start, now)
		return nil

	default:
		run.Status = store.RunCompleted
		run.EndedAt = &now
		if err := e.store.UpdateRun(ctx, run); err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		e.emitter.Emit(emit.Event{
			RunID:  run.ID,
			CaseID: run.CaseID,
			Msg:    emit.MsgRunCompleted,
			Meta:   map[string]interface{}{"trigger": string(run.TriggerType)},
		})
		e.observe(run, start, now)
		return nil
	}
}

// skip finalizes the run as SKIPPED and acks the job: skips are outcomes,
// not failures.
func (e *Engine) skip(ctx context.Context, run *store.Run, reason string) error {
	now := e.now()
	run.Status = store.RunSkipped
	run.SkipReason = reason
	run.EndedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to skip run: %w", err)
	}
	e.emitter.Emit(emit.Event{
		RunID:  run.ID,
		CaseID: run.CaseID,
		Msg:    emit.MsgRunSkipped,
		Meta:   map[string]interface{}{"reason": reason},
	})
	if e.metrics != nil {
		e.metrics.Runs.WithLabelValues(string(run.TriggerType), string(store.RunSkipped)).Inc()
	}
	return nil
}

// fail finalizes the run as FAILED and returns the cause so the queue
// applies its retry profile.
func (e *Engine) fail(ctx context.Context, run *store.Run, cause error) error {
	now := e.now()
	run.Status = store.RunFailed
	run.ErrorMessage = cause.Error()
	run.EndedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run failure (%v): %w", cause, err)
	}
	e.emitter.Emit(emit.Event{
		RunID:  run.ID,
		CaseID: run.CaseID,
		Msg:    emit.MsgRunFailed,
		Meta:   map[string]interface{}{"error": cause.Error()},
	})
	if e.metrics != nil {
		e.metrics.Runs.WithLabelValues(string(run.TriggerType), string(store.RunFailed)).Inc()
	}
	return cause
}

func (e *Engine) observe(run *store.Run, start, end time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.Runs.WithLabelValues(string(run.TriggerType), string(run.Status)).Inc()
	e.metrics.RunDuration.WithLabelValues(string(run.TriggerType)).Observe(end.Sub(start).Seconds())
}

// Recover re-enqueues the trigger of a reaped run so the case makes
// progress after a worker crash, under a fresh run allocated at enqueue
// time. Wired as the reaper's OnReaped callback.
func (e *Engine) Recover(ctx context.Context, run *store.Run) error {
	switch run.TriggerType {
	case store.TriggerInitialRequest:
	case store.TriggerInboundMessage:
		if run.MessageID == nil {
			return fmt.Errorf("reaped run %s has no message", run.ID)
		}
	case store.TriggerScheduledFollowup:
		if run.FollowUpID == nil {
			return fmt.Errorf("reaped run %s has no followup", run.ID)
		}
	default:
		// A reaped resume waits for the reviewer to act again.
		return nil
	}

	recovery := &store.Run{
		CaseID:      run.CaseID,
		TriggerType: run.TriggerType,
		MessageID:   run.MessageID,
		FollowUpID:  run.FollowUpID,
		Status:      store.RunQueued,
		ThreadID:    run.ThreadID,
	}
	if err := e.store.CreateRun(ctx, recovery); err != nil {
		return fmt.Errorf("failed to create recovery run: %w", err)
	}

	var (
		name    string
		payload interface{}
	)
	switch run.TriggerType {
	case store.TriggerInitialRequest:
		name = JobRunInitialRequest
		payload = InitialRequestPayload{RunID: recovery.ID, CaseID: run.CaseID}
	case store.TriggerInboundMessage:
		name = JobRunInboundMessage
		payload = InboundMessagePayload{RunID: recovery.ID, CaseID: run.CaseID, MessageID: *run.MessageID}
	case store.TriggerScheduledFollowup:
		name = JobRunFollowup
		payload = FollowupPayload{RunID: recovery.ID, CaseID: run.CaseID, FollowUpID: *run.FollowUpID}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode recovery payload: %w", err)
	}
	enqueued, err := e.queue.Enqueue(ctx, &queue.Job{
		ID:      "recover:" + run.ID,
		Queue:   queue.QueueAgent,
		Name:    name,
		Payload: data,
		CaseID:  run.CaseID,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue recovery: %w", err)
	}
	if !enqueued {
		return e.skip(ctx, recovery, SkipDuplicateTrigger)
	}
	return nil
}
