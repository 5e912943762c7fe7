package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCase(t *testing.T, s *Store) *Case {
	t.Helper()
	c := &Case{
		Agency:       "Springfield PD",
		Jurisdiction: "IL",
		RequestText:  "All body-worn camera footage from 2026-01-15.",
		ScopeItems:   []string{"bwc_footage", "incident_reports"},
	}
	if err := s.CreateCase(context.Background(), c); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	return c
}

func TestCaseRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := newTestCase(t, s)
	if c.ID == "" {
		t.Fatal("expected generated ID")
	}
	if c.Status != CaseStatusDraft || c.ReviewState != ReviewIdle || c.AutopilotMode != AutopilotSupervised {
		t.Errorf("unexpected defaults: %v %v %v", c.Status, c.ReviewState, c.AutopilotMode)
	}

	got, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if got.Agency != c.Agency || len(got.ScopeItems) != 2 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	got.Status = CaseStatusSubmitted
	got.Constraints = []string{ConstraintFeeRequired}
	got.FeeQuoteCents = 5000
	now := time.Now().UTC()
	got.FeeQuotedAt = &now
	if err := s.UpdateCase(ctx, got); err != nil {
		t.Fatalf("UpdateCase: %v", err)
	}

	again, err := s.GetCase(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCase: %v", err)
	}
	if again.Status != CaseStatusSubmitted || again.FeeQuoteCents != 5000 {
		t.Errorf("update not persisted: %+v", again)
	}
	if again.FeeQuotedAt == nil {
		t.Error("expected fee_quoted_at to persist")
	}
	if len(again.Constraints) != 1 || again.Constraints[0] != ConstraintFeeRequired {
		t.Errorf("constraints mismatch: %v", again.Constraints)
	}
}

func TestGetCaseNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetCase(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateCase(context.Background(), &Case{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on update, got %v", err)
	}
}

func TestSetReviewState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	if err := s.SetReviewState(ctx, c.ID, ReviewDecisionRequired); err != nil {
		t.Fatalf("SetReviewState: %v", err)
	}
	got, _ := s.GetCase(ctx, c.ID)
	if got.ReviewState != ReviewDecisionRequired {
		t.Errorf("got %v", got.ReviewState)
	}
}

func TestCreateMessageDuplicateProviderID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	m := &Message{CaseID: c.ID, Direction: DirectionInbound, ProviderMessageID: "prov-123"}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	dup := &Message{CaseID: c.ID, Direction: DirectionInbound, ProviderMessageID: "prov-123"}
	if err := s.CreateMessage(ctx, dup); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	got, err := s.GetMessageByProviderID(ctx, "prov-123")
	if err != nil {
		t.Fatalf("GetMessageByProviderID: %v", err)
	}
	if got.ID != m.ID {
		t.Errorf("expected original message, got %s", got.ID)
	}
}

func TestMarkMessageProcessedExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	m := &Message{CaseID: c.ID, Direction: DirectionInbound, ProviderMessageID: "prov-once"}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("CreateMessage: %v", err)
	}

	if err := s.MarkMessageProcessed(ctx, m.ID, "run-1"); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := s.MarkMessageProcessed(ctx, m.ID, "run-2"); !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("expected ErrAlreadyProcessed, got %v", err)
	}

	got, _ := s.GetMessage(ctx, m.ID)
	if got.ProcessedRunID == nil || *got.ProcessedRunID != "run-1" {
		t.Errorf("first run must own the message: %+v", got.ProcessedRunID)
	}
	if got.ProcessedAt == nil {
		t.Error("processed_at not set")
	}

	if err := s.MarkMessageProcessed(ctx, "missing", "run-3"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing message, got %v", err)
	}
}

func TestLatestInboundMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	base := time.Now().UTC().Add(-time.Hour)
	for i, dir := range []Direction{DirectionInbound, DirectionOutbound, DirectionInbound} {
		m := &Message{
			CaseID:            c.ID,
			Direction:         dir,
			ProviderMessageID: fmt.Sprintf("prov-%d", i),
			SentAt:            base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateMessage(ctx, m); err != nil {
			t.Fatalf("CreateMessage %d: %v", i, err)
		}
	}

	got, err := s.LatestInboundMessage(ctx, c.ID)
	if err != nil {
		t.Fatalf("LatestInboundMessage: %v", err)
	}
	if got.ProviderMessageID != "prov-2" {
		t.Errorf("expected prov-2, got %s", got.ProviderMessageID)
	}
}

func TestUpsertProposalByKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)
	key := ProposalKey(c.ID, "", ActionSendFollowup, 1)

	t.Run("insert then refresh", func(t *testing.T) {
		p := &Proposal{CaseID: c.ID, ProposalKey: key, ActionType: ActionSendFollowup, Subject: "v1"}
		if err := s.UpsertProposalByKey(ctx, p); err != nil {
			t.Fatalf("insert: %v", err)
		}
		firstID := p.ID

		p2 := &Proposal{CaseID: c.ID, ProposalKey: key, ActionType: ActionSendFollowup, Subject: "v2", Confidence: 0.9}
		if err := s.UpsertProposalByKey(ctx, p2); err != nil {
			t.Fatalf("refresh: %v", err)
		}
		if p2.ID != firstID {
			t.Errorf("upsert created a second proposal: %s vs %s", p2.ID, firstID)
		}
		if p2.Subject != "v2" || p2.Confidence != 0.9 {
			t.Errorf("content not refreshed: %+v", p2)
		}
	})

	t.Run("terminal proposal is untouched", func(t *testing.T) {
		p, err := s.GetProposalByKey(ctx, key)
		if err != nil {
			t.Fatalf("GetProposalByKey: %v", err)
		}
		if err := s.SetProposalStatus(ctx, p.ID, ProposalDismissed); err != nil {
			t.Fatalf("dismiss: %v", err)
		}

		replay := &Proposal{CaseID: c.ID, ProposalKey: key, ActionType: ActionSendFollowup, Subject: "v3"}
		if err := s.UpsertProposalByKey(ctx, replay); err != nil {
			t.Fatalf("replay: %v", err)
		}
		if replay.Status != ProposalDismissed {
			t.Errorf("expected stored terminal row back, got %v", replay.Status)
		}
		if replay.Subject == "v3" {
			t.Error("terminal proposal content must not change")
		}
	})
}

func TestClaimProposalExecution(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	newPending := func(attempt int) *Proposal {
		p := &Proposal{
			CaseID:      c.ID,
			ProposalKey: ProposalKey(c.ID, "", ActionSendFollowup, attempt),
			ActionType:  ActionSendFollowup,
			Attempt:     attempt,
			Status:      ProposalPendingApproval,
		}
		if err := s.UpsertProposalByKey(ctx, p); err != nil {
			t.Fatalf("seed proposal: %v", err)
		}
		return p
	}

	t.Run("first claim wins, second loses", func(t *testing.T) {
		p := newPending(1)
		key := ExecutionKey(p.ActionType, p.CaseID, p.ID)

		ok, err := s.ClaimProposalExecution(ctx, p.ID, key)
		if err != nil || !ok {
			t.Fatalf("first claim: ok=%v err=%v", ok, err)
		}
		ok, err = s.ClaimProposalExecution(ctx, p.ID, key)
		if err != nil {
			t.Fatalf("second claim: %v", err)
		}
		if ok {
			t.Error("second claim must lose")
		}

		got, _ := s.GetProposal(ctx, p.ID)
		if got.Status != ProposalApproved {
			t.Errorf("claim must advance to APPROVED, got %v", got.Status)
		}
		if got.ExecutionKey == nil || *got.ExecutionKey != key {
			t.Errorf("execution key not recorded: %+v", got.ExecutionKey)
		}
	})

	t.Run("terminal proposal cannot be claimed", func(t *testing.T) {
		p := newPending(2)
		if err := s.SetProposalStatus(ctx, p.ID, ProposalDismissed); err != nil {
			t.Fatalf("dismiss: %v", err)
		}
		ok, err := s.ClaimProposalExecution(ctx, p.ID, ExecutionKey(p.ActionType, p.CaseID, p.ID))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			t.Error("dismissed proposal must not be claimable")
		}
	})

	t.Run("draft proposal cannot be claimed", func(t *testing.T) {
		p := &Proposal{
			CaseID:      c.ID,
			ProposalKey: ProposalKey(c.ID, "", ActionSendRebuttal, 1),
			ActionType:  ActionSendRebuttal,
		}
		if err := s.UpsertProposalByKey(ctx, p); err != nil {
			t.Fatalf("seed: %v", err)
		}
		ok, err := s.ClaimProposalExecution(ctx, p.ID, ExecutionKey(p.ActionType, p.CaseID, p.ID))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		if ok {
			t.Error("DRAFT proposal must not be claimable")
		}
	})
}

func TestRecordDecision(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	p := &Proposal{
		CaseID:      c.ID,
		ProposalKey: ProposalKey(c.ID, "", ActionAcceptFee, 1),
		ActionType:  ActionAcceptFee,
		Status:      ProposalPendingApproval,
		PauseReason: PauseFeeQuote,
	}
	if err := s.UpsertProposalByKey(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := s.RecordDecision(ctx, p.ID, DecisionApprove, "fee is reasonable"); err != nil {
		t.Fatalf("RecordDecision: %v", err)
	}
	got, _ := s.GetProposal(ctx, p.ID)
	if got.Status != ProposalDecisionReceived {
		t.Errorf("got %v", got.Status)
	}
	if got.Decision == nil || *got.Decision != DecisionApprove {
		t.Errorf("decision not stored: %+v", got.Decision)
	}

	if err := s.SetProposalStatus(ctx, p.ID, ProposalDismissed); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if err := s.RecordDecision(ctx, p.ID, DecisionApprove, ""); !errors.Is(err, ErrProposalTerminal) {
		t.Errorf("expected ErrProposalTerminal, got %v", err)
	}
}

func TestSupersedeLiveProposals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	seed := func(action ActionType, status ProposalStatus) *Proposal {
		p := &Proposal{
			CaseID:      c.ID,
			ProposalKey: ProposalKey(c.ID, "", action, 1),
			ActionType:  action,
			Status:      status,
		}
		if err := s.UpsertProposalByKey(ctx, p); err != nil {
			t.Fatalf("seed %s: %v", action, err)
		}
		return p
	}

	old := seed(ActionSendFollowup, ProposalPendingApproval)
	claimed := seed(ActionSendRebuttal, ProposalApproved)
	if ok, err := s.ClaimProposalExecution(ctx, claimed.ID, ExecutionKey(claimed.ActionType, claimed.CaseID, claimed.ID)); err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	keep := seed(ActionSendClarification, ProposalPendingApproval)

	n, err := s.SupersedeLiveProposals(ctx, c.ID, keep.ID)
	if err != nil {
		t.Fatalf("SupersedeLiveProposals: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 superseded, got %d", n)
	}

	gotOld, _ := s.GetProposal(ctx, old.ID)
	if gotOld.Status != ProposalSuperseded {
		t.Errorf("old proposal: %v", gotOld.Status)
	}
	gotClaimed, _ := s.GetProposal(ctx, claimed.ID)
	if gotClaimed.Status != ProposalApproved {
		t.Errorf("claimed proposal must survive supersession: %v", gotClaimed.Status)
	}
	gotKeep, _ := s.GetProposal(ctx, keep.ID)
	if gotKeep.Status != ProposalPendingApproval {
		t.Errorf("kept proposal: %v", gotKeep.Status)
	}
}

func TestLiveProposal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	if _, err := s.LiveProposal(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	p := &Proposal{
		CaseID:      c.ID,
		ProposalKey: ProposalKey(c.ID, "msg-1", ActionSendFollowup, 1),
		MessageID:   Ptr("msg-1"),
		ActionType:  ActionSendFollowup,
		Status:      ProposalPendingApproval,
	}
	if err := s.UpsertProposalByKey(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.LiveProposal(ctx, c.ID)
	if err != nil {
		t.Fatalf("LiveProposal: %v", err)
	}
	if got.ID != p.ID {
		t.Errorf("got %s", got.ID)
	}

	if err := s.SetProposalStatus(ctx, p.ID, ProposalDismissed); err != nil {
		t.Fatalf("dismiss: %v", err)
	}
	if _, err := s.LiveProposal(ctx, c.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("dismissed proposal still live: %v", err)
	}
}

// Ptr returns a pointer to v. Test helper mirroring the graph package's.
func Ptr[T any](v T) *T { return &v }

func TestExecutionKeyUnique(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	p := &Proposal{
		CaseID:      c.ID,
		ProposalKey: ProposalKey(c.ID, "", ActionSendFollowup, 1),
		ActionType:  ActionSendFollowup,
		Status:      ProposalApproved,
	}
	if err := s.UpsertProposalByKey(ctx, p); err != nil {
		t.Fatalf("seed: %v", err)
	}
	key := ExecutionKey(p.ActionType, p.CaseID, p.ID)

	e := &Execution{ProposalID: p.ID, ExecutionKey: key}
	if err := s.CreateExecution(ctx, e); err != nil {
		t.Fatalf("CreateExecution: %v", err)
	}
	replay := &Execution{ProposalID: p.ID, ExecutionKey: key}
	if err := s.CreateExecution(ctx, replay); !errors.Is(err, ErrDuplicateKey) {
		t.Errorf("expected ErrDuplicateKey, got %v", err)
	}

	live, err := s.LiveExecution(ctx, p.ID)
	if err != nil {
		t.Fatalf("LiveExecution: %v", err)
	}
	if live.ID != e.ID {
		t.Errorf("got %s", live.ID)
	}

	if err := s.SetExecutionStatus(ctx, e.ID, ExecutionDispatched, "smtp-abc"); err != nil {
		t.Fatalf("SetExecutionStatus: %v", err)
	}
	if _, err := s.LiveExecution(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("dispatched execution still live: %v", err)
	}
}

func TestRunLifecycleAndReaper(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	now := time.Now().UTC()
	r := &Run{
		CaseID:      c.ID,
		TriggerType: TriggerInboundMessage,
		Status:      RunRunning,
		StartedAt:   &now,
		HeartbeatAt: &now,
		ThreadID:    "case:" + c.ID,
	}
	expired := now.Add(-time.Minute)
	r.LockExpiresAt = &expired
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	t.Run("active run lookup", func(t *testing.T) {
		got, err := s.ActiveRun(ctx, c.ID)
		if err != nil {
			t.Fatalf("ActiveRun: %v", err)
		}
		if got.ID != r.ID {
			t.Errorf("got %s", got.ID)
		}
	})

	t.Run("heartbeat running run", func(t *testing.T) {
		// Lease deliberately kept in the past so the reaper subtest
		// still sees the run as expired.
		if err := s.Heartbeat(ctx, r.ID, time.Now().UTC(), expired); err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	})

	t.Run("expired run is listed and reaped once", func(t *testing.T) {
		expiredRuns, err := s.ListExpiredRunning(ctx, time.Now().UTC())
		if err != nil {
			t.Fatalf("ListExpiredRunning: %v", err)
		}
		if len(expiredRuns) != 1 || expiredRuns[0].ID != r.ID {
			t.Fatalf("expected one expired run, got %d", len(expiredRuns))
		}

		ok, err := s.ReapRun(ctx, r.ID)
		if err != nil || !ok {
			t.Fatalf("first reap: ok=%v err=%v", ok, err)
		}
		ok, err = s.ReapRun(ctx, r.ID)
		if err != nil {
			t.Fatalf("second reap: %v", err)
		}
		if ok {
			t.Error("second reap must be a no-op")
		}

		got, _ := s.GetRun(ctx, r.ID)
		if got.Status != RunTimedOut || !got.RecoveryAttempted {
			t.Errorf("reaped run: %+v", got)
		}
	})

	t.Run("heartbeat after reap fails", func(t *testing.T) {
		now := time.Now().UTC()
		if err := s.Heartbeat(ctx, r.ID, now, now.Add(time.Minute)); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("waiting run lookup", func(t *testing.T) {
		w := &Run{CaseID: c.ID, TriggerType: TriggerInboundMessage, Status: RunWaiting, ThreadID: "case:" + c.ID}
		if err := s.CreateRun(ctx, w); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		got, err := s.WaitingRun(ctx, c.ID)
		if err != nil {
			t.Fatalf("WaitingRun: %v", err)
		}
		if got.ID != w.ID {
			t.Errorf("got %s", got.ID)
		}
	})
}

func TestAcquireFollowupSlot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)
	due := time.Now().UTC().Add(7 * 24 * time.Hour)

	f := &FollowUpSchedule{CaseID: c.ID, DueAt: due, Attempt: 1}
	ok, err := s.AcquireFollowupSlot(ctx, f)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if f.ScheduledKey != ScheduledKey(c.ID, 1, due) {
		t.Errorf("derived key mismatch: %s", f.ScheduledKey)
	}

	dup := &FollowUpSchedule{CaseID: c.ID, DueAt: due, Attempt: 1}
	ok, err = s.AcquireFollowupSlot(ctx, dup)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Error("duplicate slot must not be created")
	}

	next := &FollowUpSchedule{CaseID: c.ID, DueAt: due, Attempt: 2}
	if ok, err = s.AcquireFollowupSlot(ctx, next); err != nil || !ok {
		t.Fatalf("different attempt must succeed: ok=%v err=%v", ok, err)
	}
}

func TestFollowupDuePauseComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)
	now := time.Now().UTC()

	past := &FollowUpSchedule{CaseID: c.ID, DueAt: now.Add(-time.Hour), Attempt: 1}
	future := &FollowUpSchedule{CaseID: c.ID, DueAt: now.Add(time.Hour), Attempt: 2}
	for _, f := range []*FollowUpSchedule{past, future} {
		if ok, err := s.AcquireFollowupSlot(ctx, f); err != nil || !ok {
			t.Fatalf("seed: ok=%v err=%v", ok, err)
		}
	}

	due, err := s.DueFollowUps(ctx, now)
	if err != nil {
		t.Fatalf("DueFollowUps: %v", err)
	}
	if len(due) != 1 || due[0].ID != past.ID {
		t.Fatalf("expected only the past slot, got %d", len(due))
	}

	if n, err := s.PauseFollowUps(ctx, c.ID); err != nil || n != 2 {
		t.Fatalf("PauseFollowUps: n=%d err=%v", n, err)
	}
	if due, _ = s.DueFollowUps(ctx, now); len(due) != 0 {
		t.Errorf("paused slots still due: %d", len(due))
	}
	if n, err := s.ResumeFollowUps(ctx, c.ID); err != nil || n != 2 {
		t.Fatalf("ResumeFollowUps: n=%d err=%v", n, err)
	}

	if err := s.CompleteFollowUp(ctx, past.ID); err != nil {
		t.Fatalf("CompleteFollowUp: %v", err)
	}
	if due, _ = s.DueFollowUps(ctx, now); len(due) != 0 {
		t.Errorf("completed slot still due: %d", len(due))
	}
}

func TestDeadLetterLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d := &DeadLetterEntry{
		Queue:    "email",
		JobName:  "send-email",
		JobID:    "job-1",
		Payload:  `{"case_id":"c1"}`,
		Error:    "smtp timeout",
		Attempts: 5,
		CaseID:   "c1",
	}
	if err := s.CreateDeadLetter(ctx, d); err != nil {
		t.Fatalf("CreateDeadLetter: %v", err)
	}

	pending, err := s.ListDeadLetters(ctx, DeadLetterPending)
	if err != nil {
		t.Fatalf("ListDeadLetters: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 pending, got %d", len(pending))
	}

	if err := s.ResolveDeadLetter(ctx, d.ID, DeadLetterRetried); err != nil {
		t.Fatalf("ResolveDeadLetter: %v", err)
	}
	if err := s.ResolveDeadLetter(ctx, d.ID, DeadLetterDiscarded); !errors.Is(err, ErrNotFound) {
		t.Errorf("double resolve must fail, got %v", err)
	}

	got, _ := s.GetDeadLetter(ctx, d.ID)
	if got.Status != DeadLetterRetried {
		t.Errorf("got %v", got.Status)
	}
}

func TestWithTxRollback(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	c := newTestCase(t, s)

	sentinel := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		m := &Message{CaseID: c.ID, Direction: DirectionInbound, ProviderMessageID: "tx-msg"}
		if err := tx.CreateMessage(ctx, m); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if _, err := s.GetMessageByProviderID(ctx, "tx-msg"); !errors.Is(err, ErrNotFound) {
		t.Errorf("rolled-back message visible: %v", err)
	}

	err = s.WithTx(ctx, func(tx *Store) error {
		m := &Message{CaseID: c.ID, Direction: DirectionInbound, ProviderMessageID: "tx-msg"}
		return tx.CreateMessage(ctx, m)
	})
	if err != nil {
		t.Fatalf("commit tx: %v", err)
	}
	if _, err := s.GetMessageByProviderID(ctx, "tx-msg"); err != nil {
		t.Errorf("committed message missing: %v", err)
	}
}

func TestAdvisoryLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	t.Run("try lock excludes", func(t *testing.T) {
		if !s.TryAdvisoryLock(42) {
			t.Fatal("first TryAdvisoryLock failed")
		}
		if s.TryAdvisoryLock(42) {
			t.Error("second TryAdvisoryLock must fail")
		}
		if !s.TryAdvisoryLock(43) {
			t.Error("different key must be free")
		}
		if err := s.AdvisoryUnlock(42); err != nil {
			t.Errorf("unlock: %v", err)
		}
		if err := s.AdvisoryUnlock(43); err != nil {
			t.Errorf("unlock: %v", err)
		}
	})

	t.Run("unlock without hold fails", func(t *testing.T) {
		if err := s.AdvisoryUnlock(99); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("blocked waiter acquires on release", func(t *testing.T) {
		if err := s.AdvisoryLock(ctx, 7); err != nil {
			t.Fatalf("lock: %v", err)
		}

		acquired := make(chan error, 1)
		go func() {
			acquired <- s.AdvisoryLock(ctx, 7)
		}()

		select {
		case <-acquired:
			t.Fatal("waiter acquired while held")
		case <-time.After(50 * time.Millisecond):
		}

		if err := s.AdvisoryUnlock(7); err != nil {
			t.Fatalf("unlock: %v", err)
		}
		select {
		case err := <-acquired:
			if err != nil {
				t.Fatalf("waiter: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("waiter never acquired")
		}
		if err := s.AdvisoryUnlock(7); err != nil {
			t.Errorf("unlock: %v", err)
		}
	})

	t.Run("context cancels waiter", func(t *testing.T) {
		if err := s.AdvisoryLock(ctx, 8); err != nil {
			t.Fatalf("lock: %v", err)
		}
		defer func() { _ = s.AdvisoryUnlock(8) }()

		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		defer cancel()
		if err := s.AdvisoryLock(cctx, 8); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("expected deadline exceeded, got %v", err)
		}
	})
}

func TestClosedStore(t *testing.T) {
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double Close: %v", err)
	}
	if _, err := s.GetCase(context.Background(), "x"); err == nil {
		t.Error("expected error on closed store")
	}
}
