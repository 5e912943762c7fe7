package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openrecords/quill/agent/llm"
	"github.com/openrecords/quill/graph"
	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/store"
)

// Node IDs shared by the graph builders.
const (
	NodeLoadContext       = "load_context"
	NodeClassifyInbound   = "classify_inbound"
	NodeUpdateConstraints = "update_constraints"
	NodeDecideNextAction  = "decide_next_action"
	NodePrepareInitial    = "prepare_initial_request"
	NodePrepareFollowup   = "prepare_followup"
	NodeDraftResponse     = "draft_response"
	NodeSafetyCheck       = "safety_check"
	NodeGateOrExecute     = "gate_or_execute"
	NodeExecuteAction     = "execute_action"
	NodeCommitState       = "commit_state"
	NodeScheduleFollowups = "schedule_followups"
)

// safetyConfidenceFloor is the draft confidence below which the safety
// check forces a gate regardless of autopilot mode.
const safetyConfidenceFloor = 0.6

// sensitiveKeywords force a human gate when they appear in an outbound
// draft, whatever the autopilot mode.
var sensitiveKeywords = []string{
	"social security",
	"ssn",
	"date of birth",
	"juvenile",
	"minor victim",
	"medical record",
	"confidential informant",
	"sealed record",
	"ongoing investigation",
}

// Nodes builds the graph nodes over one set of collaborators.
type Nodes struct {
	deps Deps
}

// NewNodes creates the node set.
func NewNodes(deps Deps) *Nodes {
	return &Nodes{deps: deps}
}

func fail(err error) graph.NodeResult[CaseState] {
	return graph.NodeResult[CaseState]{Err: err}
}

// LoadContext pulls the case aggregate into graph state.
func (n *Nodes) LoadContext() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		c, err := n.deps.Store.GetCase(ctx, s.CaseID)
		if err != nil {
			return fail(fmt.Errorf("load case %s: %w", s.CaseID, err))
		}
		return graph.NodeResult[CaseState]{Delta: CaseState{
			Agency:        c.Agency,
			Jurisdiction:  c.Jurisdiction,
			RequestText:   c.RequestText,
			ScopeItems:    c.ScopeItems,
			Constraints:   c.Constraints,
			AutopilotMode: string(c.AutopilotMode),
			RequiresHuman: graph.Ptr(c.RequiresHuman),
			CaseStatus:    string(c.Status),
			FeeQuoteCents: c.FeeQuoteCents,
			PortalURL:     c.PortalURL,
		}}
	}
}

// ClassifyInbound analyzes the triggering message and translates the
// result into constraint tags.
func (n *Nodes) ClassifyInbound() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		msg, err := n.deps.Store.GetMessage(ctx, s.MessageID)
		if err != nil {
			return fail(fmt.Errorf("load message %s: %w", s.MessageID, err))
		}
		body, err := n.deps.Bodies.Get(ctx, msg.BodyRef)
		if err != nil {
			return fail(fmt.Errorf("load message body: %w", err))
		}

		c, err := n.deps.LLM.Classify(ctx, llm.ClassifyRequest{
			Agency:           s.Agency,
			Jurisdiction:     s.Jurisdiction,
			RequestText:      s.RequestText,
			Subject:          msg.Subject,
			Body:             body,
			PriorConstraints: s.Constraints,
		})
		if err != nil {
			return fail(fmt.Errorf("classify inbound: %w", err))
		}

		delta := CaseState{
			Category:          string(c.Category),
			InboundSummary:    c.Summary,
			QuotedFeeCents:    c.FeeCents,
			DenialReasons:     c.DenialReasons,
			DenialStrength:    string(c.Strength),
			Sentiment:         c.Sentiment,
			ExtractedDeadline: c.ExtractedDeadline,
			RequiresResponse:  graph.Ptr(c.RequiresResponse),
			SuggestedAction:   c.SuggestedAction,
			ReasonNoResponse:  c.ReasonNoResponse,
			Constraints:       append(impliedConstraints(c.Category), c.Constraints...),
		}
		if c.PortalURL != "" {
			delta.PortalURL = c.PortalURL
		}
		return graph.NodeResult[CaseState]{Delta: delta}
	}
}

func impliedConstraints(cat llm.MessageCategory) []string {
	switch cat {
	case llm.CategoryFeeQuote:
		return []string{store.ConstraintFeeRequired}
	case llm.CategoryDenial, llm.CategoryPartialDenial:
		return []string{store.ConstraintDenialReceived}
	case llm.CategoryPortalRedirect:
		return []string{store.ConstraintPortalOnly}
	case llm.CategoryNoRecords:
		return []string{store.ConstraintNoRecordsClaimed}
	case llm.CategoryIDVerification:
		return []string{store.ConstraintIDRequired}
	}
	return nil
}

// UpdateConstraints folds classification findings into case-level fields.
func (n *Nodes) UpdateConstraints() graph.NodeFunc[CaseState] {
	return func(_ context.Context, s CaseState) graph.NodeResult[CaseState] {
		var delta CaseState
		if s.QuotedFeeCents > 0 {
			delta.FeeQuoteCents = s.QuotedFeeCents
		}
		return graph.NodeResult[CaseState]{Delta: delta}
	}
}

// DecideNextAction evaluates the decision policy.
func (n *Nodes) DecideNextAction() graph.NodeFunc[CaseState] {
	return func(_ context.Context, s CaseState) graph.NodeResult[CaseState] {
		d := decideNextAction(s)
		delta := CaseState{
			NextAction:      string(d.Action),
			DecisionReasons: d.Reasons,
			GateRequired:    graph.Ptr(d.Gate),
			PauseReason:     string(d.Pause),
			NewStatus:       string(d.NewStatus),
		}
		if d.PauseFollowups {
			delta.PauseFollowups = graph.Ptr(true)
		}
		return graph.NodeResult[CaseState]{Delta: delta}
	}
}

// DecideRouter routes after the decision: draft documents, gate bare
// actions, or commit when nothing needs doing.
func (n *Nodes) DecideRouter() graph.Router[CaseState] {
	return func(s CaseState) string {
		action := store.ActionType(s.NextAction)
		switch {
		case action == store.ActionNone:
			return NodeCommitState
		case needsDraft(action):
			return NodeDraftResponse
		default:
			return NodeGateOrExecute
		}
	}
}

// PrepareInitial seeds the decision fields for an initial-request run.
func (n *Nodes) PrepareInitial() graph.NodeFunc[CaseState] {
	return func(_ context.Context, s CaseState) graph.NodeResult[CaseState] {
		gate := s.AutopilotMode != string(store.AutopilotAuto) ||
			(s.RequiresHuman != nil && *s.RequiresHuman)
		delta := CaseState{
			NextAction:      string(store.ActionSendInitialRequest),
			DecisionReasons: []string{"new case; draft and send the initial request"},
			GateRequired:    graph.Ptr(gate),
		}
		if gate {
			delta.PauseReason = string(store.PausePendingApproval)
		}
		return graph.NodeResult[CaseState]{Delta: delta}
	}
}

// PrepareFollowup seeds the decision fields for a scheduled follow-up run.
func (n *Nodes) PrepareFollowup() graph.NodeFunc[CaseState] {
	return func(_ context.Context, s CaseState) graph.NodeResult[CaseState] {
		// A case that moved past waiting has nothing to chase.
		switch store.CaseStatus(s.CaseStatus) {
		case store.CaseStatusSubmitted, store.CaseStatusAwaitingAgency:
		default:
			return graph.NodeResult[CaseState]{
				Delta: CaseState{
					NextAction:      string(store.ActionNone),
					DecisionReasons: []string{"case no longer awaiting the agency"},
				},
				Route: graph.Goto(NodeCommitState),
			}
		}

		gate := s.AutopilotMode != string(store.AutopilotAuto) ||
			(s.RequiresHuman != nil && *s.RequiresHuman)
		attempt := s.Attempt
		if attempt == 0 {
			attempt = 1
		}
		delta := CaseState{
			NextAction:      string(store.ActionSendFollowup),
			Attempt:         attempt,
			DecisionReasons: []string{fmt.Sprintf("scheduled follow-up %d is due", attempt)},
			GateRequired:    graph.Ptr(gate),
		}
		if gate {
			delta.PauseReason = string(store.PausePendingApproval)
		}
		return graph.NodeResult[CaseState]{Delta: delta}
	}
}

// DraftResponse generates the outbound document for the decided action.
func (n *Nodes) DraftResponse() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		summary := s.InboundSummary
		if s.DecisionNote != "" {
			summary = fmt.Sprintf("%s\nReviewer adjustment: %s", summary, s.DecisionNote)
		}
		attempt := s.Attempt
		if attempt == 0 {
			attempt = 1
		}

		d, err := n.deps.LLM.Draft(ctx, llm.DraftRequest{
			Agency:         s.Agency,
			Jurisdiction:   s.Jurisdiction,
			RequestText:    s.RequestText,
			ScopeItems:     s.ScopeItems,
			Constraints:    s.Constraints,
			Kind:           draftKind(store.ActionType(s.NextAction)),
			InboundSummary: summary,
			Attempt:        attempt,
		})
		if err != nil {
			return fail(fmt.Errorf("draft %s: %w", s.NextAction, err))
		}

		ref, err := n.deps.Bodies.Put(ctx, d.Body)
		if err != nil {
			return fail(fmt.Errorf("store draft body: %w", err))
		}
		return graph.NodeResult[CaseState]{Delta: CaseState{
			DraftSubject:    d.Subject,
			DraftBodyRef:    ref,
			DraftReasoning:  d.Reasoning,
			RiskFlags:       d.RiskFlags,
			DraftConfidence: d.Confidence,
		}}
	}
}

func draftKind(action store.ActionType) string {
	switch action {
	case store.ActionSendInitialRequest:
		return "initial_request"
	case store.ActionSendFollowup:
		return "followup"
	case store.ActionSendRebuttal:
		return "rebuttal"
	case store.ActionSendClarification:
		return "clarification"
	case store.ActionAcceptFee, store.ActionNegotiateFee, store.ActionDeclineFee:
		return "fee_response"
	}
	return "followup"
}

// SafetyCheck applies the hard rules to a drafted action. It only
// tightens; an already-required gate stays required.
//
// Rules, in order: a known portal blocks every outbound send regardless of
// what was decided; sensitive content in the draft forces a human; so do
// low confidence and model-reported risk flags.
func (n *Nodes) SafetyCheck() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		forceGate := func(flag string) graph.NodeResult[CaseState] {
			delta := CaseState{
				GateRequired: graph.Ptr(true),
				PauseReason:  string(store.PauseSensitive),
			}
			if flag != "" {
				delta.RiskFlags = append(append([]string{}, s.RiskFlags...), flag)
			}
			return graph.NodeResult[CaseState]{Delta: delta}
		}

		if s.PortalURL != "" && needsDraft(store.ActionType(s.NextAction)) {
			return forceGate("portal_required")
		}

		kw, err := n.sensitiveContent(ctx, s)
		if err != nil {
			return fail(err)
		}
		if kw != "" {
			return forceGate("sensitive_content:" + kw)
		}

		if s.GateRequired != nil && *s.GateRequired {
			return graph.NodeResult[CaseState]{}
		}
		if s.DraftConfidence < safetyConfidenceFloor || len(s.RiskFlags) > 0 {
			return forceGate("")
		}
		return graph.NodeResult[CaseState]{}
	}
}

// sensitiveContent returns the first flagged keyword found in the draft,
// or empty when the draft is clean.
func (n *Nodes) sensitiveContent(ctx context.Context, s CaseState) (string, error) {
	text := strings.ToLower(s.DraftSubject)
	if s.DraftBodyRef != "" {
		body, err := n.deps.Bodies.Get(ctx, s.DraftBodyRef)
		if err != nil {
			return "", fmt.Errorf("load draft body: %w", err)
		}
		text += "\n" + strings.ToLower(body)
	}
	for _, kw := range sensitiveKeywords {
		if strings.Contains(text, kw) {
			return kw, nil
		}
	}
	return "", nil
}

// Decision is the payload a reviewer supplies when resuming a gated run.
type Decision struct {
	Action store.HumanDecision `json:"action"`
	Note   string              `json:"note,omitempty"`
}

func decodeDecision(v any) (Decision, error) {
	if d, ok := v.(Decision); ok {
		return d, nil
	}
	// Decisions that crossed a process boundary arrive as decoded JSON.
	raw, err := json.Marshal(v)
	if err != nil {
		return Decision{}, fmt.Errorf("invalid decision payload: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(raw, &d); err != nil {
		return Decision{}, fmt.Errorf("invalid decision payload: %w", err)
	}
	if d.Action == "" {
		return Decision{}, errors.New("decision has no action")
	}
	return d, nil
}

// gateNode persists the proposal and either hands it to execution or
// suspends the run for a human. It is the graph's only resumable node.
type gateNode struct {
	deps Deps
}

// GateOrExecute creates the gate node.
func (n *Nodes) GateOrExecute() graph.ResumableNode[CaseState] {
	return &gateNode{deps: n.deps}
}

func (g *gateNode) Run(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
	attempt := s.Attempt
	if attempt == 0 {
		attempt = 1
	}
	action := store.ActionType(s.NextAction)

	p := &store.Proposal{
		CaseID:      s.CaseID,
		ProposalKey: store.ProposalKey(s.CaseID, s.MessageID, action, attempt),
		ActionType:  action,
		Subject:     s.DraftSubject,
		BodyRef:     s.DraftBodyRef,
		Reasoning:   append(append([]string{}, s.DecisionReasons...), s.DraftReasoning...),
		RiskFlags:   s.RiskFlags,
		Confidence:  s.DraftConfidence,
		Attempt:     attempt,
		Status:      store.ProposalPendingApproval,
		PauseReason: store.PauseReason(s.PauseReason),
	}
	if s.MessageID != "" {
		p.MessageID = graph.Ptr(s.MessageID)
	}
	if err := g.deps.Store.UpsertProposalByKey(ctx, p); err != nil {
		return fail(fmt.Errorf("persist proposal: %w", err))
	}

	// A terminal or already-claimed proposal means this trigger was
	// handled before; fall through to commit without side effects.
	if p.Status.Terminal() || p.ExecutionKey != nil {
		return graph.NodeResult[CaseState]{
			Delta: CaseState{ProposalID: p.ID, Executed: graph.Ptr(false)},
			Route: graph.Goto(NodeCommitState),
		}
	}

	if s.GateRequired != nil && *s.GateRequired {
		if err := g.deps.Store.SetReviewState(ctx, s.CaseID, store.ReviewDecisionRequired); err != nil {
			return fail(fmt.Errorf("mark case for review: %w", err))
		}
		if g.deps.Notify != nil {
			g.deps.Notify.CaseNeedsReview(ctx, s.CaseID, p.ID, p.PauseReason)
		}
		g.deps.emit(emit.Event{
			RunID:  s.RunID,
			CaseID: s.CaseID,
			NodeID: NodeGateOrExecute,
			Msg:    emit.MsgCaseNeedsReview,
			Meta: map[string]interface{}{
				"proposal_id":  p.ID,
				"action":       string(action),
				"pause_reason": s.PauseReason,
			},
		})
		return graph.NodeResult[CaseState]{
			Delta: CaseState{ProposalID: p.ID},
			Interrupt: &graph.Interrupt{Value: map[string]any{
				"proposal_id":  p.ID,
				"action":       string(action),
				"pause_reason": s.PauseReason,
			}},
		}
	}

	return graph.NodeResult[CaseState]{
		Delta: CaseState{ProposalID: p.ID},
		Route: graph.Goto(NodeExecuteAction),
	}
}

func (g *gateNode) Resume(ctx context.Context, s CaseState, decision any) graph.NodeResult[CaseState] {
	dec, err := decodeDecision(decision)
	if err != nil {
		return fail(err)
	}
	if s.ProposalID == "" {
		return fail(errors.New("resume without a pending proposal"))
	}

	if err := g.deps.Store.RecordDecision(ctx, s.ProposalID, dec.Action, dec.Note); err != nil {
		return fail(fmt.Errorf("record decision: %w", err))
	}

	switch dec.Action {
	case store.DecisionApprove:
		return graph.NodeResult[CaseState]{
			Delta: CaseState{HumanDecision: string(dec.Action)},
			Route: graph.Goto(NodeExecuteAction),
		}

	case store.DecisionAdjust:
		return graph.NodeResult[CaseState]{
			Delta: CaseState{HumanDecision: string(dec.Action), DecisionNote: dec.Note},
			Route: graph.Goto(NodeDraftResponse),
		}

	case store.DecisionDismiss:
		if err := g.deps.Store.SetProposalStatus(ctx, s.ProposalID, store.ProposalDismissed); err != nil {
			return fail(fmt.Errorf("dismiss proposal: %w", err))
		}
		return graph.NodeResult[CaseState]{
			Delta: CaseState{HumanDecision: string(dec.Action), Executed: graph.Ptr(false)},
			Route: graph.Goto(NodeCommitState),
		}

	case store.DecisionWithdraw:
		if err := g.deps.Store.SetProposalStatus(ctx, s.ProposalID, store.ProposalCancelled); err != nil {
			return fail(fmt.Errorf("cancel proposal: %w", err))
		}
		return graph.NodeResult[CaseState]{
			Delta: CaseState{
				HumanDecision:  string(dec.Action),
				Executed:       graph.Ptr(false),
				NewStatus:      string(store.CaseStatusWithdrawn),
				PauseFollowups: graph.Ptr(true),
			},
			Route: graph.Goto(NodeCommitState),
		}

	default:
		return fail(fmt.Errorf("unknown decision action %q", dec.Action))
	}
}

// ExecuteAction performs the proposal's side effect exactly once, behind
// the execution-key claim.
func (n *Nodes) ExecuteAction() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		p, err := n.deps.Store.GetProposal(ctx, s.ProposalID)
		if err != nil {
			return fail(fmt.Errorf("load proposal: %w", err))
		}
		key := store.ExecutionKey(p.ActionType, p.CaseID, p.ID)

		won, err := n.deps.Store.ClaimProposalExecution(ctx, p.ID, key)
		if err != nil {
			return fail(fmt.Errorf("claim execution: %w", err))
		}
		if !won {
			// Another run (or an earlier replay of this one) owns the side
			// effect.
			return graph.NodeResult[CaseState]{
				Delta: CaseState{Executed: graph.Ptr(false)},
				Route: graph.Goto(NodeCommitState),
			}
		}

		exec := &store.Execution{ProposalID: p.ID, ExecutionKey: key}
		if err := n.deps.Store.CreateExecution(ctx, exec); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				return graph.NodeResult[CaseState]{
					Delta: CaseState{Executed: graph.Ptr(false)},
					Route: graph.Goto(NodeCommitState),
				}
			}
			return fail(fmt.Errorf("record execution: %w", err))
		}

		ref, dispatchErr := n.dispatch(ctx, s, p)
		if dispatchErr != nil {
			_ = n.deps.Store.SetExecutionStatus(ctx, exec.ID, store.ExecutionFailed, "")
			_ = n.deps.Store.SetProposalStatus(ctx, p.ID, store.ProposalFailed)
			return fail(fmt.Errorf("dispatch %s: %w", p.ActionType, dispatchErr))
		}

		if err := n.deps.Store.SetExecutionStatus(ctx, exec.ID, store.ExecutionDispatched, ref); err != nil {
			return fail(fmt.Errorf("finalize execution: %w", err))
		}
		if err := n.deps.Store.MarkProposalExecuted(ctx, p.ID); err != nil {
			return fail(fmt.Errorf("finalize proposal: %w", err))
		}

		if p.ActionType.IsSend() || p.ActionType == store.ActionAcceptFee ||
			p.ActionType == store.ActionNegotiateFee || p.ActionType == store.ActionDeclineFee {
			out := &store.Message{
				CaseID:            s.CaseID,
				Direction:         store.DirectionOutbound,
				ProviderMessageID: ref,
				Subject:           p.Subject,
				BodyRef:           p.BodyRef,
				SentAt:            n.deps.now(),
			}
			if err := n.deps.Store.CreateMessage(ctx, out); err != nil && !errors.Is(err, store.ErrDuplicateKey) {
				return fail(fmt.Errorf("record outbound message: %w", err))
			}
		}

		return graph.NodeResult[CaseState]{Delta: CaseState{
			Executed:    graph.Ptr(true),
			ProviderRef: ref,
			NewStatus:   string(statusAfterDispatch(p.ActionType)),
		}}
	}
}

func (n *Nodes) dispatch(ctx context.Context, s CaseState, p *store.Proposal) (string, error) {
	switch p.ActionType {
	case store.ActionSubmitPortal:
		if n.deps.Portal == nil {
			return "", errors.New("no portal runner configured")
		}
		return n.deps.Portal.Submit(ctx, s.CaseID, s.PortalURL, p.BodyRef)

	case store.ActionEscalate:
		// Escalation's side effect is the notification itself.
		if n.deps.Notify != nil {
			n.deps.Notify.CaseNeedsReview(ctx, s.CaseID, p.ID, store.PauseReason(s.PauseReason))
		}
		return "escalation:" + p.ID, nil

	default:
		if n.deps.Email == nil {
			return "", errors.New("no email executor configured")
		}
		return n.deps.Email.Send(ctx, s.CaseID, p.Subject, p.BodyRef)
	}
}

func statusAfterDispatch(action store.ActionType) store.CaseStatus {
	switch action {
	case store.ActionSendInitialRequest:
		return store.CaseStatusSubmitted
	case store.ActionSubmitPortal:
		return store.CaseStatusPortalRequired
	case store.ActionEscalate:
		return ""
	default:
		return store.CaseStatusAwaitingAgency
	}
}

// CommitState writes the run's outcome to the case atomically: case
// fields, message processed-stamp, and follow-up pausing commit or roll
// back together.
func (n *Nodes) CommitState() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		err := n.deps.Store.WithTx(ctx, func(tx *store.Store) error {
			c, err := tx.GetCase(ctx, s.CaseID)
			if err != nil {
				return fmt.Errorf("load case: %w", err)
			}

			c.Constraints = s.Constraints
			if s.QuotedFeeCents > 0 && s.QuotedFeeCents != c.FeeQuoteCents {
				c.FeeQuoteCents = s.QuotedFeeCents
				now := n.deps.now()
				c.FeeQuotedAt = &now
			}
			if s.PortalURL != "" {
				c.PortalURL = s.PortalURL
			}
			if s.ExtractedDeadline != "" {
				// An unparseable date is a classifier wobble, not a reason
				// to fail the commit.
				if due, perr := time.Parse("2006-01-02", s.ExtractedDeadline); perr == nil {
					c.Deadline = &due
				}
			}
			if s.NewStatus != "" {
				c.Status = store.CaseStatus(s.NewStatus)
			}
			c.ReviewState = reviewStateAfterRun(c.Status)
			if err := tx.UpdateCase(ctx, c); err != nil {
				return fmt.Errorf("update case: %w", err)
			}

			if s.MessageID != "" {
				if err := tx.MarkMessageProcessed(ctx, s.MessageID, s.RunID); err != nil &&
					!errors.Is(err, store.ErrAlreadyProcessed) {
					return fmt.Errorf("mark message processed: %w", err)
				}
			}
			if s.PauseFollowups != nil && *s.PauseFollowups {
				if _, err := tx.PauseFollowUps(ctx, s.CaseID); err != nil {
					return fmt.Errorf("pause followups: %w", err)
				}
			}
			return nil
		})
		if err != nil {
			return fail(err)
		}
		return graph.NodeResult[CaseState]{}
	}
}

func reviewStateAfterRun(status store.CaseStatus) store.ReviewState {
	switch status {
	case store.CaseStatusSubmitted, store.CaseStatusAwaitingAgency:
		return store.ReviewWaitingAgency
	default:
		return store.ReviewIdle
	}
}

// ScheduleFollowups books the next follow-up slot after an outbound send:
// 7 days after the first, 14 after the second, 30 thereafter.
func (n *Nodes) ScheduleFollowups() graph.NodeFunc[CaseState] {
	return func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
		stop := graph.NodeResult[CaseState]{Route: graph.Stop()}

		if s.Executed == nil || !*s.Executed {
			return stop
		}
		switch store.CaseStatus(s.NewStatus) {
		case store.CaseStatusSubmitted, store.CaseStatusAwaitingAgency:
		default:
			return stop
		}
		action := store.ActionType(s.NextAction)
		if !action.IsSend() && action != store.ActionAcceptFee {
			return stop
		}

		next := s.Attempt + 1
		if next < 1 {
			next = 1
		}
		due := n.deps.now().Add(followupDelay(next))
		if _, err := n.deps.Store.AcquireFollowupSlot(ctx, &store.FollowUpSchedule{
			CaseID:  s.CaseID,
			DueAt:   due,
			Attempt: next,
		}); err != nil {
			return fail(fmt.Errorf("schedule followup: %w", err))
		}
		return stop
	}
}

func followupDelay(attempt int) time.Duration {
	switch {
	case attempt <= 1:
		return 7 * 24 * time.Hour
	case attempt == 2:
		return 14 * 24 * time.Hour
	default:
		return 30 * 24 * time.Hour
	}
}
