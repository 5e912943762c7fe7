// Package agent implements the case graphs: the nodes, state, and wiring
// that take a records-request case from trigger to committed outcome, with
// human gates in between.
package agent

import (
	"github.com/openrecords/quill/graph"
)

// CaseState is the graph state threaded through every node. It must
// round-trip through JSON unchanged, because interrupts checkpoint it and
// resumes may happen in a different process.
//
// Message and draft bodies are kept out of the state on purpose; only body
// references appear here.
type CaseState struct {
	CaseID    string `json:"case_id"`
	RunID     string `json:"run_id"`
	Trigger   string `json:"trigger"`
	MessageID string `json:"message_id,omitempty"`

	// Attempt numbers repeated outbound documents of the same kind.
	Attempt int `json:"attempt,omitempty"`

	// Loaded case context.
	Agency        string   `json:"agency,omitempty"`
	Jurisdiction  string   `json:"jurisdiction,omitempty"`
	RequestText   string   `json:"request_text,omitempty"`
	ScopeItems    []string `json:"scope_items,omitempty"`
	Constraints   []string `json:"constraints,omitempty"`
	AutopilotMode string   `json:"autopilot_mode,omitempty"`
	RequiresHuman *bool    `json:"requires_human,omitempty"`
	CaseStatus    string   `json:"case_status,omitempty"`
	FeeQuoteCents int64    `json:"fee_quote_cents,omitempty"`
	PortalURL     string   `json:"portal_url,omitempty"`

	// Classification of the triggering inbound message.
	Category          string   `json:"category,omitempty"`
	InboundSummary    string   `json:"inbound_summary,omitempty"`
	QuotedFeeCents    int64    `json:"quoted_fee_cents,omitempty"`
	DenialReasons     []string `json:"denial_reasons,omitempty"`
	DenialStrength    string   `json:"denial_strength,omitempty"`
	Sentiment         string   `json:"sentiment,omitempty"`
	ExtractedDeadline string   `json:"extracted_deadline,omitempty"`
	RequiresResponse  *bool    `json:"requires_response,omitempty"`
	SuggestedAction   string   `json:"suggested_action,omitempty"`
	ReasonNoResponse  string   `json:"reason_no_response,omitempty"`

	// Decision.
	NextAction      string   `json:"next_action,omitempty"`
	DecisionReasons []string `json:"decision_reasons,omitempty"`
	GateRequired    *bool    `json:"gate_required,omitempty"`
	PauseReason     string   `json:"pause_reason,omitempty"`

	// Draft.
	DraftSubject    string   `json:"draft_subject,omitempty"`
	DraftBodyRef    string   `json:"draft_body_ref,omitempty"`
	DraftReasoning  []string `json:"draft_reasoning,omitempty"`
	RiskFlags       []string `json:"risk_flags,omitempty"`
	DraftConfidence float64  `json:"draft_confidence,omitempty"`

	// Gate and execution outcome.
	ProposalID    string `json:"proposal_id,omitempty"`
	HumanDecision string `json:"human_decision,omitempty"`
	DecisionNote  string `json:"decision_note,omitempty"`
	Executed      *bool  `json:"executed,omitempty"`
	ProviderRef   string `json:"provider_ref,omitempty"`

	// NewStatus is the case status to commit, empty to leave unchanged.
	NewStatus string `json:"new_status,omitempty"`

	// PauseFollowups commits a follow-up pause alongside the status.
	PauseFollowups *bool `json:"pause_followups,omitempty"`
}

// Reduce merges a node's delta into the previous state. Scalars overwrite
// when set; Constraints accumulate; explicitly-set pointers always win so a
// node can clear a flag.
func Reduce(prev, delta CaseState) CaseState {
	return CaseState{
		CaseID:    graph.OverwriteIfSet(prev.CaseID, delta.CaseID),
		RunID:     graph.OverwriteIfSet(prev.RunID, delta.RunID),
		Trigger:   graph.OverwriteIfSet(prev.Trigger, delta.Trigger),
		MessageID: graph.OverwriteIfSet(prev.MessageID, delta.MessageID),
		Attempt:   graph.OverwriteIfSet(prev.Attempt, delta.Attempt),

		Agency:        graph.OverwriteIfSet(prev.Agency, delta.Agency),
		Jurisdiction:  graph.OverwriteIfSet(prev.Jurisdiction, delta.Jurisdiction),
		RequestText:   graph.OverwriteIfSet(prev.RequestText, delta.RequestText),
		ScopeItems:    overwriteList(prev.ScopeItems, delta.ScopeItems),
		Constraints:   graph.AppendIfNew(prev.Constraints, delta.Constraints),
		AutopilotMode: graph.OverwriteIfSet(prev.AutopilotMode, delta.AutopilotMode),
		RequiresHuman: graph.PreserveUnlessExplicit(prev.RequiresHuman, ptrPtr(delta.RequiresHuman)),
		CaseStatus:    graph.OverwriteIfSet(prev.CaseStatus, delta.CaseStatus),
		FeeQuoteCents: graph.OverwriteIfSet(prev.FeeQuoteCents, delta.FeeQuoteCents),
		PortalURL:     graph.OverwriteIfSet(prev.PortalURL, delta.PortalURL),

		Category:          graph.OverwriteIfSet(prev.Category, delta.Category),
		InboundSummary:    graph.OverwriteIfSet(prev.InboundSummary, delta.InboundSummary),
		QuotedFeeCents:    graph.OverwriteIfSet(prev.QuotedFeeCents, delta.QuotedFeeCents),
		DenialReasons:     overwriteList(prev.DenialReasons, delta.DenialReasons),
		DenialStrength:    graph.OverwriteIfSet(prev.DenialStrength, delta.DenialStrength),
		Sentiment:         graph.OverwriteIfSet(prev.Sentiment, delta.Sentiment),
		ExtractedDeadline: graph.OverwriteIfSet(prev.ExtractedDeadline, delta.ExtractedDeadline),
		RequiresResponse:  graph.PreserveUnlessExplicit(prev.RequiresResponse, ptrPtr(delta.RequiresResponse)),
		SuggestedAction:   graph.OverwriteIfSet(prev.SuggestedAction, delta.SuggestedAction),
		ReasonNoResponse:  graph.OverwriteIfSet(prev.ReasonNoResponse, delta.ReasonNoResponse),

		NextAction:      graph.OverwriteIfSet(prev.NextAction, delta.NextAction),
		DecisionReasons: overwriteList(prev.DecisionReasons, delta.DecisionReasons),
		GateRequired:    graph.PreserveUnlessExplicit(prev.GateRequired, ptrPtr(delta.GateRequired)),
		PauseReason:     graph.OverwriteIfSet(prev.PauseReason, delta.PauseReason),

		DraftSubject:    graph.OverwriteIfSet(prev.DraftSubject, delta.DraftSubject),
		DraftBodyRef:    graph.OverwriteIfSet(prev.DraftBodyRef, delta.DraftBodyRef),
		DraftReasoning:  overwriteList(prev.DraftReasoning, delta.DraftReasoning),
		RiskFlags:       overwriteList(prev.RiskFlags, delta.RiskFlags),
		DraftConfidence: graph.OverwriteIfSet(prev.DraftConfidence, delta.DraftConfidence),

		ProposalID:    graph.OverwriteIfSet(prev.ProposalID, delta.ProposalID),
		HumanDecision: graph.OverwriteIfSet(prev.HumanDecision, delta.HumanDecision),
		DecisionNote:  graph.OverwriteIfSet(prev.DecisionNote, delta.DecisionNote),
		Executed:      graph.PreserveUnlessExplicit(prev.Executed, ptrPtr(delta.Executed)),
		ProviderRef:   graph.OverwriteIfSet(prev.ProviderRef, delta.ProviderRef),

		NewStatus:      graph.OverwriteIfSet(prev.NewStatus, delta.NewStatus),
		PauseFollowups: graph.PreserveUnlessExplicit(prev.PauseFollowups, ptrPtr(delta.PauseFollowups)),
	}
}

func overwriteList(prev, delta []string) []string {
	if len(delta) > 0 {
		return delta
	}
	return prev
}

// ptrPtr adapts a *T field into the **T delta form PreserveUnlessExplicit
// expects: a nil field means "not set", a non-nil one is explicit.
func ptrPtr[T any](p *T) **T {
	if p == nil {
		return nil
	}
	return &p
}
