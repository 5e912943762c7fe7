package agent

import (
	"fmt"

	"github.com/openrecords/quill/agent/llm"
	"github.com/openrecords/quill/store"
)

// Fee policy thresholds, in cents.
const (
	// FeeAutoApproveMaxCents is the largest quoted fee the engine may
	// accept without a human gate.
	FeeAutoApproveMaxCents int64 = 100_00

	// FeeNegotiateThresholdCents is the fee above which the engine
	// proposes negotiation instead of acceptance.
	FeeNegotiateThresholdCents int64 = 500_00
)

// decision is the outcome of the policy evaluation.
type decision struct {
	Action         store.ActionType
	Gate           bool
	Pause          store.PauseReason
	Reasons        []string
	NewStatus      store.CaseStatus
	PauseFollowups bool
}

// decideNextAction maps a classified inbound message and case posture to
// the next action. Gating is monotone: the policy may add a gate on top of
// the action-level rules, never remove one. Only AUTO cases execute
// outbound mail without approval; recording a portal task sends nothing to
// the agency, so it is exempt from the mode gate.
func decideNextAction(s CaseState) decision {
	d := decideForCategory(s)

	// A portal signal trumps whatever the category suggested: the agency
	// will not read our email, so no outbound document is proposed.
	if s.PortalURL != "" && needsDraft(d.Action) {
		d = decidePortal(s)
	}

	if d.Action == store.ActionNone {
		return d
	}
	if s.RequiresHuman != nil && *s.RequiresHuman {
		d.Gate = true
		if d.Pause == "" {
			d.Pause = store.PausePendingApproval
		}
		d.Reasons = append(d.Reasons, "case is flagged for human review")
	}
	if !d.Gate && d.Action != store.ActionSubmitPortal && s.AutopilotMode != string(store.AutopilotAuto) {
		d.Gate = true
		d.Pause = store.PausePendingApproval
		d.Reasons = append(d.Reasons, "autopilot mode requires approval before acting")
	}
	return d
}

func decideForCategory(s CaseState) decision {
	// A message that needs no reply resolves to NONE, with one exception:
	// a portal redirect still records the portal task.
	if s.RequiresResponse != nil && !*s.RequiresResponse {
		if s.PortalURL != "" && llm.MessageCategory(s.Category) == llm.CategoryPortalRedirect {
			return decidePortal(s)
		}
		return decideNoResponse(s)
	}

	switch llm.MessageCategory(s.Category) {
	case llm.CategoryFeeQuote:
		return decideFee(s)

	case llm.CategoryDenial, llm.CategoryPartialDenial:
		reasons := append([]string{"agency denied the request"}, s.DenialReasons...)
		if llm.DenialStrength(s.DenialStrength) == llm.DenialWeak && s.AutopilotMode == string(store.AutopilotAuto) {
			return decision{
				Action:  store.ActionSendRebuttal,
				Reasons: append(reasons, "weak denial; rebutting within policy"),
			}
		}
		return decision{
			Action:  store.ActionSendRebuttal,
			Gate:    true,
			Pause:   store.PauseDenial,
			Reasons: reasons,
		}

	case llm.CategoryPortalRedirect:
		return decidePortal(s)

	case llm.CategoryClarification:
		d := decision{
			Action:  store.ActionSendClarification,
			Reasons: []string{"agency asked for clarification"},
		}
		if s.AutopilotMode != string(store.AutopilotAuto) {
			d.Gate = true
			d.Pause = store.PauseScope
		}
		return d

	case llm.CategoryNoRecords:
		return decision{
			Action:  store.ActionEscalate,
			Gate:    true,
			Pause:   store.PauseScope,
			Reasons: []string{"agency claims no responsive records"},
		}

	case llm.CategoryIDVerification:
		return decision{
			Action:  store.ActionEscalate,
			Gate:    true,
			Pause:   store.PauseIDRequired,
			Reasons: []string{"agency requires identity verification"},
		}

	case llm.CategoryRecordsReady:
		return decision{
			Action:         store.ActionNone,
			Reasons:        []string{"records received; no response needed"},
			NewStatus:      store.CaseStatusRecordsReceived,
			PauseFollowups: true,
		}

	default:
		// Acknowledgments, extensions, and unclassifiable mail keep the
		// case waiting on the agency.
		return decision{
			Action:    store.ActionNone,
			Reasons:   []string{"no response needed for " + s.Category},
			NewStatus: store.CaseStatusAwaitingAgency,
		}
	}
}

// decidePortal records the agency's portal as the submission channel. The
// proposal exists to carry the portal task's audit trail; no email goes
// out, so the action is never mode-gated.
func decidePortal(s CaseState) decision {
	return decision{
		Action:         store.ActionSubmitPortal,
		Reasons:        []string{"agency requires submission through its portal"},
		NewStatus:      store.CaseStatusPortalRequired,
		PauseFollowups: true,
	}
}

// decideNoResponse handles mail the classifier marked as needing no reply.
func decideNoResponse(s CaseState) decision {
	reason := s.ReasonNoResponse
	if reason == "" {
		reason = "no response needed for " + s.Category
	}
	d := decision{
		Action:    store.ActionNone,
		Reasons:   []string{reason},
		NewStatus: store.CaseStatusAwaitingAgency,
	}
	if llm.MessageCategory(s.Category) == llm.CategoryRecordsReady {
		d.NewStatus = store.CaseStatusRecordsReceived
		d.PauseFollowups = true
	}
	return d
}

func decideFee(s CaseState) decision {
	fee := s.QuotedFeeCents

	if fee > FeeNegotiateThresholdCents {
		return decision{
			Action:  store.ActionNegotiateFee,
			Gate:    true,
			Pause:   store.PauseFeeQuote,
			Reasons: []string{fmt.Sprintf("fee %s exceeds the negotiation threshold %s", dollars(fee), dollars(FeeNegotiateThresholdCents))},
		}
	}

	d := decision{
		Action:  store.ActionAcceptFee,
		Reasons: []string{fmt.Sprintf("fee %s is within acceptance policy", dollars(fee))},
	}
	if fee > FeeAutoApproveMaxCents {
		d.Gate = true
		d.Pause = store.PauseFeeQuote
		d.Reasons = append(d.Reasons, fmt.Sprintf("fee exceeds the %s auto-approve cap", dollars(FeeAutoApproveMaxCents)))
	}
	return d
}

// needsDraft reports whether the action sends a document and therefore
// passes through the drafting nodes.
func needsDraft(action store.ActionType) bool {
	switch action {
	case store.ActionAcceptFee, store.ActionNegotiateFee, store.ActionDeclineFee:
		return true
	}
	return action.IsSend()
}

func dollars(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}
