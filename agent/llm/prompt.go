package llm

import (
	"fmt"
	"strings"
)

// Prompt construction shared by the provider adapters. Both providers get
// identical instructions so swapping models never changes engine behavior,
// only quality.

const classifySystem = `You analyze correspondence from government agencies
about public-records requests. Respond with a single JSON object and
nothing else. The object must have exactly these fields: schema_version
(always "classification/v1"), category (one of ACKNOWLEDGMENT, FEE_QUOTE,
DENIAL, PARTIAL_DENIAL, CLARIFICATION_REQUEST, PORTAL_REDIRECT,
RECORDS_READY, NO_RECORDS, EXTENSION_NOTICE, ID_VERIFICATION, OTHER),
constraints (array of strings), fee_cents (integer, 0 if no fee quoted),
portal_url (string, empty if none), denial_reasons (array of strings),
denial_strength ("WEAK" for form-letter or unsupported denials, "FIRM" for
specific well-grounded ones, "" for non-denials), sentiment
("cooperative", "neutral", or "hostile"), extracted_deadline (YYYY-MM-DD
date the agency committed to, "" if none stated), requires_response
(boolean, false when no reply from the requester is needed),
suggested_action (short phrase such as "use_portal", "" if none),
reason_no_response (why no reply is needed, "" when one is), summary
(string), confidence (number 0-1).`

const draftSystem = `You draft correspondence for public-records requests
on behalf of a requester. Be concise, factual, and cite the applicable
public-records statute for the jurisdiction where relevant. Respond with a
single JSON object and nothing else, with exactly these fields:
schema_version (always "draft/v1"), subject (string), body (string),
reasoning (array of strings explaining the approach), risk_flags (array of
strings, empty if none), confidence (number 0-1).`

func classifyPrompt(req ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Agency: %s (%s)\n", req.Agency, req.Jurisdiction)
	fmt.Fprintf(&b, "Original request: %s\n", req.RequestText)
	if len(req.PriorConstraints) > 0 {
		fmt.Fprintf(&b, "Constraints already recorded: %s\n", strings.Join(req.PriorConstraints, ", "))
	}
	fmt.Fprintf(&b, "\nInbound message subject: %s\n", req.Subject)
	fmt.Fprintf(&b, "Inbound message body:\n%s\n", req.Body)
	return b.String()
}

func draftPrompt(req DraftRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Document kind: %s\n", req.Kind)
	fmt.Fprintf(&b, "Agency: %s (%s)\n", req.Agency, req.Jurisdiction)
	fmt.Fprintf(&b, "Request: %s\n", req.RequestText)
	if len(req.ScopeItems) > 0 {
		fmt.Fprintf(&b, "Records sought: %s\n", strings.Join(req.ScopeItems, "; "))
	}
	if len(req.Constraints) > 0 {
		fmt.Fprintf(&b, "Known constraints: %s\n", strings.Join(req.Constraints, ", "))
	}
	if req.InboundSummary != "" {
		fmt.Fprintf(&b, "Responding to: %s\n", req.InboundSummary)
	}
	if req.Attempt > 1 {
		fmt.Fprintf(&b, "This is attempt %d of this document kind; acknowledge prior correspondence.\n", req.Attempt)
	}
	return b.String()
}
