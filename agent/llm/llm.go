// Package llm abstracts the language models behind the engine's analysis
// and generation nodes. Providers return strict JSON which is validated
// against a schema before anything downstream trusts it; a model that
// drifts off-schema surfaces as ErrSchemaMismatch and is retried by the
// queue layer, never silently accepted.
package llm

import (
	"context"
	"errors"
)

// ErrSchemaMismatch means the model's output failed schema validation.
var ErrSchemaMismatch = errors.New("llm output does not match schema")

// Schema version tags. Providers must echo the tag back in the payload;
// outputs carrying any other tag, or none, are rejected before decoding.
const (
	ClassificationSchemaVersion = "classification/v1"
	DraftSchemaVersion          = "draft/v1"
)

// MessageCategory is the closed classification vocabulary for inbound
// agency correspondence.
type MessageCategory string

const (
	CategoryAcknowledgment   MessageCategory = "ACKNOWLEDGMENT"
	CategoryFeeQuote         MessageCategory = "FEE_QUOTE"
	CategoryDenial           MessageCategory = "DENIAL"
	CategoryPartialDenial    MessageCategory = "PARTIAL_DENIAL"
	CategoryClarification    MessageCategory = "CLARIFICATION_REQUEST"
	CategoryPortalRedirect   MessageCategory = "PORTAL_REDIRECT"
	CategoryRecordsReady     MessageCategory = "RECORDS_READY"
	CategoryNoRecords        MessageCategory = "NO_RECORDS"
	CategoryExtensionNotice  MessageCategory = "EXTENSION_NOTICE"
	CategoryIDVerification   MessageCategory = "ID_VERIFICATION"
	CategoryOther            MessageCategory = "OTHER"
)

// DenialStrength grades how firmly a denial is worded. Weak denials (form
// letters, blanket exemption cites with no specifics) are candidates for an
// automatic rebuttal when the case allows it.
type DenialStrength string

const (
	DenialWeak DenialStrength = "WEAK"
	DenialFirm DenialStrength = "FIRM"
)

// ClassifyRequest carries an inbound message plus case context.
type ClassifyRequest struct {
	Agency       string
	Jurisdiction string
	RequestText  string
	Subject      string
	Body         string

	// PriorConstraints are tags already on the case, so the model can
	// report only what is new.
	PriorConstraints []string
}

// Classification is the validated result of analyzing one inbound message.
type Classification struct {
	SchemaVersion string `json:"schema_version"`

	Category MessageCategory `json:"category"`

	// Constraints are tags detected in this message.
	Constraints []string `json:"constraints"`

	// FeeCents is a quoted fee in cents; 0 when the message quotes none.
	FeeCents int64 `json:"fee_cents"`

	// PortalURL is set when the agency redirects to a web portal.
	PortalURL string `json:"portal_url"`

	// DenialReasons are cited exemptions or grounds, when any.
	DenialReasons []string `json:"denial_reasons"`

	// Strength is set for DENIAL and PARTIAL_DENIAL messages, empty
	// otherwise.
	Strength DenialStrength `json:"denial_strength"`

	// Sentiment is the agency's tone: "cooperative", "neutral", "hostile".
	Sentiment string `json:"sentiment"`

	// ExtractedDeadline is a date (YYYY-MM-DD) the agency committed to,
	// empty when the message states none.
	ExtractedDeadline string `json:"extracted_deadline"`

	// RequiresResponse is false when the message needs no reply from the
	// requester.
	RequiresResponse bool `json:"requires_response"`

	// SuggestedAction is the model's recommendation, advisory only; the
	// decision policy owns the actual choice.
	SuggestedAction string `json:"suggested_action"`

	// ReasonNoResponse explains a false RequiresResponse.
	ReasonNoResponse string `json:"reason_no_response"`

	Summary    string  `json:"summary"`
	Confidence float64 `json:"confidence"`
}

// DraftRequest carries everything a generation node needs to write a
// document.
type DraftRequest struct {
	Agency       string
	Jurisdiction string
	RequestText  string
	ScopeItems   []string
	Constraints  []string

	// Kind selects the template family: "initial_request", "followup",
	// "rebuttal", "clarification", "fee_response".
	Kind string

	// InboundSummary summarizes the message being responded to, empty for
	// initial requests and scheduled follow-ups.
	InboundSummary string

	// Attempt numbers repeated drafts of the same kind, e.g. the third
	// follow-up.
	Attempt int
}

// Draft is a validated generated document.
type Draft struct {
	SchemaVersion string `json:"schema_version"`

	Subject    string   `json:"subject"`
	Body       string   `json:"body"`
	Reasoning  []string `json:"reasoning"`
	RiskFlags  []string `json:"risk_flags"`
	Confidence float64  `json:"confidence"`
}

// Classifier analyzes inbound correspondence.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (*Classification, error)
}

// Drafter writes outbound documents.
type Drafter interface {
	Draft(ctx context.Context, req DraftRequest) (*Draft, error)
}

// Client is a provider that does both.
type Client interface {
	Classifier
	Drafter
}
