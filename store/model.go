// Package store is the persistent source of truth for the quill engine:
// cases, messages, proposals, runs, executions, follow-up schedules, and
// dead-letter entries, plus the atomic primitives the run engine depends on
// for exactly-once side effects.
package store

import "time"

// CaseStatus tracks where a records request stands with the agency.
type CaseStatus string

const (
	CaseStatusDraft          CaseStatus = "draft"
	CaseStatusSubmitted      CaseStatus = "submitted"
	CaseStatusAwaitingAgency CaseStatus = "awaiting_agency"
	CaseStatusPortalRequired CaseStatus = "portal_required"
	CaseStatusRecordsReceived CaseStatus = "records_received"
	CaseStatusClosed         CaseStatus = "closed"
	CaseStatusWithdrawn      CaseStatus = "withdrawn"
)

// ReviewState is the UI-visible projection of case and run state.
type ReviewState string

const (
	ReviewIdle             ReviewState = "IDLE"
	ReviewWaitingAgency    ReviewState = "WAITING_AGENCY"
	ReviewProcessing       ReviewState = "PROCESSING"
	ReviewDecisionRequired ReviewState = "DECISION_REQUIRED"
	ReviewDecisionApplying ReviewState = "DECISION_APPLYING"
)

// AutopilotMode controls whether low-risk actions bypass human gates.
type AutopilotMode string

const (
	AutopilotAuto       AutopilotMode = "AUTO"
	AutopilotSupervised AutopilotMode = "SUPERVISED"
	AutopilotManual     AutopilotMode = "MANUAL"
)

// Well-known constraint tags accumulated on a case as agency replies are
// classified.
const (
	ConstraintFeeRequired        = "FEE_REQUIRED"
	ConstraintIDRequired         = "ID_REQUIRED"
	ConstraintDenialReceived     = "DENIAL_RECEIVED"
	ConstraintBWCExempt          = "BWC_EXEMPT"
	ConstraintInvestigationLive  = "INVESTIGATION_ACTIVE"
	ConstraintPortalOnly         = "PORTAL_ONLY"
	ConstraintNoRecordsClaimed   = "NO_RECORDS_CLAIMED"
	ConstraintRedactionsExpected = "REDACTIONS_EXPECTED"
)

// Case is the aggregate for one records request to one agency.
//
// Cases are created by collaborators and mutated only by the engine or
// explicit human actions. They are never destroyed, only closed or
// withdrawn.
type Case struct {
	ID            string
	Agency        string
	Jurisdiction  string
	RequestText   string
	Status        CaseStatus
	ReviewState   ReviewState
	AutopilotMode AutopilotMode
	RequiresHuman bool

	// Constraints is the ordered list of constraint tags.
	Constraints []string

	// ScopeItems is the ordered list of requested record categories.
	ScopeItems []string

	// FeeQuoteCents is the latest quoted fee, 0 when none.
	FeeQuoteCents int64
	FeeQuotedAt   *time.Time

	PortalURL string
	Deadline  *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Direction of a message relative to us.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one unit of correspondence. Bodies live with the mail
// collaborator; BodyRef points at them.
type Message struct {
	ID                string
	CaseID            string
	Direction         Direction
	ProviderMessageID string
	Subject           string
	BodyRef           string
	SentAt            time.Time

	// ProcessedAt is set exactly once, by the single successful run that
	// processed this message. Immutable afterwards.
	ProcessedAt    *time.Time
	ProcessedRunID *string

	CreatedAt time.Time
}

// ActionType is the closed enum of actions the engine can propose.
type ActionType string

const (
	ActionSendInitialRequest ActionType = "SEND_INITIAL_REQUEST"
	ActionSendFollowup       ActionType = "SEND_FOLLOWUP"
	ActionSendRebuttal       ActionType = "SEND_REBUTTAL"
	ActionSendClarification  ActionType = "SEND_CLARIFICATION"
	ActionAcceptFee          ActionType = "ACCEPT_FEE"
	ActionNegotiateFee       ActionType = "NEGOTIATE_FEE"
	ActionDeclineFee         ActionType = "DECLINE_FEE"
	ActionSubmitPortal       ActionType = "SUBMIT_PORTAL"
	ActionEscalate           ActionType = "ESCALATE"
	ActionNone               ActionType = "NONE"
)

// IsSend reports whether the action sends outbound correspondence.
func (a ActionType) IsSend() bool {
	switch a {
	case ActionSendInitialRequest, ActionSendFollowup, ActionSendRebuttal, ActionSendClarification:
		return true
	}
	return false
}

// ProposalStatus is the proposal lifecycle.
type ProposalStatus string

const (
	ProposalDraft            ProposalStatus = "DRAFT"
	ProposalPendingApproval  ProposalStatus = "PENDING_APPROVAL"
	ProposalDecisionReceived ProposalStatus = "DECISION_RECEIVED"
	ProposalApproved         ProposalStatus = "APPROVED"
	ProposalExecuted         ProposalStatus = "EXECUTED"
	ProposalDismissed        ProposalStatus = "DISMISSED"
	ProposalSuperseded       ProposalStatus = "SUPERSEDED"
	ProposalCancelled        ProposalStatus = "CANCELLED"
	ProposalFailed           ProposalStatus = "FAILED"
)

// Terminal reports whether the status permits no further transitions.
func (s ProposalStatus) Terminal() bool {
	switch s {
	case ProposalExecuted, ProposalDismissed, ProposalCancelled, ProposalFailed:
		return true
	}
	return false
}

// PauseReason explains why a proposal is gated on a human.
type PauseReason string

const (
	PauseFeeQuote        PauseReason = "FEE_QUOTE"
	PauseDenial          PauseReason = "DENIAL"
	PauseScope           PauseReason = "SCOPE"
	PauseIDRequired      PauseReason = "ID_REQUIRED"
	PauseSensitive       PauseReason = "SENSITIVE"
	PauseCloseAction     PauseReason = "CLOSE_ACTION"
	PausePendingApproval PauseReason = "PENDING_APPROVAL"
)

// HumanDecision is the action a reviewer takes on a gated proposal.
type HumanDecision string

const (
	DecisionApprove  HumanDecision = "APPROVE"
	DecisionAdjust   HumanDecision = "ADJUST"
	DecisionDismiss  HumanDecision = "DISMISS"
	DecisionWithdraw HumanDecision = "WITHDRAW"
)

// Proposal is an engine-authored candidate action for a case.
type Proposal struct {
	ID        string
	CaseID    string
	MessageID *string

	// ProposalKey is deterministic:
	// "{case_id}:{message_id|no-msg}:{action_type}:{attempt}".
	// Duplicate enqueues collapse to a single proposal even across
	// worker restarts.
	ProposalKey string

	ActionType ActionType
	Subject    string
	BodyRef    string
	Reasoning  []string
	RiskFlags  []string
	Confidence float64
	Attempt    int

	Status      ProposalStatus
	PauseReason PauseReason

	Decision     *HumanDecision
	DecisionNote string

	// ExecutionKey is claimed atomically before any side effect and is
	// unique across all proposals when set.
	ExecutionKey *string
	ExecutedAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TriggerType names what caused a run.
type TriggerType string

const (
	TriggerInitialRequest    TriggerType = "INITIAL_REQUEST"
	TriggerInboundMessage    TriggerType = "INBOUND_MESSAGE"
	TriggerScheduledFollowup TriggerType = "SCHEDULED_FOLLOWUP"
	TriggerResume            TriggerType = "RESUME"
)

// RunStatus is the run lifecycle.
type RunStatus string

const (
	RunCreated   RunStatus = "CREATED"
	RunQueued    RunStatus = "QUEUED"
	RunRunning   RunStatus = "RUNNING"
	RunWaiting   RunStatus = "WAITING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunSkipped   RunStatus = "SKIPPED"
	RunTimedOut  RunStatus = "TIMED_OUT"
)

// Terminal reports whether the run can no longer change state.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunSkipped, RunTimedOut:
		return true
	}
	return false
}

// Run is one engine attempt at one trigger for one case.
type Run struct {
	ID          string
	CaseID      string
	TriggerType TriggerType

	MessageID  *string
	FollowUpID *string
	ProposalID *string

	Status    RunStatus
	StartedAt *time.Time
	EndedAt   *time.Time

	// HeartbeatAt and LockExpiresAt drive the reaper: a RUNNING run whose
	// TTL has passed with a stale heartbeat is reconciled to TIMED_OUT.
	HeartbeatAt   *time.Time
	LockExpiresAt *time.Time

	ThreadID  string
	NodeTrace []string

	// InterruptValue holds the pending gate payload (JSON) while WAITING.
	InterruptValue string

	ErrorMessage      string
	SkipReason        string
	RecoveryAttempted bool

	CreatedAt time.Time
}

// ExecutionStatus tracks a dispatched side effect.
type ExecutionStatus string

const (
	ExecutionPending    ExecutionStatus = "PENDING"
	ExecutionDispatched ExecutionStatus = "DISPATCHED"
	ExecutionFailed     ExecutionStatus = "FAILED"
)

// Terminal reports whether the execution is finished.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionDispatched || s == ExecutionFailed
}

// Execution records an actually-performed external side effect.
type Execution struct {
	ID           string
	ProposalID   string
	ExecutionKey string
	Status       ExecutionStatus
	ProviderRef  string
	CreatedAt    time.Time
}

// FollowUpSchedule is a pending scheduled trigger for a case.
type FollowUpSchedule struct {
	ID     string
	CaseID string
	DueAt  time.Time

	// Attempt counts scheduled follow-ups for the case, starting at 1.
	Attempt int

	Paused    bool
	Completed bool

	// ScheduledKey is "followup:{case_id}:{attempt}:{yyyy-mm-dd}" and is
	// unique: firing the same tick twice yields at most one run.
	ScheduledKey string

	CreatedAt time.Time
}

// DeadLetterStatus tracks operator handling of a dead-lettered job.
type DeadLetterStatus string

const (
	DeadLetterPending   DeadLetterStatus = "pending"
	DeadLetterRetried   DeadLetterStatus = "retried"
	DeadLetterDiscarded DeadLetterStatus = "discarded"
)

// DeadLetterEntry preserves a failed-past-retries job for diagnosis and
// optional replay.
type DeadLetterEntry struct {
	ID       string
	Queue    string
	JobName  string
	JobID    string
	Payload  string
	Error    string
	Attempts int
	CaseID   string
	Status   DeadLetterStatus

	CreatedAt time.Time
}
