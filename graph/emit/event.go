package emit

// Event represents an observability event produced while the engine drives a
// case run through its graph.
//
// Events cover:
//   - Run lifecycle (run_started, run_completed, run_failed, run_skipped)
//   - Node execution (node_completed, node_interrupted)
//   - Human-in-the-loop transitions (case_needs_review, run_resumed)
//   - Housekeeping (run_reaped, job_moved_to_dlq)
//
// Events are delivered to an Emitter which can log them, convert them to
// OpenTelemetry spans, or buffer them for inspection in tests.
type Event struct {
	// RunID identifies the engine run that produced this event.
	RunID string

	// CaseID identifies the case the run belongs to. Empty for events that
	// are not case-scoped (e.g. reaper sweeps).
	CaseID string

	// Step is the sequential graph step number (1-indexed).
	// Zero for run-level events.
	Step int

	// NodeID identifies the graph node, when the event is node-scoped.
	NodeID string

	// Msg names the event (see the constants below).
	Msg string

	// Meta carries additional structured data. Common keys:
	//   - "error": failure details
	//   - "trigger": run trigger type
	//   - "pause_reason": why a gate suspended the run
	//   - "proposal_id": proposal linked to an interrupt
	//   - "duration_ms": execution duration in milliseconds
	Meta map[string]interface{}
}

// Standard event names emitted by the engine and the graph runtime.
const (
	MsgRunStarted      = "run_started"
	MsgRunCompleted    = "run_completed"
	MsgRunFailed       = "run_failed"
	MsgRunSkipped      = "run_skipped"
	MsgRunResumed      = "run_resumed"
	MsgRunReaped       = "run_reaped"
	MsgNodeCompleted   = "node_completed"
	MsgNodeInterrupted = "node_interrupted"
	MsgInvalidRoute    = "invalid_route_hint"
	MsgCaseNeedsReview = "case_needs_review"
	MsgJobMovedToDLQ   = "job_moved_to_dlq"
)
