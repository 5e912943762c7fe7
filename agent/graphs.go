package agent

import (
	"fmt"

	"github.com/openrecords/quill/graph"
	"github.com/openrecords/quill/graph/checkpoint"
	"github.com/openrecords/quill/graph/emit"
)

// Thread identity. One thread per case per graph family, so checkpoint
// history reads as the case's full decision trail.

// InboundThreadID is the thread for inbound-response and follow-up runs.
func InboundThreadID(caseID string) string { return "case:" + caseID }

// InitialThreadID is the thread for the initial-request run.
func InitialThreadID(caseID string) string { return "initial:" + caseID }

// Graphs bundles the three compiled case graphs over shared collaborators.
type Graphs struct {
	// Initial drives a new case to its first submitted request.
	Initial *graph.Engine[CaseState]

	// Inbound reacts to an agency message.
	Inbound *graph.Engine[CaseState]

	// Followup chases a quiet agency on schedule.
	Followup *graph.Engine[CaseState]
}

// Build compiles the case graphs. All three share the saver, so a resume
// can be served by whichever graph family owns the thread.
func Build(deps Deps, saver checkpoint.Saver, emitter emit.Emitter) (*Graphs, error) {
	initial, err := buildInitial(deps, saver, emitter)
	if err != nil {
		return nil, fmt.Errorf("build initial-request graph: %w", err)
	}
	inbound, err := buildInbound(deps, saver, emitter)
	if err != nil {
		return nil, fmt.Errorf("build inbound-response graph: %w", err)
	}
	followup, err := buildFollowup(deps, saver, emitter)
	if err != nil {
		return nil, fmt.Errorf("build followup graph: %w", err)
	}
	return &Graphs{Initial: initial, Inbound: inbound, Followup: followup}, nil
}

// buildInbound wires the inbound-response graph:
//
//	load_context -> classify_inbound -> update_constraints -> decide_next_action
//	decide_next_action -(router)-> draft_response | gate_or_execute | commit_state
//	draft_response -> safety_check -> gate_or_execute -> execute_action
//	execute_action -> commit_state -> schedule_followups -> END
func buildInbound(deps Deps, saver checkpoint.Saver, emitter emit.Emitter) (*graph.Engine[CaseState], error) {
	n := NewNodes(deps)
	eng := graph.New[CaseState](Reduce, saver, emitter, graph.Options{})

	b := newBuilder(eng)
	b.add(NodeLoadContext, n.LoadContext())
	b.add(NodeClassifyInbound, n.ClassifyInbound())
	b.add(NodeUpdateConstraints, n.UpdateConstraints())
	b.add(NodeDecideNextAction, n.DecideNextAction())
	b.addTail(n)

	b.startAt(NodeLoadContext)
	b.connect(NodeLoadContext, NodeClassifyInbound)
	b.connect(NodeClassifyInbound, NodeUpdateConstraints)
	b.connect(NodeUpdateConstraints, NodeDecideNextAction)
	b.router(NodeDecideNextAction, n.DecideRouter(),
		[]string{NodeDraftResponse, NodeGateOrExecute, NodeCommitState},
		NodeCommitState)
	b.connectTail()

	return eng, b.err
}

// buildInitial wires the initial-request graph:
//
//	load_context -> prepare_initial_request -> draft_response -> safety_check
//	-> gate_or_execute -> execute_action -> commit_state
//	-> schedule_followups -> END
func buildInitial(deps Deps, saver checkpoint.Saver, emitter emit.Emitter) (*graph.Engine[CaseState], error) {
	n := NewNodes(deps)
	eng := graph.New[CaseState](Reduce, saver, emitter, graph.Options{})

	b := newBuilder(eng)
	b.add(NodeLoadContext, n.LoadContext())
	b.add(NodePrepareInitial, n.PrepareInitial())
	b.addTail(n)

	b.startAt(NodeLoadContext)
	b.connect(NodeLoadContext, NodePrepareInitial)
	b.connect(NodePrepareInitial, NodeDraftResponse)
	b.connectTail()

	return eng, b.err
}

// buildFollowup wires the scheduled-follow-up graph, which reuses the
// drafting and gating tail with its own preparation step.
func buildFollowup(deps Deps, saver checkpoint.Saver, emitter emit.Emitter) (*graph.Engine[CaseState], error) {
	n := NewNodes(deps)
	eng := graph.New[CaseState](Reduce, saver, emitter, graph.Options{})

	b := newBuilder(eng)
	b.add(NodeLoadContext, n.LoadContext())
	b.add(NodePrepareFollowup, n.PrepareFollowup())
	b.addTail(n)

	b.startAt(NodeLoadContext)
	b.connect(NodeLoadContext, NodePrepareFollowup)
	b.connect(NodePrepareFollowup, NodeDraftResponse)
	b.connectTail()

	return eng, b.err
}

// builder collects wiring errors so each graph reads as a declaration.
type builder struct {
	eng *graph.Engine[CaseState]
	err error
}

func newBuilder(eng *graph.Engine[CaseState]) *builder {
	return &builder{eng: eng}
}

func (b *builder) add(id string, node graph.Node[CaseState]) {
	if b.err == nil {
		b.err = b.eng.Add(id, node)
	}
}

func (b *builder) startAt(id string) {
	if b.err == nil {
		b.err = b.eng.StartAt(id)
	}
}

func (b *builder) connect(from, to string) {
	if b.err == nil {
		b.err = b.eng.Connect(from, to)
	}
}

func (b *builder) router(from string, r graph.Router[CaseState], dests []string, fallback string) {
	if b.err == nil {
		b.err = b.eng.AddRouter(from, r, dests, fallback)
	}
}

func (b *builder) terminal(id string) {
	if b.err == nil {
		b.err = b.eng.Terminal(id)
	}
}

// addTail registers the drafting/gating/committing nodes every graph
// family shares. schedule_followups sits on every tail rather than only
// the initial-request graph: its own guard makes it a no-op unless an
// outbound document actually went out, and inbound runs that accept a fee
// or rebut a denial need the next chase slot booked just as much as the
// first submission does. Restricting the edge to the initial graph would
// strand those cases with no scheduled follow-up.
func (b *builder) addTail(n *Nodes) {
	b.add(NodeDraftResponse, n.DraftResponse())
	b.add(NodeSafetyCheck, n.SafetyCheck())
	b.add(NodeGateOrExecute, n.GateOrExecute())
	b.add(NodeExecuteAction, n.ExecuteAction())
	b.add(NodeCommitState, n.CommitState())
	b.add(NodeScheduleFollowups, n.ScheduleFollowups())
}

func (b *builder) connectTail() {
	b.connect(NodeDraftResponse, NodeSafetyCheck)
	b.connect(NodeSafetyCheck, NodeGateOrExecute)
	b.connect(NodeGateOrExecute, NodeExecuteAction)
	b.connect(NodeExecuteAction, NodeCommitState)
	b.connect(NodeCommitState, NodeScheduleFollowups)
	b.terminal(NodeScheduleFollowups)
}
