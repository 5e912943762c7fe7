package graph

import "context"

// Node represents a processing unit in a case graph.
// It receives state of type S, performs computation, and returns a NodeResult.
//
// Nodes are pure with respect to graph state: they read the current state,
// do their work through injected services, and describe the outcome as a
// delta plus a routing decision. Side effects on the outside world belong in
// dedicated execute nodes guarded by atomic claims.
//
// Type parameter S is the state type shared across the graph.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// ResumableNode is implemented by nodes that can suspend execution with an
// interrupt and later accept a human decision.
//
// When the runtime resumes a thread, it does not re-run the suspended node:
// it calls Resume with the decision, and the returned NodeResult takes the
// place of the interrupted Run result.
type ResumableNode[S any] interface {
	Node[S]

	// Resume continues the node after an interrupt. decision is the value
	// supplied by the caller of Engine.Resume (e.g. a human approval).
	Resume(ctx context.Context, state S, decision any) NodeResult[S]
}

// Interrupt is a control value a node returns to suspend the graph and hand
// the run to a human. It is a plain value, not a panic: the runtime loop
// switches on it explicitly.
type Interrupt struct {
	// Value is the structured payload surfaced to the caller, e.g.
	// {proposal_id, action_type, pause_reason}. It must be
	// JSON-serializable so it survives checkpointing.
	Value any
}

// NodeResult represents the output of a node execution.
type NodeResult[S any] struct {
	// Delta is the partial state update produced by this node.
	// It is merged with the current state using the configured reducer.
	Delta S

	// Route specifies the next step after this node. When empty, the
	// runtime falls back to the edges declared for this node.
	Route Next

	// Interrupt, when non-nil, suspends the graph: the runtime writes a
	// checkpoint tagged with this node and returns an interrupted result
	// to the caller. Mutually exclusive with Route and Err.
	Interrupt *Interrupt

	// Err halts the graph. The engine records it on the Run.
	Err error
}

// Next specifies the next step after a node completes.
type Next struct {
	// To names the next node. Subject to router validation when the node
	// has a declared destination set.
	To string

	// Terminal stops execution; the graph is complete.
	Terminal bool
}

// Stop returns a Next that terminates graph execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// NodeFunc is a function adapter that implements the Node interface.
//
// Example:
//
//	load := graph.NodeFunc[CaseState](func(ctx context.Context, s CaseState) graph.NodeResult[CaseState] {
//	    return graph.NodeResult[CaseState]{Delta: CaseState{CaseID: s.CaseID}}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}
