package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/openrecords/quill/graph/checkpoint"
	"github.com/openrecords/quill/graph/emit"
)

// Engine executes a directed graph of named nodes with conditional edges,
// checkpointing state after every step so a thread can suspend at a human
// gate and resume later.
//
// An Engine is compiled once per graph definition against a specific
// checkpoint.Saver and reused for all invocations. A thread ID is the
// identity of a conversation: two invocations with the same thread ID share
// checkpoint history; two with distinct thread IDs do not.
//
// Example:
//
//	eng := graph.New(reducer, saver, emitter, graph.Options{MaxIterations: 5})
//	eng.Add("load_context", loadNode)
//	eng.Add("draft_initial_request", draftNode)
//	eng.StartAt("load_context")
//	eng.Connect("load_context", "draft_initial_request")
//
//	res, err := eng.Invoke(ctx, "initial:300", CaseState{CaseID: "300"})
//	if res.Status == graph.StatusInterrupted {
//	    // persist res.InterruptValue, wait for a human decision, then:
//	    res, err = eng.Resume(ctx, "initial:300", decision)
//	}
type Engine[S any] struct {
	mu sync.RWMutex

	// reducer merges partial state updates deterministically.
	reducer Reducer[S]

	// nodes maps node IDs to Node implementations.
	nodes map[string]Node[S]

	// routes holds the outgoing wiring per node.
	routes map[string]*route[S]

	// startNode is the entry point for execution.
	startNode string

	// saver persists per-thread checkpoints.
	saver checkpoint.Saver

	// emitter receives observability events.
	emitter emit.Emitter

	// opts contains execution configuration.
	opts Options
}

// Options configures Engine execution behavior. Zero values select the
// defaults noted on each field.
type Options struct {
	// MaxSteps bounds total node executions per invocation.
	// Default 100.
	MaxSteps int

	// MaxIterations bounds how many times any single node may be entered
	// within one invocation, which bounds conditional-edge cycles.
	// Default 5.
	MaxIterations int
}

const (
	defaultMaxSteps      = 100
	defaultMaxIterations = 5
)

// Status reports how an invocation ended.
type Status string

const (
	// StatusCompleted means the graph reached a terminal node.
	StatusCompleted Status = "completed"

	// StatusInterrupted means a node suspended the graph for a human
	// decision; a checkpoint holds the pending state.
	StatusInterrupted Status = "interrupted"
)

// Result is what Invoke and Resume return to the run engine.
type Result[S any] struct {
	// Status is completed or interrupted.
	Status Status

	// State is the merged state at exit.
	State S

	// InterruptValue carries the suspending node's payload when Status is
	// interrupted. After a process restart it is the JSON-decoded form of
	// the original value.
	InterruptValue any

	// ThreadID echoes the invocation's thread.
	ThreadID string

	// Trace lists the node IDs executed, in order.
	Trace []string
}

// New creates an Engine. The reducer and saver are required; emitter may be
// nil (events are discarded). Validation of the graph shape happens on
// Invoke.
func New[S any](reducer Reducer[S], saver checkpoint.Saver, emitter emit.Emitter, opts Options) *Engine[S] {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	if opts.MaxSteps == 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.MaxIterations == 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	return &Engine[S]{
		reducer: reducer,
		nodes:   make(map[string]Node[S]),
		routes:  make(map[string]*route[S]),
		saver:   saver,
		emitter: emitter,
		opts:    opts,
	}
}

// Add registers a node. Node IDs must be unique and non-empty.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &GraphError{Message: "node ID cannot be empty"}
	}
	if node == nil {
		return &GraphError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &GraphError{Message: "duplicate node ID: " + nodeID, Code: "DUPLICATE_NODE"}
	}
	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point. The node must already be registered.
func (e *Engine[S]) StartAt(nodeID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &GraphError{Message: "start node does not exist: " + nodeID, Code: "NODE_NOT_FOUND"}
	}
	e.startNode = nodeID
	return nil
}

// Connect declares the unconditional edge from -> to.
func (e *Engine[S]) Connect(from, to string) error {
	if from == "" || to == "" {
		return &GraphError{Message: "edge endpoints cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.routeFor(from)
	r.to = to
	return nil
}

// Terminal marks a node as an exit point: when it yields no explicit route,
// the graph completes.
func (e *Engine[S]) Terminal(nodeID string) error {
	if nodeID == "" {
		return &GraphError{Message: "node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.routeFor(nodeID).terminal = true
	return nil
}

// AddRouter attaches a conditional router to a node with an explicitly
// declared destination set.
//
// At runtime, a label the router returns that is not in destinations is
// emitted as an invalid_route_hint event and treated as unset: the fallback
// destination applies. fallback must itself be in destinations.
func (e *Engine[S]) AddRouter(from string, router Router[S], destinations []string, fallback string) error {
	if from == "" {
		return &GraphError{Message: "router source cannot be empty"}
	}
	if router == nil {
		return &GraphError{Message: "router cannot be nil"}
	}
	if len(destinations) == 0 {
		return &GraphError{Message: "router needs a declared destination set", Code: "NO_DESTINATIONS"}
	}

	declared := make(map[string]bool, len(destinations))
	for _, d := range destinations {
		declared[d] = true
	}
	if fallback != "" && !declared[fallback] {
		return &GraphError{Message: "router fallback not in destination set: " + fallback, Code: "BAD_FALLBACK"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r := e.routeFor(from)
	r.router = router
	r.destinations = declared
	r.fallback = fallback
	return nil
}

func (e *Engine[S]) routeFor(nodeID string) *route[S] {
	r, ok := e.routes[nodeID]
	if !ok {
		r = &route[S]{}
		e.routes[nodeID] = r
	}
	return r
}

// snapshot is the serialized form of one checkpoint blob. The checkpoint
// store treats it as opaque bytes.
type snapshot[S any] struct {
	State          S               `json:"state"`
	Node           string          `json:"node"`
	Interrupted    bool            `json:"interrupted,omitempty"`
	InterruptValue json.RawMessage `json:"interrupt_value,omitempty"`
	Trace          []string        `json:"trace"`
}

// Invoke executes the graph from the start node with the given initial
// state. Checkpoints are appended to the thread's history; a thread that
// was previously interrupted and is invoked again simply starts over from
// the start node (resuming the pending gate requires Resume).
func (e *Engine[S]) Invoke(ctx context.Context, threadID string, initial S) (Result[S], error) {
	if err := e.validate(); err != nil {
		return Result[S]{}, err
	}

	base, err := e.baseIndex(ctx, threadID)
	if err != nil {
		return Result[S]{}, err
	}

	return e.run(ctx, threadID, initial, e.startNode, nil, nil, base)
}

// Resume reopens an interrupted thread and feeds decision to the suspended
// node as its return value, then continues along the graph.
//
// Returns ErrNotInterrupted when the thread's latest checkpoint is not a
// pending interrupt, and ErrNotResumable when the suspended node does not
// implement ResumableNode.
func (e *Engine[S]) Resume(ctx context.Context, threadID string, decision any) (Result[S], error) {
	if err := e.validate(); err != nil {
		return Result[S]{}, err
	}

	cp, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		if err == checkpoint.ErrNotFound {
			return Result[S]{}, fmt.Errorf("thread %s: %w", threadID, ErrNotInterrupted)
		}
		return Result[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var snap snapshot[S]
	if err := json.Unmarshal(cp.Blob, &snap); err != nil {
		return Result[S]{}, fmt.Errorf("failed to decode checkpoint: %w", err)
	}
	if !snap.Interrupted {
		return Result[S]{}, fmt.Errorf("thread %s: %w", threadID, ErrNotInterrupted)
	}

	e.mu.RLock()
	node, exists := e.nodes[snap.Node]
	e.mu.RUnlock()
	if !exists {
		return Result[S]{}, &GraphError{Message: "suspended node not found: " + snap.Node, Code: "NODE_NOT_FOUND"}
	}
	resumable, ok := node.(ResumableNode[S])
	if !ok {
		return Result[S]{}, fmt.Errorf("node %s: %w", snap.Node, ErrNotResumable)
	}

	first := resumable.Resume(ctx, snap.State, decision)
	e.emitter.Emit(emit.Event{RunID: threadID, NodeID: snap.Node, Msg: emit.MsgRunResumed})

	return e.run(ctx, threadID, snap.State, snap.Node, &first, snap.Trace, cp.Index)
}

// run is the shared execution loop. When first is non-nil it stands in for
// the result of executing current (the resume path); otherwise current is
// executed normally.
func (e *Engine[S]) run(
	ctx context.Context,
	threadID string,
	state S,
	current string,
	first *NodeResult[S],
	trace []string,
	baseIndex int,
) (Result[S], error) {
	var zero Result[S]

	visits := make(map[string]int)
	step := 0

	for {
		step++
		if step > e.opts.MaxSteps {
			return zero, &GraphError{Message: "graph exceeded MaxSteps limit", Code: "MAX_STEPS_EXCEEDED"}
		}

		visits[current]++
		if visits[current] > e.opts.MaxIterations {
			return zero, fmt.Errorf("node %s entered %d times: %w", current, visits[current], ErrMaxIterations)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		var result NodeResult[S]
		if first != nil {
			result = *first
			first = nil
		} else {
			e.mu.RLock()
			node, exists := e.nodes[current]
			e.mu.RUnlock()
			if !exists {
				return zero, &GraphError{Message: "node not found during execution: " + current, Code: "NODE_NOT_FOUND"}
			}
			result = node.Run(ctx, state)
		}

		if result.Err != nil {
			return zero, result.Err
		}

		state = e.reducer(state, result.Delta)
		trace = append(trace, current)

		if result.Interrupt != nil {
			value, err := json.Marshal(result.Interrupt.Value)
			if err != nil {
				return zero, fmt.Errorf("failed to marshal interrupt value: %w", err)
			}
			snap := snapshot[S]{
				State:          state,
				Node:           current,
				Interrupted:    true,
				InterruptValue: value,
				Trace:          trace,
			}
			if err := e.saveSnapshot(ctx, threadID, baseIndex+step, snap); err != nil {
				return zero, err
			}
			e.emitter.Emit(emit.Event{
				RunID:  threadID,
				Step:   step,
				NodeID: current,
				Msg:    emit.MsgNodeInterrupted,
			})
			return Result[S]{
				Status:         StatusInterrupted,
				State:          state,
				InterruptValue: result.Interrupt.Value,
				ThreadID:       threadID,
				Trace:          trace,
			}, nil
		}

		snap := snapshot[S]{State: state, Node: current, Trace: trace}
		if err := e.saveSnapshot(ctx, threadID, baseIndex+step, snap); err != nil {
			return zero, err
		}
		e.emitter.Emit(emit.Event{
			RunID:  threadID,
			Step:   step,
			NodeID: current,
			Msg:    emit.MsgNodeCompleted,
		})

		next, terminal, err := e.nextNode(threadID, current, state, result.Route)
		if err != nil {
			return zero, err
		}
		if terminal {
			return Result[S]{
				Status:   StatusCompleted,
				State:    state,
				ThreadID: threadID,
				Trace:    trace,
			}, nil
		}
		current = next
	}
}

// nextNode resolves the destination after a node, applying destination-set
// validation to both explicit hints and router output.
func (e *Engine[S]) nextNode(threadID, current string, state S, hint Next) (string, bool, error) {
	if hint.Terminal {
		return "", true, nil
	}

	e.mu.RLock()
	r := e.routes[current]
	e.mu.RUnlock()

	// Explicit hint from the node itself.
	if hint.To != "" {
		if r != nil && r.destinations != nil && !r.destinations[hint.To] {
			e.emitInvalidRoute(threadID, current, hint.To)
		} else {
			return hint.To, false, nil
		}
	}

	if r == nil {
		return "", false, &GraphError{Message: "no valid route from node: " + current, Code: "NO_ROUTE"}
	}

	if r.router != nil {
		label := r.router(state)
		if label != "" && r.destinations[label] {
			return label, false, nil
		}
		if label != "" {
			e.emitInvalidRoute(threadID, current, label)
		}
		if r.fallback != "" {
			return r.fallback, false, nil
		}
	}

	if r.to != "" {
		return r.to, false, nil
	}
	if r.terminal {
		return "", true, nil
	}
	return "", false, &GraphError{Message: "no valid route from node: " + current, Code: "NO_ROUTE"}
}

func (e *Engine[S]) emitInvalidRoute(threadID, nodeID, label string) {
	e.emitter.Emit(emit.Event{
		RunID:  threadID,
		NodeID: nodeID,
		Msg:    emit.MsgInvalidRoute,
		Meta:   map[string]interface{}{"label": label},
	})
}

func (e *Engine[S]) saveSnapshot(ctx context.Context, threadID string, index int, snap snapshot[S]) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := e.saver.Put(ctx, threadID, index, blob); err != nil {
		return &GraphError{Message: "failed to save checkpoint: " + err.Error(), Code: "CHECKPOINT_ERROR"}
	}
	return nil
}

func (e *Engine[S]) baseIndex(ctx context.Context, threadID string) (int, error) {
	cp, err := e.saver.Latest(ctx, threadID)
	if err != nil {
		if err == checkpoint.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to load checkpoint history: %w", err)
	}
	return cp.Index, nil
}

func (e *Engine[S]) validate() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.reducer == nil {
		return &GraphError{Message: "reducer is required", Code: "MISSING_REDUCER"}
	}
	if e.saver == nil {
		return &GraphError{Message: "checkpoint saver is required", Code: "MISSING_SAVER"}
	}
	if e.startNode == "" {
		return &GraphError{Message: "start node not set (call StartAt before Invoke)", Code: "NO_START_NODE"}
	}
	if _, exists := e.nodes[e.startNode]; !exists {
		return &GraphError{Message: "start node does not exist: " + e.startNode, Code: "NODE_NOT_FOUND"}
	}
	return nil
}
