// Package graph provides the checkpointed graph runtime that executes quill's
// case graphs: named nodes, conditional routing, interrupt-and-resume.
package graph

// Router inspects the current state and returns the label of the next node.
//
// Routers are attached to a node together with an explicitly declared
// destination set. A returned label outside that set is logged and treated
// as unset, in which case the node's default edge applies. This keeps
// routing total: a buggy router degrades to the declared default instead of
// wedging the run.
//
// Routers should be pure functions of state.
type Router[S any] func(state S) string

// route captures the outgoing wiring of a single node.
type route[S any] struct {
	// to is the unconditional destination ("" if none).
	to string

	// terminal marks the node as an exit point when no router overrides.
	terminal bool

	// router, when non-nil, picks the destination dynamically.
	router Router[S]

	// destinations is the declared set of labels the router may return.
	destinations map[string]bool

	// fallback is used when the router returns a label outside
	// destinations, or an empty label.
	fallback string
}
