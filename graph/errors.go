package graph

import "errors"

// ErrMaxIterations indicates a node was entered more times than the
// configured bound allows. The only legal cycle in the case graphs is the
// decide -> gate re-entry after resume, so hitting this limit means a
// router is looping.
var ErrMaxIterations = errors.New("graph exceeded max iterations for a node")

// ErrNotInterrupted is returned by Resume when the thread's latest
// checkpoint is not a pending interrupt.
var ErrNotInterrupted = errors.New("thread has no pending interrupt")

// ErrNotResumable is returned by Resume when the suspended node does not
// implement ResumableNode.
var ErrNotResumable = errors.New("suspended node cannot accept a resume decision")

// GraphError represents a configuration or execution error from the
// runtime, carrying a machine-readable code.
type GraphError struct {
	Message string
	Code    string
}

func (e *GraphError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}
