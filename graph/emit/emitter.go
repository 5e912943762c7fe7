// Package emit defines the observability event stream for the quill engine.
package emit

// Emitter receives and processes observability events from run execution.
//
// Emitters enable pluggable observability backends:
//   - Logging: stdout, files
//   - Distributed tracing: OpenTelemetry
//   - In-memory capture for tests
//
// Implementations should be:
//   - Non-blocking: never slow down run execution
//   - Thread-safe: called concurrently from multiple workers
//   - Resilient: a failing backend must not fail the run
type Emitter interface {
	// Emit sends an observability event to the configured backend.
	//
	// Emit must not panic and must not block; errors are handled
	// internally by the implementation.
	Emit(event Event)
}
