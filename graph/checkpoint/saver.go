// Package checkpoint provides durable snapshots of in-flight graph state.
//
// A checkpoint is an opaque blob keyed by thread ID and a monotonically
// increasing index. The graph runtime writes one checkpoint per step so a
// run can suspend at a human gate and resume later, on this process or
// another, with identical behaviour.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a thread has no checkpoints.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one snapshot in a thread's append-only log.
//
// The Blob encoding is owned by the graph runtime; savers treat it as
// opaque bytes.
type Checkpoint struct {
	// ThreadID identifies the conversation this snapshot belongs to
	// (e.g. "case:300" or "initial:300").
	ThreadID string

	// Index is the monotonically increasing position within the thread.
	Index int

	// Blob is the opaque serialized graph state.
	Blob []byte

	// CreatedAt records when the snapshot was written.
	CreatedAt time.Time
}

// Saver persists checkpoints. Two backends ship with quill:
//
//   - MemSaver: in-memory, for tests
//   - SQLiteSaver: single-file durable backend for production
//   - MySQLSaver: shared-database backend for multi-worker deployments
//
// All backends guarantee read-your-writes within a single thread ID and
// survive process restart (MemSaver excepted, by design).
type Saver interface {
	// Put appends or overwrites the checkpoint at (threadID, index).
	// Writing the same index twice replaces the earlier blob; the engine
	// relies on this when it re-commits a step after a crash.
	Put(ctx context.Context, threadID string, index int, blob []byte) error

	// Latest returns the checkpoint with the highest index for the thread.
	// Returns ErrNotFound if the thread has no checkpoints.
	Latest(ctx context.Context, threadID string) (Checkpoint, error)

	// List returns all checkpoints for the thread in ascending index order.
	// Returns an empty slice (not an error) for unknown threads.
	List(ctx context.Context, threadID string) ([]Checkpoint, error)

	// DeleteByPrefix removes every checkpoint whose thread ID starts with
	// the given prefix. Used for thread reset and case closure.
	DeleteByPrefix(ctx context.Context, prefix string) error
}
