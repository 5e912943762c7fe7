package checkpoint

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemSaver is an in-memory implementation of Saver.
//
// Designed for tests and short-lived processes. Data is lost when the
// process terminates, so production deployments must use SQLiteSaver or
// MySQLSaver: the engine depends on checkpoints surviving a crash.
//
// MemSaver is thread-safe.
type MemSaver struct {
	mu      sync.RWMutex
	threads map[string][]Checkpoint // threadID -> checkpoints, ascending index
}

// NewMemSaver creates an empty in-memory saver.
func NewMemSaver() *MemSaver {
	return &MemSaver{
		threads: make(map[string][]Checkpoint),
	}
}

// Put stores a checkpoint, replacing any existing checkpoint at the same
// index.
func (m *MemSaver) Put(_ context.Context, threadID string, index int, blob []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(blob))
	copy(stored, blob)

	cp := Checkpoint{
		ThreadID:  threadID,
		Index:     index,
		Blob:      stored,
		CreatedAt: time.Now().UTC(),
	}

	list := m.threads[threadID]
	for i, existing := range list {
		if existing.Index == index {
			list[i] = cp
			return nil
		}
	}

	list = append(list, cp)
	sort.Slice(list, func(i, j int) bool { return list[i].Index < list[j].Index })
	m.threads[threadID] = list
	return nil
}

// Latest returns the highest-index checkpoint for the thread.
func (m *MemSaver) Latest(_ context.Context, threadID string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.threads[threadID]
	if len(list) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	return copyCheckpoint(list[len(list)-1]), nil
}

// List returns all checkpoints for the thread in ascending index order.
func (m *MemSaver) List(_ context.Context, threadID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.threads[threadID]
	out := make([]Checkpoint, 0, len(list))
	for _, cp := range list {
		out = append(out, copyCheckpoint(cp))
	}
	return out, nil
}

// DeleteByPrefix removes every thread whose ID starts with prefix.
func (m *MemSaver) DeleteByPrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for threadID := range m.threads {
		if strings.HasPrefix(threadID, prefix) {
			delete(m.threads, threadID)
		}
	}
	return nil
}

func copyCheckpoint(cp Checkpoint) Checkpoint {
	blob := make([]byte, len(cp.Blob))
	copy(blob, cp.Blob)
	cp.Blob = blob
	return cp
}
