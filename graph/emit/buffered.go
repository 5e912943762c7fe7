package emit

import "sync"

// BufferedEmitter implements Emitter by storing events in memory, keyed by
// run ID. It exists for tests and debugging: a test can drive the engine,
// then assert on the exact event sequence a run produced.
//
// Warning: all events are kept in memory. Not intended for production use
// with long-lived processes; use LogEmitter or OTelEmitter there.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emission order
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit stores the event in the buffer. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// History returns a copy of all events emitted for the given run, in order.
// Returns nil if the run emitted nothing.
func (b *BufferedEmitter) History(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	if len(events) == 0 {
		return nil
	}
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// HistoryByMsg returns the run's events whose Msg matches exactly.
func (b *BufferedEmitter) HistoryByMsg(runID, msg string) []Event {
	var out []Event
	for _, ev := range b.History(runID) {
		if ev.Msg == msg {
			out = append(out, ev)
		}
	}
	return out
}

// Clear removes all events for the given run. Clearing an unknown run is a
// no-op.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, runID)
}

// ClearAll removes every buffered event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
}
