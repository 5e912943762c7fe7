// Package caselock serializes engine runs per case. A run holds an
// advisory lock keyed by the case ID for its whole execution, refreshes a
// heartbeat lease while it works, and is reconciled by the reaper if its
// process dies mid-run.
package caselock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/store"
)

// ErrCaseBusy means another run holds the case and the job should be
// retried or dropped by the caller.
var ErrCaseBusy = errors.New("case is busy")

// Key maps a case ID to its 64-bit advisory lock key.
func Key(caseID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("case:" + caseID))
	return h.Sum64()
}

// Manager acquires and maintains per-case run leases.
type Manager struct {
	store   *store.Store
	emitter emit.Emitter

	// LockTTL is how long a run may go without a heartbeat before the
	// reaper may reclaim it.
	LockTTL time.Duration

	// HeartbeatEvery is the lease refresh interval.
	HeartbeatEvery time.Duration
}

// NewManager creates a Manager with production defaults: a 30 minute lease
// refreshed every 30 seconds.
func NewManager(s *store.Store, emitter emit.Emitter) *Manager {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Manager{
		store:          s,
		emitter:        emitter,
		LockTTL:        30 * time.Minute,
		HeartbeatEvery: 30 * time.Second,
	}
}

// WithCaseLock runs body while holding the case's advisory lock and a
// heartbeat lease on the run.
//
// The sequence: take the advisory lock without blocking (ErrCaseBusy if
// held), verify no other live run owns the case, move the run to RUNNING
// with a fresh lease, heartbeat until body returns, then release. Run
// finalization (COMPLETED, WAITING, FAILED) belongs to the caller; this
// layer only guarantees exclusion and liveness bookkeeping.
func (m *Manager) WithCaseLock(ctx context.Context, run *store.Run, body func(ctx context.Context) error) error {
	key := Key(run.CaseID)
	if !m.store.TryAdvisoryLock(key) {
		return fmt.Errorf("case %s: %w", run.CaseID, ErrCaseBusy)
	}
	defer func() { _ = m.store.AdvisoryUnlock(key) }()

	// A RUNNING run with a live lease means a concurrent worker; a stale
	// one belongs to the reaper, not to us.
	if active, err := m.store.ActiveRun(ctx, run.CaseID); err == nil {
		if active.ID != run.ID && active.Status == store.RunRunning {
			return fmt.Errorf("case %s held by run %s: %w", run.CaseID, active.ID, ErrCaseBusy)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("failed to check active run: %w", err)
	}

	now := time.Now().UTC()
	expires := now.Add(m.LockTTL)
	run.Status = store.RunRunning
	run.StartedAt = &now
	run.HeartbeatAt = &now
	run.LockExpiresAt = &expires
	if err := m.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go m.heartbeatLoop(hbCtx, run.ID, hbDone)

	err := body(ctx)

	stopHeartbeat()
	<-hbDone
	return err
}

func (m *Manager) heartbeatLoop(ctx context.Context, runID string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if err := m.store.Heartbeat(ctx, runID, now, now.Add(m.LockTTL)); err != nil {
				// Lease is gone (reaped or finalized); nothing left to
				// keep alive.
				return
			}
		}
	}
}
