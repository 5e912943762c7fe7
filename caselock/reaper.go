package caselock

import (
	"context"
	"fmt"
	"time"

	"github.com/openrecords/quill/graph/emit"
	"github.com/openrecords/quill/store"
)

// Reaper reconciles runs whose worker died: any RUNNING run whose lease
// expired is moved to TIMED_OUT and flagged for recovery. The conditional
// update in the store means a worker that finishes between scan and reap
// always wins.
type Reaper struct {
	store   *store.Store
	emitter emit.Emitter

	// Every is the scan interval.
	Every time.Duration

	// OnReaped observes each reconciled run, letting the engine requeue
	// recovery work. Optional.
	OnReaped func(ctx context.Context, run *store.Run)
}

// NewReaper creates a Reaper scanning every 60 seconds.
func NewReaper(s *store.Store, emitter emit.Emitter) *Reaper {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	return &Reaper{store: s, emitter: emitter, Every: 60 * time.Second}
}

// Sweep runs one reconciliation pass and returns the number of runs reaped.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	expired, err := r.store.ListExpiredRunning(ctx, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired runs: %w", err)
	}

	reaped := 0
	for _, run := range expired {
		ok, err := r.store.ReapRun(ctx, run.ID)
		if err != nil {
			return reaped, fmt.Errorf("failed to reap run %s: %w", run.ID, err)
		}
		if !ok {
			continue
		}
		reaped++
		r.emitter.Emit(emit.Event{
			RunID:  run.ID,
			CaseID: run.CaseID,
			Msg:    emit.MsgRunReaped,
			Meta:   map[string]interface{}{"trigger": string(run.TriggerType)},
		})
		if r.OnReaped != nil {
			r.OnReaped(ctx, run)
		}
	}
	return reaped, nil
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.Every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.emitter.Emit(emit.Event{
					Msg:  emit.MsgRunFailed,
					Meta: map[string]interface{}{"error": err.Error(), "component": "reaper"},
				})
			}
		}
	}
}
