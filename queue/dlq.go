package queue

import (
	"context"
	"fmt"

	"github.com/openrecords/quill/store"
)

// StoreSink dead-letters jobs into the persistent store so operators can
// inspect and replay them with the dlq CLI.
type StoreSink struct {
	Store *store.Store

	// Notify observes each dead-lettered entry. Optional.
	Notify func(entry *store.DeadLetterEntry)
}

// DeadLetter implements DeadLetterSink.
func (s *StoreSink) DeadLetter(ctx context.Context, job *Job, cause error) error {
	entry := &store.DeadLetterEntry{
		Queue:    job.Queue,
		JobName:  job.Name,
		JobID:    job.ID,
		Payload:  string(job.Payload),
		Attempts: job.Attempt,
		CaseID:   job.CaseID,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if err := s.Store.CreateDeadLetter(ctx, entry); err != nil {
		return fmt.Errorf("failed to persist dead letter: %w", err)
	}
	if s.Notify != nil {
		s.Notify(entry)
	}
	return nil
}
