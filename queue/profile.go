package queue

import "time"

// BackoffKind selects how retry delays grow.
type BackoffKind string

const (
	BackoffFixed       BackoffKind = "fixed"
	BackoffExponential BackoffKind = "exponential"
)

// Retention bounds an archive of finished jobs: keep at most Count
// entries, each for at most Age.
type Retention struct {
	Count int
	Age   time.Duration
}

// Profile is the retry and retention policy for one named queue.
type Profile struct {
	// Attempts is the total number of tries including the first. 1 means
	// no retries.
	Attempts int

	Backoff BackoffKind

	// BaseDelay is the first retry delay; exponential backoff doubles it
	// per subsequent attempt.
	BaseDelay time.Duration

	// KeepSuccess bounds the archive of completed jobs, KeepFailed the
	// archive of dead-lettered ones.
	KeepSuccess Retention
	KeepFailed  Retention
}

// Delay returns the wait before the given retry. attempt is the attempt
// that just failed, starting at 1.
func (p Profile) Delay(attempt int) time.Duration {
	if p.Backoff != BackoffExponential {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// Queue names. One queue per side-effect class so retry policy follows
// failure mode: agent runs must never auto-retry (the engine owns recovery),
// email and portal dispatch are safe to retry behind the execution-key
// claim.
const (
	QueueAgent      = "agent"
	QueueEmail      = "email"
	QueueAnalysis   = "analysis"
	QueueGeneration = "generation"
	QueuePortal     = "portal"
)

// DefaultProfiles is the production retry and retention table.
func DefaultProfiles() map[string]Profile {
	return map[string]Profile{
		QueueAgent: {
			Attempts:    1,
			KeepSuccess: Retention{Count: 100, Age: 24 * time.Hour},
			KeepFailed:  Retention{Count: 200, Age: 7 * 24 * time.Hour},
		},
		QueueEmail: {
			Attempts: 5, Backoff: BackoffExponential, BaseDelay: 5 * time.Second,
			KeepSuccess: Retention{Count: 100, Age: 24 * time.Hour},
			KeepFailed:  Retention{Count: 500, Age: 7 * 24 * time.Hour},
		},
		QueueAnalysis: {
			Attempts: 3, Backoff: BackoffExponential, BaseDelay: 10 * time.Second,
			KeepSuccess: Retention{Count: 50, Age: 12 * time.Hour},
			KeepFailed:  Retention{Count: 200, Age: 3 * 24 * time.Hour},
		},
		QueueGeneration: {
			Attempts: 3, Backoff: BackoffExponential, BaseDelay: 15 * time.Second,
			KeepSuccess: Retention{Count: 50, Age: 12 * time.Hour},
			KeepFailed:  Retention{Count: 200, Age: 3 * 24 * time.Hour},
		},
		QueuePortal: {
			Attempts: 2, Backoff: BackoffFixed, BaseDelay: 60 * time.Second,
			KeepSuccess: Retention{Count: 50, Age: 12 * time.Hour},
			KeepFailed:  Retention{Count: 200, Age: 3 * 24 * time.Hour},
		},
	}
}
