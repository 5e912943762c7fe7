// Package queue is the durable job layer between triggers and the run
// engine, backed by Redis. Jobs are deduplicated by ID at enqueue time,
// popped through an in-flight list so a crashed worker loses nothing, and
// retried per queue profile until they land in the dead-letter sink.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Dequeue when no job is ready within the wait.
var ErrEmpty = errors.New("queue is empty")

// Job is one unit of work.
type Job struct {
	// ID is the dedup key. Two enqueues with the same ID collapse to one
	// job; engine callers build IDs from trigger identity ("run:{case}:
	// {message}", scheduled keys) so redeliveries are free.
	ID string `json:"id"`

	// Queue names the retry profile; Name selects the handler.
	Queue string `json:"queue"`
	Name  string `json:"name"`

	Payload json.RawMessage `json:"payload"`

	// Attempt starts at 1 and increments on each retry.
	Attempt int `json:"attempt"`

	// CaseID is carried for dead-letter attribution.
	CaseID string `json:"case_id,omitempty"`

	EnqueuedAt time.Time `json:"enqueued_at"`
}

// DeadLetterSink receives a job that exhausted its attempts.
type DeadLetterSink interface {
	DeadLetter(ctx context.Context, job *Job, cause error) error
}

// Queue is a Redis-backed durable queue with per-queue retry profiles.
type Queue struct {
	rdb      *redis.Client
	profiles map[string]Profile
	dlq      DeadLetterSink

	// prefix namespaces all keys, "quill" in production.
	prefix string

	// now is swapped in tests to exercise backoff without sleeping.
	now func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithPrefix overrides the key namespace.
func WithPrefix(prefix string) Option {
	return func(q *Queue) { q.prefix = prefix }
}

// WithProfiles overrides the retry table.
func WithProfiles(p map[string]Profile) Option {
	return func(q *Queue) { q.profiles = p }
}

// WithClock overrides the queue's time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New creates a Queue on an existing Redis client. sink receives jobs that
// exhaust their retries; it must not be nil.
func New(rdb *redis.Client, sink DeadLetterSink, opts ...Option) *Queue {
	q := &Queue{
		rdb:      rdb,
		profiles: DefaultProfiles(),
		dlq:      sink,
		prefix:   "quill",
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) dedupKey(queue, id string) string {
	return fmt.Sprintf("%s:%s:dedup:%s", q.prefix, queue, id)
}

func (q *Queue) readyKey(queue string) string {
	return fmt.Sprintf("%s:%s:ready", q.prefix, queue)
}

func (q *Queue) delayedKey(queue string) string {
	return fmt.Sprintf("%s:%s:delayed", q.prefix, queue)
}

func (q *Queue) inflightKey(queue string) string {
	return fmt.Sprintf("%s:%s:inflight", q.prefix, queue)
}

func (q *Queue) doneKey(queue string) string {
	return fmt.Sprintf("%s:%s:done", q.prefix, queue)
}

func (q *Queue) failedKey(queue string) string {
	return fmt.Sprintf("%s:%s:failed", q.prefix, queue)
}

// dedupTTL is a backstop: a job ID blocks re-enqueue while the job is in a
// non-terminal state (the key is released on ack or dead-letter), and at
// most this long if the terminal transition itself was lost.
const dedupTTL = 24 * time.Hour

// Enqueue adds a job for immediate processing. Returns (false, nil) when a
// job with the same ID is still in a non-terminal state; the caller treats
// that as success.
func (q *Queue) Enqueue(ctx context.Context, job *Job) (bool, error) {
	return q.enqueueAt(ctx, job, time.Time{})
}

// EnqueueDelayed adds a job that becomes ready at runAt. Same dedup
// semantics as Enqueue.
func (q *Queue) EnqueueDelayed(ctx context.Context, job *Job, runAt time.Time) (bool, error) {
	return q.enqueueAt(ctx, job, runAt)
}

func (q *Queue) enqueueAt(ctx context.Context, job *Job, runAt time.Time) (bool, error) {
	if job.ID == "" || job.Queue == "" {
		return false, fmt.Errorf("job requires id and queue")
	}
	if _, ok := q.profiles[job.Queue]; !ok {
		return false, fmt.Errorf("unknown queue %q", job.Queue)
	}
	if job.Attempt == 0 {
		job.Attempt = 1
	}
	job.EnqueuedAt = q.now().UTC()

	fresh, err := q.rdb.SetNX(ctx, q.dedupKey(job.Queue, job.ID), "1", dedupTTL).Result()
	if err != nil {
		return false, fmt.Errorf("failed to reserve job id: %w", err)
	}
	if !fresh {
		return false, nil
	}

	if err := q.push(ctx, job, runAt); err != nil {
		// Roll the reservation back so the caller can retry the enqueue.
		_ = q.rdb.Del(ctx, q.dedupKey(job.Queue, job.ID)).Err()
		return false, err
	}
	return true, nil
}

// push places an encoded job on the ready list or the delayed set,
// bypassing dedup. Used for both first enqueue and retries.
func (q *Queue) push(ctx context.Context, job *Job, runAt time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}

	if runAt.IsZero() || !runAt.After(q.now()) {
		if err := q.rdb.LPush(ctx, q.readyKey(job.Queue), data).Err(); err != nil {
			return fmt.Errorf("failed to push job: %w", err)
		}
		return nil
	}
	score := float64(runAt.UnixMilli())
	if err := q.rdb.ZAdd(ctx, q.delayedKey(job.Queue), redis.Z{Score: score, Member: data}).Err(); err != nil {
		return fmt.Errorf("failed to schedule job: %w", err)
	}
	return nil
}

// Promote moves delayed jobs whose time has come onto the ready list.
// Called periodically by the worker. Returns the number promoted.
func (q *Queue) Promote(ctx context.Context, queue string) (int, error) {
	now := fmt.Sprintf("%d", q.now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, q.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf", Max: now,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}

	promoted := 0
	for _, member := range members {
		// ZRem returning 0 means another promoter won this member.
		n, err := q.rdb.ZRem(ctx, q.delayedKey(queue), member).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if n == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, q.readyKey(queue), member).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Dequeue pops the next ready job, moving it to the in-flight list so a
// worker crash leaves it recoverable. Blocks up to wait; ErrEmpty on
// timeout.
func (q *Queue) Dequeue(ctx context.Context, queue string, wait time.Duration) (*Job, error) {
	var (
		raw string
		err error
	)
	if wait > 0 {
		raw, err = q.rdb.BLMove(ctx, q.readyKey(queue), q.inflightKey(queue), "RIGHT", "LEFT", wait).Result()
	} else {
		raw, err = q.rdb.LMove(ctx, q.readyKey(queue), q.inflightKey(queue), "RIGHT", "LEFT").Result()
	}
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Poison entry; drop it from in-flight so it cannot wedge the queue.
		_ = q.rdb.LRem(ctx, q.inflightKey(queue), 1, raw).Err()
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

// Ack marks a job complete: it leaves the in-flight list, its dedup
// reservation is released, and the outcome is archived per the queue's
// success retention.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.removeInflight(ctx, job); err != nil {
		return err
	}
	if err := q.releaseDedup(ctx, job); err != nil {
		return err
	}
	return q.archive(ctx, q.doneKey(job.Queue), job, q.profiles[job.Queue].KeepSuccess)
}

// Nack handles a failed job: requeue with backoff while attempts remain,
// otherwise hand it to the dead-letter sink. The dedup reservation is held
// across retries and released only on the terminal transition. Returns
// true when the job was dead-lettered.
func (q *Queue) Nack(ctx context.Context, job *Job, cause error) (bool, error) {
	if err := q.removeInflight(ctx, job); err != nil {
		return false, err
	}

	profile := q.profiles[job.Queue]
	if job.Attempt >= profile.Attempts {
		if err := q.dlq.DeadLetter(ctx, job, cause); err != nil {
			return false, fmt.Errorf("failed to dead-letter job: %w", err)
		}
		if err := q.releaseDedup(ctx, job); err != nil {
			return true, err
		}
		return true, q.archive(ctx, q.failedKey(job.Queue), job, profile.KeepFailed)
	}

	delay := profile.Delay(job.Attempt)
	retry := *job
	retry.Attempt++
	if err := q.push(ctx, &retry, q.now().Add(delay)); err != nil {
		return false, fmt.Errorf("failed to requeue job: %w", err)
	}
	return false, nil
}

func (q *Queue) removeInflight(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	if err := q.rdb.LRem(ctx, q.inflightKey(job.Queue), 1, string(data)).Err(); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

func (q *Queue) releaseDedup(ctx context.Context, job *Job) error {
	if err := q.rdb.Del(ctx, q.dedupKey(job.Queue, job.ID)).Err(); err != nil {
		return fmt.Errorf("failed to release job id: %w", err)
	}
	return nil
}

// archive records a terminal job outcome on a capped list: newest first,
// trimmed to the retention count, expiring wholesale at the retention age.
func (q *Queue) archive(ctx context.Context, key string, job *Job, keep Retention) error {
	if keep.Count <= 0 {
		return nil
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to encode job: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(keep.Count)-1)
	if keep.Age > 0 {
		pipe.Expire(ctx, key, keep.Age)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to archive job: %w", err)
	}
	return nil
}

// Requeue puts a previously dead-lettered job back on its queue with a
// fresh attempt counter. Dedup is bypassed: the operator explicitly asked
// for a replay.
func (q *Queue) Requeue(ctx context.Context, job *Job) error {
	replay := *job
	replay.Attempt = 1
	replay.EnqueuedAt = q.now().UTC()
	if _, ok := q.profiles[replay.Queue]; !ok {
		return fmt.Errorf("unknown queue %q", replay.Queue)
	}
	return q.push(ctx, &replay, time.Time{})
}

// Depth reports ready, delayed, and in-flight counts for a queue.
func (q *Queue) Depth(ctx context.Context, queue string) (ready, delayed, inflight int64, err error) {
	ready, err = q.rdb.LLen(ctx, q.readyKey(queue)).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read ready depth: %w", err)
	}
	delayed, err = q.rdb.ZCard(ctx, q.delayedKey(queue)).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read delayed depth: %w", err)
	}
	inflight, err = q.rdb.LLen(ctx, q.inflightKey(queue)).Result()
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to read inflight depth: %w", err)
	}
	return ready, delayed, inflight, nil
}
