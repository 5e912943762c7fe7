package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Handler processes one job. A nil return acks the job; an error return
// routes it through the retry profile.
type Handler func(ctx context.Context, job *Job) error

// Metrics are the worker's Prometheus instruments. Register once and share
// across workers.
type Metrics struct {
	Processed    *prometheus.CounterVec
	Failed       *prometheus.CounterVec
	DeadLettered *prometheus.CounterVec
	Duration     *prometheus.HistogramVec
}

// NewMetrics builds and registers worker metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_queue_jobs_processed_total",
			Help: "Jobs completed successfully, by queue and job name.",
		}, []string{"queue", "name"}),
		Failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_queue_jobs_failed_total",
			Help: "Job attempts that returned an error, by queue and job name.",
		}, []string{"queue", "name"}),
		DeadLettered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_queue_jobs_dead_lettered_total",
			Help: "Jobs that exhausted retries, by queue and job name.",
		}, []string{"queue", "name"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_queue_job_duration_seconds",
			Help:    "Handler wall time, by queue and job name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue", "name"}),
	}
	if reg != nil {
		reg.MustRegister(m.Processed, m.Failed, m.DeadLettered, m.Duration)
	}
	return m
}

// Worker consumes one queue, promoting delayed jobs and dispatching to
// registered handlers by job name.
type Worker struct {
	queue    *Queue
	name     string
	handlers map[string]Handler
	metrics  *Metrics

	// PollWait is the blocking-pop timeout per iteration.
	PollWait time.Duration

	// PromoteEvery is the delayed-set scan interval.
	PromoteEvery time.Duration

	// OnError observes handler and infrastructure errors. Optional.
	OnError func(job *Job, err error)

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewWorker creates a worker for one named queue.
func NewWorker(q *Queue, queueName string, metrics *Metrics) *Worker {
	return &Worker{
		queue:        q,
		name:         queueName,
		handlers:     make(map[string]Handler),
		metrics:      metrics,
		PollWait:     time.Second,
		PromoteEvery: time.Second,
	}
}

// Handle registers the handler for a job name. Must be called before Run.
func (w *Worker) Handle(jobName string, h Handler) *Worker {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[jobName] = h
	return w
}

// Run consumes jobs until ctx is cancelled. It blocks; start it in a
// goroutine per queue.
func (w *Worker) Run(ctx context.Context) error {
	w.wg.Add(1)
	go w.promoteLoop(ctx)
	defer w.wg.Wait()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := w.queue.Dequeue(ctx, w.name, w.PollWait)
		if errors.Is(err, ErrEmpty) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.report(nil, err)
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	w.mu.Lock()
	handler, ok := w.handlers[job.Name]
	w.mu.Unlock()
	if !ok {
		err := fmt.Errorf("no handler for job %q", job.Name)
		w.report(job, err)
		w.nack(ctx, job, err)
		return
	}

	start := time.Now()
	err := handler(ctx, job)
	if w.metrics != nil {
		w.metrics.Duration.WithLabelValues(job.Queue, job.Name).Observe(time.Since(start).Seconds())
	}

	if err == nil {
		if w.metrics != nil {
			w.metrics.Processed.WithLabelValues(job.Queue, job.Name).Inc()
		}
		if ackErr := w.queue.Ack(ctx, job); ackErr != nil {
			w.report(job, ackErr)
		}
		return
	}

	if w.metrics != nil {
		w.metrics.Failed.WithLabelValues(job.Queue, job.Name).Inc()
	}
	w.report(job, err)
	w.nack(ctx, job, err)
}

func (w *Worker) nack(ctx context.Context, job *Job, cause error) {
	deadLettered, err := w.queue.Nack(ctx, job, cause)
	if err != nil {
		w.report(job, err)
		return
	}
	if deadLettered && w.metrics != nil {
		w.metrics.DeadLettered.WithLabelValues(job.Queue, job.Name).Inc()
	}
}

func (w *Worker) promoteLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.PromoteEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Promote(ctx, w.name); err != nil && ctx.Err() == nil {
				w.report(nil, err)
			}
		}
	}
}

func (w *Worker) report(job *Job, err error) {
	if w.OnError != nil {
		w.OnError(job, err)
	}
}
