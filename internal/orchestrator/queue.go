package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/h1v3-io/crafter/internal/agent"
	"github.com/h1v3-io/crafter/internal/metrics"
	"github.com/h1v3-io/crafter/pkg/protocol"
)

// ErrQueueFull is returned by Submit when the job buffer is full.
var ErrQueueFull = errors.New("orchestrator queue is full")

// ErrQueueClosed is returned by Submit after the worker stopped.
var ErrQueueClosed = errors.New("orchestrator queue is closed")

// JobKind selects the Orchestrator operation a Job runs.
type JobKind string

const (
	JobInbound  JobKind = "inbound"
	JobApprove  JobKind = "approve"
	JobReject   JobKind = "reject"
	JobResume   JobKind = "resume"
	JobAttachPR JobKind = "attach_pr"

	// Maintenance jobs run on the worker too, so their self-updates never
	// race a transition of the same thread.
	JobReconcile JobKind = "reconcile"
	JobRemind    JobKind = "remind"
)

// Job is one unit of work for the queue worker.
type Job struct {
	ID       string           `json:"id"`
	Kind     JobKind          `json:"kind"`
	ThreadID string           `json:"thread_id,omitempty"`
	Request  protocol.Request `json:"request,omitempty"`
	Feedback string           `json:"feedback,omitempty"`
	URL      string           `json:"url,omitempty"`
	Attempt  int              `json:"attempt"`
}

// Queue serializes every Orchestrator operation through a single worker
// goroutine, so the store has one writer and file edits never interleave.
// A failed job is retried as a Resume of its thread after a delay.
type Queue struct {
	orch       *Orchestrator
	jobs       chan Job
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu      sync.Mutex
	closed  bool
	pending sync.WaitGroup
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithRetry sets how many times a failed job is retried and the delay
// before each retry.
func WithRetry(n int, delay time.Duration) QueueOption {
	return func(q *Queue) {
		q.maxRetries = n
		q.retryDelay = delay
	}
}

// WithQueueLogger sets the queue's logger.
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *Queue) { q.logger = l }
}

// WithQueueMetrics reports queue depth.
func WithQueueMetrics(m *metrics.Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

// NewQueue creates a queue holding up to size pending jobs.
func NewQueue(orch *Orchestrator, size int, opts ...QueueOption) *Queue {
	if size <= 0 {
		size = 64
	}
	q := &Queue{
		orch:       orch,
		jobs:       make(chan Job, size),
		maxRetries: 3,
		retryDelay: 10 * time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Submit enqueues job without blocking and returns its id.
func (q *Queue) Submit(job Job) (string, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrQueueClosed
	}
	q.pending.Add(1)
	select {
	case q.jobs <- job:
		q.metrics.SetQueueDepth(len(q.jobs))
		return job.ID, nil
	default:
		q.pending.Done()
		return "", ErrQueueFull
	}
}

// Len returns the number of jobs waiting.
func (q *Queue) Len() int { return len(q.jobs) }

// Wait blocks until every submitted job, including scheduled retries, has
// finished.
func (q *Queue) Wait() { q.pending.Wait() }

// Start runs the worker loop. It blocks until ctx is cancelled.
func (q *Queue) Start(ctx context.Context) error {
	q.logger.Info("orchestrator worker started")
	defer q.close()
	for {
		// A cancelled worker takes no further jobs, even when some are ready.
		if ctx.Err() != nil {
			q.logger.Info("orchestrator worker stopping")
			return ctx.Err()
		}
		select {
		case job := <-q.jobs:
			q.metrics.SetQueueDepth(len(q.jobs))
			q.run(ctx, job)
		case <-ctx.Done():
			q.logger.Info("orchestrator worker stopping")
			return ctx.Err()
		}
	}
}

// close stops accepting jobs and releases the ones still buffered so Wait
// returns. Dropped threads are picked up again by restart recovery.
func (q *Queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	dropped := 0
	for {
		select {
		case job := <-q.jobs:
			dropped++
			q.logger.Warn("job dropped at shutdown", "job", job.ID, "kind", job.Kind, "thread", job.ThreadID)
			q.pending.Done()
		default:
			if dropped > 0 {
				q.metrics.SetQueueDepth(0)
			}
			return
		}
	}
}

func (q *Queue) run(ctx context.Context, job Job) {
	defer q.pending.Done()

	logger := q.logger.With("job", job.ID, "kind", job.Kind, "thread", job.ThreadID)
	logger.Debug("processing job", "attempt", job.Attempt+1)

	threadID, err := q.dispatch(ctx, job)
	if err == nil {
		return
	}
	logger.Error("job failed", "thread", threadID, "attempt", job.Attempt+1, "error", err)

	if threadID == "" || errors.Is(err, ErrTerminal) || errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrUnknownThread) {
		return
	}
	if job.Attempt >= q.maxRetries {
		logger.Error("max retries exhausted, giving up", "thread", threadID, "attempts", job.Attempt+1)
		return
	}

	retry := Job{ID: job.ID, Kind: JobResume, ThreadID: threadID, Attempt: job.Attempt + 1}
	logger.Info("scheduling retry", "thread", threadID, "attempt", retry.Attempt+1, "delay", q.retryDelay)
	q.pending.Add(1)
	go func() {
		defer q.pending.Done()
		select {
		case <-time.After(q.retryDelay):
			if _, err := q.Submit(retry); err != nil {
				logger.Error("retry not queued", "thread", threadID, "error", err)
			}
		case <-ctx.Done():
		}
	}()
}

func (q *Queue) dispatch(ctx context.Context, job Job) (string, error) {
	if job.ThreadID != "" {
		ctx = agent.WithThread(ctx, job.ThreadID)
	}
	switch job.Kind {
	case JobInbound:
		return q.orch.HandleInbound(ctx, job.Request)
	case JobApprove:
		return job.ThreadID, q.orch.Approve(ctx, job.ThreadID)
	case JobReject:
		return job.ThreadID, q.orch.Reject(ctx, job.ThreadID, job.Feedback)
	case JobResume:
		return job.ThreadID, q.orch.Resume(ctx, job.ThreadID)
	case JobAttachPR:
		// Bookkeeping only; a failure here is not worth a Resume.
		return "", q.orch.AttachPR(ctx, job.ThreadID, job.URL)
	case JobReconcile:
		n, err := q.orch.Reconcile(ctx)
		q.logger.Debug("reconcile finished", "written", n)
		return "", err
	case JobRemind:
		n, err := q.orch.RemindPending(ctx)
		q.logger.Debug("reminders finished", "sent", n)
		return "", err
	default:
		return job.ThreadID, fmt.Errorf("unknown job kind %q", job.Kind)
	}
}
