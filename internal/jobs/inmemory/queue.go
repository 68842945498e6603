package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/smsledger/internal/jobs"
	"github.com/google/uuid"
)

// QueueOptions tunes an in-memory queue.
type QueueOptions struct {
	// BufferSize is how many jobs can wait before PublishRecategorize blocks.
	BufferSize int
	// Workers is the number of concurrent consumers started by Start.
	Workers int
	// MaxRetries is applied to jobs published without their own limit.
	MaxRetries int
	// Backoff is multiplied by the retry count before a failed job is re-enqueued.
	Backoff time.Duration
}

// Queue is a channel-backed job publisher and consumer for single-instance
// deployments. It is safe for concurrent use.
type Queue struct {
	jobChan   chan *jobs.RecategorizeJob
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.JobStore
	opts      QueueOptions
	closed    bool
}

// NewQueue creates a new in-memory job queue. store may be nil.
func NewQueue(opts QueueOptions, store jobs.JobStore) *Queue {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	return &Queue{
		jobChan:   make(chan *jobs.RecategorizeJob, opts.BufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		opts:      opts,
	}
}

// PublishRecategorize implements the Publisher interface. It blocks while the
// buffer is full, until ctx is done or the queue stops.
func (q *Queue) PublishRecategorize(ctx context.Context, job *jobs.RecategorizeJob) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()

	if closed {
		return fmt.Errorf("queue is closed")
	}

	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = jobs.JobStatusPending
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = q.opts.MaxRetries
	}

	if q.store != nil {
		if err := q.store.SaveJob(ctx, job); err != nil {
			return fmt.Errorf("failed to save job: %w", err)
		}
	}

	select {
	case q.jobChan <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closeChan:
		return fmt.Errorf("queue is closed")
	}
}

// Start implements the Consumer interface. It starts the configured number
// of workers, each calling handler for the jobs it receives.
func (q *Queue) Start(ctx context.Context, handler jobs.JobHandler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}

	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.JobHandler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			q.drain(ctx, handler)
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		}
	}
}

// drain processes the jobs still buffered when the queue stops.
func (q *Queue) drain(ctx context.Context, handler jobs.JobHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-q.jobChan:
			if job == nil {
				return
			}
			q.processJob(ctx, job, handler)
		default:
			return
		}
	}
}

// processJob executes a single job with retry logic.
func (q *Queue) processJob(ctx context.Context, job *jobs.RecategorizeJob, handler jobs.JobHandler) {
	job.Status = jobs.JobStatusRunning
	now := time.Now()
	job.StartedAt = &now

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	err := handler(ctx, job)

	completedAt := time.Now()
	job.CompletedAt = &completedAt

	retry := false
	if err != nil {
		job.Error = err.Error()

		if job.RetryCount < job.MaxRetries {
			job.RetryCount++
			job.Status = jobs.JobStatusRetrying
			retry = true
		} else {
			job.Status = jobs.JobStatusFailed
		}
	} else {
		job.Status = jobs.JobStatusCompleted
		job.Error = ""
	}

	if q.store != nil {
		_ = q.store.SaveJob(ctx, job)
	}

	if retry {
		// Linear backoff: retry n waits n*Backoff.
		backoff := time.Duration(job.RetryCount) * q.opts.Backoff
		time.AfterFunc(backoff, func() {
			job.Status = jobs.JobStatusPending
			job.StartedAt = nil
			job.CompletedAt = nil
			if err := q.PublishRecategorize(ctx, job); err != nil {
				job.Status = jobs.JobStatusFailed
				job.Error = "retry not queued: " + err.Error()
				if q.store != nil {
					_ = q.store.SaveJob(context.Background(), job)
				}
			}
		})
	}
}

// Stop implements the Consumer interface. It rejects new jobs, lets the
// workers finish the jobs already buffered and waits for them. A retry whose
// backoff ends after Stop is marked failed.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
