package jobs

import (
	"context"
	"time"
)

// JobType represents the type of job to be executed.
type JobType string

const (
	// JobTypeRecategorize rewrites historical transactions after a correction.
	JobTypeRecategorize JobType = "recategorize"
)

// JobStatus represents the current status of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job is waiting to be processed.
	JobStatusPending JobStatus = "pending"
	// JobStatusRunning indicates the job is currently being processed.
	JobStatusRunning JobStatus = "running"
	// JobStatusCompleted indicates the job completed successfully.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates the job failed.
	JobStatusFailed JobStatus = "failed"
	// JobStatusRetrying indicates the job failed and is being retried.
	JobStatusRetrying JobStatus = "retrying"
)

// RecategorizeJob re-applies a correction to every historical transaction
// whose counterparty contains Pattern. Running it more than once is harmless.
type RecategorizeJob struct {
	JobID   string `json:"job_id"`
	OwnerID string `json:"owner_id"`

	Pattern     string `json:"pattern"`
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`

	// Updated is the number of rows rewritten by the last successful run.
	Updated int64 `json:"updated"`

	Status      JobStatus  `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// Job is a generic interface for all job types.
type Job interface {
	// GetID returns the unique job identifier.
	GetID() string

	// GetType returns the job type.
	GetType() JobType

	// GetStatus returns the current job status.
	GetStatus() JobStatus
}

// GetID implements the Job interface.
func (j *RecategorizeJob) GetID() string {
	return j.JobID
}

// GetType implements the Job interface.
func (j *RecategorizeJob) GetType() JobType {
	return JobTypeRecategorize
}

// GetStatus implements the Job interface.
func (j *RecategorizeJob) GetStatus() JobStatus {
	return j.Status
}

// Publisher enqueues jobs.
type Publisher interface {
	// PublishRecategorize enqueues a historical rewrite.
	PublishRecategorize(ctx context.Context, job *RecategorizeJob) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer runs queued jobs.
type Consumer interface {
	// Start begins consuming jobs from the queue.
	// The handler function is called for each job received.
	Start(ctx context.Context, handler JobHandler) error

	// Stop stops consuming jobs and waits for in-flight jobs to complete.
	Stop(ctx context.Context) error
}

// JobHandler processes a job. A returned error makes the job eligible for retry.
type JobHandler func(ctx context.Context, job Job) error

// JobStore tracks job state.
type JobStore interface {
	// SaveJob saves or updates a job's state.
	SaveJob(ctx context.Context, job *RecategorizeJob) error

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID string) (*RecategorizeJob, error)

	// ListJobs retrieves jobs with optional filtering, newest first.
	ListJobs(ctx context.Context, filter JobFilter) ([]*RecategorizeJob, error)

	// UpdateJobStatus updates the status of a job.
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMsg string) error
}

// JobFilter defines filtering criteria for listing jobs.
type JobFilter struct {
	// OwnerID filters jobs by owner.
	OwnerID string

	// Status filters jobs by status.
	Status JobStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
