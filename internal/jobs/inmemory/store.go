package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/smsledger/internal/jobs"
)

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = fmt.Errorf("job not found")

// Store is an in-memory JobStore, safe for concurrent use.
// Jobs are lost on restart.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*jobs.RecategorizeJob
}

// NewStore creates a new in-memory job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*jobs.RecategorizeJob),
	}
}

// SaveJob implements the JobStore interface.
func (s *Store) SaveJob(ctx context.Context, job *jobs.RecategorizeJob) error {
	if job.JobID == "" {
		return fmt.Errorf("job ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a copy so callers can keep mutating theirs.
	jobCopy := *job
	s.jobs[job.JobID] = &jobCopy

	return nil
}

// GetJob implements the JobStore interface.
func (s *Store) GetJob(ctx context.Context, jobID string) (*jobs.RecategorizeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return nil, fmt.Errorf("GetJob: %s: %w", jobID, ErrJobNotFound)
	}

	jobCopy := *job
	return &jobCopy, nil
}

// ListJobs implements the JobStore interface.
func (s *Store) ListJobs(ctx context.Context, filter jobs.JobFilter) ([]*jobs.RecategorizeJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.RecategorizeJob
	for _, job := range s.jobs {
		if filter.OwnerID != "" && job.OwnerID != filter.OwnerID {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		jobCopy := *job
		result = append(result, &jobCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].JobID < result[j].JobID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.RecategorizeJob{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}

	return result, nil
}

// UpdateJobStatus implements the JobStore interface.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status jobs.JobStatus, errorMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobID]
	if !exists {
		return fmt.Errorf("UpdateJobStatus: %s: %w", jobID, ErrJobNotFound)
	}

	job.Status = status
	if errorMsg != "" {
		job.Error = errorMsg
	}

	return nil
}

var _ jobs.JobStore = (*Store)(nil)
