package inmemory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/jobs"
)

func waitForStatus(t *testing.T, store *Store, jobID string, want jobs.JobStatus) *jobs.RecategorizeJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), jobID)
		if err == nil && job.Status == want {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := store.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s, last state %+v", jobID, want, job)
	return nil
}

func TestQueue_ProcessesJob(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(QueueOptions{BufferSize: 4, Workers: 2}, store)
	defer q.Close()

	err := q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		j := job.(*jobs.RecategorizeJob)
		j.Updated = 3
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	job := &jobs.RecategorizeJob{OwnerID: "u1", Pattern: "ooredoo", Subcategory: "Bills"}
	if err := q.PublishRecategorize(ctx, job); err != nil {
		t.Fatalf("PublishRecategorize: %v", err)
	}
	if job.JobID == "" {
		t.Fatal("expected generated job id")
	}

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.Updated != 3 {
		t.Errorf("Updated = %d, want 3", done.Updated)
	}
	if done.GetType() != jobs.JobTypeRecategorize {
		t.Errorf("GetType() = %s", done.GetType())
	}
}

func TestQueue_RetriesThenSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(QueueOptions{Workers: 1, MaxRetries: 3, Backoff: time.Millisecond}, store)
	defer q.Close()

	var calls int32
	_ = q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("store unavailable")
		}
		return nil
	})

	job := &jobs.RecategorizeJob{OwnerID: "u1", Pattern: "ooredoo"}
	_ = q.PublishRecategorize(ctx, job)

	done := waitForStatus(t, store, job.JobID, jobs.JobStatusCompleted)
	if done.RetryCount != 2 {
		t.Errorf("RetryCount = %d, want 2", done.RetryCount)
	}
}

func TestQueue_GivesUpAfterMaxRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(QueueOptions{Workers: 1, MaxRetries: 1, Backoff: time.Millisecond}, store)
	defer q.Close()

	_ = q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		return errors.New("permanent failure")
	})

	job := &jobs.RecategorizeJob{OwnerID: "u1", Pattern: "ooredoo"}
	_ = q.PublishRecategorize(ctx, job)

	failed := waitForStatus(t, store, job.JobID, jobs.JobStatusFailed)
	if failed.Error != "permanent failure" {
		t.Errorf("Error = %q", failed.Error)
	}
}

func TestQueue_PublishAfterClose(t *testing.T) {
	q := NewQueue(QueueOptions{}, nil)
	_ = q.Close()

	if err := q.PublishRecategorize(context.Background(), &jobs.RecategorizeJob{}); err == nil {
		t.Error("expected error publishing to a closed queue")
	}
}

func TestQueue_StopDrainsBufferedJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewStore()
	q := NewQueue(QueueOptions{BufferSize: 4, Workers: 1}, store)

	release := make(chan struct{})
	var handled int32
	_ = q.Start(ctx, func(ctx context.Context, job jobs.Job) error {
		<-release
		atomic.AddInt32(&handled, 1)
		return nil
	})

	var ids []string
	for i := 0; i < 3; i++ {
		job := &jobs.RecategorizeJob{OwnerID: "u1", Pattern: "ooredoo"}
		if err := q.PublishRecategorize(ctx, job); err != nil {
			t.Fatalf("PublishRecategorize: %v", err)
		}
		ids = append(ids, job.JobID)
	}
	close(release)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	if n := atomic.LoadInt32(&handled); n != 3 {
		t.Errorf("handled %d jobs before Stop returned, want 3", n)
	}
	for _, id := range ids {
		job, _ := store.GetJob(context.Background(), id)
		if job.Status != jobs.JobStatusCompleted {
			t.Errorf("job %s status = %s", id, job.Status)
		}
	}
}

func TestQueue_StopReleasesBlockedPublisher(t *testing.T) {
	q := NewQueue(QueueOptions{BufferSize: 1}, nil)
	if err := q.PublishRecategorize(context.Background(), &jobs.RecategorizeJob{}); err != nil {
		t.Fatal(err)
	}

	published := make(chan error, 1)
	go func() {
		published <- q.PublishRecategorize(context.Background(), &jobs.RecategorizeJob{})
	}()
	time.Sleep(20 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := q.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case err := <-published:
		if err == nil {
			t.Error("expected the blocked publish to fail once the queue stopped")
		}
	case <-time.After(time.Second):
		t.Fatal("blocked publisher was not released by Stop")
	}
}

func TestStore_ListJobs(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = s.SaveJob(ctx, &jobs.RecategorizeJob{JobID: "a", OwnerID: "u1", Status: jobs.JobStatusCompleted, CreatedAt: base})
	_ = s.SaveJob(ctx, &jobs.RecategorizeJob{JobID: "b", OwnerID: "u1", Status: jobs.JobStatusFailed, CreatedAt: base.Add(time.Hour)})
	_ = s.SaveJob(ctx, &jobs.RecategorizeJob{JobID: "c", OwnerID: "u2", Status: jobs.JobStatusCompleted, CreatedAt: base})

	got, _ := s.ListJobs(ctx, jobs.JobFilter{OwnerID: "u1"})
	if len(got) != 2 || got[0].JobID != "b" {
		t.Fatalf("expected newest-first jobs for u1, got %+v", got)
	}

	got, _ = s.ListJobs(ctx, jobs.JobFilter{Status: jobs.JobStatusCompleted, Limit: 1})
	if len(got) != 1 {
		t.Errorf("expected limit 1, got %d", len(got))
	}

	if err := s.UpdateJobStatus(ctx, "missing", jobs.JobStatusFailed, "x"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
	if _, err := s.GetJob(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("expected ErrJobNotFound, got %v", err)
	}
}
