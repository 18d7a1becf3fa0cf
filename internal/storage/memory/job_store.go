// Package memory provides an in-memory JobStore for single-node runs and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/book-relay/internal/relay"
)

// JobStore keeps job records in a map guarded by a RWMutex.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]relay.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]relay.Job),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job relay.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("create job %s: %w", job.ID, relay.ErrJobExists)
	}
	if job.Status == "" {
		job.Status = relay.JobStatusQueued
	}
	s.jobs[job.ID] = job
	return nil
}

// MarkRunning moves a queued job to running.
func (s *JobStore) MarkRunning(_ context.Context, jobID string, at time.Time) error {
	return s.update(jobID, func(job *relay.Job) {
		job.Status = relay.JobStatusRunning
		if job.StartedAt == nil {
			job.StartedAt = pointerTime(at)
		}
	})
}

// CompleteJob records the result of a job.
func (s *JobStore) CompleteJob(_ context.Context, jobID string, result json.RawMessage, at time.Time) error {
	return s.update(jobID, func(job *relay.Job) {
		job.Status = relay.JobStatusSucceeded
		job.Result = append(json.RawMessage(nil), result...)
		job.FinishedAt = pointerTime(at)
	})
}

// FailJob records the error of a job.
func (s *JobStore) FailJob(_ context.Context, jobID string, jobErr *relay.Error, at time.Time) error {
	return s.update(jobID, func(job *relay.Job) {
		job.Status = relay.JobStatusFailed
		job.Error = jobErr
		job.FinishedAt = pointerTime(at)
	})
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (relay.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return relay.Job{}, fmt.Errorf("get job %s: %w", jobID, relay.ErrJobNotFound)
	}
	return job, nil
}

// update applies fn unless the job is missing or already terminal.
func (s *JobStore) update(jobID string, fn func(*relay.Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("update job %s: %w", jobID, relay.ErrJobNotFound)
	}
	if job.Status.Terminal() {
		return fmt.Errorf("update job %s: %w", jobID, relay.ErrJobFinished)
	}
	fn(&job)
	s.jobs[jobID] = job
	return nil
}

func pointerTime(t time.Time) *time.Time {
	ts := t
	return &ts
}
