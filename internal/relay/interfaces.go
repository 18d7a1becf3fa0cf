package relay

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrJobNotFound is returned when a job id is unknown to the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobExists is returned when a job id is created twice.
	ErrJobExists = errors.New("job already exists")
	// ErrJobFinished is returned when a terminal job is written again.
	ErrJobFinished = errors.New("job already finished")
)

// JobStore persists job records.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	MarkRunning(ctx context.Context, jobID string, at time.Time) error
	CompleteJob(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error
	FailJob(ctx context.Context, jobID string, jobErr *Error, at time.Time) error
	GetJob(ctx context.Context, jobID string) (Job, error)
}

// Queue delivers persisted jobs to the worker.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Ack(ctx context.Context, item QueueItem) error
}

// Scraper executes job operations against the catalog.
type Scraper interface {
	Search(ctx context.Context, query string) ([]SearchResultRecord, error)
	ResolveDownload(ctx context.Context, downloadPath string) (ResolvedDownload, error)
	Warmup(ctx context.Context) (WarmupResult, error)
	Reset(ctx context.Context) (ResetResult, error)
}

// SearchCache stores search results keyed by normalized query text.
type SearchCache interface {
	Get(ctx context.Context, key string) ([]SearchResultRecord, bool, error)
	Set(ctx context.Context, key string, records []SearchResultRecord) error
}

// Publisher pushes job lifecycle events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Notifier is told when a job reaches a terminal state.
type Notifier interface {
	Notify(jobID string)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces job IDs.
type IDGenerator interface {
	NewID() (string, error)
}
