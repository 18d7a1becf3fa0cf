package relay

import (
	"encoding/json"
	"time"
)

// JobName identifies the operation a job performs.
type JobName string

const (
	// JobSearch runs a catalog search.
	JobSearch JobName = "search"
	// JobDownload resolves a download path into a file URL.
	JobDownload JobName = "download"
	// JobWarmup establishes an authenticated session without operating on it.
	JobWarmup JobName = "warmup"
	// JobReset tears down and recreates the browser session.
	JobReset JobName = "reset"
)

// Valid reports whether the name is one of the known job names.
func (n JobName) Valid() bool {
	switch n {
	case JobSearch, JobDownload, JobWarmup, JobReset:
		return true
	default:
		return false
	}
}

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	// JobStatusQueued indicates the job is persisted and waiting for the worker.
	JobStatusQueued JobStatus = "queued"
	// JobStatusRunning indicates the worker is executing the job.
	JobStatusRunning JobStatus = "running"
	// JobStatusSucceeded indicates the job produced a result.
	JobStatusSucceeded JobStatus = "succeeded"
	// JobStatusFailed indicates the job recorded an error.
	JobStatusFailed JobStatus = "failed"
)

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Job is the durable record of one submitted operation.
type Job struct {
	ID         string          `json:"id"`
	Name       JobName         `json:"name"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Timeout    time.Duration   `json:"-"`
	Status     JobStatus       `json:"status"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      *Error          `json:"error,omitempty"`
}

// QueueItem is what travels through the queue.
type QueueItem struct {
	JobID     string
	Name      JobName
	Payload   json.RawMessage
	Timeout   time.Duration
	Submitted time.Time
	// Receipt is the backend-specific delivery handle used to acknowledge the item.
	Receipt string
}

// SearchPayload is the input of a search job.
type SearchPayload struct {
	Query string `json:"query"`
}

// DownloadPayload is the input of a download job.
type DownloadPayload struct {
	DownloadPath string `json:"downloadPath"`
}

// SearchResultRecord is one parsed catalog result.
type SearchResultRecord struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Author        string `json:"author"`
	Extension     string `json:"extension"`
	SizeLabel     string `json:"sizeLabel"`
	Language      string `json:"language"`
	Year          string `json:"year"`
	CoverURL      string `json:"coverUrl"`
	DownloadPath  string `json:"downloadPath"`
	DownloadID    string `json:"downloadId"`
	DownloadToken string `json:"downloadToken"`
}

// ResolvedDownload is the file location behind a download path.
type ResolvedDownload struct {
	Location string `json:"location"`
	Filename string `json:"filename"`
	// ExpiresAt is a Unix timestamp in milliseconds, nil when upstream gave none.
	ExpiresAt *int64 `json:"expiresAt"`
}

// WarmupResult is returned by warmup jobs.
type WarmupResult struct {
	Success  bool      `json:"success"`
	WarmedAt time.Time `json:"warmedAt"`
}

// ResetResult is returned by reset jobs.
type ResetResult struct {
	Success bool      `json:"success"`
	ResetAt time.Time `json:"resetAt"`
}

// RateLimitSignal is a rate-limit condition parsed from an upstream HTML page.
type RateLimitSignal struct {
	Message string
	// Wait is nil when the page carried no parseable duration.
	Wait *time.Duration
	// WaitText is the raw phrase the duration was parsed from.
	WaitText string
}

// JobEvent is published once a job reaches a terminal state.
type JobEvent struct {
	JobID      string    `json:"job_id"`
	Name       JobName   `json:"name"`
	Status     JobStatus `json:"status"`
	ErrorCode  string    `json:"error_code,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	FinishedAt time.Time `json:"finished_at"`
}
