// Package worker implements the single job execution loop. It is the only
// goroutine that touches the scraper, which makes it the lock for the browser
// session and the account pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/relay"
)

const (
	loadAttempts = 3
	loadBackoff  = 50 * time.Millisecond
)

// Config controls Worker behavior.
type Config struct {
	// Topic receives a job.finished event per job. Empty disables publishing.
	Topic string
	// ResetTimeout bounds the session reset that follows a browser-fatal error.
	ResetTimeout time.Duration
}

// Worker consumes queue items and executes them against the scraper.
type Worker struct {
	queue     relay.Queue
	jobStore  relay.JobStore
	scraper   relay.Scraper
	notifier  relay.Notifier
	publisher relay.Publisher
	clock     relay.Clock
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Worker. notifier and publisher may be nil.
func New(
	queue relay.Queue,
	jobStore relay.JobStore,
	scraper relay.Scraper,
	notifier relay.Notifier,
	publisher relay.Publisher,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:     queue,
		jobStore:  jobStore,
		scraper:   scraper,
		notifier:  notifier,
		publisher: publisher,
		clock:     clock,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run blocks, processing one job at a time until the context is canceled.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item relay.QueueItem) {
	logger := w.logger.With(zap.String("job_id", item.JobID), zap.String("job", string(item.Name)))

	job, err := w.loadJob(ctx, item.JobID)
	if errors.Is(err, relay.ErrJobNotFound) {
		logger.Error("dropping entry for unknown job", zap.Error(err))
		w.ack(ctx, item, logger)
		return
	}
	if err != nil {
		// Left unacknowledged so a durable queue redelivers it.
		logger.Error("load job failed, leaving entry pending", zap.Error(err))
		return
	}
	if job.Status.Terminal() {
		logger.Info("skipping finished job")
		w.ack(ctx, item, logger)
		return
	}

	started := w.clock.Now()
	if err := w.jobStore.MarkRunning(ctx, item.JobID, started); err != nil {
		logger.Warn("mark running failed", zap.Error(err))
	}

	timeout := item.Timeout
	if timeout <= 0 {
		timeout = job.Timeout
	}
	result, runErr := w.execute(ctx, item, timeout)
	if runErr != nil && IsBrowserFatal(runErr) {
		runErr = w.recoverSession(ctx, runErr, logger)
	}

	finished := w.clock.Now()
	status := relay.JobStatusSucceeded
	var jobErr *relay.Error
	if runErr != nil {
		status = relay.JobStatusFailed
		jobErr = relay.ToError(runErr)
		if err := w.jobStore.FailJob(ctx, item.JobID, jobErr, finished); err != nil {
			logger.Error("record failure failed", zap.Error(err))
		}
		logger.Warn("job failed", zap.String("code", jobErr.Code), zap.String("error", jobErr.Message))
	} else {
		if err := w.jobStore.CompleteJob(ctx, item.JobID, result, finished); err != nil {
			logger.Error("record result failed", zap.Error(err))
		}
		logger.Info("job succeeded", zap.Duration("duration", finished.Sub(started)))
	}

	if w.notifier != nil {
		w.notifier.Notify(item.JobID)
	}
	w.ack(ctx, item, logger)
	metrics.ObserveJob(string(item.Name), string(status), finished.Sub(started))
	w.publish(ctx, item, status, jobErr, started, finished, logger)
}

// loadJob reads the job record, retrying transient store errors.
func (w *Worker) loadJob(ctx context.Context, jobID string) (relay.Job, error) {
	var err error
	for attempt := range loadAttempts {
		var job relay.Job
		job, err = w.jobStore.GetJob(ctx, jobID)
		if err == nil || errors.Is(err, relay.ErrJobNotFound) {
			return job, err
		}
		if attempt == loadAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return relay.Job{}, fmt.Errorf("load job %s: %w", jobID, ctx.Err())
		case <-time.After(loadBackoff << attempt):
		}
	}
	return relay.Job{}, err
}

// execute runs the job under its own timeout and returns the JSON result.
func (w *Worker) execute(ctx context.Context, item relay.QueueItem, timeout time.Duration) (json.RawMessage, error) {
	jobCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var (
		out any
		err error
	)
	switch item.Name {
	case relay.JobSearch:
		var p relay.SearchPayload
		if err := decodePayload(item.Payload, &p); err != nil {
			return nil, err
		}
		out, err = w.scraper.Search(jobCtx, p.Query)
	case relay.JobDownload:
		var p relay.DownloadPayload
		if err := decodePayload(item.Payload, &p); err != nil {
			return nil, err
		}
		out, err = w.scraper.ResolveDownload(jobCtx, p.DownloadPath)
	case relay.JobWarmup:
		out, err = w.scraper.Warmup(jobCtx)
	case relay.JobReset:
		out, err = w.scraper.Reset(jobCtx)
	default:
		return nil, relay.InvalidInput(fmt.Sprintf("unknown job %q", item.Name))
	}
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return encoded, nil
}

// recoverSession resets the browser before the fatal error is reported so the
// next job starts from a clean session.
func (w *Worker) recoverSession(ctx context.Context, cause error, logger *zap.Logger) error {
	logger.Warn("browser session unusable, resetting", zap.Error(cause))
	resetCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ResetTimeout)
	defer cancel()
	details := map[string]any{"retryable": true, "cause": cause.Error()}
	if _, err := w.scraper.Reset(resetCtx); err != nil {
		logger.Error("session reset failed", zap.Error(err))
		details["resetError"] = err.Error()
	}
	return &relay.Error{
		Message: "browser session was reset, retry the request",
		Code:    relay.CodeSessionReset,
		Details: details,
	}
}

func (w *Worker) ack(ctx context.Context, item relay.QueueItem, logger *zap.Logger) {
	if err := w.queue.Ack(context.WithoutCancel(ctx), item); err != nil {
		logger.Warn("ack failed", zap.Error(err))
	}
}

func (w *Worker) publish(
	ctx context.Context,
	item relay.QueueItem,
	status relay.JobStatus,
	jobErr *relay.Error,
	started, finished time.Time,
	logger *zap.Logger,
) {
	if w.publisher == nil || w.cfg.Topic == "" {
		return
	}
	event := relay.JobEvent{
		JobID:      item.JobID,
		Name:       item.Name,
		Status:     status,
		DurationMS: finished.Sub(started).Milliseconds(),
		FinishedAt: finished,
	}
	if jobErr != nil {
		event.ErrorCode = jobErr.Code
	}
	if _, err := w.publisher.Publish(context.WithoutCancel(ctx), w.cfg.Topic, event); err != nil {
		logger.Warn("publish job event failed", zap.Error(err))
	}
}

func decodePayload(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return relay.InvalidInput("missing payload")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return relay.InvalidInput(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

var browserFatalMarkers = []string{
	"navigation timeout",
	"protocol error",
	"target closed",
	"session closed",
	"browser has disconnected",
	"browser disconnected",
}

// IsBrowserFatal reports whether err means the browser session cannot be reused.
func IsBrowserFatal(err error) bool {
	if err == nil {
		return false
	}
	var relayErr *relay.Error
	if errors.As(err, &relayErr) && relayErr.Code != "" {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range browserFatalMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
