// Package dispatcher turns blocking job calls into persisted, queued jobs and
// waits for the worker to record their outcome.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/relay"
)

const (
	defaultJobTimeout   = 60 * time.Second
	defaultWaitGrace    = 5 * time.Second
	defaultPollInterval = 500 * time.Millisecond
)

// Runner is a long-running consumer of the queue, usually the worker.
type Runner interface {
	Run(ctx context.Context)
}

// Config controls job timeouts and how long callers wait.
type Config struct {
	// Timeouts holds the per-operation job timeout. Missing names use DefaultTimeout.
	Timeouts       map[relay.JobName]time.Duration
	DefaultTimeout time.Duration
	// WaitGrace is added to the job timeout to bound the caller's wait.
	WaitGrace time.Duration
	// PollInterval is how often the store is checked in case a notification was missed.
	PollInterval time.Duration
}

// Dispatcher submits jobs and releases callers when jobs finish.
type Dispatcher struct {
	queue  relay.Queue
	store  relay.JobStore
	ids    relay.IDGenerator
	clock  relay.Clock
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	waiters map[string]chan struct{}
}

// New creates a Dispatcher.
func New(
	queue relay.Queue,
	store relay.JobStore,
	ids relay.IDGenerator,
	clock relay.Clock,
	cfg Config,
	logger *zap.Logger,
) *Dispatcher {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultJobTimeout
	}
	if cfg.WaitGrace <= 0 {
		cfg.WaitGrace = defaultWaitGrace
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		store:   store,
		ids:     ids,
		clock:   clock,
		cfg:     cfg,
		logger:  logger,
		waiters: make(map[string]chan struct{}),
	}
}

// Run starts the runners and blocks until the context finishes and they return.
func (d *Dispatcher) Run(ctx context.Context, runners ...Runner) {
	var wg sync.WaitGroup
	for _, r := range runners {
		wg.Add(1)
		go func(r Runner) {
			defer wg.Done()
			r.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}

// Notify releases the caller waiting on jobID, if any.
func (d *Dispatcher) Notify(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if ch, ok := d.waiters[jobID]; ok {
		close(ch)
		delete(d.waiters, jobID)
	}
}

// Timeout returns the job timeout used for name.
func (d *Dispatcher) Timeout(name relay.JobName) time.Duration {
	if t, ok := d.cfg.Timeouts[name]; ok && t > 0 {
		return t
	}
	return d.cfg.DefaultTimeout
}

// Submit persists and enqueues a job, then blocks until it finishes, the wait
// expires, or ctx is done. A zero timeout uses the configured one for name.
func (d *Dispatcher) Submit(ctx context.Context, name relay.JobName, payload any, timeout time.Duration) (json.RawMessage, error) {
	if !name.Valid() {
		return nil, relay.InvalidInput(fmt.Sprintf("unknown job %q", name))
	}
	if timeout <= 0 {
		timeout = d.Timeout(name)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	jobID, err := d.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate job id: %w", err)
	}

	done := d.register(jobID)
	defer d.unregister(jobID)

	now := d.clock.Now()
	job := relay.Job{
		ID:         jobID,
		Name:       name,
		Payload:    body,
		EnqueuedAt: now,
		Timeout:    timeout,
		Status:     relay.JobStatusQueued,
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("persist job: %w", err)
	}
	item := relay.QueueItem{
		JobID:     jobID,
		Name:      name,
		Payload:   body,
		Timeout:   timeout,
		Submitted: now,
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("job submitted", zap.String("job_id", jobID), zap.String("job", string(name)))
	return d.await(ctx, jobID, name, timeout+d.cfg.WaitGrace, done)
}

func (d *Dispatcher) await(
	ctx context.Context,
	jobID string,
	name relay.JobName,
	wait time.Duration,
	done <-chan struct{},
) (json.RawMessage, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			done = nil
			if res, ok, err := d.outcome(ctx, jobID); ok {
				return res, err
			}
		case <-ticker.C:
			if res, ok, err := d.outcome(ctx, jobID); ok {
				return res, err
			}
		case <-timer.C:
			metrics.ObserveQueueWaitTimeout(string(name))
			d.logger.Warn("job wait timed out", zap.String("job_id", jobID), zap.Duration("waited", wait))
			return nil, relay.QueueWaitTimeout(jobID, wait)
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for job %s: %w", jobID, ctx.Err())
		}
	}
}

// outcome reports the terminal result of the job, if it has one.
func (d *Dispatcher) outcome(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		if errors.Is(err, relay.ErrJobNotFound) {
			return nil, true, err
		}
		d.logger.Warn("job lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return nil, false, nil
	}
	switch job.Status {
	case relay.JobStatusSucceeded:
		return job.Result, true, nil
	case relay.JobStatusFailed:
		if job.Error == nil {
			return nil, true, &relay.Error{Message: "job failed"}
		}
		return nil, true, job.Error
	default:
		return nil, false, nil
	}
}

// Job returns the stored record of a job.
func (d *Dispatcher) Job(ctx context.Context, jobID string) (relay.Job, error) {
	job, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return relay.Job{}, fmt.Errorf("load job: %w", err)
	}
	return job, nil
}

// Search runs a search job.
func (d *Dispatcher) Search(ctx context.Context, query string) ([]relay.SearchResultRecord, error) {
	if strings.TrimSpace(query) == "" {
		return nil, relay.InvalidInput("query is required")
	}
	raw, err := d.Submit(ctx, relay.JobSearch, relay.SearchPayload{Query: query}, 0)
	if err != nil {
		return nil, err
	}
	var out []relay.SearchResultRecord
	if err := decode(raw, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []relay.SearchResultRecord{}
	}
	return out, nil
}

// Download runs a download-resolution job.
func (d *Dispatcher) Download(ctx context.Context, downloadPath string) (relay.ResolvedDownload, error) {
	if strings.TrimSpace(downloadPath) == "" {
		return relay.ResolvedDownload{}, relay.InvalidInput("downloadPath is required")
	}
	raw, err := d.Submit(ctx, relay.JobDownload, relay.DownloadPayload{DownloadPath: downloadPath}, 0)
	if err != nil {
		return relay.ResolvedDownload{}, err
	}
	var out relay.ResolvedDownload
	if err := decode(raw, &out); err != nil {
		return relay.ResolvedDownload{}, err
	}
	return out, nil
}

// Warmup runs a warmup job.
func (d *Dispatcher) Warmup(ctx context.Context) (relay.WarmupResult, error) {
	raw, err := d.Submit(ctx, relay.JobWarmup, struct{}{}, 0)
	if err != nil {
		return relay.WarmupResult{}, err
	}
	var out relay.WarmupResult
	if err := decode(raw, &out); err != nil {
		return relay.WarmupResult{}, err
	}
	return out, nil
}

// Reset runs a session reset job.
func (d *Dispatcher) Reset(ctx context.Context) (relay.ResetResult, error) {
	raw, err := d.Submit(ctx, relay.JobReset, struct{}{}, 0)
	if err != nil {
		return relay.ResetResult{}, err
	}
	var out relay.ResetResult
	if err := decode(raw, &out); err != nil {
		return relay.ResetResult{}, err
	}
	return out, nil
}

func (d *Dispatcher) register(jobID string) <-chan struct{} {
	ch := make(chan struct{})
	d.mu.Lock()
	d.waiters[jobID] = ch
	d.mu.Unlock()
	return ch
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	delete(d.waiters, jobID)
	d.mu.Unlock()
}

func decode(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode job result: %w", err)
	}
	return nil
}
