// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/book-relay/internal/relay"
)

const defaultTable = "relay_jobs"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for job rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// JobStore persists job records in Postgres.
//
// Expected schema:
//
//	CREATE TABLE relay_jobs (
//		id          TEXT PRIMARY KEY,
//		name        TEXT NOT NULL,
//		payload     JSONB NOT NULL,
//		status      TEXT NOT NULL,
//		enqueued_at TIMESTAMPTZ NOT NULL,
//		timeout_ms  BIGINT NOT NULL,
//		started_at  TIMESTAMPTZ,
//		finished_at TIMESTAMPTZ,
//		result      JSONB,
//		error       JSONB
//	);
type JobStore struct {
	pool  pool
	table string
}

// NewJobStore creates a Postgres-backed JobStore using the provided config.
func NewJobStore(ctx context.Context, cfg Config) (*JobStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &JobStore{pool: p, table: table}, nil
}

// NewJobStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewJobStoreWithPool(p pool, table string) (*JobStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &JobStore{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *JobStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping verifies the database is reachable.
func (s *JobStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// CreateJob inserts a queued job row.
func (s *JobStore) CreateJob(ctx context.Context, job relay.Job) error {
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	status := job.Status
	if status == "" {
		status = relay.JobStatusQueued
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, name, payload, status, enqueued_at, timeout_ms)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO NOTHING`, s.table)
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		string(job.Name),
		payload,
		string(status),
		job.EnqueuedAt,
		job.Timeout.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("create job %s: %w", job.ID, relay.ErrJobExists)
	}
	return nil
}

// MarkRunning moves a queued job to running.
func (s *JobStore) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, started_at = COALESCE(started_at, $3)
WHERE id = $1 AND status IN ('queued', 'running')`, s.table)
	return s.update(ctx, jobID, query, jobID, string(relay.JobStatusRunning), at)
}

// CompleteJob records the result of a job.
func (s *JobStore) CompleteJob(ctx context.Context, jobID string, result json.RawMessage, at time.Time) error {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, result = $3, finished_at = $4
WHERE id = $1 AND status IN ('queued', 'running')`, s.table)
	return s.update(ctx, jobID, query, jobID, string(relay.JobStatusSucceeded), []byte(result), at)
}

// FailJob records the error of a job.
func (s *JobStore) FailJob(ctx context.Context, jobID string, jobErr *relay.Error, at time.Time) error {
	encoded, err := json.Marshal(jobErr)
	if err != nil {
		return fmt.Errorf("marshal job error: %w", err)
	}
	query := fmt.Sprintf(`
UPDATE %s SET status = $2, error = $3, finished_at = $4
WHERE id = $1 AND status IN ('queued', 'running')`, s.table)
	return s.update(ctx, jobID, query, jobID, string(relay.JobStatusFailed), encoded, at)
}

// update runs a guarded UPDATE and tells a missing job apart from a finished one.
func (s *JobStore) update(ctx context.Context, jobID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var status string
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT status FROM %s WHERE id = $1`, s.table), jobID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update job %s: %w", jobID, relay.ErrJobNotFound)
	}
	if err != nil {
		return fmt.Errorf("lookup job %s: %w", jobID, err)
	}
	return fmt.Errorf("update job %s (%s): %w", jobID, status, relay.ErrJobFinished)
}

// GetJob fetches a job by ID.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (relay.Job, error) {
	query := fmt.Sprintf(`
SELECT id, name, payload, status, enqueued_at, timeout_ms, started_at, finished_at, result, error
FROM %s WHERE id = $1`, s.table)

	var (
		job               relay.Job
		name, status      string
		timeoutMS         int64
		payload, result   []byte
		errJSON           []byte
		enqueued          pgtype.Timestamptz
		started, finished pgtype.Timestamptz
	)
	err := s.pool.QueryRow(ctx, query, jobID).Scan(
		&job.ID, &name, &payload, &status, &enqueued, &timeoutMS,
		&started, &finished, &result, &errJSON,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return relay.Job{}, fmt.Errorf("get job %s: %w", jobID, relay.ErrJobNotFound)
	}
	if err != nil {
		return relay.Job{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	job.Name = relay.JobName(name)
	job.Status = relay.JobStatus(status)
	job.Timeout = time.Duration(timeoutMS) * time.Millisecond
	if len(payload) > 0 {
		job.Payload = json.RawMessage(payload)
	}
	if enqueued.Valid {
		job.EnqueuedAt = enqueued.Time
	}
	job.StartedAt = optionalTime(started)
	job.FinishedAt = optionalTime(finished)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if len(errJSON) > 0 && string(errJSON) != "null" {
		var jobErr relay.Error
		if err := json.Unmarshal(errJSON, &jobErr); err != nil {
			return relay.Job{}, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &jobErr
	}
	return job, nil
}

func optionalTime(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}
