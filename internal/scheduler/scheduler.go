// Package scheduler keeps the catalog session warm by submitting warmup jobs
// on a cron schedule.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/relay"
)

// Warmer submits a warmup job and waits for it.
type Warmer interface {
	Warmup(ctx context.Context) (relay.WarmupResult, error)
}

// Config controls when warmups run.
type Config struct {
	// Schedule is a five-field cron expression or a descriptor such as "@every 10m".
	// Empty disables periodic warmups.
	Schedule string
	// OnStart submits one warmup as soon as Run starts.
	OnStart bool
	// Timeout bounds each warmup submission.
	Timeout time.Duration
}

// Scheduler runs warmups until its context ends.
type Scheduler struct {
	cron     *cron.Cron
	schedule cron.Schedule
	warmer   Warmer
	cfg      Config
	logger   *zap.Logger
	runCtx   context.Context
}

// New validates the schedule and builds a Scheduler.
func New(warmer Warmer, cfg Config, logger *zap.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	cl := cronLogger{logger.Sugar()}
	s := &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
			cron.WithLogger(cl),
		),
		warmer: warmer,
		cfg:    cfg,
		logger: logger,
		runCtx: context.Background(),
	}
	if spec := strings.TrimSpace(cfg.Schedule); spec != "" {
		schedule, err := parser.Parse(spec)
		if err != nil {
			return nil, fmt.Errorf("parse warmup schedule %q: %w", spec, err)
		}
		s.schedule = schedule
		s.cron.Schedule(schedule, cron.FuncJob(s.warm))
	}
	return s, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.runCtx = ctx
	if s.cfg.OnStart {
		go s.warm()
	}
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
}

// Next reports when the next scheduled warmup fires, or zero when none is scheduled.
func (s *Scheduler) Next() time.Time {
	if s.schedule == nil {
		return time.Time{}
	}
	return s.schedule.Next(time.Now())
}

func (s *Scheduler) warm() {
	ctx, cancel := context.WithTimeout(s.runCtx, s.cfg.Timeout)
	defer cancel()
	res, err := s.warmer.Warmup(ctx)
	if err != nil {
		s.logger.Warn("scheduled warmup failed", zap.Error(err))
		return
	}
	s.logger.Info("scheduled warmup finished", zap.Time("warmed_at", res.WarmedAt))
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
