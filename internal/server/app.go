// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/book-relay/internal/accounts"
	"github.com/JakeFAU/book-relay/internal/api"
	"github.com/JakeFAU/book-relay/internal/browser"
	memorycache "github.com/JakeFAU/book-relay/internal/cache/memory"
	rediscache "github.com/JakeFAU/book-relay/internal/cache/redis"
	"github.com/JakeFAU/book-relay/internal/clock/system"
	"github.com/JakeFAU/book-relay/internal/config"
	"github.com/JakeFAU/book-relay/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/book-relay/internal/fetcher/colly"
	"github.com/JakeFAU/book-relay/internal/id/uuid"
	"github.com/JakeFAU/book-relay/internal/logging"
	"github.com/JakeFAU/book-relay/internal/metrics"
	"github.com/JakeFAU/book-relay/internal/mirror"
	memorypublisher "github.com/JakeFAU/book-relay/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/book-relay/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/book-relay/internal/queue/memory"
	"github.com/JakeFAU/book-relay/internal/queue/redisstream"
	"github.com/JakeFAU/book-relay/internal/redisconn"
	"github.com/JakeFAU/book-relay/internal/relay"
	"github.com/JakeFAU/book-relay/internal/scheduler"
	"github.com/JakeFAU/book-relay/internal/scraper"
	memorystorage "github.com/JakeFAU/book-relay/internal/storage/memory"
	pgstore "github.com/JakeFAU/book-relay/internal/storage/postgres"
	"github.com/JakeFAU/book-relay/internal/worker"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  relay.Clock

	redis           *redis.Client
	pgStore         *pgstore.JobStore
	memQueue        *queuememory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher

	jobStore  relay.JobStore
	queue     relay.Queue
	publisher relay.Publisher
	scraper   *scraper.Scraper
	dispatch  *dispatcher.Dispatcher
	runners   []dispatcher.Runner
	apiServer *api.Server
}

// NewLogger builds the process logger from cfg and installs it globally.
func NewLogger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		Development: cfg.Logging.Development,
		Level:       cfg.Logging.Level,
	})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Build creates the application's dependencies. On error, anything already
// opened is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	metrics.Init()
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	defer func() {
		if err != nil {
			app.closeInfrastructure()
		}
	}()

	app.logger.Info("building application dependencies",
		zap.String("queue", cfg.Queue.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("cache", cfg.Cache.Backend),
	)

	if cfg.UsesRedis() {
		app.redis, err = redisconn.NewClient(ctx, redisconn.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, fmt.Errorf("redis init failed: %w", err)
		}
	}
	if err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err = app.setupQueue(ctx); err != nil {
		return nil, err
	}
	if err = app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	if err = app.setupScraper(); err != nil {
		return nil, err
	}

	app.dispatch = dispatcher.New(app.queue, app.jobStore, uuid.New(), app.clock, dispatcher.Config{
		Timeouts: map[relay.JobName]time.Duration{
			relay.JobSearch:   cfg.Jobs.SearchTimeout,
			relay.JobDownload: cfg.Jobs.DownloadTimeout,
			relay.JobWarmup:   cfg.Jobs.WarmupTimeout,
			relay.JobReset:    cfg.Jobs.ResetTimeout,
		},
		DefaultTimeout: cfg.Jobs.SearchTimeout,
		WaitGrace:      cfg.Jobs.WaitGrace,
		PollInterval:   cfg.Jobs.PollInterval,
	}, logger.Named("dispatcher"))

	app.runners = append(app.runners, worker.New(
		app.queue,
		app.jobStore,
		app.scraper,
		app.dispatch,
		app.publisher,
		app.clock,
		worker.Config{Topic: cfg.PubSub.TopicName, ResetTimeout: cfg.Jobs.ResetTimeout},
		logger.Named("worker"),
	))

	if cfg.Jobs.WarmupSchedule != "" || cfg.Jobs.WarmupOnStart {
		sched, err := scheduler.New(app.dispatch, scheduler.Config{
			Schedule: cfg.Jobs.WarmupSchedule,
			OnStart:  cfg.Jobs.WarmupOnStart,
			Timeout:  cfg.Jobs.WarmupTimeout + cfg.Jobs.WaitGrace,
		}, logger.Named("scheduler"))
		if err != nil {
			return nil, fmt.Errorf("scheduler init failed: %w", err)
		}
		app.runners = append(app.runners, sched)
		app.logger.Info("warmup scheduler enabled",
			zap.String("schedule", cfg.Jobs.WarmupSchedule),
			zap.Time("next", sched.Next()),
		)
	}

	downloader := mirror.New(mirror.Config{
		Gateways:         cfg.Mirror.Gateways,
		VerifiedGateway:  cfg.Mirror.VerifiedGateway,
		AttemptTimeout:   cfg.Mirror.AttemptTimeout,
		MaxVerifiedBytes: cfg.Mirror.MaxVerifiedBytes,
		UserAgent:        cfg.Zlib.UserAgent,
	}, logger.Named("mirror"))

	app.apiServer = api.NewServer(app.dispatch, downloader, cfg, logger.Named("api"), app.readinessChecks())
	return app, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		store, err := pgstore.NewJobStore(ctx, pgstore.Config{
			DSN:      a.cfg.Database.DSN,
			Table:    a.cfg.Database.Table,
			MaxConns: a.cfg.Database.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("job store init failed: %w", err)
		}
		a.pgStore = store
		a.jobStore = store
		a.logger.Info("using postgres job store", zap.String("table", a.cfg.Database.Table))
	default:
		a.jobStore = memorystorage.NewJobStore()
		a.logger.Info("using in-memory job store")
	}
	return nil
}

func (a *App) setupQueue(ctx context.Context) error {
	switch a.cfg.Queue.Backend {
	case "redis":
		q, err := redisstream.New(ctx, a.redis, redisstream.Config{
			Stream:   a.cfg.Queue.Stream,
			Group:    a.cfg.Queue.Group,
			Consumer: a.cfg.Queue.Consumer,
		})
		if err != nil {
			return fmt.Errorf("redis queue init failed: %w", err)
		}
		a.queue = q
		if pending, err := q.Pending(ctx); err == nil && pending > 0 {
			a.logger.Info("redelivering pending jobs", zap.Int64("pending", pending))
		}
	default:
		a.memQueue = queuememory.NewQueue(a.cfg.Queue.Capacity)
		a.queue = a.memQueue
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher = a.pubsubClient.Publisher(a.cfg.PubSub.TopicName)
	a.publisher = gcppublisher.New(a.pubsubPublisher)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupScraper() error {
	list, err := accounts.Resolve(a.cfg.Zlib.Accounts, a.cfg.Zlib.FallbackAccounts)
	if err != nil {
		return fmt.Errorf("account pool init failed: %w", err)
	}
	pool, err := accounts.NewPool(list)
	if err != nil {
		return fmt.Errorf("account pool init failed: %w", err)
	}
	a.logger.Info("account pool loaded", zap.Int("accounts", pool.Size()))

	var cache relay.SearchCache
	switch a.cfg.Cache.Backend {
	case "redis":
		cache = rediscache.New(a.redis, a.cfg.Cache.Prefix, a.cfg.Cache.TTL)
	case "memory":
		cache = memorycache.New(a.cfg.Cache.TTL, a.clock)
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.Zlib.UserAgent,
		Timeout:   a.cfg.Zlib.HTTPTimeout,
	})

	a.scraper, err = scraper.New(scraper.Config{
		BaseURL:            a.cfg.Zlib.BaseURL,
		LoginPath:          a.cfg.Zlib.LoginPath,
		SessionTTL:         a.cfg.Zlib.SessionTTL,
		DailyLimitFallback: a.cfg.Zlib.DailyLimitFallback,
	}, pool, a.driverFactory(), fetcher, cache, a.clock, a.logger.Named("scraper"))
	if err != nil {
		return fmt.Errorf("scraper init failed: %w", err)
	}
	return nil
}

func (a *App) driverFactory() scraper.DriverFactory {
	cfg := browser.Config{
		UserAgent:         a.cfg.Zlib.UserAgent,
		NavigationTimeout: a.cfg.Headless.NavigationTimeout,
		ElementTimeout:    a.cfg.Headless.ElementTimeout,
		ExecPath:          a.cfg.Headless.ExecPath,
		Headless:          a.cfg.Headless.Headless,
		NoSandbox:         a.cfg.Headless.NoSandbox,
	}
	if !a.cfg.Headless.Enabled {
		a.logger.Warn("headless browser disabled, catalog jobs will fail")
		return func(context.Context) (scraper.Driver, error) {
			return browser.NewDisabled(), nil
		}
	}
	return func(context.Context) (scraper.Driver, error) {
		d, err := browser.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		return d, nil
	}
}

func (a *App) readinessChecks() map[string]api.ReadinessCheck {
	checks := map[string]api.ReadinessCheck{}
	if a.redis != nil {
		checks["redis"] = func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}
	}
	if a.pgStore != nil {
		checks["postgres"] = a.pgStore.Ping
	}
	return checks
}

// Run starts the worker, scheduler and HTTP API and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		a.logger.Info("worker started", zap.Int("runners", len(a.runners)))
		a.dispatch.Run(ctx, a.runners...)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := serve(ctx, srv, a.logger, stop)

	<-runDone
	a.scraper.Close()
	a.closeInfrastructure()
	a.logger.Info("shutdown complete")
	return serveErr
}

func (a *App) closeInfrastructure() {
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

// serve runs srv until ctx is done, then shuts it down. A listen failure calls
// stop so the rest of the process unwinds too.
func serve(ctx context.Context, srv *http.Server, logger *zap.Logger, stop context.CancelFunc) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			errCh <- err
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}
