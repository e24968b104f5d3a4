// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitegraph-crawler/internal/api"
	"github.com/JakeFAU/sitegraph-crawler/internal/clock/system"
	"github.com/JakeFAU/sitegraph-crawler/internal/config"
	"github.com/JakeFAU/sitegraph-crawler/internal/crawler"
	"github.com/JakeFAU/sitegraph-crawler/internal/dispatcher"
	"github.com/JakeFAU/sitegraph-crawler/internal/engine"
	collyfetcher "github.com/JakeFAU/sitegraph-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sitegraph-crawler/internal/id/uuid"
	"github.com/JakeFAU/sitegraph-crawler/internal/logging"
	"github.com/JakeFAU/sitegraph-crawler/internal/parser"
	memorypublisher "github.com/JakeFAU/sitegraph-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitegraph-crawler/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitegraph-crawler/internal/queue/memory"
	"github.com/JakeFAU/sitegraph-crawler/internal/scheduler"
	memoryStorage "github.com/JakeFAU/sitegraph-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitegraph-crawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/sitegraph-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/sitegraph-crawler/internal/telemetry"
)

const (
	serviceName = "sitegraph-crawler"
	// DefaultTopic receives execution notifications when no Pub/Sub topic is configured.
	DefaultTopic = "crawl-executions"

	crawlPollInterval = 200 * time.Millisecond
)

// App contains the application's dependencies.
type App struct {
	cfg            config.Config
	logger         *zap.Logger
	store          crawler.Store
	queue          *queueMemory.Queue
	dispatch       *dispatcher.Dispatcher
	scheduler      *scheduler.Scheduler
	apiServer      *api.Server
	pubsub         *gcppublisher.Publisher
	tracerShutdown func(context.Context) error
	closeOnce      sync.Once
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("db_driver", cfg.DB.Driver),
		zap.Bool("scheduler", cfg.Scheduler.Enabled),
	)

	tp, err := telemetry.InitTracerProvider(ctx, serviceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if app.store, err = setupStore(ctx, app); err != nil {
		app.closeObservability(ctx)
		return nil, err
	}

	publisher, topic, err := setupPublisher(ctx, app)
	if err != nil {
		app.closeInfrastructure()
		app.closeObservability(ctx)
		return nil, err
	}

	clock := system.New()
	ids := uuid.New()
	initial, maximum := cfg.Backoff()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	})
	app.logger.Info("using colly fetcher",
		zap.String("user_agent", cfg.Crawler.UserAgent),
		zap.Duration("timeout", cfg.FetchTimeout()),
	)

	eng := engine.New(
		app.store,
		fetcher,
		parser.New(),
		crawler.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, initial, maximum),
		clock,
		engine.Config{PageWorkers: cfg.Crawler.PageWorkers, MaxPages: cfg.Crawler.MaxPages},
		logger.Named("engine"),
	)
	tracker := engine.NewTracker(app.store, publisher, ids, clock, topic, logger.Named("tracker"))

	app.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	app.dispatch = dispatcher.New(
		app.queue,
		app.store,
		eng,
		tracker,
		dispatcher.Config{Workers: cfg.Crawler.Concurrency},
		logger.Named("dispatcher"),
	)
	app.logger.Info("dispatcher configured",
		zap.Int("workers", cfg.Crawler.Concurrency),
		zap.Int("page_workers", cfg.Crawler.PageWorkers),
		zap.Int("queue_depth", cfg.Crawler.QueueDepth),
		zap.Int("max_pages", cfg.Crawler.MaxPages),
	)

	if cfg.Scheduler.Enabled {
		app.scheduler = scheduler.New(app.store, app.dispatch, clock, cfg.SchedulerTick(), logger.Named("scheduler"))
	}

	app.apiServer = api.NewServer(app.store, app.dispatch, ids, clock, cfg, app.ready, logger.Named("api"))
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store returns the configured persistence backend.
func (a *App) Store() crawler.Store {
	return a.store
}

// Handler returns the HTTP API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API, runs the dispatcher and scheduler, and blocks until the
// context is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	if a.scheduler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.scheduler.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	// Running executions drain their in-flight pages and are marked failed.
	wg.Wait()

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// CrawlOnce runs a single crawl of the website identified by ref (id or
// label) and waits for it to finish. No HTTP server or scheduler is started.
// Cancelling ctx stops the crawl; the execution is then recorded as failed.
func (a *App) CrawlOnce(ctx context.Context, ref string) (crawler.Execution, error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(runCtx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	execID, err := a.dispatch.StartCrawl(ctx, ref)
	if err != nil {
		return crawler.Execution{}, fmt.Errorf("start crawl: %w", err)
	}
	a.logger.Info("crawl started", zap.String("website", ref), zap.String("execution_id", execID))

	ticker := time.NewTicker(crawlPollInterval)
	defer ticker.Stop()
	for {
		exec, err := a.store.GetExecution(ctx, execID)
		if err != nil {
			return crawler.Execution{}, fmt.Errorf("get execution %s: %w", execID, err)
		}
		if exec.Status.Terminal() {
			return exec, nil
		}
		select {
		case <-ctx.Done():
			return exec, fmt.Errorf("wait for execution %s: %w", execID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Close gracefully shuts down the application. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeInfrastructure()
		a.closeObservability(ctx)
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	// Sync fails on unbuffered terminals; nothing to do about it.
	_ = a.logger.Sync()
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) ready(ctx context.Context) error {
	if p, ok := a.store.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func setupStore(ctx context.Context, app *App) (crawler.Store, error) {
	db := app.cfg.DB
	switch db.Driver {
	case config.DriverPostgres:
		app.logger.Info("using postgres store")
		st, err := pgstore.New(ctx, pgstore.Config{
			DSN:      db.DSN,
			MaxConns: int32(db.MaxConns), //nolint:gosec // validated small pool size
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if db.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("postgres migrate failed: %w", err)
			}
		}
		return st, nil
	case config.DriverSQLite:
		app.logger.Info("using sqlite store", zap.String("path", db.SQLitePath))
		st, err := sqlitestore.Open(ctx, db.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		if db.Migrate {
			if err := st.Migrate(ctx); err != nil {
				_ = st.Close()
				return nil, fmt.Errorf("sqlite migrate failed: %w", err)
			}
		}
		return st, nil
	default:
		app.logger.Warn("using in-memory store; crawl data is lost on restart")
		return memoryStorage.New(), nil
	}
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, string, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), DefaultTopic, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsub = gcppublisher.New(client)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsub, app.cfg.PubSub.TopicName, nil
}
