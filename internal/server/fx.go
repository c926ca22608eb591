// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-scheduler/internal/api"
	"github.com/JakeFAU/crawl-scheduler/internal/clock/system"
	"github.com/JakeFAU/crawl-scheduler/internal/config"
	"github.com/JakeFAU/crawl-scheduler/internal/engine"
	"github.com/JakeFAU/crawl-scheduler/internal/fetchengine"
	"github.com/JakeFAU/crawl-scheduler/internal/id/uuid"
	"github.com/JakeFAU/crawl-scheduler/internal/logging"
	"github.com/JakeFAU/crawl-scheduler/internal/metrics"
	"github.com/JakeFAU/crawl-scheduler/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/crawl-scheduler/internal/publisher/pubsub"
	"github.com/JakeFAU/crawl-scheduler/internal/schedule"
	gcsarchive "github.com/JakeFAU/crawl-scheduler/internal/storage/gcs"
	localarchive "github.com/JakeFAU/crawl-scheduler/internal/storage/local"
	memorystore "github.com/JakeFAU/crawl-scheduler/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-scheduler/internal/storage/postgres"
	"github.com/JakeFAU/crawl-scheduler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	store        schedule.Store
	pgStore      *pgstore.Store
	engine       *engine.Engine
	apiServer    *api.Server
	pubsub       *gcppublisher.Publisher
	eventLog     *memorypublisher.Publisher
	gcsArchive   *gcsarchive.BlobStore
	shutdownWait time.Duration
}

// Run starts the engine and HTTP server and blocks until the context is canceled
// or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	a.logger.Info("engine started", zap.Int("registered", a.engine.Stats().Registered))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownWait)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close stops the engine, waiting for in-flight firings until ctx expires, and
// releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.engine.Stop(ctx); err != nil {
		a.logger.Warn("engine stop did not drain", zap.Error(err))
		errs = append(errs, err)
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub close failed", zap.Error(err))
		}
	}
	if a.gcsArchive != nil {
		if err := a.gcsArchive.Close(); err != nil {
			a.logger.Warn("gcs archive close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
	// stderr sync errors are expected on some platforms
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.Int("max_concurrent_jobs", cfg.Scheduler.MaxConcurrentJobs),
		zap.String("timezone", cfg.Scheduler.Timezone),
	)

	app := &App{
		cfg:          cfg,
		logger:       logger,
		shutdownWait: cfg.ShutdownTimeout(),
	}
	if app.shutdownWait <= 0 {
		app.shutdownWait = 30 * time.Second
	}

	if err := setupStore(ctx, app); err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.closePartial()
		return nil, err
	}

	fetcher, err := setupFetchEngine(app)
	if err != nil {
		app.closePartial()
		return nil, err
	}

	recorder := metrics.NewRecorder()
	runnerOpts := []worker.Option{
		worker.WithMetrics(recorder),
		worker.WithPublisher(publisher),
	}
	archive, err := setupArchive(ctx, app)
	if err != nil {
		app.closePartial()
		return nil, err
	}
	if archive != nil {
		runnerOpts = append(runnerOpts, worker.WithArchive(archive, cfg.Archive.Prefix))
	}

	clock := system.New()

	workerCfg := worker.Config{
		RetryAttempts:            cfg.Scheduler.RetryAttempts,
		RetryDelayBase:           cfg.RetryDelayBase(),
		MaxFailuresBeforeDisable: cfg.Scheduler.MaxFailuresBeforeDisable,
		Location:                 cfg.Location(),
		Topic:                    cfg.PubSub.TopicName,
	}
	logger.Info("runner config",
		zap.Int("retry_attempts", workerCfg.RetryAttempts),
		zap.Duration("retry_delay_base", workerCfg.RetryDelayBase),
		zap.Int("max_failures_before_disable", workerCfg.MaxFailuresBeforeDisable),
		zap.String("topic", workerCfg.Topic),
	)
	runner := worker.New(
		app.store,
		fetcher,
		clock,
		uuid.New(),
		workerCfg,
		logger.Named("runner"),
		runnerOpts...,
	)

	app.engine = engine.New(
		engine.Config{
			MaxConcurrentJobs: cfg.Scheduler.MaxConcurrentJobs,
			Location:          cfg.Location(),
		},
		app.store,
		runner,
		clock,
		logger.Named("engine"),
		engine.WithMetrics(recorder),
	)

	var apiOpts []api.Option
	if app.eventLog != nil {
		apiOpts = append(apiOpts, api.WithEventLog(app.eventLog))
	}
	app.apiServer = api.NewServer(app.store, app.engine, *cfg, logger.Named("api"), apiOpts...)

	return app, nil
}

func setupStore(ctx context.Context, app *App) error {
	cfg := app.cfg
	if cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, using in-memory schedule store")
		store, err := seedMemoryStore(cfg)
		if err != nil {
			return err
		}
		app.store = store
		return nil
	}

	if len(cfg.Seed.Schedules) > 0 || len(cfg.Seed.Templates) > 0 {
		app.logger.Warn("seed entries are ignored when a database is configured")
	}
	if cfg.Database.AutoMigrate {
		if err := pgstore.MigrateUp(cfg.Database.DSN, app.logger.Named("migrate")); err != nil {
			return fmt.Errorf("auto migrate failed: %w", err)
		}
	}
	store, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if err := store.Ping(ctx); err != nil {
		store.Close()
		return err
	}
	app.pgStore = store
	app.store = store
	app.logger.Info("postgres schedule store initialized",
		zap.Int32("max_conns", cfg.Database.MaxConns),
	)
	return nil
}

func seedMemoryStore(cfg *config.Config) (*memorystore.Store, error) {
	templates, err := cfg.SeedTemplates()
	if err != nil {
		return nil, err
	}
	schedules, err := cfg.SeedSchedules()
	if err != nil {
		return nil, err
	}
	store := memorystore.NewStore()
	for _, t := range templates {
		store.PutTemplate(t)
	}
	for _, s := range schedules {
		if err := store.PutSchedule(s); err != nil {
			return nil, fmt.Errorf("seed schedule %s: %w", s.ID, err)
		}
	}
	return store, nil
}

func setupPublisher(ctx context.Context, app *App) (schedule.Publisher, error) {
	if app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub project configured, keeping firing events in memory",
			zap.Int("buffer", app.cfg.PubSub.MemoryBuffer),
		)
		app.eventLog = memorypublisher.New(app.cfg.PubSub.MemoryBuffer)
		return app.eventLog, nil
	}
	pub, err := gcppublisher.Dial(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, err
	}
	app.pubsub = pub
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func setupFetchEngine(app *App) (*fetchengine.Client, error) {
	cfg := app.cfg.FetchEngine
	limiter := ratelimit.New(ratelimit.Config{
		RPS:   cfg.RateLimitRPS,
		Burst: cfg.RateLimitBurst,
	})
	if limiter.Unlimited() {
		app.logger.Info("fetch engine rate limiting disabled")
	} else {
		app.logger.Info("fetch engine rate limiter enabled",
			zap.Float64("rps", cfg.RateLimitRPS),
			zap.Int("burst", cfg.RateLimitBurst),
		)
	}
	client, err := fetchengine.New(
		fetchengine.Config{
			BaseURL: cfg.BaseURL,
			Timeout: app.cfg.FetchTimeout(),
			APIKey:  cfg.APIKey,
		},
		fetchengine.WithLimiter(limiter),
		fetchengine.WithLogger(app.logger.Named("fetch_engine")),
	)
	if err != nil {
		return nil, fmt.Errorf("fetch engine client init failed: %w", err)
	}
	return client, nil
}

func setupArchive(ctx context.Context, app *App) (schedule.BlobStore, error) {
	cfg := app.cfg.Archive
	switch cfg.Backend {
	case config.ArchiveGCS:
		store, err := gcsarchive.Dial(ctx, gcsarchive.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		app.gcsArchive = store
		app.logger.Info("archiving results to GCS",
			zap.String("bucket", cfg.Bucket),
			zap.String("prefix", cfg.Prefix),
		)
		return store, nil
	case config.ArchiveLocal:
		store, err := localarchive.New(localarchive.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		app.logger.Info("archiving results to local filesystem",
			zap.String("base_dir", cfg.BaseDir),
			zap.String("prefix", cfg.Prefix),
		)
		return store, nil
	default:
		app.logger.Info("result archiving disabled, results stored inline")
		return nil, nil
	}
}

// closePartial releases clients opened before Build failed.
func (a *App) closePartial() {
	if a.pubsub != nil {
		_ = a.pubsub.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
