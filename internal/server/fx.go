// Package server provides the core application server and dependency wiring.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/grayscale-jobs/internal/api"
	"github.com/JakeFAU/grayscale-jobs/internal/clock/system"
	"github.com/JakeFAU/grayscale-jobs/internal/config"
	"github.com/JakeFAU/grayscale-jobs/internal/dispatcher"
	"github.com/JakeFAU/grayscale-jobs/internal/hash/sha256"
	"github.com/JakeFAU/grayscale-jobs/internal/id/uuid"
	"github.com/JakeFAU/grayscale-jobs/internal/imaging"
	"github.com/JakeFAU/grayscale-jobs/internal/logging"
	"github.com/JakeFAU/grayscale-jobs/internal/metrics"
	"github.com/JakeFAU/grayscale-jobs/internal/policy/ratelimit"
	"github.com/JakeFAU/grayscale-jobs/internal/progress"
	progresssinks "github.com/JakeFAU/grayscale-jobs/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/grayscale-jobs/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/grayscale-jobs/internal/publisher/pubsub"
	redispublisher "github.com/JakeFAU/grayscale-jobs/internal/publisher/redis"
	queueMemory "github.com/JakeFAU/grayscale-jobs/internal/queue/memory"
	cloudinarystorage "github.com/JakeFAU/grayscale-jobs/internal/storage/cloudinary"
	gcsstorage "github.com/JakeFAU/grayscale-jobs/internal/storage/gcs"
	localstorage "github.com/JakeFAU/grayscale-jobs/internal/storage/local"
	memoryStorage "github.com/JakeFAU/grayscale-jobs/internal/storage/memory"
	pgstore "github.com/JakeFAU/grayscale-jobs/internal/storage/postgres"
	s3storage "github.com/JakeFAU/grayscale-jobs/internal/storage/s3"
	"github.com/JakeFAU/grayscale-jobs/internal/transform/grayscale"
	"github.com/JakeFAU/grayscale-jobs/internal/worker"
)

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger     *zap.Logger
	registerer prometheus.Registerer
}

// WithLogger skips logger construction and uses the provided one.
func WithLogger(logger *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = logger }
}

// WithRegisterer registers job collectors against reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *buildOptions) { o.registerer = reg }
}

// App contains the application's dependencies.
type App struct {
	cfg         *config.Config
	logger      *zap.Logger
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	queue       *queueMemory.Queue
	jobStore    *memoryStorage.JobStore
	janitor     *memoryStorage.Janitor
	progressHub *progress.Hub
	publisher   imaging.Publisher

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	redisClient     *goredis.Client
	outcomeStore    *pgstore.OutcomeStore

	runCtx     context.Context
	cancelRun  context.CancelFunc
	dispatchWG sync.WaitGroup
	startOnce  sync.Once
	closeOnce  sync.Once
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	// Only non-sensitive fields are logged.
	logger.Info("creating application",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.String("notify", cfg.Events.Notify),
		zap.Bool("ledger", cfg.Database.DSN != ""),
	)
	runCtx, cancel := context.WithCancel(context.Background())
	return &App{
		cfg:       cfg,
		logger:    logger,
		runCtx:    runCtx,
		cancelRun: cancel,
	}, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Start launches the worker pool and the retention janitor. It is idempotent.
func (a *App) Start() {
	a.startOnce.Do(func() {
		a.dispatchWG.Add(1)
		go func() {
			defer a.dispatchWG.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Worker.Concurrency))
			a.dispatch.Run(a.runCtx)
			a.logger.Info("dispatcher stopped")
		}()
		go a.janitor.Run(a.runCtx)
	})
}

// Run starts the application and blocks until the context is canceled or a
// termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Start()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       a.cfg.Server.ReadTimeout,
		WriteTimeout:      a.cfg.Server.WriteTimeout,
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close drains the queue, stops workers, flushes events, and releases clients.
// Jobs still running when ctx expires are canceled.
func (a *App) Close(ctx context.Context) error {
	var err error
	a.closeOnce.Do(func() {
		a.stopWorkers(ctx)
		err = a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		a.closeObservability()
	})
	return err
}

func (a *App) stopWorkers(ctx context.Context) {
	if a.dispatch != nil {
		a.dispatch.Close()
	}
	done := make(chan struct{})
	go func() {
		a.dispatchWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		a.logger.Warn("worker drain timed out, canceling in-flight jobs", zap.Int("queued", a.queue.Len()))
		a.cancelRun()
		<-done
	}
	a.cancelRun()
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.progressHub != nil {
		// Terminal events still flush after a drain timeout.
		hubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeBudget(a.cfg.Events.CloseTimeout))
		if err := a.progressHub.Close(hubCtx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
			errs = append(errs, fmt.Errorf("progress hub close: %w", err))
		}
		cancel()
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.outcomeStore != nil {
		a.outcomeStore.Close()
	}
	return errors.Join(errs...)
}

func closeBudget(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func (a *App) closeObservability() {
	// Sync on stderr/stdout fails on some platforms; nothing to do about it.
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}
	logger := bo.logger
	if logger == nil {
		var err error
		logger, err = logging.New(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	app.logger.Info("building application dependencies")
	clock := system.New()
	hasher := sha256.New()

	blobStore, blobHandler, err := setupStorage(ctx, app)
	if err != nil {
		_ = app.closeInfrastructure(ctx)
		return nil, err
	}
	blobStore = ratelimit.Throttle(blobStore, ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Storage.MaxRPS,
		DefaultBurst: cfg.Storage.Burst,
	}))

	if err := setupDatabase(ctx, app); err != nil {
		_ = app.closeInfrastructure(ctx)
		return nil, err
	}

	if err := setupPublisher(ctx, app); err != nil {
		_ = app.closeInfrastructure(ctx)
		return nil, err
	}

	if err := setupProgress(app, bo.registerer); err != nil {
		_ = app.closeInfrastructure(ctx)
		return nil, err
	}

	app.jobStore = memoryStorage.NewJobStore(uuid.New(), clock, memoryStorage.JobStoreOptions{
		MaxAge:     cfg.Jobs.MaxAge,
		MaxEntries: cfg.Jobs.MaxEntries,
		OnEvict:    app.emitEvicted(clock),
	})
	app.janitor = memoryStorage.NewJanitor(app.jobStore, clock, cfg.Jobs.SweepInterval, logger.Named("janitor"))

	app.queue = queueMemory.NewQueue(cfg.Worker.QueueDepth)
	app.dispatch = setupDispatcher(app, blobStore, hasher, clock)

	serverOpts := []api.Option{
		api.WithReadinessCheck("queue", app.queueReady),
	}
	if blobHandler != nil {
		serverOpts = append(serverOpts, api.WithBlobHandler(blobHandler))
	}
	app.apiServer = api.NewServer(
		app.jobStore,
		blobStore,
		app.dispatch,
		hasher,
		clock,
		app.progressHub,
		*cfg,
		logger.Named("api"),
		serverOpts...,
	)

	return app, nil
}

func (a *App) queueReady(context.Context) error {
	if a.runCtx.Err() != nil {
		return errors.New("shutting down")
	}
	if depth := a.cfg.Worker.QueueDepth; depth > 0 && a.queue.Len() >= depth {
		return fmt.Errorf("queue full (%d)", depth)
	}
	return nil
}

func (a *App) emitEvicted(clock imaging.Clock) func([]string) {
	return func(ids []string) {
		if a.progressHub == nil {
			return
		}
		now := clock.Now().UTC()
		for _, id := range ids {
			a.progressHub.Emit(progress.Event{JobID: id, TS: now, Stage: progress.StageJobEvicted})
		}
	}
}

// setupStorage returns the blob store and, for backends served by this
// process, the handler mounted under /blobs.
func setupStorage(ctx context.Context, app *App) (imaging.BlobStore, http.Handler, error) {
	st := app.cfg.Storage
	switch st.Backend {
	case config.BackendGCS:
		app.logger.Info("using GCS storage backend")
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobStore, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket:        st.GCS.Bucket,
			PublicBaseURL: st.GCS.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.logger.Debug("GCS storage backend", zap.String("bucket", st.GCS.Bucket))
		return blobStore, nil, nil
	case config.BackendS3:
		app.logger.Info("using S3 storage backend")
		blobStore, err := s3storage.New(s3storage.Config{
			Bucket:        st.S3.Bucket,
			Region:        st.S3.Region,
			Endpoint:      st.S3.Endpoint,
			AccessKey:     st.S3.AccessKey,
			SecretKey:     st.S3.SecretKey,
			PathStyle:     st.S3.PathStyle,
			PublicBaseURL: st.S3.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 blob store init failed: %w", err)
		}
		app.logger.Debug("S3 storage backend", zap.String("bucket", st.S3.Bucket), zap.String("region", st.S3.Region))
		return blobStore, nil, nil
	case config.BackendCloudinary:
		app.logger.Info("using Cloudinary storage backend")
		blobStore, err := cloudinarystorage.New(cloudinarystorage.Config{
			CloudName: st.Cloudinary.CloudName,
			APIKey:    st.Cloudinary.APIKey,
			APISecret: st.Cloudinary.APISecret,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("cloudinary blob store init failed: %w", err)
		}
		return blobStore, nil, nil
	case config.BackendLocal:
		app.logger.Info("using local storage backend")
		blobStore, err := localstorage.New(localstorage.Config{
			BaseDir:       st.Local.BaseDir,
			PublicBaseURL: st.PublicBaseURL,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Debug("local storage backend", zap.String("path", st.Local.BaseDir))
		return blobStore, servedHandler(st.PublicBaseURL, blobStore.Handler()), nil
	default:
		app.logger.Info("using in-memory storage backend")
		blobStore := memoryStorage.NewBlobStore(st.PublicBaseURL)
		return blobStore, servedHandler(st.PublicBaseURL, blobStore.Handler()), nil
	}
}

func servedHandler(publicBaseURL string, h http.Handler) http.Handler {
	if strings.TrimSpace(publicBaseURL) == "" {
		return nil
	}
	return h
}

func setupDatabase(ctx context.Context, app *App) error {
	db := app.cfg.Database
	if db.DSN == "" {
		app.logger.Info("no DSN specified for database, outcome ledger disabled")
		return nil
	}
	var err error
	app.outcomeStore, err = pgstore.NewOutcomeStore(ctx, pgstore.OutcomeStoreConfig{
		DSN:      db.DSN,
		Table:    db.Table,
		MaxConns: db.MaxConns,
	})
	if err != nil {
		return fmt.Errorf("outcome store init failed: %w", err)
	}
	if db.EnsureSchema {
		if err := app.outcomeStore.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("outcome store schema failed: %w", err)
		}
	}
	app.logger.Info("outcome ledger initialized", zap.String("table", db.Table))
	return nil
}

func setupPublisher(ctx context.Context, app *App) error {
	cfg := app.cfg
	switch cfg.Events.Notify {
	case config.NotifyPubSub:
		var err error
		app.pubsubClient, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(cfg.PubSub.TopicName))
		app.publisher = app.pubsubPublisher
		app.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", cfg.PubSub.ProjectID),
			zap.String("topic", cfg.PubSub.TopicName),
		)
	case config.NotifyRedis:
		var err error
		app.redisClient, err = redispublisher.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return fmt.Errorf("redis client init failed: %w", err)
		}
		app.publisher, err = redispublisher.New(app.redisClient, redispublisher.Config{
			Channel:   cfg.Redis.Channel,
			KeyPrefix: cfg.Redis.KeyPrefix,
			StatusTTL: cfg.Redis.StatusTTL,
		})
		if err != nil {
			return fmt.Errorf("redis publisher init failed: %w", err)
		}
		app.logger.Info("Redis publisher initialized", zap.String("addr", cfg.Redis.Addr), zap.String("channel", cfg.Redis.Channel))
	case config.NotifyMemory:
		app.logger.Info("using in-memory publisher")
		app.publisher = memorypublisher.New()
	default:
		app.logger.Info("job notifications disabled")
	}
	return nil
}

func setupProgress(app *App, reg prometheus.Registerer) error {
	ev := app.cfg.Events
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("prometheus sink init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
	}
	if app.outcomeStore != nil {
		sinkList = append(sinkList, progresssinks.NewLedgerSink(app.outcomeStore, app.logger.Named("ledger")))
		app.logger.Debug("added outcome ledger sink")
	}
	if app.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewNotifySink(app.publisher, ev.Topic, app.logger.Named("notify")))
		app.logger.Debug("added notification sink", zap.String("topic", ev.Topic))
	}
	hubCfg := progress.Config{
		BufferSize:     ev.BufferSize,
		MaxBatchEvents: ev.BatchSize,
		MaxBatchWait:   ev.FlushInterval,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func setupDispatcher(
	app *App,
	blobStore imaging.BlobStore,
	hasher imaging.Hasher,
	clock imaging.Clock,
) *dispatcher.Dispatcher {
	cfg := app.cfg
	transformer := grayscale.New(grayscale.Options{MaxPixels: cfg.Upload.MaxPixels})
	workerCfg := worker.Config{
		TransformedFolder: cfg.Storage.TransformedFolder,
		ContentType:       grayscale.OutputContentType,
		Extension:         grayscale.Extension(grayscale.OutputContentType),
		Timeout:           cfg.Worker.Timeout,
		MaxAttempts:       cfg.Worker.MaxAttempts,
		BaseBackoff:       cfg.Worker.BackoffInitial,
		MaxBackoff:        cfg.Worker.BackoffMax,
	}
	app.logger.Info("worker config",
		zap.Int("concurrency", cfg.Worker.Concurrency),
		zap.Int("queue_depth", cfg.Worker.QueueDepth),
		zap.String("transformed_folder", workerCfg.TransformedFolder),
		zap.Duration("timeout", workerCfg.Timeout),
		zap.Int("max_attempts", workerCfg.MaxAttempts),
	)

	workers := make([]*worker.Worker, 0, cfg.Worker.Concurrency)
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		workers = append(workers, worker.New(
			app.queue,
			app.jobStore,
			blobStore,
			transformer,
			hasher,
			clock,
			app.progressHub,
			workerCfg,
			app.logger.Named("worker").With(zap.Int("worker", i)),
		))
	}
	return dispatcher.New(app.queue, workers)
}
