// Package server builds the application's dependency graph from
// configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/web-extractor/internal/analysis"
	"github.com/JakeFAU/web-extractor/internal/api"
	"github.com/JakeFAU/web-extractor/internal/archive"
	"github.com/JakeFAU/web-extractor/internal/clock/system"
	"github.com/JakeFAU/web-extractor/internal/config"
	"github.com/JakeFAU/web-extractor/internal/dispatcher"
	"github.com/JakeFAU/web-extractor/internal/extract"
	"github.com/JakeFAU/web-extractor/internal/fetcher"
	collyfetcher "github.com/JakeFAU/web-extractor/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/web-extractor/internal/fetcher/headless"
	"github.com/JakeFAU/web-extractor/internal/hash/sha256"
	"github.com/JakeFAU/web-extractor/internal/headless/detector"
	"github.com/JakeFAU/web-extractor/internal/id/uuid"
	"github.com/JakeFAU/web-extractor/internal/logging"
	"github.com/JakeFAU/web-extractor/internal/metrics"
	"github.com/JakeFAU/web-extractor/internal/policy/abuse"
	"github.com/JakeFAU/web-extractor/internal/policy/ratelimit"
	"github.com/JakeFAU/web-extractor/internal/preview"
	"github.com/JakeFAU/web-extractor/internal/progress"
	progresssinks "github.com/JakeFAU/web-extractor/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/web-extractor/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/web-extractor/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/web-extractor/internal/queue/memory"
	"github.com/JakeFAU/web-extractor/internal/runner"
	"github.com/JakeFAU/web-extractor/internal/safety"
	gcsstorage "github.com/JakeFAU/web-extractor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/web-extractor/internal/storage/local"
	memoryStorage "github.com/JakeFAU/web-extractor/internal/storage/memory"
	pgstore "github.com/JakeFAU/web-extractor/internal/storage/postgres"
	"github.com/JakeFAU/web-extractor/internal/worker"
)

const (
	archiveTimeout     = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
	publisherRetention = 1000
)

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	ownsLogger   bool
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	queue        *queueMemory.Queue
	progressHub  *progress.Hub
	renderer     *headlessfetcher.Renderer
	storage      *storage.Client
	rowStore     *pgstore.RowStore
	publisher    *gcppublisher.Publisher
	redis        *redis.Client
	ready        map[string]api.ReadinessCheck
	registerer   prometheus.Registerer
	workersStop  context.CancelFunc
	workersDone  chan struct{}
	startWorkers sync.Once
	closeOnce    sync.Once
}

// Option customizes Build.
type Option func(*App)

// WithLogger uses logger instead of building one from configuration.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithRegisterer registers progress collectors with reg instead of the
// default Prometheus registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	app := &App{cfg: cfg, ready: map[string]api.ReadinessCheck{}}
	for _, opt := range opts {
		opt(app)
	}
	if app.logger == nil {
		logger, err := newLogger(cfg.Logging)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		app.logger = logger
		app.ownsLogger = true
		zap.ReplaceGlobals(logger)
	}
	app.logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("headless", cfg.Headless.Enabled),
	)
	metrics.Init()

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	clock := system.New()
	hasher := sha256.New()

	timeline, emitter, err := a.setupProgress()
	if err != nil {
		return err
	}
	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	guard, err := a.setupAbuseGuard()
	if err != nil {
		return err
	}

	adapter := a.setupFetcher()
	run := runner.New(adapter, safety.Default, clock, emitter, runner.Config{
		MaxPages: cfg.Crawler.MaxPagesDefault,
	}, a.logger.Named("runner"))

	var rows extract.RowStore
	var dispatchOpts []dispatcher.Option
	if a.rowStore != nil {
		rows = a.rowStore
		dispatchOpts = append(dispatchOpts, dispatcher.WithTableChecker(a.rowStore))
	}
	archiver := archive.New(blobStore, rows, publisher, archive.Config{
		Prefix:  cfg.Storage.Prefix,
		Topic:   cfg.PubSub.TopicName,
		Timeout: archiveTimeout,
	}, a.logger.Named("archive"))

	jobStore := memoryStorage.NewJobStore(
		memoryStorage.WithRetention(cfg.Crawler.JobRetention()),
		memoryStorage.WithMaxFinished(cfg.Crawler.MaxFinishedJobs),
	)
	a.queue = queueMemory.NewQueue(cfg.Crawler.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Crawler.JobWorkers)
	for i := range cfg.Crawler.JobWorkers {
		workers = append(workers, worker.New(
			a.queue,
			jobStore,
			run,
			archiver,
			clock,
			emitter,
			worker.Config{Concurrency: cfg.Crawler.Concurrency},
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, jobStore, uuid.New(), clock, workers, a.logger.Named("dispatcher"), dispatchOpts...)
	a.logger.Info("dispatcher configured",
		zap.Int("job_workers", cfg.Crawler.JobWorkers),
		zap.Int("concurrency", cfg.Crawler.Concurrency),
		zap.Int("queue_depth", cfg.Crawler.QueueDepth),
	)

	deps := api.Deps{
		Jobs:      a.dispatch,
		Evaluator: run,
		Previewer: preview.New(adapter),
		Analyzer:  analysis.NewHeuristic(analysis.Config{}),
		Identify:  abuse.NewIdentifier(hasher, cfg.Auth.Enabled).ClientID,
		Ready:     a.ready,
	}
	if timeline != nil {
		deps.Events = timeline
	}
	if guard != nil {
		deps.Guard = guard
	}
	a.apiServer = api.NewServer(deps, cfg, a.logger.Named("api"))
	return nil
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	opts := []logging.Option{logging.WithLevel(cfg.Level)}
	if cfg.File.Path != "" {
		opts = append(opts, logging.WithFile(logging.FileConfig{
			Path:       cfg.File.Path,
			MaxSizeMB:  cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAgeDays: cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		}))
	}
	logger, err := logging.New(cfg.Development, opts...)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

func (a *App) setupProgress() (*progresssinks.Timeline, progress.Emitter, error) {
	if !a.cfg.Progress.Enabled {
		a.logger.Info("progress tracking disabled")
		return nil, nil, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return nil, nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	timeline := progresssinks.NewTimeline(0, 0)
	sinkList := []progress.Sink{promSink, timeline}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress_log")))
		a.logger.Debug("added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return timeline, a.progressHub, nil
}

func (a *App) setupStorage(ctx context.Context) (extract.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, persist requests will be rejected")
		return nil
	}
	rowStore, err := pgstore.NewRowStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime(),
		AllowedTables:   a.cfg.DB.AllowedTables,
	})
	if err != nil {
		return fmt.Errorf("row store init failed: %w", err)
	}
	a.rowStore = rowStore
	a.ready["postgres"] = rowStore.Ping
	a.logger.Info("row store initialized", zap.Strings("allowed_tables", a.cfg.DB.AllowedTables))
	return nil
}

func (a *App) setupPublisher(ctx context.Context) (extract.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(publisherRetention), nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher = gcppublisher.New(client, a.cfg.PubSub.TopicName)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.publisher, nil
}

func (a *App) setupAbuseGuard() (abuse.Guard, error) {
	if !a.cfg.Abuse.Enabled {
		a.logger.Info("abuse guard disabled")
		return nil, nil
	}
	guardCfg := abuse.Config{MaxRequests: a.cfg.Abuse.MaxRequests, Window: a.cfg.Abuse.Window()}
	if a.cfg.Abuse.Backend != "redis" {
		a.logger.Info("using in-memory abuse guard", zap.Int("max_requests", guardCfg.MaxRequests))
		return abuse.NewMemoryGuard(guardCfg), nil
	}
	redisCfg := a.cfg.Abuse.Redis
	a.redis = redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	a.ready["redis"] = func(ctx context.Context) error {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		return nil
	}
	a.logger.Info("using redis abuse guard", zap.String("addr", redisCfg.Addr), zap.Int("max_requests", guardCfg.MaxRequests))
	return abuse.NewRedisGuard(a.redis, guardCfg, redisCfg.KeyPrefix), nil
}

func (a *App) setupFetcher() *fetcher.Adapter {
	cfg := a.cfg
	static := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Crawler.UserAgent,
		RespectRobots: cfg.Crawler.RespectRobots,
		Timeout:       cfg.HTTP.Timeout(),
		MaxBodyBytes:  int(cfg.Crawler.MaxBodyBytes),
		MaxRedirects:  cfg.HTTP.MaxRedirects,
		Guard:         safety.Default,
		DialControl:   safety.DialControl,
	})
	a.logger.Info("using colly static fetcher", zap.String("user_agent", cfg.Crawler.UserAgent))

	opts := []fetcher.Option{
		fetcher.WithGuard(safety.Default),
		fetcher.WithLogger(a.logger.Named("fetcher")),
	}
	if cfg.Headless.Enabled {
		renderer, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			PoolSize:          cfg.Headless.PoolSize,
			UserAgent:         cfg.Crawler.UserAgent,
			NavigationTimeout: cfg.Headless.NavTimeout(),
			WaitTimeout:       cfg.Headless.WaitTimeout(),
			ExecPath:          cfg.Headless.ExecPath,
			Guard:             safety.Default,
			Resolver:          net.DefaultResolver,
			Logger:            a.logger.Named("headless"),
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed, javascript targets will fail", zap.Error(err))
			opts = append(opts, fetcher.WithRenderer(headlessfetcher.NewNoop()))
		} else {
			a.renderer = renderer
			opts = append(opts, fetcher.WithRenderer(renderer))
			a.logger.Info("using headless renderer", zap.Int("pool_size", cfg.Headless.PoolSize))
		}
	} else {
		opts = append(opts, fetcher.WithRenderer(headlessfetcher.NewNoop()))
	}
	if cfg.Headless.AutoPromote {
		opts = append(opts, fetcher.WithDetector(detector.NewHeuristic(cfg.Headless.PromotionThreshold)))
	}
	if cfg.RateLimit.Enabled {
		opts = append(opts, fetcher.WithHostWaiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.RateLimit.DefaultRPS,
			DefaultBurst: cfg.RateLimit.DefaultBurst,
		})))
		a.logger.Info("per-host rate limiter enabled",
			zap.Float64("default_rps", cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", cfg.RateLimit.DefaultBurst),
		)
	}

	return fetcher.New(fetcher.Config{
		UserAgent:      cfg.Crawler.UserAgent,
		Timeout:        cfg.HTTP.Timeout(),
		WaitTimeout:    cfg.Headless.WaitTimeout(),
		MaxRetries:     cfg.HTTP.MaxRetries,
		BackoffInitial: cfg.HTTP.BackoffInitial(),
		BackoffMax:     cfg.HTTP.BackoffMax(),
		AutoPromote:    cfg.Headless.AutoPromote,
	}, static, opts...)
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Dispatcher returns the job orchestrator for in-process callers.
func (a *App) Dispatcher() *dispatcher.Dispatcher { return a.dispatch }

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// StartWorkers runs the worker pool in the background. Close stops it.
func (a *App) StartWorkers(ctx context.Context) {
	a.startWorkers.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		a.workersStop = cancel
		a.workersDone = make(chan struct{})
		go func() {
			defer close(a.workersDone)
			a.logger.Info("dispatcher started")
			a.dispatch.Run(ctx)
		}()
	})
}

// Run starts the workers and HTTP server and blocks until ctx is canceled
// or the process receives SIGINT or SIGTERM.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.StartWorkers(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops the workers and releases every client. It is safe to call
// more than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		if a.workersStop != nil {
			a.workersStop()
			select {
			case <-a.workersDone:
			case <-ctx.Done():
				a.logger.Warn("workers did not stop before shutdown deadline")
			}
		}
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure(ctx)
		a.logger.Info("shutdown complete")
		if a.ownsLogger {
			_ = a.logger.Sync()
		}
	})
	return nil
}

//nolint:gocognit // Shutdown logic is linear but extensive, ignoring complexity check
func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		a.renderer.Close()
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.rowStore != nil {
		a.rowStore.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
}
