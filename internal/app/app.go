// Package app initializes and holds long-lived application services, acting
// as a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/oflc-harvester/internal/api"
	"github.com/JakeFAU/oflc-harvester/internal/classify"
	"github.com/JakeFAU/oflc-harvester/internal/clock/system"
	"github.com/JakeFAU/oflc-harvester/internal/config"
	"github.com/JakeFAU/oflc-harvester/internal/crawler"
	"github.com/JakeFAU/oflc-harvester/internal/discover"
	"github.com/JakeFAU/oflc-harvester/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/oflc-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/oflc-harvester/internal/freshness"
	"github.com/JakeFAU/oflc-harvester/internal/harvest"
	"github.com/JakeFAU/oflc-harvester/internal/hash/sha256"
	"github.com/JakeFAU/oflc-harvester/internal/id/uuid"
	"github.com/JakeFAU/oflc-harvester/internal/logging"
	"github.com/JakeFAU/oflc-harvester/internal/manifest"
	"github.com/JakeFAU/oflc-harvester/internal/metrics"
	"github.com/JakeFAU/oflc-harvester/internal/orchestrator"
	"github.com/JakeFAU/oflc-harvester/internal/pipeline"
	"github.com/JakeFAU/oflc-harvester/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/oflc-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/oflc-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/oflc-harvester/internal/reconcile"
	gcsstorage "github.com/JakeFAU/oflc-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/oflc-harvester/internal/storage/local"
	pgstore "github.com/JakeFAU/oflc-harvester/internal/storage/postgres"
	"github.com/JakeFAU/oflc-harvester/internal/telemetry"
	"github.com/JakeFAU/oflc-harvester/internal/worker"
)

// Version is stamped into trace resources; set with -ldflags at build time.
var Version = "dev"

// App holds the shared, long-lived services for one process.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	closeLog   func() error
	manifest   *manifest.Store
	classifier *classify.Classifier
	engine     *harvest.Engine
	reconciler *reconcile.Reconciler

	storage      *storage.Client
	pubsubClient *pubsub.Client
	pubsubTopic  *gcppublisher.Publisher
	runStore     *pgstore.RunStore

	tracerShutdown func(context.Context) error
}

// Build creates the application's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	a := &App{cfg: cfg, logger: logger}
	if cfg.Logging.ToFile {
		teed, closeFn, err := logging.Tee(logger, cfg.LogDir(), time.Now())
		if err != nil {
			return nil, fmt.Errorf("log file init failed: %w", err)
		}
		a.logger, a.closeLog = teed, closeFn
	}
	zap.ReplaceGlobals(a.logger)
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, "oflc-harvester", Version)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	a.logger.Info("building application dependencies",
		zap.String("index_url", cfg.Source.IndexURL),
		zap.String("storage_root", cfg.Storage.Root),
		zap.String("manifest", cfg.ManifestPath()),
	)

	if err := os.MkdirAll(cfg.Storage.Root, 0o750); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	a.manifest, err = manifest.New(cfg.ManifestPath(), a.logger.Named("manifest"))
	if err != nil {
		return nil, fmt.Errorf("manifest init failed: %w", err)
	}

	blobStore, err := a.setupStorage(ctx)
	if err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		a.closeInfrastructure()
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		a.closeInfrastructure()
		return nil, err
	}

	a.classifier = classify.New()
	a.engine = a.setupEngine(blobStore, publisher)
	a.reconciler = reconcile.New(a.manifest, reconcile.Config{
		StorageRoot:  cfg.Storage.Root,
		LogDir:       cfg.LogDir(),
		ManifestPath: cfg.ManifestPath(),
		Accepts:      a.classifier.Accepts,
	}, a.logger.Named("reconcile"))
	return a, nil
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Engine returns the harvest engine.
func (a *App) Engine() *harvest.Engine { return a.engine }

// Reconciler returns the manifest reconciler.
func (a *App) Reconciler() *reconcile.Reconciler { return a.reconciler }

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	if a.cfg.Storage.GCSBucket == "" {
		if a.cfg.Storage.MirrorDir == "" {
			a.logger.Info("no mirror configured, artifacts stay under the storage root only")
			return nil, nil
		}
		mirror, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.MirrorDir})
		if err != nil {
			return nil, fmt.Errorf("local mirror init failed: %w", err)
		}
		a.logger.Info("mirroring artifacts to a local directory", zap.String("path", a.cfg.Storage.MirrorDir))
		return mirror, nil
	}
	var err error
	a.storage, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	blobStore, err := gcsstorage.New(a.storage, gcsstorage.Config{
		Bucket: a.cfg.Storage.GCSBucket,
		Prefix: a.cfg.Storage.GCSPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs blob store init failed: %w", err)
	}
	a.logger.Info("mirroring artifacts to GCS",
		zap.String("bucket", a.cfg.Storage.GCSBucket),
		zap.String("prefix", a.cfg.Storage.GCSPrefix),
	)
	return blobStore, nil
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubTopic = gcppublisher.New(a.pubsubClient.Topic(a.cfg.PubSub.TopicName), map[string]string{
		"source": "oflc-harvester",
	})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return a.pubsubTopic, nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified, run history will not be persisted")
		return nil
	}
	var err error
	a.runStore, err = pgstore.NewRunStore(ctx, pgstore.RunStoreConfig{
		DSN:   a.cfg.DB.DSN,
		Table: a.cfg.DB.Table,
	})
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	a.logger.Info("run store initialized", zap.String("table", a.cfg.DB.Table))
	return nil
}

func (a *App) setupEngine(blobStore crawler.BlobStore, publisher crawler.Publisher) *harvest.Engine {
	cfg := a.cfg
	clock := system.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Source.UserAgent,
		RespectRobots: cfg.Source.RespectRobots,
		Timeout:       cfg.Timeout(),
		ProbeTimeout:  cfg.ProbeTimeout(),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	})
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.HTTP.RequestsPerSecond,
		DefaultBurst: cfg.HTTP.Burst,
		OnDelay:      metrics.ObserveRateLimitDelay,
	})
	decider := freshness.New(fetcher, a.logger.Named("freshness"))
	committer := pipeline.New(fetcher, a.manifest, sha256.New(), clock, a.logger.Named("pipeline"))

	workerLogger := a.logger.Named("worker")
	factory := func(q crawler.Queue) dispatcher.Runner {
		return gaugedRunner{worker.New(
			q,
			limiter,
			decider,
			committer,
			blobStore,
			publisher,
			worker.Config{StorageRoot: cfg.Storage.Root},
			workerLogger,
		)}
	}
	dispatch := dispatcher.New(cfg.Harvest.Concurrency, cfg.Harvest.QueueDepth, factory)

	discoverer := discover.New(discover.Config{
		UserAgent:     cfg.Source.UserAgent,
		RespectRobots: cfg.Source.RespectRobots,
		Timeout:       cfg.Timeout(),
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
	}, a.logger.Named("discover"))

	var recorder crawler.RunRecorder
	if a.runStore != nil {
		recorder = a.runStore
	}

	return harvest.New(
		harvest.Config{
			IndexURL:            cfg.Source.IndexURL,
			StorageRoot:         cfg.Storage.Root,
			FailOnArtifactError: cfg.Harvest.FailOnArtifactError,
		},
		discoverer,
		a.classifier,
		a.manifest,
		dispatch,
		recorder,
		clock,
		uuid.New(),
		a.logger.Named("harvest"),
	)
}

// gaugedRunner tracks the active worker gauge around a worker's lifetime.
type gaugedRunner struct {
	dispatcher.Runner
}

func (g gaugedRunner) Run(ctx context.Context, emit func(crawler.Outcome)) error {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()
	return g.Runner.Run(ctx, emit) //nolint:wrapcheck // worker errors are already wrapped
}

// RunWithRetry performs one harvest with the configured retry policy. A run
// already in progress is reported without retrying.
func (a *App) RunWithRetry(ctx context.Context) error {
	runner := orchestrator.NewRunner(orchestrator.RetryConfig{
		MaxAttempts: a.cfg.Orchestrator.MaxAttempts,
		Backoff: orchestrator.Backoff{
			Base: a.cfg.BackoffBase(),
			Max:  a.cfg.BackoffMax(),
		},
	}, a.logger.Named("orchestrator"))

	var busy bool
	err := runner.Run(ctx, func(ctx context.Context) error {
		_, err := a.engine.Run(ctx)
		if errors.Is(err, harvest.ErrRunInProgress) {
			busy = true
			return nil
		}
		return err //nolint:wrapcheck // engine errors carry their own context
	})
	if busy {
		return harvest.ErrRunInProgress
	}
	return err //nolint:wrapcheck // orchestrator wraps ErrExhausted
}

// Reconcile scans for stale records and orphans, removing stale records
// when apply is set. The report is logged grouped by program and directory.
func (a *App) Reconcile(ctx context.Context, apply bool) (reconcile.Report, error) {
	var (
		report reconcile.Report
		err    error
	)
	if apply {
		report, err = a.reconciler.Apply(ctx)
	} else {
		report, err = a.reconciler.Scan(ctx)
	}
	if err != nil {
		return report, fmt.Errorf("reconcile: %w", err)
	}
	report.Log(a.logger.Named("reconcile"), a.StorageRoot())
	return report, nil
}

// RunScheduler blocks running the quarterly scheduler until ctx ends.
func (a *App) RunScheduler(ctx context.Context) error {
	sched, err := a.Scheduler()
	if err != nil {
		return err
	}
	return sched.Run(ctx) //nolint:wrapcheck // returns nil or ctx error
}

// Scheduler builds the quarterly scheduler that calls RunWithRetry.
func (a *App) Scheduler() (*orchestrator.Scheduler, error) {
	hour, minute, err := orchestrator.ParseClock(a.cfg.Orchestrator.RunAt)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	schedule := orchestrator.Schedule{
		Months:     a.cfg.Months(),
		DayOfMonth: a.cfg.Orchestrator.DayOfMonth,
		Hour:       hour,
		Minute:     minute,
		Location:   a.cfg.Location(),
	}
	return orchestrator.NewScheduler(
		schedule,
		a.cfg.CheckInterval(),
		a.cfg.Orchestrator.RunOnStart,
		a.RunWithRetry,
		a.logger.Named("scheduler"),
	), nil
}

// APIServer builds the HTTP API bound to ctx for asynchronous runs.
func (a *App) APIServer(ctx context.Context) *api.Server {
	deps := api.Deps{
		Harvester:   a.engine,
		Reconciler:  a.reconciler,
		Manifest:    a.manifest,
		BaseContext: ctx,
		APIKey:      a.cfg.Server.APIKey,
	}
	if a.runStore != nil {
		deps.Runs = a.runStore
	}
	return api.NewServer(deps, a.logger.Named("api"))
}

// Serve runs the HTTP API until ctx ends. With schedule set, the quarterly
// scheduler runs alongside it.
func (a *App) Serve(ctx context.Context, schedule bool) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.APIServer(ctx).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if schedule {
		sched, err := a.Scheduler()
		if err != nil {
			return err
		}
		go func() {
			if err := sched.Run(ctx); err != nil {
				a.logger.Error("scheduler stopped", zap.Error(err))
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			errCh <- err
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

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close releases clients and flushes the logger.
func (a *App) Close() {
	a.closeInfrastructure()
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if err := a.logger.Sync(); err != nil && !isSyncNoise(err) {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.closeLog != nil {
		if err := a.closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "close log file: %v\n", err)
		}
	}
}

func (a *App) closeInfrastructure() {
	if a.pubsubTopic != nil {
		a.pubsubTopic.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.runStore != nil {
		a.runStore.Close()
	}
}

// isSyncNoise matches the error zap returns when syncing a terminal.
func isSyncNoise(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// StorageRoot returns the artifact root directory.
func (a *App) StorageRoot() string { return filepath.Clean(a.cfg.Storage.Root) }
