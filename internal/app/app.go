// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/refcrawler/internal/api"
	"github.com/JakeFAU/refcrawler/internal/clock/system"
	"github.com/JakeFAU/refcrawler/internal/config"
	"github.com/JakeFAU/refcrawler/internal/crawler"
	"github.com/JakeFAU/refcrawler/internal/fetcher/archive"
	collyfetcher "github.com/JakeFAU/refcrawler/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/refcrawler/internal/fetcher/headless"
	"github.com/JakeFAU/refcrawler/internal/hash/xxhash"
	"github.com/JakeFAU/refcrawler/internal/id/uuid"
	"github.com/JakeFAU/refcrawler/internal/input"
	"github.com/JakeFAU/refcrawler/internal/logging"
	"github.com/JakeFAU/refcrawler/internal/metrics"
	"github.com/JakeFAU/refcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/refcrawler/internal/progress"
	progresssinks "github.com/JakeFAU/refcrawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/refcrawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/refcrawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/refcrawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/refcrawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/refcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/refcrawler/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/refcrawler/internal/storage/sqlite"
	"github.com/JakeFAU/refcrawler/internal/telemetry"
)

// ErrStoreUnavailable is returned by Build when the result store cannot be reached.
var ErrStoreUnavailable = errors.New("result store unavailable")

// Options carries process-level overrides that do not come from config.
type Options struct {
	// Logger replaces the logger built from config.Logging.
	Logger *zap.Logger
	// Registerer receives the progress collectors; nil uses the default registry.
	Registerer prometheus.Registerer
	Version    string
}

type outcomePublisher interface {
	progresssinks.Publisher
	Close() error
}

// App holds all the shared, long-lived services for the application.
// It is built once per command and closed when the command finishes.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	store        crawler.ResultStore
	blobs        crawler.BlobStore
	publisher    outcomePublisher
	progressHub  *progress.Hub
	orchestrator *crawler.Orchestrator
	apiServer    *api.Server

	// closers run in reverse order on Close.
	closers   []func(context.Context) error
	closeOnce sync.Once
}

// Config returns the validated configuration the app was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the configured result store.
func (a *App) Store() crawler.ResultStore {
	return a.store
}

// Orchestrator returns the fetch state machine.
func (a *App) Orchestrator() *crawler.Orchestrator {
	return a.orchestrator
}

// Handler returns the status API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Build creates the application's dependencies. Any failure closes what was
// already opened.
func Build(ctx context.Context, cfg config.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		var err error
		logger, err = logging.NewWithOptions(cfg.Logging.Development, logging.Options{
			Level:   cfg.Logging.Level,
			Service: cfg.Tracing.ServiceName,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}

	a := &App{cfg: cfg, logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	metrics.Init()

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		Enabled:     a.cfg.Tracing.Enabled,
		ServiceName: a.cfg.Tracing.ServiceName,
		Version:     opts.Version,
		SampleRatio: a.cfg.Tracing.SampleRatio,
	}, a.logger.Named("trace"))
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.closers = append(a.closers, tp.Shutdown)

	a.logger.Info("building application dependencies",
		zap.String("store", a.cfg.Store.Driver),
		zap.String("blob", a.cfg.Blob.Provider),
		zap.String("publisher", a.cfg.Publisher.Provider),
	)

	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupBlobs(ctx); err != nil {
		return err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return err
	}
	if err := a.setupProgress(opts.Registerer); err != nil {
		return err
	}
	if err := a.setupOrchestrator(); err != nil {
		return err
	}

	a.apiServer = api.NewServer(a.store, api.Config{
		APIKey:         a.cfg.Server.APIKey,
		RequestTimeout: a.cfg.Server.RequestTimeout,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupStore(ctx context.Context) error {
	sc := a.cfg.Store
	switch sc.Driver {
	case config.StorePostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             sc.DSN,
			Table:           sc.Table,
			MaxConns:        sc.MaxConns,
			MaxConnLifetime: sc.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		a.store = store
	case config.StoreSQLite:
		store, err := sqlitestore.Open(ctx, sc.DSN, sc.Table)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		a.store = store
	case config.StoreMemory:
		a.logger.Warn("using in-memory result store; outcomes are lost on exit")
		a.store = memorystorage.NewOutcomeStore()
	default:
		return fmt.Errorf("%w: unknown driver %q", ErrStoreUnavailable, sc.Driver)
	}
	a.logger.Info("result store initialized", zap.String("driver", sc.Driver), zap.String("table", sc.Table))
	return nil
}

func (a *App) setupBlobs(ctx context.Context) error {
	bc := a.cfg.Blob
	switch bc.Provider {
	case config.ProviderGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: bc.Bucket}, a.logger.Named("gcs"))
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return store.Close() })
		a.blobs = store
		a.logger.Info("using GCS blob store", zap.String("bucket", bc.Bucket))
	case config.ProviderLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: bc.BaseDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobs = store
		a.logger.Info("using local blob store", zap.String("path", bc.BaseDir))
	case config.ProviderMemory:
		a.blobs = memorystorage.NewBlobStore()
	default:
		a.logger.Debug("blob store disabled; binary content stays in the result row")
	}
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	pc := a.cfg.Publisher
	switch pc.Provider {
	case config.ProviderPubSub:
		pub, err := gcppublisher.Open(ctx, pc.ProjectID, pc.Topic)
		if err != nil {
			return fmt.Errorf("pubsub publisher init failed: %w", err)
		}
		a.publisher = pub
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pc.ProjectID),
			zap.String("topic", pc.Topic),
		)
	case config.ProviderMemory:
		a.publisher = memorypublisher.New()
	}
	return nil
}

func (a *App) setupProgress(reg prometheus.Registerer) error {
	var sinkList []progress.Sink
	if a.cfg.Progress.LogEvery > 0 {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger.Named("progress"), a.cfg.Progress.LogEvery))
	}
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList = append(sinkList, promSink)
	if a.publisher != nil {
		sinkList = append(sinkList, progresssinks.NewPublishSink(a.publisher, a.cfg.Publisher.Topic, a.logger.Named("notify")))
	}

	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   a.cfg.Progress.FlushInterval,
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Debug("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupOrchestrator() error {
	cfg := a.cfg
	tiers := cfg.EnabledTiers()

	browserCapacity := 0
	if cfg.Rendered.Enabled {
		browserCapacity = cfg.Rendered.MaxParallel
	}
	limiter, err := crawler.NewLimiter(cfg.Fetch.ConcurrencyLimit, browserCapacity)
	if err != nil {
		return fmt.Errorf("limiter init failed: %w", err)
	}
	limiter.OnChange(metrics.SetInFlight)

	strategies, err := a.buildStrategies(tiers)
	if err != nil {
		return err
	}

	var resolver crawler.Resolver
	if cfg.DNS.Precheck {
		resolver = crawler.NewDNSResolver(nil, cfg.DNS.Timeout)
	}

	a.orchestrator, err = crawler.NewOrchestrator(crawler.OrchestratorConfig{
		TierOrder:            tiers,
		DirectTimeout:        cfg.Fetch.DirectTimeout,
		RenderedTimeout:      cfg.Fetch.RenderedTimeout,
		ArchiveTimeout:       cfg.Fetch.ArchiveTimeout,
		TaskLimit:            cfg.Fetch.TaskLimit,
		SkipOnDNSFailure:     cfg.DNS.SkipRenderedOnFailure,
		ArchiveOnlyHosts:     cfg.Fetch.ArchiveOnlyHosts,
		DirectBlockThreshold: cfg.Fetch.DirectBlockThreshold,
		BlobPrefix:           cfg.Blob.Prefix,
	}, crawler.Deps{
		Strategies: strategies,
		Limiter:    limiter,
		Retry:      crawler.NewRetryController(cfg.Fetch.RetryAttempts, cfg.Fetch.RetryWaitSchedule, nil),
		Store:      a.store,
		Blobs:      a.blobs,
		Resolver:   resolver,
		Hasher:     xxhash.New(),
		Clock:      system.New(),
		IDs:        uuid.New(),
		Emitter:    a.progressHub,
		Logger:     a.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.logger.Info("orchestrator ready",
		zap.Any("tier_order", a.orchestrator.TierOrder()),
		zap.Int("concurrency_limit", cfg.Fetch.ConcurrencyLimit),
		zap.Int("browser_limit", browserCapacity),
	)
	return nil
}

func (a *App) buildStrategies(tiers []crawler.Tier) ([]crawler.Strategy, error) {
	cfg := a.cfg
	strategies := make([]crawler.Strategy, 0, len(tiers))
	for _, tier := range tiers {
		switch tier {
		case crawler.TierDirect:
			strategies = append(strategies, collyfetcher.New(collyfetcher.Config{
				UserAgent:     cfg.Direct.UserAgent,
				Timeout:       cfg.Fetch.DirectTimeout,
				MaxBodySize:   cfg.Direct.MaxBodyBytes,
				InsecureRetry: cfg.Direct.InsecureTLSRetry,
				Headers:       cfg.Direct.HTTPHeaders(),
				Detector:      crawler.NewChallengeDetector(crawler.DefaultMinTextBytes, nil),
			}, a.logger.Named("direct")))
		case crawler.TierRendered:
			browser, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
				UserAgent:          cfg.Direct.UserAgent,
				NavigationTimeout:  cfg.Fetch.RenderedTimeout,
				NetworkIdleTimeout: cfg.Rendered.NetworkIdleTimeout,
				ChallengeWait:      cfg.Rendered.ChallengeWait,
				BlockResources:     cfg.Rendered.BlockResources,
				ExecPath:           cfg.Rendered.ExecPath,
				Headers:            cfg.Direct.HTTPHeaders(),
			}, a.logger.Named("rendered"))
			if err != nil {
				return nil, fmt.Errorf("headless fetcher init failed: %w", err)
			}
			a.closers = append(a.closers, func(context.Context) error {
				browser.Close()
				return nil
			})
			strategies = append(strategies, browser)
		case crawler.TierArchive:
			pacer := ratelimit.New(ratelimit.Config{
				RequestsPerMinute: cfg.Archive.RequestsPerMinute,
				Burst:             cfg.Archive.Burst,
				OnDelay: func(_ string, d time.Duration) {
					metrics.ObserveArchiveRateLimitDelay(d)
				},
			})
			wayback, err := archive.New(archive.Config{
				CDXEndpoint:          cfg.Archive.CDXEndpoint,
				AvailabilityEndpoint: cfg.Archive.AvailabilityEndpoint,
				SnapshotBase:         cfg.Archive.SnapshotBase,
				Policy:               archive.Policy(cfg.Archive.Policy),
				UserAgent:            cfg.Direct.UserAgent,
				MaxBodyBytes:         cfg.Archive.MaxBodyBytes,
			}, nil, pacer, a.logger.Named("archive"))
			if err != nil {
				return nil, fmt.Errorf("archive fetcher init failed: %w", err)
			}
			strategies = append(strategies, wayback)
		}
	}
	return strategies, nil
}

// Fetch runs every reference cited by records through the tier chain.
func (a *App) Fetch(ctx context.Context, records []crawler.Record) (crawler.RunSummary, error) {
	refs := crawler.Flatten(records)
	a.logger.Info("fetch requested", zap.Int("records", len(records)), zap.Int("references", len(refs)))
	summary, err := a.orchestrator.Run(ctx, refs)
	if err != nil {
		return summary, fmt.Errorf("fetch run: %w", err)
	}
	return summary, nil
}

// Backfill reprocesses up to limit stored failures; limit <= 0 means all.
func (a *App) Backfill(ctx context.Context, limit int) (crawler.RunSummary, error) {
	summary, err := a.orchestrator.Backfill(ctx, limit)
	if err != nil {
		return summary, fmt.Errorf("backfill run: %w", err)
	}
	return summary, nil
}

// ExportFailed writes up to limit failed outcomes to path and returns how
// many were written.
func (a *App) ExportFailed(ctx context.Context, path string, limit int) (int, error) {
	failed, err := a.store.ListBySource(ctx, crawler.SourceFailed, limit)
	if err != nil {
		return 0, fmt.Errorf("list failed outcomes: %w", err)
	}
	n, err := input.WriteFailedFile(path, failed)
	if err != nil {
		return 0, fmt.Errorf("export failed outcomes: %w", err)
	}
	a.logger.Info("failed outcomes exported", zap.String("path", path), zap.Int("count", n))
	return n, nil
}

// Serve runs the status API until ctx is canceled.
func (a *App) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

// Close gracefully shuts down all services. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	a.closeOnce.Do(func() {
		// The hub flushes into the publisher, so it closes first.
		if a.progressHub != nil {
			if err := a.progressHub.Close(ctx); err != nil {
				a.logger.Warn("progress hub close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.publisher != nil {
			if err := a.publisher.Close(); err != nil {
				a.logger.Warn("publisher close failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		for i := len(a.closers) - 1; i >= 0; i-- {
			if err := a.closers[i](ctx); err != nil {
				a.logger.Warn("shutdown step failed", zap.Error(err))
				errs = append(errs, err)
			}
		}
		if a.store != nil {
			a.store.Close()
		}
		a.logger.Info("shutdown complete")
		_ = a.logger.Sync()
	})
	return errors.Join(errs...)
}
