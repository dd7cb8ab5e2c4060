// Package app builds and holds the long-lived services of the scout:
// persistence, archive storage, the document event feed, the discovery
// engine, the job pipeline, workers, and the HTTP API. It is the single
// composition root shared by the server and the one-shot CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	gstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/netzbureau/tariffscout/internal/api"
	"github.com/netzbureau/tariffscout/internal/clock/system"
	"github.com/netzbureau/tariffscout/internal/config"
	"github.com/netzbureau/tariffscout/internal/crawler"
	"github.com/netzbureau/tariffscout/internal/dispatcher"
	"github.com/netzbureau/tariffscout/internal/extract"
	collyfetcher "github.com/netzbureau/tariffscout/internal/fetcher/colly"
	headlessfetcher "github.com/netzbureau/tariffscout/internal/fetcher/headless"
	sha256hash "github.com/netzbureau/tariffscout/internal/hash/sha256"
	"github.com/netzbureau/tariffscout/internal/id/uuid"
	"github.com/netzbureau/tariffscout/internal/logging"
	"github.com/netzbureau/tariffscout/internal/pipeline"
	"github.com/netzbureau/tariffscout/internal/progress"
	"github.com/netzbureau/tariffscout/internal/progress/sinks"
	"github.com/netzbureau/tariffscout/internal/publisher"
	pubmemory "github.com/netzbureau/tariffscout/internal/publisher/memory"
	gcppublisher "github.com/netzbureau/tariffscout/internal/publisher/pubsub"
	queuememory "github.com/netzbureau/tariffscout/internal/queue/memory"
	"github.com/netzbureau/tariffscout/internal/storage"
	gcsstorage "github.com/netzbureau/tariffscout/internal/storage/gcs"
	localstorage "github.com/netzbureau/tariffscout/internal/storage/local"
	storagememory "github.com/netzbureau/tariffscout/internal/storage/memory"
	"github.com/netzbureau/tariffscout/internal/store"
	memstore "github.com/netzbureau/tariffscout/internal/store/memory"
	pgstore "github.com/netzbureau/tariffscout/internal/store/postgres"
	"github.com/netzbureau/tariffscout/internal/telemetry"
	"github.com/netzbureau/tariffscout/internal/worker"
)

// maxFetchBodyBytes caps discovery page bodies. Artifact downloads carry
// their own per-request cap.
const maxFetchBodyBytes = 8 << 20

// dialTimeout bounds the TCP connect of every outbound fetch.
const dialTimeout = 10 * time.Second

// shutdownGrace is how long Run waits for in-flight requests and jobs
// after a termination signal.
const shutdownGrace = 10 * time.Second

// App contains the application's wired dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store     store.Store
	archive   storage.Provider
	publisher publisher.Publisher
	hub       *progress.Hub
	broadcast *sinks.BroadcastSink
	renderer  crawler.Renderer
	runner    *pipeline.Runner
	recovery  *pipeline.Recovery
	queue     *queuememory.Queue
	dispatch  *dispatcher.Dispatcher
	apiServer *api.Server

	pubsubClient   *pubsub.Client
	gcsClient      *gstorage.Client
	tracerShutdown func(context.Context) error
	metricShutdown func(context.Context) error
}

// Build assembles the application from configuration. It fails fast: any
// backend that is configured but unreachable aborts startup.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application dependencies",
		zap.String("service", cfg.Application.ServiceName),
		zap.String("version", cfg.Application.Version),
	)

	tp, mp, err := telemetry.InitTelemetry(ctx, &cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	if err := app.setupArchive(ctx); err != nil {
		return nil, err
	}
	if err := app.setupPublisher(ctx); err != nil {
		return nil, err
	}
	app.setupProgress(ctx)
	app.setupPipeline()
	app.setupWorkers()

	app.apiServer = api.NewServer(
		app.store,
		app.dispatch,
		app.broadcast,
		uuid.NewUUIDGenerator(),
		system.New(),
		cfg,
		logger,
	)

	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Store exposes the persistence layer for CLI commands.
func (a *App) Store() store.Store {
	return a.store
}

// SeedTargets upserts the configured operators into the store. Seeds never
// clobber crawl locks held by a live run.
func (a *App) SeedTargets(ctx context.Context) error {
	for slug, seed := range a.cfg.Targets {
		types := make([]crawler.DataType, 0, len(seed.DataTypes))
		for _, dt := range seed.DataTypes {
			types = append(types, crawler.DataType(dt))
		}
		name := seed.Name
		if name == "" {
			name = slug
		}
		target := store.Target{
			ID:        slug,
			Name:      name,
			BaseURL:   seed.BaseURL,
			HintURLs:  seed.HintURLs,
			DataTypes: types,
		}
		if err := a.store.UpsertTarget(ctx, target); err != nil {
			return fmt.Errorf("seed target %s: %w", slug, err)
		}
	}
	if len(a.cfg.Targets) > 0 {
		a.logger.Info("targets seeded", zap.Int("count", len(a.cfg.Targets)))
	}
	return nil
}

// RecoverJobs fails over jobs and releases locks orphaned by a previous
// process. Called before the first job is accepted.
func (a *App) RecoverJobs(ctx context.Context) error {
	swept, err := a.recovery.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("recovery sweep failed: %w", err)
	}
	if swept > 0 {
		a.logger.Info("recovered orphaned work", zap.Int("items", swept))
	}
	return nil
}

// RunJob executes one job synchronously, bypassing the queue. Used by the
// one-shot discover command.
func (a *App) RunJob(ctx context.Context, jobID string) (pipeline.Result, error) {
	return a.runner.Run(ctx, jobID)
}

// Run starts the dispatcher and HTTP server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dispatchDone := make(chan struct{})
	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
		close(dispatchDone)
	}()

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", zap.Error(err))
	}

	// Closing the queue lets workers drain buffered jobs and exit; the
	// canceled run context stops any in-flight pipeline at its next step
	// boundary.
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before deadline")
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down all services.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.renderer != nil {
		if err := a.renderer.Close(ctx); err != nil {
			a.logger.Warn("headless renderer close failed", zap.Error(err))
		}
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("publisher close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, using in-memory store")
		a.store = memstore.New()
		return nil
	}
	pg, err := pgstore.NewStore(ctx, pgstore.Config{
		DSN:      a.cfg.DB.DSN,
		MaxConns: int32(a.cfg.DB.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		pg.Close()
		return fmt.Errorf("schema setup failed: %w", err)
	}
	a.logger.Info("postgres store initialized", zap.Int("max_conns", a.cfg.DB.MaxConns))
	a.store = pg
	return nil
}

func (a *App) setupArchive(ctx context.Context) error {
	var provider storage.Provider
	switch a.cfg.Storage.Backend {
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		provider, err = gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.logger.Info("using GCS archive backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "memory":
		provider = storagememory.NewBlobStore()
		a.logger.Info("using in-memory archive backend")
	default:
		local, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local archive init failed: %w", err)
		}
		provider = local
		a.logger.Info("using local archive backend", zap.String("dir", a.cfg.Storage.LocalDir))
	}
	if prefix := strings.Trim(a.cfg.Storage.Prefix, "/"); prefix != "" {
		provider = prefixedArchive{prefix: prefix, inner: provider}
	}
	a.archive = provider
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	switch a.cfg.PubSub.Backend {
	case "pubsub":
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		a.publisher = gcppublisher.New(client.Publisher(a.cfg.PubSub.TopicID))
		a.logger.Info("pub/sub publisher initialized",
			zap.String("project", a.cfg.PubSub.ProjectID),
			zap.String("topic", a.cfg.PubSub.TopicID),
		)
	case "none":
		a.publisher = publisher.Noop{}
		a.logger.Info("document events disabled")
	default:
		a.publisher = pubmemory.New()
		a.logger.Info("using in-memory document event feed")
	}
	return nil
}

func (a *App) setupProgress(ctx context.Context) {
	a.broadcast = sinks.NewBroadcastSink()
	sinkList := []progress.Sink{
		sinks.NewLogSink(a.logger.Named("progress_log")),
		a.broadcast,
	}
	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.logger.Warn("prometheus progress sink init failed", zap.Error(err))
	} else {
		sinkList = append(sinkList, promSink)
	}
	a.hub = progress.NewHub(progress.Config{
		BaseContext: ctx,
		Logger:      a.logger.Named("progress_hub"),
	}, sinkList...)
}

func (a *App) setupPipeline() {
	guard := crawler.NewSSRFGuard(a.cfg.Crawler.BlockedHosts, a.cfg.Crawler.AllowPrivateHosts)
	transport := guard.Transport(dialTimeout)
	fetch := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.Crawler.UserAgent,
		Timeout:      a.cfg.RequestTimeout(),
		MaxBodyBytes: maxFetchBodyBytes,
	}, transport, guard.CheckRedirect)
	a.logger.Info("colly fetcher initialized", zap.String("user_agent", a.cfg.Crawler.UserAgent))

	var renderer crawler.Renderer
	if a.cfg.Headless.Enabled {
		chromedp, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			UserAgent:         a.cfg.Crawler.UserAgent,
			NavigationTimeout: a.cfg.NavTimeout(),
		})
		if err != nil {
			a.logger.Warn("headless renderer init failed, rendering disabled", zap.Error(err))
		} else {
			renderer = chromedp
			a.renderer = chromedp
			a.logger.Info("headless renderer initialized", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
		}
	}

	robotsClient := &http.Client{Transport: transport, Timeout: a.cfg.RequestTimeout()}
	robots := crawler.NewRobotsEnforcer(a.cfg.Crawler.RespectRobots, a.cfg.Crawler.UserAgent, robotsClient, a.logger.Named("robots"))
	pauser := crawler.NewHostLimiter(a.cfg.Crawler.PerDomainRPS)
	retry := crawler.NewRetryPolicy(a.cfg.HTTP.MaxRetries, a.cfg.InitialBackoff(), a.cfg.MaxBackoff())

	sitemap := crawler.NewSitemapDiscoverer(fetch, guard, pauser, retry, a.logger.Named("sitemap"))
	bfs := crawler.NewBFSCrawler(fetch, renderer, robots, guard, pauser, retry, float64(a.cfg.Crawler.HTMLContentWeight), a.logger.Named("bfs"))
	manager := crawler.NewManager(sitemap, bfs, float64(a.cfg.Crawler.MinCandidateScore), a.logger.Named("discovery"))
	verifier := crawler.NewContentVerifier(fetch, retry, a.cfg.Verify.Threshold, int64(a.cfg.Verify.PrefixBytes), a.logger.Named("verify"))

	registry := extract.NewRegistry()
	registry.Register(crawler.FileTypeHTML, extract.NewTableExtractor(a.logger.Named("extract_html")))
	if a.cfg.Extraction.ServiceURL != "" {
		httpExtractor := extract.NewHTTPExtractor(
			a.cfg.Extraction.ServiceURL,
			&http.Client{Timeout: a.cfg.ExtractionTimeout()},
			a.logger.Named("extract_http"),
		)
		registry.Register(crawler.FileTypePDF, httpExtractor)
		registry.Register(crawler.FileTypeXLSX, httpExtractor)
		registry.Register(crawler.FileTypeXLS, httpExtractor)
		a.logger.Info("external extraction service enabled", zap.String("url", a.cfg.Extraction.ServiceURL))
	}

	clock := system.New()
	deps := pipeline.Deps{
		Store:     a.store,
		Discovery: manager,
		Verifier:  verifier,
		Fetcher:   fetch,
		Retry:     retry,
		Archive:   a.archive,
		Extract:   registry,
		Publisher: a.publisher,
		Hasher:    sha256hash.New(),
		IDs:       uuid.NewUUIDGenerator(),
		Clock:     clock,
		Crawl:     a.cfg.Crawler,
		Pipeline:  a.cfg.Pipeline,
		Topic:     a.cfg.PubSub.TopicID,
		Logger:    a.logger,
	}
	a.runner = pipeline.NewRunner(a.store, pipeline.DefaultSteps(deps), a.hub, clock, a.logger)
	a.recovery = pipeline.NewRecovery(a.store, clock, a.cfg.StaleJobThreshold(), a.logger)
}

func (a *App) setupWorkers() {
	a.queue = queuememory.NewQueue(a.cfg.Worker.QueueDepth)
	count := a.cfg.Worker.Count
	if count <= 0 {
		count = 1
	}
	workers := make([]*worker.Worker, 0, count)
	for i := 0; i < count; i++ {
		workers = append(workers, worker.New(i, a.queue, a.runner, a.logger))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
	a.logger.Info("workers initialized", zap.Int("count", count))
}

// prefixedArchive nests every object under a fixed path segment.
type prefixedArchive struct {
	prefix string
	inner  storage.Provider
}

func (p prefixedArchive) Put(ctx context.Context, objectName, contentType string, body io.Reader) (string, error) {
	return p.inner.Put(ctx, path.Join(p.prefix, objectName), contentType, body)
}
