// Package app builds the ingestion service from configuration and owns the
// lifetime of every long-lived dependency.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-news-ingest/internal/api"
	"github.com/JakeFAU/realtime-news-ingest/internal/clock/system"
	"github.com/JakeFAU/realtime-news-ingest/internal/config"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/arxiv"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/github"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/hackernews"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/rss"
	"github.com/JakeFAU/realtime-news-ingest/internal/connector/transport"
	"github.com/JakeFAU/realtime-news-ingest/internal/dedup"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding/cache"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding/hashing"
	"github.com/JakeFAU/realtime-news-ingest/internal/embedding/openai"
	"github.com/JakeFAU/realtime-news-ingest/internal/id/uuid"
	"github.com/JakeFAU/realtime-news-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-news-ingest/internal/logging"
	"github.com/JakeFAU/realtime-news-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-news-ingest/internal/orchestrator"
	"github.com/JakeFAU/realtime-news-ingest/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-news-ingest/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-news-ingest/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-news-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-news-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/realtime-news-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/realtime-news-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-news-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-news-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/realtime-news-ingest/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/realtime-news-ingest/internal/storage/sqlite"
)

// Store is what the service needs from the article store backend.
type Store interface {
	ingest.Store
	ingest.CursorStore
}

// memoryStore pairs the in-memory article and cursor stores.
type memoryStore struct {
	*memorystorage.ArticleStore
	*memorystorage.CursorStore
}

type closer struct {
	name string
	fn   func() error
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	ownsLogger bool
	registerer prometheus.Registerer
	httpClient *http.Client

	store     Store
	limits    *ratelimit.Registry
	hub       *progress.Hub
	history   *progresssinks.HistorySink
	embedder  *embedding.Generator
	engine    *dedup.Engine
	orch      *orchestrator.Orchestrator
	sched     *scheduler.Scheduler
	apiServer *api.Server
	closers   []closer
}

// Option customises Build.
type Option func(*App)

// WithLogger uses logger instead of building one from the logging config.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) {
		a.logger = logger
	}
}

// WithRegisterer registers progress collectors on reg instead of the default
// Prometheus registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) {
		a.registerer = reg
	}
}

// WithHTTPClient sets the base client for source connectors.
func WithHTTPClient(client *http.Client) Option {
	return func(a *App) {
		a.httpClient = client
	}
}

// Build creates the application's dependencies. On error everything opened
// so far is closed again.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registerer: prometheus.DefaultRegisterer}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		a.logger = logger
		a.ownsLogger = true
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{}
	}
	metrics.Init()

	if err := a.build(ctx); err != nil {
		if closeErr := a.Close(context.WithoutCancel(ctx)); closeErr != nil {
			a.logger.Warn("cleanup after failed build", zap.Error(closeErr))
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	a.logger.Info("building application dependencies",
		zap.Int("sources", len(a.cfg.Enabled())),
		zap.String("storage", a.cfg.Storage.Driver),
		zap.String("embedding", a.cfg.Embedding.Provider),
	)
	if err := a.setupProgress(ctx); err != nil {
		return err
	}
	a.setupLimits()
	if err := a.setupStore(ctx); err != nil {
		return err
	}
	if err := a.setupEmbedding(ctx); err != nil {
		return err
	}
	if err := a.setupDedup(); err != nil {
		return err
	}
	connectors, err := a.setupConnectors()
	if err != nil {
		return err
	}
	blobs, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}

	a.orch, err = orchestrator.New(orchestrator.Deps{
		Connectors: connectors,
		Cursors:    a.store,
		Embedder:   a.embedder,
		Dedup:      a.engine,
		IDs:        uuid.New(),
		Clock:      system.New(),
		Blobs:      blobs,
		Circuits:   a.limits,
		Publisher:  publisher,
		Progress:   a.hub,
		Degraded:   a.store,
	}, orchestrator.Config{
		MaxConcurrency: a.cfg.Cycle.MaxConcurrency,
		MaxPages:       a.cfg.Cycle.MaxPages,
		MaxItems:       a.cfg.Cycle.MaxItems,
		CallTimeout:    a.cfg.Cycle.CallTimeout,
		ArchivePrefix:  a.cfg.Archive.Prefix,
		ReportTopic:    a.cfg.PubSub.ReportTopic,
	}, a.logger.Named("orchestrator"))
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.sched = scheduler.New(a.orch, scheduler.Config{
		Interval:     a.cfg.Cycle.Interval,
		RunOnStart:   a.cfg.Cycle.RunOnStart,
		LockPath:     a.cfg.Cycle.LockPath,
		ReembedLimit: a.cfg.Cycle.ReembedLimit,
	}, a.logger.Named("scheduler"))

	a.apiServer = api.NewServer(api.Deps{
		Store:   a.store,
		Cycles:  a.orch,
		History: a.history,
		States:  a.limits,
	}, a.logger.Named("api"))
	return nil
}

func (a *App) setupProgress(ctx context.Context) error {
	a.history = progresssinks.NewHistorySink(a.cfg.Progress.HistorySize)
	promSink, err := progresssinks.NewPrometheusSink(a.registerer)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg,
		a.history,
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
	)
	a.logger.Debug("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return nil
}

func (a *App) setupLimits() {
	a.limits = ratelimit.NewRegistry(ratelimit.Config{
		FailureThreshold: a.cfg.Circuit.FailureThreshold,
		Cooldown:         a.cfg.Circuit.Cooldown,
		Backoff:          ratelimit.Backoff{Base: a.cfg.HTTP.BackoffBase, Max: a.cfg.HTTP.BackoffMax},
	},
		ratelimit.WithLogger(a.logger.Named("ratelimit")),
		ratelimit.WithTransitionHook(func(source string, from, to ingest.CircuitState) {
			a.hub.Emit(progress.Event{
				Stage:  progress.StageCircuit,
				Source: source,
				State:  string(to),
				Note:   "from " + string(from),
			})
		}),
	)
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Storage.Driver {
	case "postgres":
		store, err := pgstore.NewStore(ctx, pgstore.Config{
			DSN:             a.cfg.Storage.DSN,
			MaxConns:        a.cfg.Storage.MaxConns,
			MinConns:        a.cfg.Storage.MinConns,
			MaxConnLifetime: a.cfg.Storage.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.store = store
		if a.cfg.Storage.Migrate {
			version, dirty, err := store.Migrate()
			if err != nil {
				return fmt.Errorf("postgres migrations failed: %w", err)
			}
			a.logger.Info("postgres schema ready", zap.Uint("version", version), zap.Bool("dirty", dirty))
		}
	case "sqlite":
		store, err := sqlitestore.Open(ctx, sqlitestore.Config{
			Path:        a.cfg.Storage.Path,
			BusyTimeout: a.cfg.Storage.BusyTimeout,
		})
		if err != nil {
			return fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.store = store
		a.logger.Info("sqlite store opened", zap.String("path", a.cfg.Storage.Path))
	default:
		a.logger.Info("using in-memory article store")
		a.store = memoryStore{
			ArticleStore: memorystorage.NewArticleStore(),
			CursorStore:  memorystorage.NewCursorStore(),
		}
	}
	return nil
}

func (a *App) setupEmbedding(ctx context.Context) error {
	ecfg := a.cfg.Embedding
	var provider embedding.Provider
	switch ecfg.Provider {
	case "openai":
		provider = openai.New(openai.Config{
			BaseURL:    ecfg.BaseURL,
			APIKey:     ecfg.APIKey,
			Model:      ecfg.Model,
			Dimensions: ecfg.Dimensions,
			Timeout:    ecfg.Timeout,
		}, nil)
	default:
		provider = hashing.New(ecfg.Dimensions)
	}

	var vectors embedding.Cache
	switch ecfg.Cache.Kind {
	case "redis":
		redisCache, err := cache.DialRedis(ctx, ecfg.Cache.RedisURL, ecfg.Cache.Prefix, ecfg.Cache.TTL)
		if err != nil {
			return fmt.Errorf("embedding cache init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "redis cache", fn: redisCache.Close})
		vectors = redisCache
	case "none":
	default:
		vectors = cache.NewMemory(ecfg.Cache.Size, ecfg.Cache.TTL)
	}

	guard := a.limits.Register("embedding:"+provider.Name(), ratelimit.Config{
		Capacity:         ecfg.Capacity,
		RefillRate:       ecfg.RefillRate,
		FailureThreshold: a.cfg.Circuit.FailureThreshold,
		Cooldown:         a.cfg.Circuit.Cooldown,
		Backoff:          ratelimit.Backoff{Base: a.cfg.HTTP.BackoffBase, Max: a.cfg.HTTP.BackoffMax},
	})
	a.embedder = embedding.New(provider, vectors, guard, embedding.Config{
		BatchSize:   ecfg.BatchSize,
		MaxAttempts: ecfg.MaxAttempts,
	}, a.logger.Named("embedding"))
	a.logger.Info("embedding provider ready",
		zap.String("provider", provider.Name()),
		zap.Int("dimensions", provider.Dimensions()),
		zap.String("cache", ecfg.Cache.Kind),
	)
	return nil
}

func (a *App) setupDedup() error {
	loc, err := a.cfg.Dedup.Location()
	if err != nil {
		return fmt.Errorf("dedup time zone: %w", err)
	}
	d := a.cfg.Dedup
	a.engine = dedup.New(a.store, uuid.New(), dedup.Options{
		Threshold:       d.Threshold,
		Overrides:       a.cfg.Overrides(),
		TopK:            d.TopK,
		Location:        loc,
		DayWindow:       d.DayWindow,
		StrongThreshold: d.StrongThreshold,
		TitleOverlap:    d.TitleOverlap,
		Lookback:        d.Lookback,
		StoreRetries:    d.StoreRetries,
	}, a.logger.Named("dedup"))
	return nil
}

func (a *App) setupConnectors() ([]ingest.Connector, error) {
	clock := system.New()
	enabled := a.cfg.Enabled()
	out := make([]ingest.Connector, 0, len(enabled))
	for _, src := range enabled {
		capacity, refill := src.Limits()
		threshold, cooldown := a.cfg.Circuit.FailureThreshold, a.cfg.Circuit.Cooldown
		if src.FailureThreshold > 0 {
			threshold = src.FailureThreshold
		}
		if src.Cooldown > 0 {
			cooldown = src.Cooldown
		}
		guard := a.limits.Register(src.Name, ratelimit.Config{
			Capacity:         capacity,
			RefillRate:       refill,
			FailureThreshold: threshold,
			Cooldown:         cooldown,
			Backoff:          ratelimit.Backoff{Base: a.cfg.HTTP.BackoffBase, Max: a.cfg.HTTP.BackoffMax},
		})
		attempts := a.cfg.HTTP.MaxAttempts
		if src.MaxAttempts > 0 {
			attempts = src.MaxAttempts
		}
		logger := a.logger.Named("connector").With(zap.String("source", src.Name), zap.String("kind", src.Kind))
		calls := transport.New(guard, a.httpClient, transport.Config{
			MaxAttempts: attempts,
			Timeout:     min(a.cfg.HTTP.Timeout, a.cfg.Cycle.CallTimeout),
			UserAgent:   a.cfg.HTTP.UserAgent,
		}, logger)

		var conn ingest.Connector
		switch src.Kind {
		case "hackernews":
			conn = hackernews.New(hackernews.Config{
				Name:     src.Name,
				BaseURL:  src.BaseURL,
				List:     src.List,
				PageSize: src.PageSize,
				Keywords: src.Keywords,
			}, calls, clock, logger)
		case "rss":
			feeds := make([]rss.Feed, 0, len(src.Feeds))
			for _, f := range src.Feeds {
				feeds = append(feeds, rss.Feed{Name: f.Name, URL: f.URL})
			}
			conn = rss.New(rss.Config{Name: src.Name, Feeds: feeds}, calls, clock, logger)
		case "arxiv":
			conn = arxiv.New(arxiv.Config{
				Name:       src.Name,
				BaseURL:    src.BaseURL,
				Categories: src.Categories,
				PageSize:   src.PageSize,
				MaxResults: src.MaxResults,
			}, calls, clock, logger)
		case "github":
			gh, err := github.New(github.Config{
				Name:               src.Name,
				Repos:              src.Repos,
				Token:              src.Token,
				BaseURL:            src.BaseURL,
				PerPage:            src.PageSize,
				IncludePrereleases: src.IncludePrereleases,
				HTTPClient:         a.httpClient,
			}, calls, clock, logger)
			if err != nil {
				return nil, fmt.Errorf("source %q: %w", src.Name, err)
			}
			conn = gh
		default:
			return nil, fmt.Errorf("source %q: unknown kind %q", src.Name, src.Kind)
		}
		out = append(out, conn)
		a.logger.Info("source registered",
			zap.String("source", src.Name),
			zap.String("kind", src.Kind),
			zap.Int("capacity", capacity),
			zap.Float64("refill_rate", refill),
		)
	}
	return out, nil
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Kind {
	case "gcs":
		store, err := gcsstorage.Dial(ctx, gcsstorage.Config{Bucket: a.cfg.Archive.Bucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.closers = append(a.closers, closer{name: "gcs archive", fn: store.Close})
		a.logger.Info("archiving raw pages to GCS", zap.String("bucket", a.cfg.Archive.Bucket))
		return store, nil
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Archive.Dir})
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving raw pages to disk", zap.String("dir", a.cfg.Archive.Dir))
		return store, nil
	case "memory":
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.Topic == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.WithLogger(a.logger.Named("publisher"))), nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger.Named("publisher"))
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.closers = append(a.closers, closer{name: "pubsub publisher", fn: pub.Close})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return pub, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Orchestrator returns the cycle orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator { return a.orch }

// Store returns the configured article store.
func (a *App) Store() Store { return a.store }

// Handler returns the operator HTTP handler.
func (a *App) Handler() http.Handler { return a.apiServer.Handler() }

// History returns the recent-cycle view fed by the progress hub.
func (a *App) History() *progresssinks.HistorySink { return a.history }

// RunCycle runs one ingestion cycle outside the scheduler.
func (a *App) RunCycle(ctx context.Context) (orchestrator.Report, error) {
	report, err := a.orch.RunCycle(ctx)
	if err != nil {
		return orchestrator.Report{}, fmt.Errorf("run cycle: %w", err)
	}
	return report, nil
}

// Reembed retries embedding for up to limit degraded articles.
func (a *App) Reembed(ctx context.Context, limit int) (orchestrator.ReembedReport, error) {
	report, err := a.orch.Reembed(ctx, limit)
	if err != nil {
		return orchestrator.ReembedReport{}, fmt.Errorf("reembed: %w", err)
	}
	return report, nil
}

// ErrNoSchema is returned by Migrate for the in-memory store.
var ErrNoSchema = errors.New("storage driver has no schema to migrate")

type migrator interface {
	Migrate() (uint, bool, error)
}

// Migrate applies pending schema migrations and reports the resulting
// version.
func (a *App) Migrate() (uint, bool, error) {
	m, ok := a.store.(migrator)
	if !ok {
		return 0, false, ErrNoSchema
	}
	version, dirty, err := m.Migrate()
	if err != nil {
		return 0, false, fmt.Errorf("migrate %s store: %w", a.cfg.Storage.Driver, err)
	}
	return version, dirty, nil
}

// Run starts the scheduler and the HTTP server and blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives, or either of them fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		if err := a.sched.Run(gctx); err != nil {
			return fmt.Errorf("scheduler: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close drains progress events and releases every backend. It is safe to
// call on a partially built App.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("progress hub: %w", err))
		}
		if dropped := a.hub.Dropped(); dropped > 0 {
			a.logger.Warn("progress events dropped", zap.Int64("count", dropped))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", c.name, err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		a.logger.Info("shutdown complete")
	}
	if a.ownsLogger {
		// Sync on stderr returns EINVAL on some platforms.
		if syncErr := a.logger.Sync(); syncErr != nil && !strings.Contains(syncErr.Error(), "invalid argument") {
			err = errors.Join(err, syncErr)
		}
	}
	return err
}
