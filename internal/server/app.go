// Package server builds the application object graph from configuration
// and runs it.
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

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/api"
	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/config"
	"github.com/JakeFAU/sitesearch/internal/coordinator"
	"github.com/JakeFAU/sitesearch/internal/crawlclient"
	"github.com/JakeFAU/sitesearch/internal/dispatcher"
	"github.com/JakeFAU/sitesearch/internal/id/uuid"
	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/logging"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/progress"
	memorypublisher "github.com/JakeFAU/sitesearch/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/sitesearch/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/sitesearch/internal/queue/memory"
	"github.com/JakeFAU/sitesearch/internal/scheduler"
	"github.com/JakeFAU/sitesearch/internal/searchindex"
	"github.com/JakeFAU/sitesearch/internal/sitelock"
	memoryStorage "github.com/JakeFAU/sitesearch/internal/storage/memory"
	pgstore "github.com/JakeFAU/sitesearch/internal/storage/postgres"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type tracker interface {
	indexer.ProgressTracker
	pinger
}

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  indexer.Clock

	store           indexer.Store
	pgStore         *pgstore.Store
	redisClient     *redis.Client
	tracker         tracker
	locker          indexer.Locker
	index           indexer.Index
	publisher       indexer.Publisher
	pubsubPublisher *gcppublisher.Publisher

	coord     *coordinator.Coordinator
	queue     *queueMemory.Queue
	dispatch  *dispatcher.Dispatcher
	scanner   *coordinator.Scanner
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	closeOnce sync.Once
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	logger  *zap.Logger
	crawler indexer.Crawler
}

// WithLogger skips logger construction and uses l.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithCrawler replaces the subprocess crawl client.
func WithCrawler(c indexer.Crawler) Option {
	return func(o *buildOptions) { o.crawler = c }
}

// Build creates the application's dependencies. On error everything built
// so far is released.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		var err error
		logger, err = logging.NewWithLevel(cfg.Logging.Development, cfg.Logging.Level)
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.StoreBackend()),
		zap.String("search", cfg.Search.Backend),
		zap.String("lock", cfg.Coordinator.Lock),
	)

	steps := []func(context.Context) error{
		app.setupStore,
		app.setupRedis,
		app.setupIndex,
		app.setupPublisher,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.closeInfrastructure()
			return nil, err
		}
	}
	if err := app.setupPipeline(o.crawler); err != nil {
		app.closeInfrastructure()
		return nil, err
	}
	app.setupAPI()
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	if a.cfg.StoreBackend() == config.BackendMemory {
		a.logger.Warn("no database dsn configured, using in-memory store")
		a.store = memoryStorage.NewStore()
		return nil
	}
	st, err := pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("postgres store init failed: %w", err)
	}
	a.pgStore = st
	a.store = st
	if a.cfg.Database.Migrate {
		if err := st.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema applied")
	}
	a.logger.Info("postgres store initialized",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Int32("min_conns", a.cfg.Database.MinConns),
	)
	return nil
}

func (a *App) setupRedis(ctx context.Context) error {
	if a.cfg.Redis.Addr == "" {
		a.logger.Warn("no redis addr configured, using in-memory progress tracker")
		a.tracker = progress.NewMemoryTracker(a.cfg.ProgressTTL(), a.clock.Now)
		a.locker = sitelock.NewMemory()
		return nil
	}
	a.redisClient = redis.NewClient(&redis.Options{
		Addr:     a.cfg.Redis.Addr,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
	})
	if err := a.redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	a.tracker = progress.NewRedisTracker(a.redisClient, a.cfg.ProgressTTL())
	a.logger.Info("redis progress tracker initialized",
		zap.String("addr", a.cfg.Redis.Addr),
		zap.Duration("ttl", a.cfg.ProgressTTL()),
	)
	if a.cfg.Coordinator.Lock == config.BackendRedis {
		a.locker = sitelock.NewRedis(a.redisClient, a.cfg.LockTTL(), a.logger.Named("sitelock"))
		a.logger.Info("redis site lock enabled", zap.Duration("ttl", a.cfg.LockTTL()))
	} else {
		a.locker = sitelock.NewMemory()
	}
	return nil
}

func (a *App) setupIndex(ctx context.Context) error {
	if a.cfg.Search.Backend != config.BackendMeilisearch {
		a.logger.Warn("using in-memory search index")
		a.index = searchindex.NewMemory()
		return nil
	}
	meili := searchindex.NewMeili(searchindex.MeiliConfig{
		Host:     a.cfg.Search.Host,
		APIKey:   a.cfg.Search.APIKey,
		IndexUID: a.cfg.Search.Index,
	}, a.logger)
	// The engine may still be starting; readiness reports it until then.
	if err := meili.EnsureSettings(ctx); err != nil {
		a.logger.Warn("meilisearch settings not applied", zap.Error(err))
	}
	a.index = meili
	a.logger.Info("meilisearch index initialized",
		zap.String("host", a.cfg.Search.Host),
		zap.String("index", a.cfg.Search.Index),
	)
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		a.publisher = memorypublisher.New()
		return nil
	}
	pub, err := gcppublisher.New(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubPublisher = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return nil
}

func (a *App) setupPipeline(crawler indexer.Crawler) error {
	if crawler == nil {
		crawler = crawlclient.New(crawlclient.Config{
			Binary:  a.cfg.Crawler.Binary,
			Args:    a.cfg.Crawler.Args,
			Timeout: a.cfg.CrawlTimeout(),
		}, a.logger)
		a.logger.Info("using crawler subprocess",
			zap.String("binary", a.cfg.Crawler.Binary),
			zap.Duration("timeout", a.cfg.CrawlTimeout()),
		)
	}

	coordCfg := coordinator.Config{
		BatchSize:       a.cfg.Coordinator.BatchSize,
		ContentCap:      a.cfg.Coordinator.ContentCap,
		MaxRetries:      a.cfg.Coordinator.MaxRetries,
		BackoffBase:     a.cfg.BackoffBase(),
		DefaultMaxDepth: a.cfg.Coordinator.DefaultMaxDepth,
		NotifyTopic:     a.cfg.PubSub.TopicName,
	}
	coord, err := coordinator.New(coordinator.Deps{
		Store:     a.store,
		Crawler:   crawler,
		Index:     a.index,
		Progress:  a.tracker,
		Publisher: a.publisher,
		Locker:    a.locker,
		Clock:     a.clock,
		IDs:       uuid.NewRunIDs(),
	}, coordCfg, a.logger)
	if err != nil {
		return fmt.Errorf("coordinator init failed: %w", err)
	}
	a.coord = coord
	a.logger.Info("coordinator config",
		zap.Int("batch_size", coordCfg.BatchSize),
		zap.Int("content_cap", coordCfg.ContentCap),
		zap.Int("max_retries", coordCfg.MaxRetries),
		zap.Duration("backoff_base", coordCfg.BackoffBase),
	)

	a.queue = queueMemory.NewQueue(a.cfg.Crawler.QueueDepth)
	a.dispatch = dispatcher.NewPool(a.queue, coord, a.cfg.Crawler.Concurrency, a.logger)
	a.scanner = coordinator.NewScanner(a.store, a.dispatch, a.clock, a.logger)
	if a.cfg.Scheduler.Enabled {
		var opts []scheduler.Option
		if a.cfg.Scheduler.RunOnStart {
			opts = append(opts, scheduler.WithRunOnStart())
		}
		a.scheduler = scheduler.New(a.scanner, a.cfg.ScanInterval(), a.logger, opts...)
	}
	return nil
}

func (a *App) setupAPI() {
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	checks := []api.Check{
		{Name: "store", Ping: a.store.Ping},
		{Name: "progress", Ping: a.tracker.Ping},
		{Name: "search", Ping: func(ctx context.Context) error {
			if !a.index.Healthy(ctx) {
				return errors.New("search engine unavailable")
			}
			return nil
		}},
	}
	a.apiServer = api.NewServer(api.Deps{
		Sites:    a.store,
		Progress: a.tracker,
		Searcher: a.index,
		Queue:    a.dispatch,
		Clock:    a.clock,
		Checks:   checks,
	}, api.Options{
		APIKey:         apiKey,
		MetricsEnabled: a.cfg.Metrics.Enabled,
	}, a.logger.Named("api"))
}

// Handler exposes the HTTP router.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP, runs the worker pool and the reindex scheduler, and
// blocks until ctx is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Concurrency))
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
		Handler:           a.Handler(),
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	a.queue.Close()
	wg.Wait()

	closeErr := a.Close()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Scrape runs one site's job with retries in the foreground.
func (a *App) Scrape(ctx context.Context, siteID int64) (indexer.JobResult, error) {
	res, err := a.coord.RunWithRetry(ctx, siteID)
	if err != nil {
		return res, fmt.Errorf("scrape site %d: %w", siteID, err)
	}
	return res, nil
}

// ReindexScan runs one reindex scan and waits for the jobs it enqueued to
// finish.
func (a *App) ReindexScan(ctx context.Context) (coordinator.ScanResult, error) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.dispatch.Run(ctx)
	}()
	res, err := a.scanner.PeriodicReindexScan(ctx)
	a.queue.Close()
	<-done
	if err != nil {
		return res, fmt.Errorf("reindex scan: %w", err)
	}
	return res, nil
}

// Close releases every client. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.queue != nil {
			a.queue.Close()
		}
		a.closeInfrastructure()
		if err := a.logger.Sync(); err != nil {
			a.logger.Debug("logger sync failed", zap.Error(err))
		}
		a.logger.Info("shutdown complete")
	})
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}
