// Package coordinator runs the scrape-and-index pipeline for one site: it
// drives the crawl stream, persists pages, feeds the search index in
// batches, keeps the live progress record current, and publishes a
// notification when the job reaches a terminal state. RunWithRetry wraps a
// job in a bounded exponential-backoff retry loop, and Scanner finds sites
// due for a periodic reindex.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/id/uuid"
	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
	"github.com/JakeFAU/sitesearch/internal/sitelock"
)

// Non-fatal effect names, used in logs and the non-fatal error metric.
const (
	EffectIndex    = "index"
	EffectProgress = "progress"
	EffectPublish  = "publish"
	EffectStatus   = "status"
	EffectCleanup  = "cleanup"
)

const bestEffortTimeout = 10 * time.Second

// Config holds the pipeline knobs.
type Config struct {
	BatchSize  int
	ContentCap int
	// MaxRetries bounds the retries after the initial attempt.
	MaxRetries      int
	BackoffBase     time.Duration
	DefaultMaxDepth int
	// NotifyTopic is passed to the publisher with every notification.
	NotifyTopic string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:       10,
		ContentCap:      10000,
		MaxRetries:      3,
		BackoffBase:     60 * time.Second,
		DefaultMaxDepth: indexer.DefaultMaxDepth,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.ContentCap <= 0 {
		c.ContentCap = def.ContentCap
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.DefaultMaxDepth <= 0 {
		c.DefaultMaxDepth = def.DefaultMaxDepth
	}
	return c
}

// Backoff returns the delay slept after the failed attempt with zero-based
// retry index i: BackoffBase * 2^i.
func (c Config) Backoff(i int) time.Duration {
	return c.BackoffBase << uint(i)
}

// Deps are the collaborators of a Coordinator. Publisher, Locker, Clock and
// IDs are optional.
type Deps struct {
	Store     indexer.Store
	Crawler   indexer.Crawler
	Index     indexer.SearchIndex
	Progress  indexer.ProgressTracker
	Publisher indexer.Publisher
	Locker    indexer.Locker
	Clock     indexer.Clock
	IDs       indexer.IDGenerator
}

// Coordinator runs pipeline jobs.
type Coordinator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

// New validates deps and builds a Coordinator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Coordinator, error) {
	if deps.Store == nil {
		return nil, errors.New("coordinator: store is required")
	}
	if deps.Crawler == nil {
		return nil, errors.New("coordinator: crawler is required")
	}
	if deps.Index == nil {
		return nil, errors.New("coordinator: search index is required")
	}
	if deps.Progress == nil {
		return nil, errors.New("coordinator: progress tracker is required")
	}
	if deps.Locker == nil {
		deps.Locker = sitelock.NewMemory()
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewRunIDs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("coordinator"),
		sleep:  sleepContext,
	}, nil
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

type run struct {
	siteID  int64
	runID   string
	attempt int
}

// StartJob runs a single attempt for siteID under the per-site lock.
func (c *Coordinator) StartJob(ctx context.Context, siteID int64) (indexer.JobResult, error) {
	release, err := c.deps.Locker.TryLock(ctx, siteID)
	if err != nil {
		return failedResult(siteID, 0), err
	}
	defer release()

	start := time.Now()
	result, _, err := c.runAttempt(ctx, run{siteID: siteID, runID: c.newRunID(), attempt: 1})
	outcome := string(result.Status)
	if err != nil {
		outcome = string(indexer.SiteStatusFailed)
	}
	metrics.ObserveAttempt(outcome, time.Since(start))
	metrics.ObserveJob(outcome)
	return result, err
}

func failedResult(siteID int64, pages int) indexer.JobResult {
	return indexer.JobResult{SiteID: siteID, PagesScraped: pages, Status: indexer.SiteStatusFailed}
}

func (c *Coordinator) newRunID() string {
	id, err := c.deps.IDs.NewID()
	if err != nil {
		c.logger.Warn("generate run id failed", zap.Error(err))
		return ""
	}
	return id
}

// runAttempt executes one pass of the pipeline. It returns the ids of the
// pages it inserted so a retry can discard them.
func (c *Coordinator) runAttempt(ctx context.Context, r run) (indexer.JobResult, []int64, error) {
	log := c.logger.With(zap.Int64("site_id", r.siteID), zap.String("run_id", r.runID), zap.Int("attempt", r.attempt))

	site, err := c.deps.Store.GetSite(ctx, r.siteID)
	if err != nil {
		if errors.Is(err, indexer.ErrSiteNotFound) {
			return failedResult(r.siteID, 0), nil, err
		}
		return c.fail(ctx, log, indexer.Site{ID: r.siteID}, r, 0, nil, err)
	}

	cfg := site.Config
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = c.cfg.DefaultMaxDepth
	}
	if err := cfg.Validate(); err != nil {
		return c.fail(ctx, log, site, r, 0, nil, err)
	}

	if err := c.deps.Store.MarkScraping(ctx, site.ID, c.deps.Clock.Now()); err != nil {
		return c.fail(ctx, log, site, r, 0, nil, fmt.Errorf("mark scraping: %w", err))
	}
	c.setProgress(ctx, log, site.ID, indexer.Progress{CurrentURL: site.URL, Status: indexer.ProgressScraping})
	log.Info("job started", zap.String("url", site.URL), zap.Int("max_depth", cfg.MaxDepth))

	var (
		persisted int
		inserted  []int64
		lastURL   = site.URL
	)
	onPage := func(_ int, url string) {
		c.setProgress(ctx, log, site.ID, indexer.Progress{PagesFound: persisted, CurrentURL: url, Status: indexer.ProgressScraping})
	}
	stream, err := c.deps.Crawler.Stream(ctx, indexer.CrawlRequest{RootURL: site.URL, MaxDepth: cfg.MaxDepth, Config: cfg}, onPage)
	if err != nil {
		return c.fail(ctx, log, site, r, 0, nil, err)
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			log.Debug("close crawl stream", zap.Error(cerr))
		}
	}()

	batch := newBatcher(c.deps.Index, c.cfg.BatchSize, func(err error) { c.nonFatal(log, EffectIndex, err) })
	var jobErr error
	for {
		crawled, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			jobErr = err
			break
		}
		page, err := c.deps.Store.InsertPage(ctx, indexer.Page{
			SiteID:    site.ID,
			URL:       crawled.URL,
			Title:     crawled.Title,
			Content:   crawled.Content,
			Metadata:  crawled.Metadata,
			IndexedAt: c.deps.Clock.Now(),
		})
		if err != nil {
			jobErr = fmt.Errorf("persist page: %w", err)
			break
		}
		persisted++
		inserted = append(inserted, page.ID)
		lastURL = crawled.URL
		metrics.ObservePagePersisted()
		c.setProgress(ctx, log, site.ID, indexer.Progress{PagesFound: persisted, CurrentURL: crawled.URL, Status: indexer.ProgressScraping})
		batch.Add(ctx, indexer.NewDocument(page, c.cfg.ContentCap))
	}

	if jobErr != nil {
		if ctx.Err() == nil {
			batch.Flush(ctx)
		}
		return c.fail(ctx, log, site, r, persisted, inserted, jobErr)
	}
	batch.Flush(ctx)

	finished := c.deps.Clock.Now()
	if err := c.deps.Store.MarkCompleted(ctx, site.ID, persisted, finished); err != nil {
		return c.fail(ctx, log, site, r, persisted, inserted, fmt.Errorf("mark completed: %w", err))
	}
	c.setProgress(ctx, log, site.ID, indexer.Progress{
		PagesFound: persisted,
		CurrentURL: lastURL,
		Status:     indexer.ProgressCompleted,
		UpdatedAt:  finished,
		Done:       true,
	})
	c.publish(ctx, log, indexer.JobNotification{
		SiteID:       site.ID,
		Domain:       site.Domain,
		Status:       indexer.SiteStatusCompleted,
		PagesScraped: persisted,
		Attempt:      r.attempt,
		RunID:        r.runID,
		Timestamp:    finished,
	})
	log.Info("job completed", zap.Int("pages", persisted))
	return indexer.JobResult{SiteID: site.ID, PagesScraped: persisted, Status: indexer.SiteStatusCompleted}, inserted, nil
}

// fail records a failed attempt. Every write here is best-effort and runs
// detached from ctx so a cancelled job still leaves a terminal record.
func (c *Coordinator) fail(
	ctx context.Context,
	log *zap.Logger,
	site indexer.Site,
	r run,
	persisted int,
	inserted []int64,
	cause error,
) (indexer.JobResult, []int64, error) {
	effCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	now := c.deps.Clock.Now()
	if err := c.deps.Store.MarkFailed(effCtx, site.ID, now); err != nil {
		c.nonFatal(log, EffectStatus, err)
	}
	c.setProgress(effCtx, log, site.ID, indexer.Progress{
		PagesFound: persisted,
		CurrentURL: site.URL,
		Status:     indexer.ProgressFailed,
		UpdatedAt:  now,
		Done:       true,
	})
	c.publish(effCtx, log, indexer.JobNotification{
		SiteID:       site.ID,
		Domain:       site.Domain,
		Status:       indexer.SiteStatusFailed,
		PagesScraped: persisted,
		Attempt:      r.attempt,
		RunID:        r.runID,
		Timestamp:    now,
		Error:        cause.Error(),
	})
	log.Warn("job attempt failed", zap.Int("pages", persisted), zap.Error(cause))
	return failedResult(site.ID, persisted), inserted, cause
}

func (c *Coordinator) setProgress(ctx context.Context, log *zap.Logger, siteID int64, p indexer.Progress) {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = c.deps.Clock.Now()
	}
	if err := c.deps.Progress.Set(ctx, siteID, p); err != nil {
		c.nonFatal(log, EffectProgress, err)
	}
}

func (c *Coordinator) publish(ctx context.Context, log *zap.Logger, n indexer.JobNotification) {
	if c.deps.Publisher == nil {
		return
	}
	if _, err := c.deps.Publisher.Publish(ctx, c.cfg.NotifyTopic, n); err != nil {
		c.nonFatal(log, EffectPublish, err)
	}
}

func (c *Coordinator) nonFatal(log *zap.Logger, effect string, err error) {
	metrics.ObserveNonFatal(effect)
	log.Warn("non-fatal effect failed", zap.String("effect", effect), zap.Error(indexer.NonFatal(effect, err)))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
