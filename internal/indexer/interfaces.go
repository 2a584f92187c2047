package indexer

import (
	"context"
	"time"
)

// SiteStore persists sites and their lifecycle state.
type SiteStore interface {
	// CreateSite inserts site unless its domain already exists, in which case
	// the existing row is returned with created=false.
	CreateSite(ctx context.Context, site Site) (Site, bool, error)
	GetSite(ctx context.Context, siteID int64) (Site, error)
	MarkScraping(ctx context.Context, siteID int64, at time.Time) error
	MarkCompleted(ctx context.Context, siteID int64, pageCount int, at time.Time) error
	MarkFailed(ctx context.Context, siteID int64, at time.Time) error
	// ListReindexCandidates returns completed sites with auto_reindex enabled.
	ListReindexCandidates(ctx context.Context) ([]Site, error)
}

// PageStore persists crawled pages.
type PageStore interface {
	InsertPage(ctx context.Context, page Page) (Page, error)
	DeletePages(ctx context.Context, siteID int64, pageIDs []int64) error
	CountPages(ctx context.Context, siteID int64) (int, error)
}

// Store combines site and page persistence with a liveness check.
type Store interface {
	SiteStore
	PageStore
	Ping(ctx context.Context) error
}

// ProgressFunc is invoked synchronously as each crawl element is yielded,
// before the consumer sees it. index is zero-based.
type ProgressFunc func(index int, url string)

// CrawlRequest describes one crawl.
type CrawlRequest struct {
	RootURL  string
	MaxDepth int
	Config   SiteConfig
}

// PageStream yields crawled pages lazily. Next returns io.EOF once the
// crawler has finished successfully.
type PageStream interface {
	Next(ctx context.Context) (CrawledPage, error)
	Close() error
}

// Crawler opens a stream of pages for a site.
type Crawler interface {
	Stream(ctx context.Context, req CrawlRequest, onPage ProgressFunc) (PageStream, error)
}

// TaskInfo is the acknowledgement returned by the search engine.
type TaskInfo struct {
	TaskUID    int64     `json:"task_uid"`
	Status     string    `json:"status"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SearchIndex receives document batches.
type SearchIndex interface {
	UpsertBatch(ctx context.Context, docs []Document) (TaskInfo, error)
	DeleteBySite(ctx context.Context, siteID int64) (TaskInfo, error)
	DeleteDocuments(ctx context.Context, ids []string) (TaskInfo, error)
}

// SearchQuery is a full-text query, optionally scoped to one site.
type SearchQuery struct {
	Query  string
	SiteID int64
	Limit  int
	Offset int
}

// SearchHit is one ranked result.
type SearchHit struct {
	ID      string  `json:"id"`
	SiteID  int64   `json:"site_id"`
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// SearchResult is a page of hits.
type SearchResult struct {
	Query            string      `json:"query"`
	Hits             []SearchHit `json:"hits"`
	EstimatedTotal   int64       `json:"estimated_total"`
	Limit            int         `json:"limit"`
	Offset           int         `json:"offset"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

// IndexStats summarizes the search index.
type IndexStats struct {
	NumberOfDocuments int64 `json:"number_of_documents"`
	IsIndexing        bool  `json:"is_indexing"`
}

// Searcher is the query side of the search index.
type Searcher interface {
	Search(ctx context.Context, query SearchQuery) (SearchResult, error)
	Stats(ctx context.Context) (IndexStats, error)
	Healthy(ctx context.Context) bool
	EnsureSettings(ctx context.Context) error
}

// Index is a full search index client.
type Index interface {
	SearchIndex
	Searcher
}

// ProgressTracker stores ephemeral per-site progress.
type ProgressTracker interface {
	Set(ctx context.Context, siteID int64, progress Progress) error
	// Get returns WaitingProgress with a nil error when nothing is recorded.
	Get(ctx context.Context, siteID int64) (Progress, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker guards against concurrent jobs for one site. TryLock returns
// ErrJobInProgress when the site is already held.
type Locker interface {
	TryLock(ctx context.Context, siteID int64) (func(), error)
}

// Enqueuer queues pipeline jobs. Enqueue returns ErrJobQueued when a job for
// the site is already waiting.
type Enqueuer interface {
	Enqueue(ctx context.Context, req JobRequest) error
}

// Queue is the job queue consumed by the worker pool.
type Queue interface {
	Enqueuer
	Dequeue(ctx context.Context) (JobRequest, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
