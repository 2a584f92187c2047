package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// attemptScript describes what the fake crawler yields on one attempt.
type attemptScript struct {
	pages []indexer.CrawledPage
	// err is returned after pages are exhausted; nil means a clean EOF.
	err error
	// openErr fails Stream itself.
	openErr error
}

type fakeCrawler struct {
	mu       sync.Mutex
	scripts  []attemptScript
	requests []indexer.CrawlRequest
	// hookCalls records (index, url) pairs in the order the hook fired.
	hookCalls []string
	// beforeYield, if set, runs after the hook fires and before the page is yielded.
	beforeYield func()
}

func (f *fakeCrawler) Stream(_ context.Context, req indexer.CrawlRequest, onPage indexer.ProgressFunc) (indexer.PageStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.requests)
	f.requests = append(f.requests, req)
	script := attemptScript{}
	if n < len(f.scripts) {
		script = f.scripts[n]
	} else if len(f.scripts) > 0 {
		script = f.scripts[len(f.scripts)-1]
	}
	if script.openErr != nil {
		return nil, script.openErr
	}
	return &fakeStream{crawler: f, script: script, onPage: onPage}, nil
}

func (f *fakeCrawler) Requests() []indexer.CrawlRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]indexer.CrawlRequest(nil), f.requests...)
}

type fakeStream struct {
	crawler *fakeCrawler
	script  attemptScript
	onPage  indexer.ProgressFunc
	next    int
	closed  bool
}

func (s *fakeStream) Next(ctx context.Context) (indexer.CrawledPage, error) {
	if err := ctx.Err(); err != nil {
		return indexer.CrawledPage{}, err
	}
	if s.next < len(s.script.pages) {
		page := s.script.pages[s.next]
		if s.onPage != nil {
			s.onPage(s.next, page.URL)
		}
		s.crawler.mu.Lock()
		s.crawler.hookCalls = append(s.crawler.hookCalls, fmt.Sprintf("%d:%s", s.next, page.URL))
		beforeYield := s.crawler.beforeYield
		s.crawler.mu.Unlock()
		if beforeYield != nil {
			beforeYield()
		}
		s.next++
		return page, nil
	}
	if s.script.err != nil {
		return indexer.CrawledPage{}, s.script.err
	}
	return indexer.CrawledPage{}, io.EOF
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func crawledPages(n int) []indexer.CrawledPage {
	pages := make([]indexer.CrawledPage, n)
	for i := range pages {
		pages[i] = indexer.CrawledPage{
			URL:     fmt.Sprintf("https://example.com/p%d", i),
			Title:   fmt.Sprintf("Page %d", i),
			Content: fmt.Sprintf("content for page %d", i),
		}
	}
	return pages
}

// recordingIndex records batch sizes and can be told to fail.
type recordingIndex struct {
	mu      sync.Mutex
	batches [][]indexer.Document
	deleted []string
	fail    error
}

func (r *recordingIndex) UpsertBatch(_ context.Context, docs []indexer.Document) (indexer.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return indexer.TaskInfo{}, r.fail
	}
	r.batches = append(r.batches, append([]indexer.Document(nil), docs...))
	return indexer.TaskInfo{TaskUID: int64(len(r.batches)), Status: "enqueued"}, nil
}

func (r *recordingIndex) DeleteBySite(context.Context, int64) (indexer.TaskInfo, error) {
	return indexer.TaskInfo{}, nil
}

func (r *recordingIndex) DeleteDocuments(_ context.Context, ids []string) (indexer.TaskInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, ids...)
	return indexer.TaskInfo{}, nil
}

func (r *recordingIndex) BatchSizes() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	sizes := make([]int, len(r.batches))
	for i, b := range r.batches {
		sizes[i] = len(b)
	}
	return sizes
}

// recordingTracker keeps every write and can be told to fail.
type recordingTracker struct {
	mu     sync.Mutex
	writes []indexer.Progress
	fail   bool
}

func (r *recordingTracker) Set(_ context.Context, _ int64, p indexer.Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("redis unavailable")
	}
	r.writes = append(r.writes, p)
	return nil
}

func (r *recordingTracker) Get(context.Context, int64) (indexer.Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return indexer.WaitingProgress(), nil
	}
	return r.writes[len(r.writes)-1], nil
}

func (r *recordingTracker) Writes() []indexer.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]indexer.Progress(nil), r.writes...)
}

type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type staticIDs struct{}

func (staticIDs) NewID() (string, error) { return "run-1", nil }

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("pubsub unavailable")
}

// recordingSleep captures backoff delays without sleeping.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
	hook   func(int)
}

func (r *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	n := len(r.delays)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return ctx.Err()
}

func (r *recordingSleep) Delays() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

type fakeEnqueuer struct {
	mu       sync.Mutex
	requests []indexer.JobRequest
	failFor  map[int64]error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, req indexer.JobRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failFor[req.SiteID]; err != nil {
		return err
	}
	f.requests = append(f.requests, req)
	return nil
}
