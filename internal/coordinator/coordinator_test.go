package coordinator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/progress"
	pubmemory "github.com/JakeFAU/sitesearch/internal/publisher/memory"
	"github.com/JakeFAU/sitesearch/internal/searchindex"
	"github.com/JakeFAU/sitesearch/internal/sitelock"
	"github.com/JakeFAU/sitesearch/internal/storage/memory"
)

type harness struct {
	coord     *Coordinator
	store     *memory.Store
	crawler   *fakeCrawler
	index     *recordingIndex
	tracker   *recordingTracker
	publisher *pubmemory.Publisher
	locks     *sitelock.Memory
	sleeper   *recordingSleep
	site      indexer.Site
}

func newHarness(t *testing.T, scripts ...attemptScript) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewStore(),
		crawler:   &fakeCrawler{scripts: scripts},
		index:     &recordingIndex{},
		tracker:   &recordingTracker{},
		publisher: pubmemory.New(),
		locks:     sitelock.NewMemory(),
		sleeper:   &recordingSleep{},
	}
	site, _, err := h.store.CreateSite(context.Background(), indexer.Site{
		URL:    "https://example.com",
		Domain: "example.com",
		Config: indexer.DefaultSiteConfig(),
	})
	require.NoError(t, err)
	h.site = site

	coord, err := New(Deps{
		Store:     h.store,
		Crawler:   h.crawler,
		Index:     h.index,
		Progress:  h.tracker,
		Publisher: h.publisher,
		Locker:    h.locks,
		Clock:     &fixedClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
		IDs:       staticIDs{},
	}, Config{NotifyTopic: "scrape-events"}, nil)
	require.NoError(t, err)
	coord.sleep = h.sleeper.Sleep
	h.coord = coord
	return h
}

func (h *harness) reload(t *testing.T) indexer.Site {
	t.Helper()
	site, err := h.store.GetSite(context.Background(), h.site.ID)
	require.NoError(t, err)
	return site
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{}, nil)
	require.Error(t, err)
	_, err = New(Deps{Store: memory.NewStore(), Crawler: &fakeCrawler{}, Index: searchindex.NewMemory()}, Config{}, nil)
	require.ErrorContains(t, err, "progress")
}

func TestBackoffSchedule(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	require.Equal(t, 60*time.Second, cfg.Backoff(0))
	require.Equal(t, 120*time.Second, cfg.Backoff(1))
	require.Equal(t, 240*time.Second, cfg.Backoff(2))
}

func TestStartJobThreePages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(3)})

	result, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, indexer.JobResult{SiteID: h.site.ID, PagesScraped: 3, Status: indexer.SiteStatusCompleted}, result)

	site := h.reload(t)
	require.Equal(t, indexer.SiteStatusCompleted, site.Status)
	require.Equal(t, 3, site.PageCount)
	require.NotNil(t, site.LastScraped)
	require.Len(t, h.store.Pages(h.site.ID), 3)

	require.Equal(t, []int{3}, h.index.BatchSizes())
	doc := h.index.batches[0][0]
	require.Equal(t, indexer.DocumentID(h.site.ID, h.store.Pages(h.site.ID)[0].ID), doc.ID)

	final, err := h.tracker.Get(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, indexer.ProgressCompleted, final.Status)
	require.True(t, final.Done)
	require.Equal(t, 3, final.PagesFound)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "scrape-events", msgs[0].Topic)
	note := msgs[0].Payload.(indexer.JobNotification)
	require.Equal(t, indexer.SiteStatusCompleted, note.Status)
	require.Equal(t, 3, note.PagesScraped)
	require.Equal(t, "run-1", note.RunID)
	require.False(t, h.locks.Held(h.site.ID))
}

func TestStartJobBatchesOfTen(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(25)})

	result, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, 25, result.PagesScraped)
	require.Equal(t, []int{10, 10, 5}, h.index.BatchSizes())
}

func TestStartJobPassesDepthThrough(t *testing.T) {
	t.Parallel()

	for depth := 1; depth <= 5; depth++ {
		h := newHarness(t, attemptScript{pages: crawledPages(1)})
		site := h.reload(t)
		site.Config.MaxDepth = depth
		h.store.PutSite(site)

		_, err := h.coord.StartJob(context.Background(), h.site.ID)
		require.NoError(t, err)
		reqs := h.crawler.Requests()
		require.Len(t, reqs, 1)
		require.Equal(t, depth, reqs[0].MaxDepth)
		require.Equal(t, "https://example.com", reqs[0].RootURL)
	}
}

func TestStartJobRejectsInvalidDepthBeforeCrawling(t *testing.T) {
	t.Parallel()

	for _, depth := range []int{-1, 6, 7} {
		h := newHarness(t, attemptScript{pages: crawledPages(1)})
		site := h.reload(t)
		site.Config.MaxDepth = depth
		h.store.PutSite(site)

		_, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
		var verr *indexer.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Empty(t, h.crawler.Requests())
		require.Empty(t, h.sleeper.Delays())
		require.Equal(t, indexer.SiteStatusFailed, h.reload(t).Status)
	}
}

func TestStartJobSiteNotFound(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.coord.RunWithRetry(context.Background(), 404)
	require.ErrorIs(t, err, indexer.ErrSiteNotFound)
	require.Empty(t, h.crawler.Requests())
	require.Empty(t, h.sleeper.Delays())
}

func TestStartJobTruncatesIndexedContentOnly(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ü", 15000)
	h := newHarness(t, attemptScript{pages: []indexer.CrawledPage{{URL: "https://example.com/long", Title: "Long", Content: long}}})

	_, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)

	stored := h.store.Pages(h.site.ID)
	require.Len(t, stored, 1)
	require.Equal(t, long, stored[0].Content)

	doc := h.index.batches[0][0]
	require.Equal(t, 10000, utf8.RuneCountInString(doc.Content))
}

func TestStartJobIndexFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(12)})
	h.index.fail = errors.New("meilisearch down")

	result, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, indexer.SiteStatusCompleted, result.Status)
	require.Equal(t, 12, h.reload(t).PageCount)
}

func TestStartJobProgressFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(4)})
	h.tracker.fail = true

	result, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, 4, result.PagesScraped)
	require.Equal(t, indexer.SiteStatusCompleted, h.reload(t).Status)
}

func TestStartJobPublishFailureIsNonFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(2)})
	h.coord.deps.Publisher = failingPublisher{}

	_, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
}

func TestStartJobProgressIsMonotone(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(7)})

	var seenBeforeYield []int
	h.crawler.beforeYield = func() {
		p, _ := h.tracker.Get(context.Background(), h.site.ID)
		seenBeforeYield = append(seenBeforeYield, p.PagesFound)
	}

	_, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)

	writes := h.tracker.Writes()
	require.NotEmpty(t, writes)
	require.Equal(t, indexer.ProgressScraping, writes[0].Status)
	require.Zero(t, writes[0].PagesFound)
	for i := 1; i < len(writes); i++ {
		require.GreaterOrEqual(t, writes[i].PagesFound, writes[i-1].PagesFound)
	}
	last := writes[len(writes)-1]
	require.Equal(t, h.reload(t).PageCount, last.PagesFound)
	require.True(t, last.Done)

	// The hook fires before the page is processed.
	require.Equal(t, []int{0, 1, 2, 3, 4, 5, 6}, seenBeforeYield)
}

func TestStartJobRejectsConcurrentJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(1)})

	release, err := h.locks.TryLock(context.Background(), h.site.ID)
	require.NoError(t, err)

	_, err = h.coord.StartJob(context.Background(), h.site.ID)
	require.ErrorIs(t, err, indexer.ErrJobInProgress)
	_, err = h.coord.RunWithRetry(context.Background(), h.site.ID)
	require.ErrorIs(t, err, indexer.ErrJobInProgress)
	require.Empty(t, h.crawler.Requests())

	release()
	_, err = h.coord.StartJob(context.Background(), h.site.ID)
	require.NoError(t, err)
}

func TestConcurrentRunsForOneSiteExecuteOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(2)})
	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	h.crawler.beforeYield = func() {
		once.Do(func() {
			close(entered)
			<-proceed
		})
	}

	errs := make(chan error, 1)
	go func() {
		_, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
		errs <- err
	}()
	<-entered
	_, err := h.coord.StartJob(context.Background(), h.site.ID)
	require.ErrorIs(t, err, indexer.ErrJobInProgress)
	close(proceed)
	require.NoError(t, <-errs)
	require.Len(t, h.crawler.Requests(), 1)
}

func TestRunWithRetryTimeoutEveryAttempt(t *testing.T) {
	t.Parallel()
	timeout := &indexer.CrawlError{Kind: indexer.CrawlTimeout, Err: context.DeadlineExceeded}
	h := newHarness(t, attemptScript{openErr: timeout})

	result, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
	var exhausted *indexer.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 4, exhausted.Attempts)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, indexer.SiteStatusFailed, result.Status)

	// One initial attempt and three retries; nothing after the 240s slot.
	require.Len(t, h.crawler.Requests(), 4)
	require.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second, 240 * time.Second}, h.sleeper.Delays())
	require.Equal(t, indexer.SiteStatusFailed, h.reload(t).Status)

	final, _ := h.tracker.Get(context.Background(), h.site.ID)
	require.Equal(t, indexer.ProgressFailed, final.Status)
	require.True(t, final.Done)

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 4)
	require.Equal(t, 4, msgs[3].Payload.(indexer.JobNotification).Attempt)
}

func TestRunWithRetryHonoursConfiguredRetries(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{openErr: &indexer.CrawlError{Kind: indexer.CrawlProcessFailure, ExitCode: 2}})
	cfg := h.coord.Config()
	cfg.MaxRetries = 1
	cfg.BackoffBase = time.Second
	coord, err := New(h.coord.deps, cfg, nil)
	require.NoError(t, err)
	coord.sleep = h.sleeper.Sleep

	_, err = coord.RunWithRetry(context.Background(), h.site.ID)
	var exhausted *indexer.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Equal(t, 2, exhausted.Attempts)
	require.Len(t, h.crawler.Requests(), 2)
	require.Equal(t, []time.Duration{time.Second}, h.sleeper.Delays())
}

func TestRunWithRetryRecoversWithoutDuplicates(t *testing.T) {
	t.Parallel()
	failure := &indexer.CrawlError{Kind: indexer.CrawlProcessFailure, ExitCode: 1}
	h := newHarness(t,
		attemptScript{pages: crawledPages(2), err: failure},
		attemptScript{pages: crawledPages(3)},
	)

	result, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
	require.NoError(t, err)
	require.Equal(t, 3, result.PagesScraped)
	require.Equal(t, []time.Duration{60 * time.Second}, h.sleeper.Delays())

	pages := h.store.Pages(h.site.ID)
	require.Len(t, pages, 3)
	require.Equal(t, 3, h.reload(t).PageCount)
	require.Equal(t, []string{indexer.DocumentID(h.site.ID, 1), indexer.DocumentID(h.site.ID, 2)}, h.index.deleted)
}

// A reindex adds a fresh copy of every page and document; nothing from the
// earlier run is pruned.
func TestReindexKeepsEarlierRunPages(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(3)})

	_, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
	require.NoError(t, err)
	_, err = h.coord.RunWithRetry(context.Background(), h.site.ID)
	require.NoError(t, err)

	require.Len(t, h.store.Pages(h.site.ID), 6)
	require.Equal(t, 3, h.reload(t).PageCount)
	require.Equal(t, []int{3, 3}, h.index.BatchSizes())
	require.Empty(t, h.index.deleted)
}

func TestRunWithRetryPersistenceErrorIsRetried(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(5)})
	h.store.FailInsertAfter = 2

	_, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
	var exhausted *indexer.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	require.Len(t, h.crawler.Requests(), 4)
	require.Len(t, h.sleeper.Delays(), 3)
}

func TestRunWithRetryCancelledDuringBackoff(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{openErr: &indexer.CrawlError{Kind: indexer.CrawlTimeout}})
	ctx, cancel := context.WithCancel(context.Background())
	h.sleeper.hook = func(int) { cancel() }

	_, err := h.coord.RunWithRetry(ctx, h.site.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.crawler.Requests(), 1)
	require.NotEqual(t, indexer.SiteStatusCompleted, h.reload(t).Status)
	require.False(t, h.locks.Held(h.site.ID))
}

func TestRunWithRetryCancelledMidCrawl(t *testing.T) {
	t.Parallel()
	h := newHarness(t, attemptScript{pages: crawledPages(5)})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	h.crawler.beforeYield = func() {
		calls++
		if calls == 2 {
			cancel()
		}
	}

	_, err := h.coord.RunWithRetry(ctx, h.site.ID)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, h.crawler.Requests(), 1)
	require.Empty(t, h.sleeper.Delays())

	site := h.reload(t)
	require.Equal(t, indexer.SiteStatusFailed, site.Status)
	final, _ := h.tracker.Get(context.Background(), h.site.ID)
	require.Equal(t, indexer.ProgressFailed, final.Status)
}

func TestRunWithRetryResetsProgressEachAttempt(t *testing.T) {
	t.Parallel()
	h := newHarness(t,
		attemptScript{pages: crawledPages(3), err: &indexer.CrawlError{Kind: indexer.CrawlParseFailure, Line: 4}},
		attemptScript{pages: crawledPages(2)},
	)
	_, err := h.coord.RunWithRetry(context.Background(), h.site.ID)
	require.NoError(t, err)

	var starts int
	for _, w := range h.tracker.Writes() {
		if w.Status == indexer.ProgressScraping && w.PagesFound == 0 && w.CurrentURL == "https://example.com" {
			starts++
		}
	}
	require.Equal(t, 2, starts)
}

func TestStartJobWithMemoryCollaborators(t *testing.T) {
	t.Parallel()
	store := memory.NewStore()
	index := searchindex.NewMemory()
	tracker := progress.NewMemoryTracker(time.Hour, nil)
	site, _, err := store.CreateSite(context.Background(), indexer.Site{URL: "https://docs.example.com", Domain: "docs.example.com", Config: indexer.DefaultSiteConfig()})
	require.NoError(t, err)

	coord, err := New(Deps{
		Store:    store,
		Crawler:  &fakeCrawler{scripts: []attemptScript{{pages: []indexer.CrawledPage{{URL: "https://docs.example.com/install", Title: "Install", Content: "install the binary"}}}}},
		Index:    index,
		Progress: tracker,
	}, DefaultConfig(), nil)
	require.NoError(t, err)

	_, err = coord.StartJob(context.Background(), site.ID)
	require.NoError(t, err)

	res, err := index.Search(context.Background(), indexer.SearchQuery{Query: "install", SiteID: site.ID})
	require.NoError(t, err)
	require.Len(t, res.Hits, 1)
	got, err := tracker.Get(context.Background(), site.ID)
	require.NoError(t, err)
	require.Equal(t, indexer.ProgressCompleted, got.Status)
}
