package coordinator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// RunWithRetry runs the job for siteID, retrying retryable failures with
// exponential backoff. The per-site lock is held across every attempt and
// sleep. The initial attempt is followed by at most Config.MaxRetries
// retries; retry i+1 starts after sleeping Config.Backoff(i).
func (c *Coordinator) RunWithRetry(ctx context.Context, siteID int64) (indexer.JobResult, error) {
	release, err := c.deps.Locker.TryLock(ctx, siteID)
	if err != nil {
		return failedResult(siteID, 0), err
	}
	defer release()

	runID := c.newRunID()
	log := c.logger.With(zap.Int64("site_id", siteID), zap.String("run_id", runID))

	var (
		result  indexer.JobResult
		lastErr error
	)
	attempts := c.cfg.MaxRetries + 1
	for retry := 0; ; retry++ {
		attempt := retry + 1
		start := time.Now()
		res, inserted, err := c.runAttempt(ctx, run{siteID: siteID, runID: runID, attempt: attempt})
		result = res
		if err == nil {
			metrics.ObserveAttempt(string(indexer.SiteStatusCompleted), time.Since(start))
			metrics.ObserveJob(string(indexer.SiteStatusCompleted))
			return result, nil
		}
		lastErr = err
		if !indexer.IsRetryable(err) {
			metrics.ObserveAttempt(string(indexer.SiteStatusFailed), time.Since(start))
			metrics.ObserveJob(string(indexer.SiteStatusFailed))
			return result, err
		}
		metrics.ObserveAttempt("retryable", time.Since(start))
		if retry == c.cfg.MaxRetries {
			break
		}

		c.discardAttempt(ctx, log, siteID, inserted)
		delay := c.cfg.Backoff(retry)
		log.Info("retrying job",
			zap.Int("attempt", attempt),
			zap.Int("retry", retry+1),
			zap.Int("max_retries", c.cfg.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			metrics.ObserveJob(string(indexer.SiteStatusFailed))
			return result, err
		}
	}

	metrics.ObserveJob("exhausted")
	log.Error("retries exhausted", zap.Int("attempts", attempts), zap.Error(lastErr))
	return result, &indexer.ExhaustedError{Attempts: attempts, Err: lastErr}
}

// discardAttempt removes the pages and documents written by a failed attempt
// that is about to be retried, so the retry does not duplicate them.
func (c *Coordinator) discardAttempt(ctx context.Context, log *zap.Logger, siteID int64, pageIDs []int64) {
	if len(pageIDs) == 0 {
		return
	}
	if err := c.deps.Store.DeletePages(ctx, siteID, pageIDs); err != nil {
		c.nonFatal(log, EffectCleanup, err)
		return
	}
	docIDs := make([]string, len(pageIDs))
	for i, id := range pageIDs {
		docIDs[i] = indexer.DocumentID(siteID, id)
	}
	if _, err := c.deps.Index.DeleteDocuments(ctx, docIDs); err != nil {
		c.nonFatal(log, EffectIndex, err)
	}
	log.Debug("discarded pages from failed attempt", zap.Int("pages", len(pageIDs)))
}
