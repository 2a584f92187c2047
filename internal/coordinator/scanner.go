package coordinator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/clock/system"
	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// ScanResult summarizes one reindex scan.
type ScanResult struct {
	Scanned  int `json:"scanned"`
	Enqueued int `json:"enqueued"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Scanner enqueues reindex jobs for sites whose refresh interval elapsed.
type Scanner struct {
	sites  indexer.SiteStore
	queue  indexer.Enqueuer
	clock  indexer.Clock
	logger *zap.Logger
}

// NewScanner builds a Scanner. A nil clock uses the system clock.
func NewScanner(sites indexer.SiteStore, queue indexer.Enqueuer, clock indexer.Clock, logger *zap.Logger) *Scanner {
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scanner{sites: sites, queue: queue, clock: clock, logger: logger.Named("reindex_scan")}
}

// PeriodicReindexScan lists auto-reindex candidates and enqueues the ones
// that are due. A failed enqueue is logged and counted; it does not stop the
// scan.
func (s *Scanner) PeriodicReindexScan(ctx context.Context) (ScanResult, error) {
	var result ScanResult
	candidates, err := s.sites.ListReindexCandidates(ctx)
	if err != nil {
		return result, fmt.Errorf("list reindex candidates: %w", err)
	}
	now := s.clock.Now()
	for _, site := range candidates {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Scanned++
		log := s.logger.With(zap.Int64("site_id", site.ID), zap.String("domain", site.Domain))
		if site.LastScraped == nil {
			result.Skipped++
			metrics.ObserveReindexDecision("skipped")
			log.Warn("completed site has no last_scraped, skipping")
			continue
		}
		if !site.Config.ReindexDue(*site.LastScraped, now) {
			result.Skipped++
			metrics.ObserveReindexDecision("not_due")
			continue
		}
		err := s.queue.Enqueue(ctx, indexer.JobRequest{SiteID: site.ID, Reason: indexer.ReasonScheduled, Submitted: now})
		switch {
		case err == nil:
			result.Enqueued++
			metrics.ObserveReindexDecision("enqueued")
			log.Info("reindex enqueued", zap.Time("last_scraped", *site.LastScraped))
		case errors.Is(err, indexer.ErrJobQueued):
			result.Skipped++
			metrics.ObserveReindexDecision("already_queued")
		default:
			result.Failed++
			metrics.ObserveReindexDecision("failed")
			log.Error("enqueue reindex failed", zap.Error(err))
		}
	}
	s.logger.Info("reindex scan finished",
		zap.Int("scanned", result.Scanned),
		zap.Int("enqueued", result.Enqueued),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}
