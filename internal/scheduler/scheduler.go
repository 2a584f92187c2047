// Package scheduler runs the periodic reindex scan on a fixed interval.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/coordinator"
)

// DefaultInterval is how often the reindex scan runs.
const DefaultInterval = time.Hour

// Scanner is implemented by coordinator.Scanner.
type Scanner interface {
	PeriodicReindexScan(ctx context.Context) (coordinator.ScanResult, error)
}

// Scheduler triggers Scanner on every tick.
type Scheduler struct {
	scanner    Scanner
	interval   time.Duration
	runOnStart bool
	logger     *zap.Logger
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithRunOnStart scans once immediately instead of waiting for the first tick.
func WithRunOnStart() Option {
	return func(s *Scheduler) { s.runOnStart = true }
}

// New builds a Scheduler. A non-positive interval uses DefaultInterval.
func New(scanner Scanner, interval time.Duration, logger *zap.Logger, opts ...Option) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{scanner: scanner, interval: interval, logger: logger.Named("scheduler")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is done. Scan errors are logged; the next tick tries
// again.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("reindex scheduler started", zap.Duration("interval", s.interval))
	if s.runOnStart {
		s.scan(ctx)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("reindex scheduler stopped")
			return
		case <-ticker.C:
			s.scan(ctx)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context) {
	result, err := s.scanner.PeriodicReindexScan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.logger.Error("reindex scan failed", zap.Error(err))
		return
	}
	s.logger.Debug("reindex scan tick", zap.Int("enqueued", result.Enqueued))
}
