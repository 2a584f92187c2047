// Package worker implements the job execution loop.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Runner executes one queued site job, retries included.
type Runner interface {
	RunWithRetry(ctx context.Context, siteID int64) (indexer.JobResult, error)
}

// Worker consumes queue items and runs the pipeline for each.
type Worker struct {
	id     int
	queue  indexer.Queue
	runner Runner
	logger *zap.Logger
}

// New constructs a Worker.
func New(id int, queue indexer.Queue, runner Runner, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		id:     id,
		queue:  queue,
		runner: runner,
		logger: logger.Named("worker").With(zap.Int("worker_id", id)),
	}
}

// Run blocks, consuming queue items until the context finishes or the queue
// is closed.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, indexer.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.Int64("site_id", req.SiteID), zap.String("reason", string(req.Reason)))
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req indexer.JobRequest) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	log := w.logger.With(zap.Int64("site_id", req.SiteID), zap.String("reason", string(req.Reason)))
	start := time.Now()
	result, err := w.runner.RunWithRetry(ctx, req.SiteID)
	switch {
	case err == nil:
		log.Info("job finished",
			zap.Int("pages", result.PagesScraped),
			zap.Duration("duration", time.Since(start)),
			zap.Duration("queued_for", start.Sub(req.Submitted)))
	case errors.Is(err, indexer.ErrJobInProgress):
		log.Info("job skipped, site already running")
	case ctx.Err() != nil:
		log.Info("job interrupted by shutdown", zap.Error(err))
	default:
		log.Error("job failed", zap.Int("pages", result.PagesScraped), zap.Error(err))
	}
}
