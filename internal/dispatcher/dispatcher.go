// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/worker"
)

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   indexer.Queue
	workers []*worker.Worker
}

var _ indexer.Enqueuer = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(queue indexer.Queue, workers []*worker.Worker) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// NewPool creates a Dispatcher with n workers sharing runner.
func NewPool(queue indexer.Queue, runner worker.Runner, n int, logger *zap.Logger) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	workers := make([]*worker.Worker, n)
	for i := range workers {
		workers[i] = worker.New(i+1, queue, runner, logger)
	}
	return New(queue, workers)
}

// Run starts all workers and blocks until they have all returned.
func (d *Dispatcher) Run(ctx context.Context) {
	var g errgroup.Group
	for _, w := range d.workers {
		g.Go(func() error {
			w.Run(ctx)
			return nil
		})
	}
	_ = g.Wait()
}

// Enqueue proxies to the underlying queue. indexer.ErrJobQueued is returned
// unwrapped so callers can match it directly.
func (d *Dispatcher) Enqueue(ctx context.Context, req indexer.JobRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		if errors.Is(err, indexer.ErrJobQueued) {
			return err
		}
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
