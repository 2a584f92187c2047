// Package memory provides the in-process job queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/metrics"
)

// Queue is a bounded in-memory queue with context-aware operations. At most
// one request per site waits in the queue at a time.
type Queue struct {
	ch chan indexer.JobRequest
	// sendMu keeps Close from closing ch under an in-flight send.
	sendMu sync.RWMutex

	mu      sync.Mutex
	pending map[int64]struct{}
	closed  bool
}

var _ indexer.Queue = (*Queue)(nil)

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch:      make(chan indexer.JobRequest, capacity),
		pending: make(map[int64]struct{}),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends. A site
// that already has a waiting job yields indexer.ErrJobQueued.
func (q *Queue) Enqueue(ctx context.Context, req indexer.JobRequest) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return indexer.ErrQueueClosed
	}
	if _, ok := q.pending[req.SiteID]; ok {
		q.mu.Unlock()
		return indexer.ErrJobQueued
	}
	q.pending[req.SiteID] = struct{}{}
	q.mu.Unlock()

	q.sendMu.RLock()
	defer q.sendMu.RUnlock()
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		q.forget(req.SiteID)
		return indexer.ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		q.forget(req.SiteID)
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		metrics.SetQueueDepth(len(q.ch))
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (indexer.JobRequest, error) {
	select {
	case <-ctx.Done():
		return indexer.JobRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return indexer.JobRequest{}, indexer.ErrQueueClosed
		}
		q.forget(req.SiteID)
		metrics.SetQueueDepth(len(q.ch))
		return req, nil
	}
}

// Len reports the number of waiting jobs.
func (q *Queue) Len() int {
	return len(q.ch)
}

func (q *Queue) forget(siteID int64) {
	q.mu.Lock()
	delete(q.pending, siteID)
	q.mu.Unlock()
}

// Close closes the underlying channel for shutdown. Waiting jobs can still be
// drained.
func (q *Queue) Close() {
	q.sendMu.Lock()
	defer q.sendMu.Unlock()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
