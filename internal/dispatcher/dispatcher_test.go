package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
	"github.com/JakeFAU/sitesearch/internal/queue/memory"
	"github.com/JakeFAU/sitesearch/internal/worker"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	w := worker.New(1, queue, &countingRunner{}, zap.NewNop())
	dispatch := New(queue, []*worker.Worker{w})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("worker did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

func TestDispatcherPoolDrainsQueue(t *testing.T) {
	t.Parallel()

	queue := memory.NewQueue(16)
	runner := &countingRunner{}
	dispatch := NewPool(queue, runner, 4, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for id := int64(1); id <= 10; id++ {
		require.NoError(t, dispatch.Enqueue(ctx, indexer.JobRequest{SiteID: id, Reason: indexer.ReasonCreated}))
	}
	require.Eventually(t, func() bool { return runner.count() == 10 }, time.Second, 10*time.Millisecond)

	queue.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after queue close")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	dispatch := New(&errorQueue{err: errors.New("boom")}, nil)
	err := dispatch.Enqueue(context.Background(), indexer.JobRequest{SiteID: 1})
	require.EqualError(t, err, "queue enqueue: boom")

	dispatch = New(&errorQueue{err: indexer.ErrJobQueued}, nil)
	err = dispatch.Enqueue(context.Background(), indexer.JobRequest{SiteID: 1})
	require.Equal(t, indexer.ErrJobQueued, err)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ indexer.JobRequest) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (indexer.JobRequest, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return indexer.JobRequest{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, indexer.JobRequest) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (indexer.JobRequest, error) {
	return indexer.JobRequest{}, nil
}

type countingRunner struct {
	mu sync.Mutex
	n  int
}

func (r *countingRunner) RunWithRetry(_ context.Context, siteID int64) (indexer.JobResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return indexer.JobResult{SiteID: siteID, Status: indexer.SiteStatusCompleted}, nil
}

func (r *countingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}
