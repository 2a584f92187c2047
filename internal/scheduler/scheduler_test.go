package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/coordinator"
)

type countingScanner struct {
	calls atomic.Int32
	err   error
}

func (c *countingScanner) PeriodicReindexScan(context.Context) (coordinator.ScanResult, error) {
	c.calls.Add(1)
	return coordinator.ScanResult{Scanned: 1}, c.err
}

func TestSchedulerScansOnEveryTick(t *testing.T) {
	t.Parallel()

	scanner := &countingScanner{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		New(scanner, 10*time.Millisecond, nil).Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return scanner.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerRunOnStart(t *testing.T) {
	t.Parallel()

	scanner := &countingScanner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(scanner, time.Hour, nil, WithRunOnStart()).Run(ctx)

	require.Eventually(t, func() bool { return scanner.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerKeepsRunningAfterScanError(t *testing.T) {
	t.Parallel()

	scanner := &countingScanner{err: errors.New("postgres unavailable")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go New(scanner, 10*time.Millisecond, nil).Run(ctx)

	require.Eventually(t, func() bool { return scanner.calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestNewDefaultsInterval(t *testing.T) {
	t.Parallel()
	require.Equal(t, DefaultInterval, New(&countingScanner{}, 0, nil).interval)
}
