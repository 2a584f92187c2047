package progress

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

func newRedisTracker(t *testing.T) (*RedisTracker, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisTracker(client, time.Hour), srv
}

func TestRedisTrackerMissingKeyIsWaiting(t *testing.T) {
	t.Parallel()
	tracker, _ := newRedisTracker(t)

	got, err := tracker.Get(context.Background(), 99)
	require.NoError(t, err)
	require.Equal(t, indexer.WaitingProgress(), got)
}

func TestRedisTrackerRoundTrip(t *testing.T) {
	t.Parallel()
	tracker, srv := newRedisTracker(t)
	ctx := context.Background()
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	want := indexer.Progress{PagesFound: 3, CurrentURL: "https://example.com/c", Status: indexer.ProgressScraping, UpdatedAt: ts}
	require.NoError(t, tracker.Set(ctx, 7, want))

	got, err := tracker.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, want, got)
	require.Equal(t, "3", srv.HGet("scrape_progress:7", "pages_found"))
	require.Equal(t, time.Hour, srv.TTL("scrape_progress:7"))
}

func TestRedisTrackerRefreshesTTL(t *testing.T) {
	t.Parallel()
	tracker, srv := newRedisTracker(t)
	ctx := context.Background()

	require.NoError(t, tracker.Set(ctx, 1, indexer.Progress{Status: indexer.ProgressScraping}))
	srv.FastForward(50 * time.Minute)
	require.Equal(t, 10*time.Minute, srv.TTL(Key(1)))

	require.NoError(t, tracker.Set(ctx, 1, indexer.Progress{PagesFound: 1, Status: indexer.ProgressScraping}))
	require.Equal(t, time.Hour, srv.TTL(Key(1)))

	srv.FastForward(61 * time.Minute)
	got, err := tracker.Get(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, indexer.ProgressWaiting, got.Status)
}

func TestRedisTrackerDecodeErrors(t *testing.T) {
	t.Parallel()
	tracker, srv := newRedisTracker(t)

	srv.HSet(Key(5), "pages_found", "many")
	_, err := tracker.Get(context.Background(), 5)
	require.ErrorContains(t, err, "pages_found")
}

func TestRedisTrackerUnavailable(t *testing.T) {
	t.Parallel()
	tracker, srv := newRedisTracker(t)
	srv.Close()

	err := tracker.Set(context.Background(), 1, indexer.Progress{Status: indexer.ProgressScraping})
	require.Error(t, err)
	require.Error(t, tracker.Ping(context.Background()))
}
