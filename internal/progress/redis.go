package progress

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

// KeyPrefix namespaces progress hashes in Redis.
const KeyPrefix = "scrape_progress:"

// DefaultTTL bounds how long a progress record outlives its last write.
const DefaultTTL = time.Hour

const (
	fieldPagesFound = "pages_found"
	fieldCurrentURL = "current_url"
	fieldStatus     = "status"
	fieldUpdatedAt  = "updated_at"
	fieldDone       = "done"
)

// RedisTracker keeps progress records in Redis hashes.
type RedisTracker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisTracker wraps client. A non-positive ttl selects DefaultTTL.
func NewRedisTracker(client redis.UniversalClient, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

// Key returns the Redis key for a site's progress hash.
func Key(siteID int64) string {
	return KeyPrefix + strconv.FormatInt(siteID, 10)
}

// Set writes the full record and refreshes its TTL in one MULTI/EXEC.
func (t *RedisTracker) Set(ctx context.Context, siteID int64, progress indexer.Progress) error {
	key := Key(siteID)
	updated := progress.UpdatedAt
	if updated.IsZero() {
		updated = time.Now().UTC()
	}
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key,
			fieldPagesFound, progress.PagesFound,
			fieldCurrentURL, progress.CurrentURL,
			fieldStatus, string(progress.Status),
			fieldUpdatedAt, updated.UTC().Format(time.RFC3339Nano),
			fieldDone, strconv.FormatBool(progress.Done),
		)
		pipe.Expire(ctx, key, t.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set progress for site %d: %w", siteID, err)
	}
	return nil
}

// Get reads the record, reporting waiting when none exists.
func (t *RedisTracker) Get(ctx context.Context, siteID int64) (indexer.Progress, error) {
	values, err := t.client.HGetAll(ctx, Key(siteID)).Result()
	if err != nil {
		return indexer.Progress{}, fmt.Errorf("get progress for site %d: %w", siteID, err)
	}
	if len(values) == 0 {
		return indexer.WaitingProgress(), nil
	}
	return decode(values)
}

// Ping checks Redis connectivity.
func (t *RedisTracker) Ping(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func decode(values map[string]string) (indexer.Progress, error) {
	out := indexer.Progress{
		CurrentURL: values[fieldCurrentURL],
		Status:     indexer.ProgressStatus(values[fieldStatus]),
	}
	if out.Status == "" {
		out.Status = indexer.ProgressWaiting
	}
	if raw := values[fieldPagesFound]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return indexer.Progress{}, fmt.Errorf("decode pages_found %q: %w", raw, err)
		}
		out.PagesFound = n
	}
	if raw := values[fieldUpdatedAt]; raw != "" {
		ts, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return indexer.Progress{}, fmt.Errorf("decode updated_at %q: %w", raw, err)
		}
		out.UpdatedAt = ts
	}
	if raw := values[fieldDone]; raw != "" {
		done, err := strconv.ParseBool(raw)
		if err != nil {
			return indexer.Progress{}, fmt.Errorf("decode done %q: %w", raw, err)
		}
		out.Done = done
	}
	return out, nil
}
