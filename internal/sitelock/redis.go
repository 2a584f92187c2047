package sitelock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitesearch/internal/indexer"
)

const redisKeyPrefix = "sitesearch:lock:"

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lock shared by every process pointed at the same Redis.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedis builds a Redis lock. ttl bounds how long a crashed holder can
// block a site and must exceed the longest job (all attempts plus backoff).
func NewRedis(client redis.UniversalClient, ttl time.Duration, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, ttl: ttl, logger: logger}
}

// RedisKey returns the lock key for a site.
func RedisKey(siteID int64) string {
	return redisKeyPrefix + strconv.FormatInt(siteID, 10)
}

// TryLock sets the key with NX or fails with indexer.ErrJobInProgress.
func (r *Redis) TryLock(ctx context.Context, siteID int64) (func(), error) {
	key := RedisKey(siteID)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire site lock %d: %w", siteID, err)
	}
	if !ok {
		return nil, indexer.ErrJobInProgress
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.Warn("release site lock failed", zap.Int64("site_id", siteID), zap.Error(err))
			}
		})
	}, nil
}
