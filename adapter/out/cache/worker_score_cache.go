// Package cache provides the Redis-backed second-level score cache.
package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"priority_server/core/domain"
	"priority_server/core/port/out"
	"priority_server/pkg/cache"
)

// KeyPrefix namespaces score entries in Redis.
const KeyPrefix = "priority:score:"

// ScoreCache implements out.ScoreCacheL2 on top of Redis. Keys carry the
// user scope, so a weights version bump makes older entries unreachable and
// they simply age out on their TTL.
type ScoreCache struct {
	rc *cache.RedisCache
}

var _ out.ScoreCacheL2 = (*ScoreCache)(nil)

func NewScoreCache(client *redis.Client) *ScoreCache {
	return &ScoreCache{rc: cache.NewRedisCache(client, KeyPrefix)}
}

func (c *ScoreCache) Get(ctx context.Context, key string) (*domain.ScoreResult, error) {
	var r domain.ScoreResult
	found, err := c.rc.GetJSON(ctx, key, &r)
	if err != nil || !found {
		return nil, err
	}
	return &r, nil
}

func (c *ScoreCache) Set(ctx context.Context, key string, result *domain.ScoreResult, ttl time.Duration) error {
	return c.rc.SetJSON(ctx, key, result, ttl)
}

func (c *ScoreCache) Delete(ctx context.Context, key string) error {
	return c.rc.Delete(ctx, key)
}

// PurgeUser drops every cached score of a user across all weight versions.
func (c *ScoreCache) PurgeUser(ctx context.Context, userID string) (int, error) {
	return c.rc.DeleteMatching(ctx, userID+"@*")
}
