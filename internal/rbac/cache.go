package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "warden:rbac:roleperms:"

// RedisPermissionCache caches per-role effective permission sets in Redis.
// Failures degrade to cache misses; the resolver recomputes from the graph.
type RedisPermissionCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisPermissionCache constructs the cache. A zero ttl defaults to five
// minutes.
func NewRedisPermissionCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisPermissionCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisPermissionCache{client: client, ttl: ttl, logger: logger}
}

func (c *RedisPermissionCache) Get(ctx context.Context, roleID string) ([]Permission, bool) {
	raw, err := c.client.Get(ctx, cacheKeyPrefix+roleID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("permission cache read", slog.String("role_id", roleID), slog.Any("error", err))
		}
		return nil, false
	}
	var perms []Permission
	if err := json.Unmarshal(raw, &perms); err != nil {
		c.logger.Warn("permission cache decode", slog.String("role_id", roleID), slog.Any("error", err))
		return nil, false
	}
	return perms, true
}

func (c *RedisPermissionCache) Set(ctx context.Context, roleID string, perms []Permission) {
	raw, err := json.Marshal(perms)
	if err != nil {
		c.logger.Warn("permission cache encode", slog.String("role_id", roleID), slog.Any("error", err))
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+roleID, raw, c.ttl).Err(); err != nil {
		c.logger.Warn("permission cache write", slog.String("role_id", roleID), slog.Any("error", err))
	}
}

func (c *RedisPermissionCache) Invalidate(ctx context.Context, roleIDs ...string) {
	if len(roleIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(roleIDs))
	for _, id := range roleIDs {
		keys = append(keys, cacheKeyPrefix+id)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		c.logger.Warn("permission cache invalidate", slog.Any("error", err))
	}
}
