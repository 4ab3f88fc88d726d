package friends

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/internal/pkg/redis"
)

// CachedOracle remembers answers of next in Redis for ttl. A Redis failure
// falls through to next rather than failing the lookup.
type CachedOracle struct {
	next  IOracle
	cache redis.RedisClient
	ttl   time.Duration
	log   *zap.Logger
}

func NewCachedOracle(next IOracle, cache redis.RedisClient, ttl time.Duration, log *zap.Logger) IOracle {
	if ttl <= 0 {
		return next
	}
	return &CachedOracle{next: next, cache: cache, ttl: ttl, log: log}
}

func cacheKey(userA, userB string) string {
	p := pairKey(userA, userB)
	return "friends:" + p[0] + ":" + p[1]
}

func (c *CachedOracle) FriendsStatus(ctx context.Context, userA, userB string) (Status, error) {
	key := cacheKey(userA, userB)
	if val, ok, err := c.cache.CacheGet(ctx, key); err != nil {
		c.log.Warn("friends cache read failed", zap.String("key", key), zap.Error(err))
	} else if ok {
		return Status(val), nil
	}

	status, err := c.next.FriendsStatus(ctx, userA, userB)
	if err != nil {
		return "", err
	}
	if err := c.cache.CacheSet(ctx, key, string(status), c.ttl); err != nil {
		c.log.Warn("friends cache write failed", zap.String("key", key), zap.Error(err))
	}
	return status, nil
}
