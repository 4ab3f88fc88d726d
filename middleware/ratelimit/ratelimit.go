package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Limiter defines the interface for rate limiting operations
type Limiter interface {
	// Allow checks if a request should be allowed based on rate limits
	// Returns true if allowed, false if rate limit exceeded
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)

	// GetRemaining returns the number of remaining requests in the current window
	GetRemaining(ctx context.Context, key string, limit int64, window time.Duration) (int64, error)

	// RetryAfter returns how long until the current window closes
	RetryAfter(window time.Duration) time.Duration
}

// WindowLimiter counts requests per key in fixed windows kept in Redis, so
// every replica of the service shares one budget per caller.
type WindowLimiter struct {
	redisClient *redis.Client
	logger      *zap.Logger
	fallback    bool // If true, allow requests when Redis is unavailable (fail-open)
	now         func() time.Time
}

// NewWindowLimiter creates a new fixed window rate limiter
//
// Parameters:
//   - redisClient: Redis client for storing rate limit state
//   - logger: Logger for recording rate limit events
//   - fallback: If true, allows requests when Redis fails (fail-open strategy)
func NewWindowLimiter(redisClient *redis.Client, logger *zap.Logger, fallback bool) *WindowLimiter {
	return &WindowLimiter{
		redisClient: redisClient,
		logger:      logger,
		fallback:    fallback,
		now:         time.Now,
	}
}

// Allow counts one request against key. The counter lives for the window it
// was created in plus a second of slack.
func (l *WindowLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	bucketKey := l.bucketKey(key, window)

	pipe := l.redisClient.TxPipeline()
	incrCmd := pipe.Incr(ctx, bucketKey)
	pipe.Expire(ctx, bucketKey, window+time.Second)

	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Error("rate limit check failed",
			zap.String("key", bucketKey),
			zap.Error(err),
		)

		if l.fallback {
			l.logger.Warn("rate limit check failed, allowing request (fail-open)",
				zap.String("key", key),
			)
			return true, nil
		}
		return false, fmt.Errorf("rate limit check failed: %w", err)
	}

	count := incrCmd.Val()
	allowed := count <= limit
	if !allowed {
		l.logger.Warn("rate limit exceeded",
			zap.String("key", key),
			zap.Int64("count", count),
			zap.Int64("limit", limit),
			zap.Duration("window", window),
		)
	}
	return allowed, nil
}

func (l *WindowLimiter) GetRemaining(ctx context.Context, key string, limit int64, window time.Duration) (int64, error) {
	count, err := l.redisClient.Get(ctx, l.bucketKey(key, window)).Int64()
	if errors.Is(err, redis.Nil) {
		return limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get remaining requests: %w", err)
	}
	return max(limit-count, 0), nil
}

// RetryAfter is the time left in the current window.
func (l *WindowLimiter) RetryAfter(window time.Duration) time.Duration {
	now := l.now()
	return now.Truncate(window).Add(window).Sub(now)
}

func (l *WindowLimiter) bucketKey(key string, window time.Duration) string {
	return fmt.Sprintf("ratelimit:%s:%d", key, l.now().UnixMilli()/window.Milliseconds())
}
