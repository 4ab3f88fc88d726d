package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/Gopher0727/GroupChat/config"
	"github.com/Gopher0727/GroupChat/middleware/jwt"
	logger "github.com/Gopher0727/GroupChat/middleware/log"
	"github.com/Gopher0727/GroupChat/middleware/ratelimit"
)

const requestIDHeader = "X-Request-ID"

type MiddlewareManager struct {
	tokenManager *jwt.TokenManager
	rateLimiter  ratelimit.Limiter
	logger       *logger.Logger
	rateLimitCfg *config.RateLimitConfig
}

// NewMiddlewareManager wires the HTTP middlewares. rateLimiter may be nil when
// rate limiting is disabled.
func NewMiddlewareManager(
	tokenManager *jwt.TokenManager,
	rateLimiter ratelimit.Limiter,
	log *logger.Logger,
	rateLimitCfg *config.RateLimitConfig,
) *MiddlewareManager {
	return &MiddlewareManager{
		tokenManager: tokenManager,
		rateLimiter:  rateLimiter,
		logger:       log,
		rateLimitCfg: rateLimitCfg,
	}
}

// RequestID propagates X-Request-ID, minting one when absent, and puts it in
// the request context as the trace id.
func (m *MiddlewareManager) RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = logger.NewTraceID()
		}
		c.Writer.Header().Set(requestIDHeader, id)
		c.Request = c.Request.WithContext(logger.WithTraceID(c.Request.Context(), id))
		c.Next()
	}
}

func (m *MiddlewareManager) JWTAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "authorization header required",
			})
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid authorization header format",
			})
			return
		}

		claims, err := m.tokenManager.ParseToken(parts[1])
		if err != nil {
			m.logger.WarnContext(c.Request.Context(), "token validation failed",
				zap.Error(err),
				zap.String("ip", c.ClientIP()),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": err.Error(),
			})
			return
		}

		c.Set("user_id", claims.UserID)
		c.Request = c.Request.WithContext(logger.WithUserID(c.Request.Context(), claims.UserID))
		c.Next()
	}
}

// RateLimit budgets requests per authenticated user, or per IP before auth.
func (m *MiddlewareManager) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.rateLimiter == nil || !m.rateLimitCfg.Enabled {
			c.Next()
			return
		}
		ctx := c.Request.Context()

		var key string
		if userID := c.GetString("user_id"); userID != "" {
			key = fmt.Sprintf("user:%s", userID)
		} else {
			key = fmt.Sprintf("ip:%s", c.ClientIP())
		}

		limit, window := m.rateLimitCfg.RequestsPerWindow, m.rateLimitCfg.Window
		allowed, err := m.rateLimiter.Allow(ctx, key, limit, window)
		if err != nil {
			m.logger.ErrorContext(ctx, "rate limit check failed",
				zap.Error(err),
				zap.String("key", key),
			)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "rate limit check failed",
			})
			return
		}

		if !allowed {
			remaining, err := m.rateLimiter.GetRemaining(ctx, key, limit, window)
			if err != nil {
				m.logger.WarnContext(ctx, "failed to read remaining requests",
					zap.Error(err),
					zap.String("key", key),
				)
			}
			retryAfter := int(math.Ceil(m.rateLimiter.RetryAfter(window).Seconds()))
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate limit exceeded",
				"retry_after": retryAfter,
				"remaining":   remaining,
			})
			return
		}

		c.Next()
	}
}

func (m *MiddlewareManager) Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		statusCode := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", statusCode),
			zap.Duration("latency", time.Since(start)),
			zap.String("ip", c.ClientIP()),
		}

		ctx := c.Request.Context()
		switch {
		case statusCode >= 500:
			m.logger.ErrorContext(ctx, "server error", fields...)
		case statusCode >= 400:
			m.logger.WarnContext(ctx, "client error", fields...)
		default:
			m.logger.InfoContext(ctx, "request completed", fields...)
		}
	}
}

func (m *MiddlewareManager) CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-Request-ID, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PATCH, DELETE")
		c.Writer.Header().Set("Access-Control-Expose-Headers", requestIDHeader)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (m *MiddlewareManager) Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				m.logger.ErrorContext(c.Request.Context(), "panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
					zap.String("method", c.Request.Method),
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error": "internal server error",
				})
			}
		}()

		c.Next()
	}
}
