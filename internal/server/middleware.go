package server

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/apperr"
	"github.com/beresta/messenger/internal/auth"
	"github.com/beresta/messenger/internal/ratelimit"
)

const (
	userIDContextKey    = "beresta_user_id"
	userEmailContextKey = "beresta_user_email"

	msgTooManyRequests = "too many requests, please try again later"
)

// respondError writes {"error": message}. Internal failures are logged with
// their cause and answered with the generic message.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{"error": apperr.PublicMessage(err)})
}

func corsMiddleware(origin string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type", "Accept", "Origin"},
		ExposeHeaders: []string{"Content-Disposition", "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:        12 * time.Hour,
	}
	origin = strings.TrimSpace(origin)
	if origin == "" || origin == "*" {
		// Any origin, but never with credentials.
		config.AllowAllOrigins = true
	} else {
		config.AllowCredentials = true
		config.AllowOrigins = strings.Split(origin, ",")
		for index := range config.AllowOrigins {
			config.AllowOrigins[index] = strings.TrimSpace(config.AllowOrigins[index])
		}
	}
	return cors.New(config)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(started)),
			zap.String("client_ip", c.ClientIP()))
	}
}

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// rateLimit guards a route class by client IP. A nil limiter admits all
// requests and a failing store admits the request after logging.
func rateLimit(limiter RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		decision, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			logger.Warn("rate limit check failed",
				zap.String("client_ip", c.ClientIP()),
				zap.Error(err))
			c.Next()
			return
		}
		c.Header("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if !decision.ResetAt.IsZero() {
			c.Header("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))
		}
		if !decision.Allowed {
			retryAfter := decision.RetryAfter(time.Now())
			c.Header("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second)/time.Second)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msgTooManyRequests})
			return
		}
		c.Next()
	}
}

// TokenAuthenticator validates bearer access tokens.
type TokenAuthenticator interface {
	Authenticate(token string) (auth.AccessClaims, error)
}

func authorizeRequest(tokens TokenAuthenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := auth.BearerToken(c.Request)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "access token is required"})
			return
		}
		claims, err := tokens.Authenticate(token)
		if err != nil {
			logger.Info("token validation failed", zap.Error(err))
			respondError(c, logger, unauthorizedOr(err))
			return
		}
		c.Set(userIDContextKey, claims.UserID)
		c.Set(userEmailContextKey, claims.Email)
		c.Next()
	}
}

func unauthorizedOr(err error) error {
	if apperr.KindOf(err) == apperr.KindInternal {
		return apperr.Unauthorized("invalid token")
	}
	return err
}

func currentUserID(c *gin.Context) int64 {
	return c.GetInt64(userIDContextKey)
}
