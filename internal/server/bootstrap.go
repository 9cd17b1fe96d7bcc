package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/beresta/messenger/internal/config"
	"github.com/beresta/messenger/internal/ratelimit"
)

const (
	ShutdownGrace = 10 * time.Second

	redisPingTimeout = 3 * time.Second
)

// NewLimiters builds the three route class limiters over one shared store.
// The returned close function releases the redis client when one was made.
func NewLimiters(ctx context.Context, cfg config.RateLimitConfig, redisCfg config.RedisConfig, keyPrefix string, logger *zap.Logger) (Limiters, func() error, error) {
	var store limiter.Store
	closeStore := func() error { return nil }

	switch cfg.Backend {
	case config.RateLimitRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     redisCfg.Address,
			Password: redisCfg.Password,
			DB:       redisCfg.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		err := client.Ping(pingCtx).Err()
		cancel()
		if err == nil {
			store, err = ratelimit.NewRedisStore(client, keyPrefix)
		}
		if err != nil {
			// Limiting fails open, so an unreachable redis is not fatal;
			// budgets fall back to this process until restart.
			logger.Warn("redis unreachable, using in-process rate limits",
				zap.String("address", redisCfg.Address),
				zap.Error(err))
			_ = client.Close()
			store = ratelimit.NewMemoryStore(keyPrefix)
			break
		}
		closeStore = client.Close
	case config.RateLimitMemory, "":
		store = ratelimit.NewMemoryStore(keyPrefix)
	default:
		return Limiters{}, closeStore, errors.New("unsupported rate limit backend " + cfg.Backend)
	}

	newLimiter := func(name string, rule config.RateLimitRule) *ratelimit.Limiter {
		return ratelimit.New(name, rule.Limit, rule.Window, store)
	}
	return Limiters{
		Auth:   newLimiter("auth", cfg.Auth),
		API:    newLimiter("api", cfg.API),
		Upload: newLimiter("upload", cfg.Upload),
	}, closeStore, nil
}

// Run serves httpServer until ctx is cancelled, then shuts it down within
// ShutdownGrace. Request contexts end when shutdown begins so open event
// streams do not hold the server up.
func Run(ctx context.Context, httpServer *http.Server, logger *zap.Logger) error {
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()
	httpServer.BaseContext = func(net.Listener) context.Context { return baseCtx }
	httpServer.RegisterOnShutdown(cancelRequests)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", httpServer.Addr))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
