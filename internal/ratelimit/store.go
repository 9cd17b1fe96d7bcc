package ratelimit

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

const (
	defaultPrefix   = "ratelimit:"
	cleanUpInterval = time.Minute
)

// NewMemoryStore keeps counters in process and sweeps expired windows once
// a minute.
func NewMemoryStore(prefix string) limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{
		Prefix:          storePrefix(prefix),
		CleanUpInterval: cleanUpInterval,
	})
}

// NewRedisStore shares counters between instances. It loads the limiter
// scripts, so it fails when redis is unreachable.
func NewRedisStore(client *redis.Client, prefix string) (limiter.Store, error) {
	return sredis.NewStoreWithOptions(client, limiter.StoreOptions{
		Prefix: storePrefix(prefix),
	})
}

func storePrefix(prefix string) string {
	if prefix == "" {
		return defaultPrefix
	}
	return prefix
}
