// Package ratelimit applies fixed window request budgets keyed by client on
// top of ulule/limiter stores.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/ulule/limiter/v3"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, never negative.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

var errMissingStore = errors.New("ratelimit: store is required")

// Limiter applies one budget to a route class. Limiters sharing a store keep
// separate counters because keys carry the limiter name.
type Limiter struct {
	name   string
	rate   limiter.Rate
	engine *limiter.Limiter
}

// New builds a limiter allowing limit hits per window. A non-positive limit
// or window disables limiting.
func New(name string, limit int64, window time.Duration, store limiter.Store) *Limiter {
	rate := limiter.Rate{Limit: limit, Period: window}
	l := &Limiter{name: name, rate: rate}
	if store != nil {
		l.engine = limiter.New(store, rate)
	}
	return l
}

// Allow records a hit for key. Store failures are returned with an allowing
// decision so callers can fail open.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	fallback := Decision{Allowed: true, Limit: l.rate.Limit, Remaining: l.rate.Limit}
	if l.rate.Limit <= 0 || l.rate.Period <= 0 {
		return fallback, nil
	}
	if l.engine == nil {
		return fallback, errMissingStore
	}
	result, err := l.engine.Get(ctx, l.name+":"+key)
	if err != nil {
		return fallback, err
	}
	return Decision{
		Allowed:   !result.Reached,
		Limit:     result.Limit,
		Remaining: result.Remaining,
		ResetAt:   time.Unix(result.Reset, 0),
	}, nil
}
