// Package ratelimit admits at most Max submissions per submitter per fixed window.
package ratelimit

import (
	"context"
	"time"

	apperrors "healbot/internal/errors"
)

// Store performs an atomic check-and-increment for one key. A denied Take
// does not consume a slot.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, max int) (count int, allowed bool, resetAt time.Time, err error)
}

// Sweeper is implemented by stores that hold expired windows in memory.
type Sweeper interface {
	Sweep(now time.Time) int
}

type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

type Limiter struct {
	store  Store
	window time.Duration
	max    int
	prefix string
}

func New(store Store, max int, window time.Duration) *Limiter {
	if max < 1 {
		max = 10
	}
	if window <= 0 {
		window = time.Hour
	}
	return &Limiter{store: store, window: window, max: max, prefix: "healbot:rl:"}
}

// Allow records one submission for submitterID at now. When the window is
// full it returns a RateLimited error carrying the wait until the window resets.
func (l *Limiter) Allow(ctx context.Context, submitterID string, now time.Time) (Decision, error) {
	count, allowed, resetAt, err := l.store.Take(ctx, l.prefix+submitterID, now, l.window, l.max)
	if err != nil {
		return Decision{}, apperrors.Wrap(err, apperrors.TypeInternal, "rate limiter unavailable")
	}
	d := Decision{Allowed: allowed, ResetAt: resetAt}
	if !allowed {
		return d, apperrors.RateLimited(RetryAfter(resetAt, now))
	}
	d.Remaining = l.max - count
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d, nil
}

// Sweep evicts expired windows when the store keeps them in memory.
func (l *Limiter) Sweep(now time.Time) int {
	if s, ok := l.store.(Sweeper); ok {
		return s.Sweep(now)
	}
	return 0
}

// RetryAfter rounds the wait up to whole seconds, minimum one.
func RetryAfter(resetAt, now time.Time) time.Duration {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	secs := (wait + time.Second - 1) / time.Second
	return secs * time.Second
}
