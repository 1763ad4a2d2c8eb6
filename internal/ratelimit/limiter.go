// Package ratelimit implements fixed-window request limits per (identifier,
// endpoint) and an exponential lockout for privileged login attempts.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
)

// Decision is the outcome of a rate limit check.
type Decision struct {
	Allowed    bool
	Count      int
	Limit      int
	RetryAfter time.Duration
	Endpoint   string
}

// Remaining returns how many more requests fit in the current window.
func (d Decision) Remaining() int {
	if d.Count >= d.Limit {
		return 0
	}
	return d.Limit - d.Count
}

// Rejection returns the typed rejection for a refused decision, or nil.
func (d Decision) Rejection() *rejection.Rejection {
	if d.Allowed {
		return nil
	}
	return rejection.WithRetry(rejection.RateLimited, d.RetryAfter, d.Endpoint)
}

// Limiter checks fixed-window counters held in a RateLimitStore. The store
// performs the reset-or-increment atomically so concurrent handlers never
// race on a read-then-write.
type Limiter struct {
	store store.RateLimitStore
	now   func() time.Time
}

func NewLimiter(st store.RateLimitStore) *Limiter {
	return &Limiter{store: st, now: time.Now}
}

// Check counts one request for (identifier, endpoint). The request is allowed
// when the post-increment count is within limit. Otherwise RetryAfter is the
// time left in the current window.
func (l *Limiter) Check(ctx context.Context, identifier, endpoint string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 || window <= 0 {
		return Decision{}, fmt.Errorf("invalid rate limit for %s: limit=%d window=%s", endpoint, limit, window)
	}

	now := l.now()

	w, err := l.store.Increment(ctx, identifier, endpoint, now, window)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to increment rate limit window: %w", err)
	}

	d := Decision{
		Allowed:  w.Count <= limit,
		Count:    w.Count,
		Limit:    limit,
		Endpoint: endpoint,
	}

	if !d.Allowed {
		d.RetryAfter = window - now.Sub(w.WindowStart)
		if d.RetryAfter <= 0 {
			d.RetryAfter = time.Millisecond
		}

		log.Debug().
			Str("endpoint", endpoint).
			Int("count", w.Count).
			Int("limit", limit).
			Dur("retry_after", d.RetryAfter).
			Msg("Rate limit exceeded")
	}

	return d, nil
}

// CheckRule is Check with the limit and window taken from rule.
func (l *Limiter) CheckRule(ctx context.Context, identifier, endpoint string, rule config.RateLimitRule) (Decision, error) {
	return l.Check(ctx, identifier, endpoint, rule.Limit, rule.Window)
}

// Identifier combines a hashed source address with a session id. The address
// component is length-prefixed so no choice of either component can collide
// with another pair.
func Identifier(ipHash, sessionID string) string {
	return fmt.Sprintf("%d:%s:%s", len(ipHash), ipHash, sessionID)
}
