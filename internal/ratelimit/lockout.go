package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
)

// LockStatus describes the lock state of one source address.
type LockStatus struct {
	Locked       bool
	LockedUntil  time.Time
	RetryAfter   time.Duration
	AttemptCount int
	LockoutCount int
}

// Rejection returns the typed rejection for a locked status, or nil.
func (s LockStatus) Rejection() *rejection.Rejection {
	if !s.Locked {
		return nil
	}
	return rejection.WithRetry(rejection.LockedOut, s.RetryAfter, "too many failed attempts")
}

// Tracker counts failed privileged-login attempts per hashed address. Once the
// attempt count reaches the threshold the address is locked for
// backoff(lockoutCount), which grows geometrically with repeated offences.
type Tracker struct {
	store  store.LoginAttemptStore
	policy config.LockoutConfig
	now    func() time.Time
}

func NewTracker(st store.LoginAttemptStore, policy config.LockoutConfig) *Tracker {
	return &Tracker{store: st, policy: policy, now: time.Now}
}

// LockDuration returns the lock applied on the (lockoutCount+1)th lockout.
func (t *Tracker) LockDuration(lockoutCount int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.policy.BaseLock
	b.Multiplier = t.policy.Multiplier
	b.MaxInterval = t.policy.MaxLock
	b.RandomizationFactor = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 0; i < lockoutCount && d < t.policy.MaxLock; i++ {
		d = b.NextBackOff()
	}

	return min(d, t.policy.MaxLock)
}

// Status returns the current lock state for ipHash.
func (t *Tracker) Status(ctx context.Context, ipHash string) (LockStatus, error) {
	a, err := t.store.Get(ctx, ipHash)
	if err != nil {
		if errors.Is(err, store.ErrLoginAttemptNotFound) {
			return LockStatus{}, nil
		}
		return LockStatus{}, fmt.Errorf("failed to get login attempts: %w", err)
	}

	return t.status(a, t.now()), nil
}

// RecordFailure counts a failed attempt. A lock whose time has passed clears
// the attempt streak before the new failure is counted; the lockout count is
// kept so the next lock is longer.
func (t *Tracker) RecordFailure(ctx context.Context, ipHash string) (LockStatus, error) {
	now := t.now()

	a, err := t.store.Update(ctx, ipHash, func(a *models.LoginAttempt) {
		if a.LockedUntil != nil && !now.Before(*a.LockedUntil) {
			a.AttemptCount = 0
			a.LockedUntil = nil
		}

		// failures during a lock are recorded but do not extend it
		if a.IsLocked(now) {
			a.LastAttempt = now
			return
		}

		a.AttemptCount++
		a.LastAttempt = now

		if a.AttemptCount >= t.policy.Threshold {
			until := now.Add(t.LockDuration(a.LockoutCount))
			a.LockedUntil = &until
			a.LockoutCount++
		}
	})
	if err != nil {
		return LockStatus{}, fmt.Errorf("failed to record login failure: %w", err)
	}

	status := t.status(a, now)
	if status.Locked {
		log.Warn().
			Int("lockout_count", a.LockoutCount).
			Time("locked_until", status.LockedUntil).
			Msg("Login locked out")
	}

	return status, nil
}

// RecordSuccess clears the streak for ipHash.
func (t *Tracker) RecordSuccess(ctx context.Context, ipHash string) error {
	if err := t.store.Delete(ctx, ipHash); err != nil {
		return fmt.Errorf("failed to clear login attempts: %w", err)
	}
	return nil
}

func (t *Tracker) status(a *models.LoginAttempt, now time.Time) LockStatus {
	s := LockStatus{
		AttemptCount: a.AttemptCount,
		LockoutCount: a.LockoutCount,
	}

	if a.IsLocked(now) {
		s.Locked = true
		s.LockedUntil = *a.LockedUntil
		s.RetryAfter = a.LockedUntil.Sub(now)
	} else if a.LockedUntil != nil {
		// expired lock: the streak no longer counts
		s.AttemptCount = 0
	}

	return s
}
