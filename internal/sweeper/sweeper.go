// Package sweeper runs the TTL cleanup that request handlers cannot rely on:
// releasing reservations whose caller went away, and dropping stale rate
// limit windows and idle login-attempt records.
package sweeper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/store"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const defaultBatchSize = 500

// Releaser releases reservations that outlived their TTL.
type Releaser interface {
	ReleaseExpired(ctx context.Context, limit int) (int, error)
}

// Config controls retention of the swept records.
type Config struct {
	Interval time.Duration

	// WindowRetention is how long a rate limit window is kept after it
	// started; it must cover the longest configured window.
	WindowRetention time.Duration

	// LoginIdle is how long an unlocked login-attempt record may sit idle.
	LoginIdle time.Duration

	BatchSize int
}

// Result counts what one sweep removed.
type Result struct {
	Reservations  int
	Windows       int
	LoginAttempts int
}

// Sweeper performs the cleanup once with Sweep, or periodically after Start.
type Sweeper struct {
	releaser      Releaser
	rateLimits    store.RateLimitStore
	loginAttempts store.LoginAttemptStore
	cfg           Config
	metrics       *telemetry.Metrics
	now           func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(releaser Releaser, rateLimits store.RateLimitStore, loginAttempts store.LoginAttemptStore, cfg Config) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}

	return &Sweeper{
		releaser:      releaser,
		rateLimits:    rateLimits,
		loginAttempts: loginAttempts,
		cfg:           cfg,
		metrics:       telemetry.GetMetrics(),
		now:           time.Now,
	}
}

// Sweep runs every cleanup step once. Reservations are released in batches
// until none remain expired.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result

	for {
		n, err := s.releaser.ReleaseExpired(ctx, s.cfg.BatchSize)
		res.Reservations += n
		if err != nil {
			return res, fmt.Errorf("failed to release expired reservations: %w", err)
		}
		if n < s.cfg.BatchSize {
			break
		}
	}

	now := s.now()

	if s.cfg.WindowRetention > 0 {
		n, err := s.rateLimits.DeleteStale(ctx, now.Add(-s.cfg.WindowRetention))
		if err != nil {
			return res, fmt.Errorf("failed to delete stale rate limit windows: %w", err)
		}
		res.Windows = n
	}

	if s.cfg.LoginIdle > 0 {
		n, err := s.loginAttempts.DeleteIdle(ctx, now.Add(-s.cfg.LoginIdle))
		if err != nil {
			return res, fmt.Errorf("failed to delete idle login attempts: %w", err)
		}
		res.LoginAttempts = n
	}

	s.count(ctx, "reservation", res.Reservations)
	s.count(ctx, "rate_limit_window", res.Windows)
	s.count(ctx, "login_attempt", res.LoginAttempts)

	log.Debug().
		Int("reservations", res.Reservations).
		Int("windows", res.Windows).
		Int("login_attempts", res.LoginAttempts).
		Msg("Sweep complete")

	return res, nil
}

// Start runs Sweep every interval in a background goroutine until Stop is
// called or ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	sweepCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.loop(sweepCtx)
}

// Stop gracefully stops the background goroutine.
func (s *Sweeper) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Sweeper) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Sweeper stopped")
			return

		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("Sweep failed")
			}
		}
	}
}

func (s *Sweeper) count(ctx context.Context, kind string, n int) {
	if n == 0 {
		return
	}
	s.metrics.SweptTotal.Add(ctx, int64(n), metric.WithAttributes(attribute.String("kind", kind)))
}
