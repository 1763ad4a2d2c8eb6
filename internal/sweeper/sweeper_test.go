package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store/memory"
)

type fakeReleaser struct {
	pending int
	calls   int
	err     error
}

func (f *fakeReleaser) ReleaseExpired(ctx context.Context, limit int) (int, error) {
	f.calls++
	if f.err != nil {
		return 0, f.err
	}
	n := min(limit, f.pending)
	f.pending -= n
	return n, nil
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	windows := memory.NewRateLimitStore()
	_, err := windows.Increment(ctx, "old", "generate", now.Add(-2*time.Hour), time.Minute)
	require.NoError(t, err)
	_, err = windows.Increment(ctx, "new", "generate", now.Add(-time.Minute), time.Minute)
	require.NoError(t, err)

	attempts := memory.NewLoginAttemptStore()
	_, err = attempts.Update(ctx, "idle", func(a *models.LoginAttempt) {
		a.AttemptCount = 2
		a.LastAttempt = now.Add(-48 * time.Hour)
	})
	require.NoError(t, err)
	_, err = attempts.Update(ctx, "recent", func(a *models.LoginAttempt) {
		a.AttemptCount = 1
		a.LastAttempt = now.Add(-time.Hour)
	})
	require.NoError(t, err)

	releaser := &fakeReleaser{pending: 5}

	s := New(releaser, windows, attempts, Config{
		WindowRetention: time.Hour,
		LoginIdle:       24 * time.Hour,
		BatchSize:       2,
	})
	s.now = func() time.Time { return now }

	res, err := s.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, Result{Reservations: 5, Windows: 1, LoginAttempts: 1}, res)
	require.Equal(t, 3, releaser.calls)

	_, err = attempts.Get(ctx, "recent")
	require.NoError(t, err)
}

func TestSweep_releaseError(t *testing.T) {
	s := New(&fakeReleaser{err: errors.New("boom")}, memory.NewRateLimitStore(), memory.NewLoginAttemptStore(), Config{})

	_, err := s.Sweep(context.Background())
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	releaser := &fakeReleaser{}
	s := New(releaser, memory.NewRateLimitStore(), memory.NewLoginAttemptStore(), Config{Interval: time.Hour})

	s.Start(context.Background())
	s.Stop()

	// a second stop is a no-op once the goroutine has exited
	s.Stop()
}
