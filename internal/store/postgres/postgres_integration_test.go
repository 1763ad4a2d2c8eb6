//go:build integration

package postgres

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/wolfeidau/creditgate/internal/audit"
	"github.com/wolfeidau/creditgate/internal/ledger"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

func setupPostgresContainer(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	pool, err := NewPool(ctx, &PoolConfig{
		ConnString:  fmt.Sprintf("postgres://test:test@%s:%s/testdb?sslmode=disable", host, port.Port()),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

func newSession(id string, now time.Time) *models.Session {
	return &models.Session{
		ID:              id,
		IdentityHash:    "hash-" + id,
		Tier:            models.TierPaid,
		DailySpendLimit: models.DefaultDailySpendLimit,
		DailyResetAt:    models.DayStart(now),
		LastIPHash:      "hash-" + id,
		CreatedAt:       now,
		LastSeenAt:      now,
		ExpiresAt:       now.Add(24 * time.Hour),
	}
}

func TestIntegration_Stores(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)
	stores := NewStores(pool)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("migrations are idempotent", func(t *testing.T) {
		require.NoError(t, RunMigrations(ctx, pool))
	})

	t.Run("sessions", func(t *testing.T) {
		s := newSession("sess-1", now)
		require.NoError(t, stores.Sessions.Create(ctx, s))
		require.ErrorIs(t, stores.Sessions.Create(ctx, s), store.ErrSessionExists)

		got, err := stores.Sessions.Get(ctx, "sess-1")
		require.NoError(t, err)
		require.Equal(t, models.TierPaid, got.Tier)
		require.Equal(t, models.DefaultDailySpendLimit, got.DailySpendLimit)
		require.True(t, got.CreatedAt.Equal(now))

		require.NoError(t, stores.Sessions.Touch(ctx, "sess-1", "hash-other", now.Add(time.Minute)))
		require.NoError(t, stores.Sessions.SetTier(ctx, "sess-1", models.TierAdmin))

		got, err = stores.Sessions.Get(ctx, "sess-1")
		require.NoError(t, err)
		require.Equal(t, "hash-other", got.LastIPHash)
		require.True(t, got.IsAdmin())

		_, err = stores.Sessions.Get(ctx, "missing")
		require.ErrorIs(t, err, store.ErrSessionNotFound)
		require.ErrorIs(t, stores.Sessions.Touch(ctx, "missing", "x", now), store.ErrSessionNotFound)

		ids, err := stores.Sessions.ListIDs(ctx)
		require.NoError(t, err)
		require.Contains(t, ids, "sess-1")
	})

	t.Run("balance cannot go negative", func(t *testing.T) {
		require.NoError(t, stores.Sessions.Create(ctx, newSession("sess-neg", now)))

		err := stores.Ledger.WithSession(ctx, "sess-neg", func(tx store.LedgerTx) error {
			_, err := tx.Append(&models.LedgerEntry{Delta: -1, Reason: models.ReasonGeneration, CreatedAt: now})
			return err
		})
		require.ErrorIs(t, err, store.ErrNegativeBalance)

		entries, err := stores.Ledger.Entries(ctx, "sess-neg")
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("rate limit windows", func(t *testing.T) {
		for i := 1; i <= 3; i++ {
			w, err := stores.RateLimits.Increment(ctx, "3:abc:sid", "generate", now, time.Minute)
			require.NoError(t, err)
			require.Equal(t, i, w.Count)
			require.True(t, w.WindowStart.Equal(now))
		}

		w, err := stores.RateLimits.Increment(ctx, "3:abc:sid", "generate", now.Add(time.Minute), time.Minute)
		require.NoError(t, err)
		require.Equal(t, 1, w.Count)
		require.True(t, w.WindowStart.Equal(now.Add(time.Minute)))

		deleted, err := stores.RateLimits.DeleteStale(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		require.Equal(t, 1, deleted)
	})

	t.Run("login attempts", func(t *testing.T) {
		_, err := stores.LoginAttempts.Get(ctx, "ip-1")
		require.ErrorIs(t, err, store.ErrLoginAttemptNotFound)

		until := now.Add(15 * time.Minute)
		a, err := stores.LoginAttempts.Update(ctx, "ip-1", func(a *models.LoginAttempt) {
			a.AttemptCount++
			a.LastAttempt = now
			a.LockedUntil = &until
			a.LockoutCount = 1
		})
		require.NoError(t, err)
		require.Equal(t, 1, a.AttemptCount)

		got, err := stores.LoginAttempts.Get(ctx, "ip-1")
		require.NoError(t, err)
		require.True(t, got.IsLocked(now))

		deleted, err := stores.LoginAttempts.DeleteIdle(ctx, now.Add(time.Minute))
		require.NoError(t, err)
		require.Zero(t, deleted, "locked records are kept")

		deleted, err = stores.LoginAttempts.DeleteIdle(ctx, now.Add(time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, deleted)
	})

	t.Run("model stats", func(t *testing.T) {
		stat, err := stores.ModelStats.Update(ctx, "m", func(s *models.ModelStat) {
			s.Count++
			s.AvgMs = 1200
			s.UpdatedAt = now
		})
		require.NoError(t, err)
		require.EqualValues(t, 1, stat.Count)

		got, err := stores.ModelStats.Get(ctx, "m")
		require.NoError(t, err)
		require.InDelta(t, 1200, got.AvgMs, 0.001)
	})
}

func TestIntegration_LedgerConcurrentReserve(t *testing.T) {
	ctx := context.Background()
	pool := setupPostgresContainer(t, ctx)
	stores := NewStores(pool)

	auditLog, err := audit.Open(audit.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = auditLog.Close() })

	svc, err := ledger.NewService(stores.Ledger, ledger.Options{CreditValue: 10_000, Audit: auditLog})
	require.NoError(t, err)

	require.NoError(t, stores.Sessions.Create(ctx, newSession("sess-c", time.Now().UTC())))

	_, err = svc.Grant(ctx, "sess-c", 100)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)

	for range 25 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Reserve(ctx, "sess-c", ledger.Charge{ModelID: "m", Credits: 10})
			if err != nil {
				t.Error(err)
				return
			}
			if res.Rejection == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, accepted)

	s, err := stores.Sessions.Get(ctx, "sess-c")
	require.NoError(t, err)
	require.Zero(t, s.CreditBalance)
	require.Equal(t, models.Micros(1_000_000), s.DailySpend)

	require.NoError(t, svc.VerifySession(ctx, "sess-c"))

	expired, err := stores.Ledger.ListExpiredReservations(ctx, time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, expired, 10)
}
