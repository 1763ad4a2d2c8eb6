package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/creditgate/internal/audit"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/rejection"
	"github.com/wolfeidau/creditgate/internal/store"
	"github.com/wolfeidau/creditgate/internal/store/memory"
)

const creditValue = models.Micros(10_000) // $0.01

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
	err     error
}

func (r *recordingAudit) Record(ctx context.Context, e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingAudit) all() []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]audit.Entry(nil), r.entries...)
}

type fixture struct {
	svc      *Service
	sessions *memory.SessionStore
	ledger   *memory.LedgerStore
	audit    *recordingAudit
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	sessions := memory.NewSessionStore()
	ledger := memory.NewLedgerStore(sessions)
	rec := &recordingAudit{}

	svc, err := NewService(ledger, Options{CreditValue: creditValue, Audit: rec})
	require.NoError(t, err)

	f := &fixture{
		svc:      svc,
		sessions: sessions,
		ledger:   ledger,
		audit:    rec,
		now:      time.Date(2025, 6, 1, 18, 30, 0, 0, time.UTC),
	}
	svc.now = func() time.Time { return f.now }

	return f
}

func (f *fixture) session(t *testing.T, id string, tier models.Tier, spend models.Micros, resetAt time.Time) {
	t.Helper()
	require.NoError(t, f.sessions.Create(context.Background(), &models.Session{
		ID:              id,
		Tier:            tier,
		DailySpend:      spend,
		DailySpendLimit: models.DefaultDailySpendLimit,
		DailyResetAt:    resetAt,
		CreatedAt:       f.now,
	}))
}

func (f *fixture) get(t *testing.T, id string) *models.Session {
	t.Helper()
	s, err := f.sessions.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) ledgerSum(t *testing.T, id string) int64 {
	t.Helper()
	entries, err := f.ledger.Entries(context.Background(), id)
	require.NoError(t, err)
	var sum int64
	for _, e := range entries {
		sum += e.Delta
	}
	return sum
}

func TestNewService(t *testing.T) {
	_, err := NewService(memory.NewLedgerStore(memory.NewSessionStore()), Options{CreditValue: creditValue})
	require.Error(t, err)

	_, err = NewService(memory.NewLedgerStore(memory.NewSessionStore()), Options{Audit: &recordingAudit{}})
	require.Error(t, err)
}

func TestAppendEntry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))

	res, err := f.svc.Grant(ctx, "s1", 10)
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	require.Equal(t, int64(10), res.Balance)
	require.NotZero(t, res.EntryID)

	res, err = f.svc.AppendEntry(ctx, "s1", -4, models.ReasonGeneration, Meta{ModelID: "openai/gpt-4o", Cost: 40_000})
	require.NoError(t, err)
	require.Nil(t, res.Rejection)
	require.Equal(t, int64(6), res.Balance)

	t.Run("debit larger than balance is rejected", func(t *testing.T) {
		res, err := f.svc.AppendEntry(ctx, "s1", -7, models.ReasonGeneration, Meta{})
		require.NoError(t, err)
		require.NotNil(t, res.Rejection)
		require.Equal(t, rejection.InsufficientCredit, res.Rejection.Reason)
		require.Equal(t, int64(6), res.Balance)
		require.Equal(t, int64(6), f.get(t, "s1").CreditBalance)
	})

	t.Run("unknown reason", func(t *testing.T) {
		_, err := f.svc.AppendEntry(ctx, "s1", 1, models.LedgerReason("gift"), Meta{})
		require.ErrorIs(t, err, ErrInvalidReason)
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := f.svc.AppendEntry(ctx, "missing", 1, models.ReasonPurchase, Meta{})
		require.ErrorIs(t, err, store.ErrSessionNotFound)
	})

	t.Run("grant must be positive", func(t *testing.T) {
		_, err := f.svc.Grant(ctx, "s1", 0)
		require.ErrorIs(t, err, ErrInvalidAmount)
	})

	require.Equal(t, f.ledgerSum(t, "s1"), f.get(t, "s1").CreditBalance)
	require.NoError(t, f.svc.VerifySession(ctx, "s1"))
}

func TestCheckAndReserveSpend(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		spend     models.Micros
		resetAt   func(now time.Time) time.Time
		cost      models.Micros
		allowed   bool
		wantSpend models.Micros
	}{
		{
			name:      "4.99 plus 0.02 exceeds the cap",
			spend:     4_990_000,
			resetAt:   models.DayStart,
			cost:      20_000,
			allowed:   false,
			wantSpend: 4_990_000,
		},
		{
			name:      "4.99 plus 0.01 reaches the cap exactly",
			spend:     4_990_000,
			resetAt:   models.DayStart,
			cost:      10_000,
			allowed:   true,
			wantSpend: models.DefaultDailySpendLimit,
		},
		{
			name:      "4.99 plus zero",
			spend:     4_990_000,
			resetAt:   models.DayStart,
			cost:      0,
			allowed:   true,
			wantSpend: 4_990_000,
		},
		{
			name:  "yesterday's spend rolls over",
			spend: 4_990_000,
			resetAt: func(now time.Time) time.Time {
				return models.DayStart(now).Add(-24 * time.Hour)
			},
			cost:      20_000,
			allowed:   true,
			wantSpend: 20_000,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.session(t, "s1", models.TierPaid, tt.spend, tt.resetAt(f.now))

			res, err := f.svc.CheckAndReserveSpend(ctx, "s1", tt.cost)
			require.NoError(t, err)
			require.Equal(t, tt.allowed, res.Allowed)

			s := f.get(t, "s1")
			require.Equal(t, tt.wantSpend, s.DailySpend)

			if !tt.allowed {
				require.Equal(t, rejection.SpendCapExceeded, res.Rejection.Reason)
				// 18:30 UTC leaves five and a half hours until midnight
				require.Equal(t, 5*time.Hour+30*time.Minute, res.Rejection.RetryAfter)
				return
			}

			require.Nil(t, res.Rejection)
			require.Equal(t, models.DayStart(f.now), s.DailyResetAt)
		})
	}
}

func TestCheckAndReserveSpend_admin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(t, "admin", models.TierAdmin, 4_990_000, models.DayStart(f.now))

	res, err := f.svc.CheckAndReserveSpend(ctx, "admin", 2*models.MicrosPerUSD)
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.True(t, res.Admin)

	// admin traffic leaves daily spend alone
	require.Equal(t, models.Micros(4_990_000), f.get(t, "admin").DailySpend)

	entries := f.audit.all()
	require.Len(t, entries, 1)
	require.Equal(t, audit.KindReserve, entries[0].Kind)
	require.Equal(t, 2*models.MicrosPerUSD, entries[0].Cost)

	t.Run("audit failure fails the bypass", func(t *testing.T) {
		f.audit.err = errors.New("disk full")
		_, err := f.svc.CheckAndReserveSpend(ctx, "admin", 10_000)
		require.Error(t, err)
	})
}

func TestReserveSettleRelease(t *testing.T) {
	ctx := context.Background()

	t.Run("settle below reservation refunds the difference", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
		_, err := f.svc.Grant(ctx, "s1", 20)
		require.NoError(t, err)

		res, err := f.svc.Reserve(ctx, "s1", Charge{ModelID: "openai/gpt-4o", Credits: 6})
		require.NoError(t, err)
		require.Nil(t, res.Rejection)
		require.Equal(t, int64(14), res.Balance)
		require.Equal(t, models.ReservationReserved, res.Reservation.State)
		require.Equal(t, f.now.Add(DefaultReservationTTL), res.Reservation.ExpiresAt)
		require.Equal(t, models.Micros(60_000), f.get(t, "s1").DailySpend)

		settled, err := f.svc.Settle(ctx, res.Reservation.ID, 4)
		require.NoError(t, err)
		require.Equal(t, int64(16), settled.Balance)
		require.Equal(t, int64(2), settled.Refunded)
		require.Equal(t, models.ReservationSettled, settled.Reservation.State)
		require.Equal(t, int64(4), settled.Reservation.SettledCredit)
		require.NotNil(t, settled.Reservation.ClosedAt)

		// refunds do not reduce gross daily spend
		require.Equal(t, models.Micros(60_000), f.get(t, "s1").DailySpend)
		require.Equal(t, f.ledgerSum(t, "s1"), f.get(t, "s1").CreditBalance)

		_, err = f.svc.Settle(ctx, res.Reservation.ID, 4)
		require.ErrorIs(t, err, store.ErrReservationClosed)
	})

	t.Run("settle above reservation debits the extra clamped to balance", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
		_, err := f.svc.Grant(ctx, "s1", 5)
		require.NoError(t, err)

		res, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 3})
		require.NoError(t, err)
		require.Equal(t, int64(2), res.Balance)

		settled, err := f.svc.Settle(ctx, res.Reservation.ID, 10)
		require.NoError(t, err)
		require.Equal(t, int64(0), settled.Balance)
		require.Equal(t, int64(2), settled.Charged)
		require.Equal(t, int64(5), settled.Reservation.SettledCredit)
		require.Equal(t, models.Micros(50_000), f.get(t, "s1").DailySpend)
		require.Equal(t, f.ledgerSum(t, "s1"), f.get(t, "s1").CreditBalance)
	})

	t.Run("release restores the balance", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
		_, err := f.svc.Grant(ctx, "s1", 10)
		require.NoError(t, err)

		res, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 7})
		require.NoError(t, err)

		released, err := f.svc.Release(ctx, res.Reservation.ID, "generation failed")
		require.NoError(t, err)
		require.Equal(t, int64(10), released.Balance)
		require.Equal(t, int64(7), released.Refunded)
		require.Equal(t, models.ReservationReleased, released.Reservation.State)

		entries, err := f.ledger.Entries(ctx, "s1")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		require.Equal(t, models.ReasonRefund, entries[2].Reason)
		require.Equal(t, res.Reservation.ID, entries[2].GenerationID)

		_, err = f.svc.Release(ctx, res.Reservation.ID, "again")
		require.ErrorIs(t, err, store.ErrReservationClosed)
	})

	t.Run("insufficient credit writes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
		_, err := f.svc.Grant(ctx, "s1", 2)
		require.NoError(t, err)

		res, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 3})
		require.NoError(t, err)
		require.Equal(t, rejection.InsufficientCredit, res.Rejection.Reason)
		require.Nil(t, res.Reservation)

		s := f.get(t, "s1")
		require.Equal(t, int64(2), s.CreditBalance)
		require.Zero(t, s.DailySpend)
	})

	t.Run("cap rejection writes nothing", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "s1", models.TierPaid, 4_990_000, models.DayStart(f.now))
		_, err := f.svc.Grant(ctx, "s1", 10)
		require.NoError(t, err)

		res, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 2})
		require.NoError(t, err)
		require.Equal(t, rejection.SpendCapExceeded, res.Rejection.Reason)
		require.Equal(t, int64(10), f.get(t, "s1").CreditBalance)
	})

	t.Run("admin reservations are audited not debited", func(t *testing.T) {
		f := newFixture(t)
		f.session(t, "admin", models.TierAdmin, 0, models.DayStart(f.now))

		res, err := f.svc.Reserve(ctx, "admin", Charge{ModelID: "m", Credits: 5})
		require.NoError(t, err)
		require.Nil(t, res.Rejection)
		require.True(t, res.Reservation.Admin)

		_, err = f.svc.Settle(ctx, res.Reservation.ID, 3)
		require.NoError(t, err)

		s := f.get(t, "admin")
		require.Zero(t, s.CreditBalance)
		require.Zero(t, s.DailySpend)

		entries := f.audit.all()
		require.Len(t, entries, 2)
		require.Equal(t, audit.KindReserve, entries[0].Kind)
		require.Equal(t, models.Micros(50_000), entries[0].Cost)
		require.Equal(t, audit.KindSettle, entries[1].Kind)
		require.Equal(t, models.Micros(-20_000), entries[1].Cost)
	})

	t.Run("reserve must be positive", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Reserve(ctx, "s1", Charge{})
		require.ErrorIs(t, err, ErrInvalidAmount)
	})
}

func TestReleaseExpired(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
	_, err := f.svc.Grant(ctx, "s1", 10)
	require.NoError(t, err)

	old, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 2})
	require.NoError(t, err)

	f.now = f.now.Add(10 * time.Minute)
	fresh, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 3})
	require.NoError(t, err)

	f.now = f.now.Add(6 * time.Minute)
	n, err := f.svc.ReleaseExpired(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	r, err := f.ledger.FindReservation(ctx, old.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationReleased, r.State)

	r, err = f.ledger.FindReservation(ctx, fresh.Reservation.ID)
	require.NoError(t, err)
	require.Equal(t, models.ReservationReserved, r.State)

	require.Equal(t, int64(7), f.get(t, "s1").CreditBalance)
}

func TestBalanceMatchesLedgerUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
	_, err := f.svc.Grant(ctx, "s1", 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Reserve(ctx, "s1", Charge{Credits: 2})
			if err != nil || res.Rejection != nil {
				return
			}
			if i%2 == 0 {
				_, _ = f.svc.Release(ctx, res.Reservation.ID, "cancelled")
			} else {
				_, _ = f.svc.Settle(ctx, res.Reservation.ID, 1)
			}
		}()
	}
	wg.Wait()

	s := f.get(t, "s1")
	require.GreaterOrEqual(t, s.CreditBalance, int64(0))
	require.Equal(t, f.ledgerSum(t, "s1"), s.CreditBalance)
	require.NoError(t, f.svc.VerifySession(ctx, "s1"))
}

func TestVerifySession_detectsTampering(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.session(t, "s1", models.TierPaid, 0, models.DayStart(f.now))
	_, err := f.svc.Grant(ctx, "s1", 5)
	require.NoError(t, err)

	// an entry appended around the service skips the checksum
	err = f.ledger.WithSession(ctx, "s1", func(tx store.LedgerTx) error {
		_, err := tx.Append(&models.LedgerEntry{Delta: 100, Reason: models.ReasonPurchase})
		return err
	})
	require.NoError(t, err)

	err = f.svc.VerifySession(ctx, "s1")
	var inconsistency *InconsistencyError
	require.ErrorAs(t, err, &inconsistency)
	require.Len(t, inconsistency.BadChecksums, 1)

	problems, err := f.svc.Reconcile(ctx, []string{"s1", "missing"})
	require.NoError(t, err)
	require.Len(t, problems, 1)
	require.Equal(t, "s1", problems[0].SessionID)
}

func TestChecksum(t *testing.T) {
	e := &models.LedgerEntry{
		SessionID: "s1",
		Delta:     -3,
		Reason:    models.ReasonGeneration,
		ModelID:   "m",
		Cost:      30_000,
		CreatedAt: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	sum := Checksum(e)
	require.Equal(t, sum, Checksum(e))

	// the id is assigned by the store and is not covered
	e.ID = 42
	require.Equal(t, sum, Checksum(e))

	e.Delta = 3
	require.NotEqual(t, sum, Checksum(e))

	// field boundaries are length-prefixed
	a := &models.LedgerEntry{SessionID: "ab", ModelID: "c"}
	b := &models.LedgerEntry{SessionID: "a", ModelID: "bc"}
	require.NotEqual(t, Checksum(a), Checksum(b))
}
