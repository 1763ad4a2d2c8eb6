package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/creditgate/internal/models"
)

// Sentinel errors for common error conditions
var (
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExists        = errors.New("session already exists")
	ErrReservationNotFound  = errors.New("reservation not found")
	ErrReservationClosed    = errors.New("reservation already closed")
	ErrNegativeBalance      = errors.New("credit balance would go negative")
	ErrLoginAttemptNotFound = errors.New("login attempt not found")
	ErrModelStatNotFound    = errors.New("model stat not found")
)

// SessionStore persists anonymous sessions.
type SessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)

	// Touch records that the session was seen from ipHash at the given time.
	Touch(ctx context.Context, id, ipHash string, at time.Time) error

	SetTier(ctx context.Context, id string, tier models.Tier) error

	// ListIDs returns every session id, used by reconciliation tooling.
	ListIDs(ctx context.Context) ([]string, error)
}

// LedgerStore serialises balance-affecting work per session. WithSession runs
// fn with the session row locked; all writes made through tx commit together
// when fn returns nil and are discarded otherwise.
type LedgerStore interface {
	WithSession(ctx context.Context, sessionID string, fn func(tx LedgerTx) error) error

	// Entries returns the ledger for a session in append order.
	Entries(ctx context.Context, sessionID string) ([]models.LedgerEntry, error)

	// FindReservation returns the session that owns a reservation.
	FindReservation(ctx context.Context, reservationID string) (*models.Reservation, error)

	// ListExpiredReservations returns reservations still reserved after before.
	ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error)
}

// LedgerTx is the view of one locked session inside LedgerStore.WithSession.
type LedgerTx interface {
	// Session returns the locked session row as of the start of the transaction
	// plus any changes made through this tx.
	Session() *models.Session

	// Append inserts entry and applies its delta to the cached balance.
	// Returns ErrNegativeBalance when the balance would drop below zero.
	Append(entry *models.LedgerEntry) (int64, error)

	// SaveSpend persists the daily spend fields of the session.
	SaveSpend(spend models.Micros, resetAt time.Time) error

	// Entries returns the committed ledger plus entries appended by this tx.
	Entries() ([]models.LedgerEntry, error)

	PutReservation(r *models.Reservation) error
	Reservation(id string) (*models.Reservation, error)
}

// RateLimitStore keeps fixed-window counters.
type RateLimitStore interface {
	// Increment atomically starts a new window (count 1) when none exists or
	// now-windowStart >= window, otherwise increments the count. It returns the
	// window after the change.
	Increment(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error)

	// DeleteStale removes windows that started before cutoff.
	DeleteStale(ctx context.Context, cutoff time.Time) (int, error)
}

// LoginAttemptStore keeps brute-force tracking records.
type LoginAttemptStore interface {
	Get(ctx context.Context, ipHash string) (*models.LoginAttempt, error)

	// Update atomically applies fn to the record for ipHash, creating an empty
	// record first when none exists, and stores the result.
	Update(ctx context.Context, ipHash string, fn func(a *models.LoginAttempt)) (*models.LoginAttempt, error)

	Delete(ctx context.Context, ipHash string) error

	// DeleteIdle removes unlocked records whose last attempt is before cutoff.
	DeleteIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// ModelStatStore keeps per-model latency statistics.
type ModelStatStore interface {
	Get(ctx context.Context, modelID string) (*models.ModelStat, error)

	// Update atomically applies fn to the stat row for modelID, creating a zero
	// row first when none exists.
	Update(ctx context.Context, modelID string, fn func(s *models.ModelStat)) (*models.ModelStat, error)
}

// Stores groups every store the server needs.
type Stores struct {
	Sessions      SessionStore
	Ledger        LedgerStore
	RateLimits    RateLimitStore
	LoginAttempts LoginAttemptStore
	ModelStats    ModelStatStore
}
