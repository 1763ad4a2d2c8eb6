package memory

import (
	"context"
	"sort"
	"time"

	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

// LedgerStore implements store.LedgerStore on top of a SessionStore. It shares
// the session store mutex so a balance change and its ledger entry are applied
// in the same critical section.
type LedgerStore struct {
	sessions *SessionStore

	entries      map[string][]models.LedgerEntry // session_id -> entries
	reservations map[string]*models.Reservation  // reservation_id -> reservation
	nextID       int64
}

// NewLedgerStore creates a new in-memory ledger bound to sessions.
func NewLedgerStore(sessions *SessionStore) *LedgerStore {
	return &LedgerStore{
		sessions:     sessions,
		entries:      make(map[string][]models.LedgerEntry),
		reservations: make(map[string]*models.Reservation),
	}
}

// WithSession runs fn against a staged copy of the session and commits the
// staged changes only if fn succeeds.
func (l *LedgerStore) WithSession(ctx context.Context, sessionID string, fn func(tx store.LedgerTx) error) error {
	l.sessions.mu.Lock()
	defer l.sessions.mu.Unlock()

	session, exists := l.sessions.sessions[sessionID]
	if !exists {
		return store.ErrSessionNotFound
	}

	tx := &memoryLedgerTx{
		store:        l,
		session:      *session,
		reservations: make(map[string]*models.Reservation),
	}

	if err := fn(tx); err != nil {
		return err
	}

	// commit
	*session = tx.session
	for _, e := range tx.entries {
		l.entries[sessionID] = append(l.entries[sessionID], e)
	}
	for id, r := range tx.reservations {
		l.reservations[id] = r
	}

	return nil
}

// Entries returns a copy of the ledger for sessionID.
func (l *LedgerStore) Entries(ctx context.Context, sessionID string) ([]models.LedgerEntry, error) {
	l.sessions.mu.Lock()
	defer l.sessions.mu.Unlock()

	if _, exists := l.sessions.sessions[sessionID]; !exists {
		return nil, store.ErrSessionNotFound
	}

	return append([]models.LedgerEntry(nil), l.entries[sessionID]...), nil
}

// FindReservation returns a reservation by id.
func (l *LedgerStore) FindReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	l.sessions.mu.Lock()
	defer l.sessions.mu.Unlock()

	r, exists := l.reservations[reservationID]
	if !exists {
		return nil, store.ErrReservationNotFound
	}

	clone := *r
	return &clone, nil
}

// ListExpiredReservations returns open reservations that expired before the cutoff, oldest first.
func (l *LedgerStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error) {
	l.sessions.mu.Lock()
	defer l.sessions.mu.Unlock()

	var expired []models.Reservation
	for _, r := range l.reservations {
		if r.State == models.ReservationReserved && r.ExpiresAt.Before(before) {
			expired = append(expired, *r)
		}
	}

	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(expired[j].ExpiresAt)
	})

	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}

	return expired, nil
}

type memoryLedgerTx struct {
	store        *LedgerStore
	session      models.Session
	entries      []models.LedgerEntry
	reservations map[string]*models.Reservation
}

func (tx *memoryLedgerTx) Session() *models.Session {
	clone := tx.session
	return &clone
}

func (tx *memoryLedgerTx) Append(entry *models.LedgerEntry) (int64, error) {
	balance := tx.session.CreditBalance + entry.Delta
	if balance < 0 {
		return tx.session.CreditBalance, store.ErrNegativeBalance
	}

	tx.store.nextID++
	entry.ID = tx.store.nextID
	entry.SessionID = tx.session.ID

	tx.entries = append(tx.entries, *entry)
	tx.session.CreditBalance = balance

	return balance, nil
}

func (tx *memoryLedgerTx) SaveSpend(spend models.Micros, resetAt time.Time) error {
	tx.session.DailySpend = spend
	tx.session.DailyResetAt = resetAt
	return nil
}

func (tx *memoryLedgerTx) Entries() ([]models.LedgerEntry, error) {
	entries := append([]models.LedgerEntry(nil), tx.store.entries[tx.session.ID]...)
	return append(entries, tx.entries...), nil
}

func (tx *memoryLedgerTx) PutReservation(r *models.Reservation) error {
	clone := *r
	tx.reservations[r.ID] = &clone
	return nil
}

func (tx *memoryLedgerTx) Reservation(id string) (*models.Reservation, error) {
	if r, ok := tx.reservations[id]; ok {
		clone := *r
		return &clone, nil
	}

	r, exists := tx.store.reservations[id]
	if !exists || r.SessionID != tx.session.ID {
		return nil, store.ErrReservationNotFound
	}

	clone := *r
	return &clone, nil
}
