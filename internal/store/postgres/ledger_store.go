package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

const (
	entryColumns = `
		entry_id, session_id, delta, reason, model_id,
		cost_micros, generation_id, checksum, created_at`

	reservationColumns = `
		reservation_id, session_id, model_id, state, credits,
		cost_micros, admin, settled_credits, created_at, expires_at, closed_at`
)

// LedgerStore implements store.LedgerStore. WithSession holds the session row
// lock (SELECT ... FOR UPDATE) for the duration of the callback.
type LedgerStore struct {
	pool *pgxpool.Pool
}

// NewLedgerStore creates a new PostgreSQL-backed ledger store.
func NewLedgerStore(pool *pgxpool.Pool) *LedgerStore {
	return &LedgerStore{pool: pool}
}

// WithSession runs fn in a transaction holding the session row lock. The
// transaction commits only when fn returns nil.
func (l *LedgerStore) WithSession(ctx context.Context, sessionID string, fn func(tx store.LedgerTx) error) error {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", mapPostgresError(err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback is safe to call after commit

	row := tx.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1 FOR UPDATE`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		return notFound(err, store.ErrSessionNotFound)
	}

	if err := fn(&ledgerTx{ctx: ctx, tx: tx, session: session}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", mapPostgresError(err))
	}

	return nil
}

// Entries returns the ledger for a session in append order.
func (l *LedgerStore) Entries(ctx context.Context, sessionID string) ([]models.LedgerEntry, error) {
	var exists bool
	if err := l.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM sessions WHERE session_id = $1)`, sessionID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check session: %w", mapPostgresError(err))
	}
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	return queryEntries(ctx, l.pool, sessionID)
}

// FindReservation returns a reservation by id.
func (l *LedgerStore) FindReservation(ctx context.Context, reservationID string) (*models.Reservation, error) {
	row := l.pool.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE reservation_id = $1`, reservationID)

	r, err := scanReservation(row)
	if err != nil {
		return nil, notFound(err, store.ErrReservationNotFound)
	}

	return r, nil
}

// ListExpiredReservations returns open reservations that expired before the
// cutoff, oldest first.
func (l *LedgerStore) ListExpiredReservations(ctx context.Context, before time.Time, limit int) ([]models.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations
		WHERE state = 'reserved' AND expires_at < $1
		ORDER BY expires_at`
	args := []any{before}

	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired reservations: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var expired []models.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reservation: %w", err)
		}
		expired = append(expired, *r)
	}

	return expired, rows.Err()
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryEntries(ctx context.Context, q querier, sessionID string) ([]models.LedgerEntry, error) {
	rows, err := q.Query(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE session_id = $1 ORDER BY entry_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query ledger entries: %w", mapPostgresError(err))
	}
	defer rows.Close()

	var entries []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var reason string
		var cost, checksum int64

		if err := rows.Scan(&e.ID, &e.SessionID, &e.Delta, &reason, &e.ModelID, &cost, &e.GenerationID, &checksum, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}

		e.Reason = models.LedgerReason(reason)
		e.Cost = models.Micros(cost)
		e.Checksum = uint64(checksum)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

func scanReservation(row rowScanner) (*models.Reservation, error) {
	var r models.Reservation
	var state string
	var cost int64

	err := row.Scan(
		&r.ID, &r.SessionID, &r.ModelID, &state, &r.Credits,
		&cost, &r.Admin, &r.SettledCredit, &r.CreatedAt, &r.ExpiresAt, &r.ClosedAt,
	)
	if err != nil {
		return nil, err
	}

	r.State = models.ReservationState(state)
	r.Cost = models.Micros(cost)

	return &r, nil
}

// ledgerTx is the locked view of one session. Writes go straight to the
// transaction; the cached session is kept in step so Session() reflects them.
type ledgerTx struct {
	ctx     context.Context
	tx      pgx.Tx
	session *models.Session
}

func (t *ledgerTx) Session() *models.Session {
	clone := *t.session
	return &clone
}

func (t *ledgerTx) Append(entry *models.LedgerEntry) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(t.ctx, `
		UPDATE sessions SET credit_balance = credit_balance + $2
		WHERE session_id = $1
		RETURNING credit_balance`, t.session.ID, entry.Delta).Scan(&balance)
	if err != nil {
		err = mapPostgresError(err)
		if errors.Is(err, store.ErrNegativeBalance) {
			return t.session.CreditBalance, err
		}
		return 0, fmt.Errorf("failed to update balance: %w", err)
	}

	entry.SessionID = t.session.ID

	err = t.tx.QueryRow(t.ctx, `
		INSERT INTO ledger_entries (
			session_id, delta, reason, model_id,
			cost_micros, generation_id, checksum, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING entry_id`,
		entry.SessionID,
		entry.Delta,
		string(entry.Reason),
		entry.ModelID,
		int64(entry.Cost),
		entry.GenerationID,
		int64(entry.Checksum),
		entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert ledger entry: %w", mapPostgresError(err))
	}

	t.session.CreditBalance = balance

	return balance, nil
}

func (t *ledgerTx) SaveSpend(spend models.Micros, resetAt time.Time) error {
	_, err := t.tx.Exec(t.ctx, `
		UPDATE sessions SET daily_spend_micros = $2, daily_reset_at = $3
		WHERE session_id = $1`, t.session.ID, int64(spend), resetAt)
	if err != nil {
		return fmt.Errorf("failed to save daily spend: %w", mapPostgresError(err))
	}

	t.session.DailySpend = spend
	t.session.DailyResetAt = resetAt

	return nil
}

func (t *ledgerTx) Entries() ([]models.LedgerEntry, error) {
	return queryEntries(t.ctx, t.tx, t.session.ID)
}

func (t *ledgerTx) PutReservation(r *models.Reservation) error {
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reservation_id) DO UPDATE SET
			state = EXCLUDED.state,
			settled_credits = EXCLUDED.settled_credits,
			closed_at = EXCLUDED.closed_at`,
		r.ID,
		t.session.ID,
		r.ModelID,
		string(r.State),
		r.Credits,
		int64(r.Cost),
		r.Admin,
		r.SettledCredit,
		r.CreatedAt,
		r.ExpiresAt,
		r.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to put reservation: %w", mapPostgresError(err))
	}
	return nil
}

func (t *ledgerTx) Reservation(id string) (*models.Reservation, error) {
	row := t.tx.QueryRow(t.ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE reservation_id = $1 AND session_id = $2`, id, t.session.ID)

	r, err := scanReservation(row)
	if err != nil {
		return nil, notFound(err, store.ErrReservationNotFound)
	}

	return r, nil
}
