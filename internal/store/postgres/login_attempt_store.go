package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

const loginAttemptColumns = `ip_hash, attempt_count, last_attempt, locked_until, lockout_count`

func scanLoginAttempt(row rowScanner) (*models.LoginAttempt, error) {
	var a models.LoginAttempt
	if err := row.Scan(&a.IPHash, &a.AttemptCount, &a.LastAttempt, &a.LockedUntil, &a.LockoutCount); err != nil {
		return nil, err
	}
	return &a, nil
}

// LoginAttemptStore implements store.LoginAttemptStore using PostgreSQL.
type LoginAttemptStore struct {
	pool *pgxpool.Pool
}

// NewLoginAttemptStore creates a new PostgreSQL-backed login attempt store.
func NewLoginAttemptStore(pool *pgxpool.Pool) *LoginAttemptStore {
	return &LoginAttemptStore{pool: pool}
}

func (s *LoginAttemptStore) Get(ctx context.Context, ipHash string) (*models.LoginAttempt, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+loginAttemptColumns+` FROM login_attempts WHERE ip_hash = $1`, ipHash)

	a, err := scanLoginAttempt(row)
	if err != nil {
		return nil, notFound(err, store.ErrLoginAttemptNotFound)
	}

	return a, nil
}

// Update applies fn under the row lock. A missing record is inserted empty
// first so two concurrent first failures serialise on the same row.
func (s *LoginAttemptStore) Update(ctx context.Context, ipHash string, fn func(a *models.LoginAttempt)) (*models.LoginAttempt, error) {
	var updated *models.LoginAttempt

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO login_attempts (ip_hash, attempt_count, last_attempt, lockout_count)
			VALUES ($1, 0, $2, 0)
			ON CONFLICT (ip_hash) DO NOTHING`, ipHash, time.Time{})
		if err != nil {
			return err
		}

		a, err := scanLoginAttempt(tx.QueryRow(ctx, `SELECT `+loginAttemptColumns+` FROM login_attempts WHERE ip_hash = $1 FOR UPDATE`, ipHash))
		if err != nil {
			return err
		}

		fn(a)
		a.IPHash = ipHash

		_, err = tx.Exec(ctx, `
			UPDATE login_attempts
			SET attempt_count = $2, last_attempt = $3, locked_until = $4, lockout_count = $5
			WHERE ip_hash = $1`,
			ipHash, a.AttemptCount, a.LastAttempt, a.LockedUntil, a.LockoutCount)
		if err != nil {
			return err
		}

		updated = a
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update login attempts: %w", mapPostgresError(err))
	}

	return updated, nil
}

func (s *LoginAttemptStore) Delete(ctx context.Context, ipHash string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM login_attempts WHERE ip_hash = $1`, ipHash); err != nil {
		return fmt.Errorf("failed to delete login attempts: %w", mapPostgresError(err))
	}
	return nil
}

// DeleteIdle removes unlocked records whose last attempt is before cutoff.
func (s *LoginAttemptStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM login_attempts
		WHERE last_attempt < $1 AND (locked_until IS NULL OR locked_until <= $1)`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle login attempts: %w", mapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}
