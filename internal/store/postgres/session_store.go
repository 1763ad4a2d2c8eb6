package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

const sessionColumns = `
	session_id, identity_hash, tier, credit_balance,
	daily_spend_micros, daily_spend_limit_micros, daily_reset_at,
	last_ip_hash, created_at, last_seen_at, expires_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var s models.Session
	var tier string
	var spend, limit int64

	err := row.Scan(
		&s.ID, &s.IdentityHash, &tier, &s.CreditBalance,
		&spend, &limit, &s.DailyResetAt,
		&s.LastIPHash, &s.CreatedAt, &s.LastSeenAt, &s.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}

	s.Tier = models.Tier(tier)
	s.DailySpend = models.Micros(spend)
	s.DailySpendLimit = models.Micros(limit)

	return &s, nil
}

// SessionStore implements store.SessionStore using PostgreSQL.
type SessionStore struct {
	pool *pgxpool.Pool
}

// NewSessionStore creates a new PostgreSQL-backed session store.
func NewSessionStore(pool *pgxpool.Pool) *SessionStore {
	return &SessionStore{pool: pool}
}

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		session.ID,
		session.IdentityHash,
		string(session.Tier),
		session.CreditBalance,
		int64(session.DailySpend),
		int64(session.DailySpendLimit),
		session.DailyResetAt,
		session.LastIPHash,
		session.CreatedAt,
		session.LastSeenAt,
		session.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", mapPostgresError(err))
	}

	log.Debug().Str("session_id", session.ID).Msg("Created session")

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = $1`, id)

	session, err := scanSession(row)
	if err != nil {
		return nil, notFound(err, store.ErrSessionNotFound)
	}

	return session, nil
}

// Touch records the latest address hash and activity time.
func (s *SessionStore) Touch(ctx context.Context, id, ipHash string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET last_ip_hash = $2, last_seen_at = $3
		WHERE session_id = $1`, id, ipHash, at)
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}
	return nil
}

// SetTier changes the billing tier.
func (s *SessionStore) SetTier(ctx context.Context, id string, tier models.Tier) error {
	tag, err := s.pool.Exec(ctx, `UPDATE sessions SET tier = $2 WHERE session_id = $1`, id, string(tier))
	if err != nil {
		return fmt.Errorf("failed to set session tier: %w", mapPostgresError(err))
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionNotFound
	}

	log.Info().Str("session_id", id).Str("tier", string(tier)).Msg("Session tier changed")

	return nil
}

// ListIDs returns every session id.
func (s *SessionStore) ListIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT session_id FROM sessions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", mapPostgresError(err))
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to scan session ids: %w", mapPostgresError(err))
	}

	return ids, nil
}
