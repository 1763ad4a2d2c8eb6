package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wolfeidau/creditgate/internal/models"
)

// RateLimitStore implements store.RateLimitStore with a single UPSERT per
// check, so concurrent requests never lose an increment.
type RateLimitStore struct {
	pool *pgxpool.Pool
}

// NewRateLimitStore creates a new PostgreSQL-backed rate limit store.
func NewRateLimitStore(pool *pgxpool.Pool) *RateLimitStore {
	return &RateLimitStore{pool: pool}
}

// Increment starts a new window when the stored one has run its length,
// otherwise increments it.
func (s *RateLimitStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	w := &models.RateLimitWindow{Identifier: identifier, Endpoint: endpoint}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO rate_limit_windows (identifier, endpoint, count, window_start)
		VALUES ($1, $2, 1, $3::timestamptz)
		ON CONFLICT (identifier, endpoint) DO UPDATE SET
			count = CASE
				WHEN $3::timestamptz - rate_limit_windows.window_start >= $4::interval THEN 1
				ELSE rate_limit_windows.count + 1
			END,
			window_start = CASE
				WHEN $3::timestamptz - rate_limit_windows.window_start >= $4::interval THEN $3::timestamptz
				ELSE rate_limit_windows.window_start
			END
		RETURNING count, window_start`,
		identifier, endpoint, now, window,
	).Scan(&w.Count, &w.WindowStart)
	if err != nil {
		return nil, fmt.Errorf("failed to increment rate limit window: %w", mapPostgresError(err))
	}

	return w, nil
}

// DeleteStale removes windows that started before cutoff.
func (s *RateLimitStore) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rate_limit_windows WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale windows: %w", mapPostgresError(err))
	}
	return int(tag.RowsAffected()), nil
}
