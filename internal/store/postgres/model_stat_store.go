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

// ModelStatStore implements store.ModelStatStore using PostgreSQL.
type ModelStatStore struct {
	pool *pgxpool.Pool
}

func NewModelStatStore(pool *pgxpool.Pool) *ModelStatStore {
	return &ModelStatStore{pool: pool}
}

func (s *ModelStatStore) Get(ctx context.Context, modelID string) (*models.ModelStat, error) {
	stat := models.ModelStat{ModelID: modelID}

	err := s.pool.QueryRow(ctx, `SELECT count, avg_ms, updated_at FROM model_stats WHERE model_id = $1`, modelID).
		Scan(&stat.Count, &stat.AvgMs, &stat.UpdatedAt)
	if err != nil {
		return nil, notFound(err, store.ErrModelStatNotFound)
	}

	return &stat, nil
}

// Update applies fn to the row for modelID under a row lock.
func (s *ModelStatStore) Update(ctx context.Context, modelID string, fn func(stat *models.ModelStat)) (*models.ModelStat, error) {
	stat := &models.ModelStat{ModelID: modelID}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO model_stats (model_id, count, avg_ms, updated_at)
			VALUES ($1, 0, 0, $2)
			ON CONFLICT (model_id) DO NOTHING`, modelID, time.Time{})
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx, `SELECT count, avg_ms, updated_at FROM model_stats WHERE model_id = $1 FOR UPDATE`, modelID).
			Scan(&stat.Count, &stat.AvgMs, &stat.UpdatedAt)
		if err != nil {
			return err
		}

		fn(stat)
		stat.ModelID = modelID

		_, err = tx.Exec(ctx, `
			UPDATE model_stats SET count = $2, avg_ms = $3, updated_at = $4
			WHERE model_id = $1`, modelID, stat.Count, stat.AvgMs, stat.UpdatedAt)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update model stats: %w", mapPostgresError(err))
	}

	return stat, nil
}
