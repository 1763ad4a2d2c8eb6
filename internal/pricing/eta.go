package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/creditgate/internal/config"
	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
	"github.com/wolfeidau/creditgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ETA keeps an exponential moving average of generation duration per model.
type ETA struct {
	stats        store.ModelStatStore
	alpha        float64
	defaultAvgMs float64
	metrics      *telemetry.Metrics
	now          func() time.Time
}

func NewETA(stats store.ModelStatStore, cfg config.ETAConfig) *ETA {
	return &ETA{
		stats:        stats,
		alpha:        cfg.Alpha,
		defaultAvgMs: cfg.DefaultAvgMs,
		metrics:      telemetry.GetMetrics(),
		now:          time.Now,
	}
}

// RecordGenerationDuration folds one sample into the model average:
// avg' = avg*(1-alpha) + sample*alpha. The first sample sets the average.
func (e *ETA) RecordGenerationDuration(ctx context.Context, modelID string, d time.Duration) (*models.ModelStat, error) {
	if d < 0 {
		return nil, fmt.Errorf("negative generation duration %s", d)
	}

	sample := float64(d) / float64(time.Millisecond)
	now := e.now()

	stat, err := e.stats.Update(ctx, modelID, func(s *models.ModelStat) {
		if s.Count == 0 {
			s.AvgMs = sample
		} else {
			s.AvgMs = s.AvgMs*(1-e.alpha) + sample*e.alpha
		}
		s.Count++
		s.UpdatedAt = now
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update model stats: %w", err)
	}

	e.metrics.GenerationDuration.Record(ctx, sample, metric.WithAttributes(attribute.String("model", modelID)))

	log.Debug().
		Str("model", modelID).
		Float64("sample_ms", sample).
		Float64("avg_ms", stat.AvgMs).
		Int64("count", stat.Count).
		Msg("Generation duration recorded")

	return stat, nil
}

// AverageMs returns the smoothed duration for modelID, or the default for a
// model with no samples.
func (e *ETA) AverageMs(ctx context.Context, modelID string) (float64, error) {
	stat, err := e.stats.Get(ctx, modelID)
	if err != nil {
		if errors.Is(err, store.ErrModelStatNotFound) {
			return e.defaultAvgMs, nil
		}
		return 0, fmt.Errorf("failed to get model stats: %w", err)
	}
	if stat.Count == 0 {
		return e.defaultAvgMs, nil
	}
	return stat.AvgMs, nil
}

// Estimate returns the expected generation time in whole seconds.
func (e *ETA) Estimate(ctx context.Context, modelID string) (int64, error) {
	avg, err := e.AverageMs(ctx, modelID)
	if err != nil {
		return 0, err
	}
	return int64(math.Round(avg / 1000)), nil
}
