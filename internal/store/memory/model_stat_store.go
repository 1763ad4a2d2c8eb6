package memory

import (
	"context"
	"sync"

	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

// ModelStatStore implements store.ModelStatStore using in-memory storage.
type ModelStatStore struct {
	mu    sync.Mutex
	stats map[string]*models.ModelStat
}

// NewModelStatStore creates a new in-memory model stat store.
func NewModelStatStore() *ModelStatStore {
	return &ModelStatStore{
		stats: make(map[string]*models.ModelStat),
	}
}

func (s *ModelStatStore) Get(ctx context.Context, modelID string) (*models.ModelStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, exists := s.stats[modelID]
	if !exists {
		return nil, store.ErrModelStatNotFound
	}

	clone := *stat
	return &clone, nil
}

func (s *ModelStatStore) Update(ctx context.Context, modelID string, fn func(stat *models.ModelStat)) (*models.ModelStat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stat, exists := s.stats[modelID]
	if !exists {
		stat = &models.ModelStat{ModelID: modelID}
		s.stats[modelID] = stat
	}

	fn(stat)
	stat.ModelID = modelID

	clone := *stat
	return &clone, nil
}
