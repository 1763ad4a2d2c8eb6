package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/creditgate/internal/models"
)

type windowKey struct {
	identifier string
	endpoint   string
}

// RateLimitStore implements store.RateLimitStore using in-memory storage.
type RateLimitStore struct {
	mu      sync.Mutex
	windows map[windowKey]*models.RateLimitWindow
}

// NewRateLimitStore creates a new in-memory rate limit store.
func NewRateLimitStore() *RateLimitStore {
	return &RateLimitStore{
		windows: make(map[windowKey]*models.RateLimitWindow),
	}
}

// Increment resets or increments the window for (identifier, endpoint).
func (s *RateLimitStore) Increment(ctx context.Context, identifier, endpoint string, now time.Time, window time.Duration) (*models.RateLimitWindow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey{identifier: identifier, endpoint: endpoint}

	w, exists := s.windows[key]
	if !exists || now.Sub(w.WindowStart) >= window {
		w = &models.RateLimitWindow{
			Identifier:  identifier,
			Endpoint:    endpoint,
			Count:       1,
			WindowStart: now,
		}
		s.windows[key] = w
	} else {
		w.Count++
	}

	clone := *w
	return &clone, nil
}

// DeleteStale removes windows that started before cutoff.
func (s *RateLimitStore) DeleteStale(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, w := range s.windows {
		if w.WindowStart.Before(cutoff) {
			delete(s.windows, key)
			deleted++
		}
	}

	return deleted, nil
}
