package memory

import (
	"context"
	"sync"
	"time"

	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

// LoginAttemptStore implements store.LoginAttemptStore using in-memory storage.
type LoginAttemptStore struct {
	mu       sync.Mutex
	attempts map[string]*models.LoginAttempt
}

// NewLoginAttemptStore creates a new in-memory login attempt store.
func NewLoginAttemptStore() *LoginAttemptStore {
	return &LoginAttemptStore{
		attempts: make(map[string]*models.LoginAttempt),
	}
}

func (s *LoginAttemptStore) Get(ctx context.Context, ipHash string) (*models.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[ipHash]
	if !exists {
		return nil, store.ErrLoginAttemptNotFound
	}

	return cloneAttempt(a), nil
}

func (s *LoginAttemptStore) Update(ctx context.Context, ipHash string, fn func(a *models.LoginAttempt)) (*models.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.attempts[ipHash]
	if !exists {
		a = &models.LoginAttempt{IPHash: ipHash}
	}

	updated := cloneAttempt(a)
	fn(updated)
	updated.IPHash = ipHash
	s.attempts[ipHash] = updated

	return cloneAttempt(updated), nil
}

func (s *LoginAttemptStore) Delete(ctx context.Context, ipHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attempts, ipHash)
	return nil
}

func (s *LoginAttemptStore) DeleteIdle(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key, a := range s.attempts {
		if a.LastAttempt.Before(cutoff) && !a.IsLocked(cutoff) {
			delete(s.attempts, key)
			deleted++
		}
	}

	return deleted, nil
}

func cloneAttempt(a *models.LoginAttempt) *models.LoginAttempt {
	clone := *a
	if a.LockedUntil != nil {
		until := *a.LockedUntil
		clone.LockedUntil = &until
	}
	return &clone
}
