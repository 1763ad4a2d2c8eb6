package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/wolfeidau/creditgate/internal/models"
	"github.com/wolfeidau/creditgate/internal/store"
)

// SessionStore implements store.SessionStore using in-memory storage.
// This implementation is for development and testing only - data is lost on restart.
type SessionStore struct {
	mu sync.Mutex

	sessions map[string]*models.Session
}

// NewSessionStore creates a new in-memory session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*models.Session),
	}
}

// Create creates a new session in memory.
func (s *SessionStore) Create(ctx context.Context, session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[session.ID]; exists {
		return store.ErrSessionExists
	}

	// Clone to avoid external modifications
	clone := *session
	s.sessions[session.ID] = &clone

	return nil
}

// Get retrieves a session by ID.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return nil, store.ErrSessionNotFound
	}

	clone := *session
	return &clone, nil
}

// Touch updates last-seen metadata for a session.
func (s *SessionStore) Touch(ctx context.Context, id, ipHash string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return store.ErrSessionNotFound
	}

	session.LastIPHash = ipHash
	session.LastSeenAt = at
	return nil
}

// SetTier changes the billing tier of a session.
func (s *SessionStore) SetTier(ctx context.Context, id string, tier models.Tier) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[id]
	if !exists {
		return store.ErrSessionNotFound
	}

	session.Tier = tier
	return nil
}

// ListIDs returns all session ids in sorted order.
func (s *SessionStore) ListIDs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids, nil
}
