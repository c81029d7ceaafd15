package session

import (
	"context"
	"sync"

	"github.com/diagnostiq/diagnostiq/engine/pkg/models"
)

// MemoryStore is a thread-safe in-memory SessionStore. Snapshots are
// cloned on the way in and out so callers never share mutable state with
// the store.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Snapshot
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*models.Snapshot)}
}

// Get returns a clone of the stored snapshot, or (nil, nil) when unknown.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*models.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return snap.Clone(), nil
}

// Put replaces the stored snapshot with a clone of snap.
func (s *MemoryStore) Put(_ context.Context, snap *models.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[snap.SessionID] = snap.Clone()
	return nil
}

// Delete removes the session. Deleting an unknown session is a no-op.
func (s *MemoryStore) Delete(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	return nil
}
