package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"manimate/types"
)

// MemoryStore keeps sessions in process memory
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*types.Session
	now      func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*types.Session),
		now:      time.Now,
	}
}

func (m *MemoryStore) Create(_ context.Context, s *types.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	write, err := checkCreate(m.sessions[s.ID], s)
	if err != nil || !write {
		return err
	}
	m.sessions[s.ID] = prepare(s, m.now())
	return nil
}

func (m *MemoryStore) UpsertProgress(_ context.Context, id string, scripts []*types.Script, readyTokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	_, err := applyProgress(s, scripts, readyTokens, m.now())
	return err
}

func (m *MemoryStore) SetStatus(_ context.Context, id string, status types.SessionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if s.Status != status {
		s.Status = status
		s.UpdatedAt = m.now()
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*types.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s.Clone(), nil
}

// Len returns the number of stored sessions
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
