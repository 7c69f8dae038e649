package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/agentic-studio/internal/domain"
)

// MemoryStore implements Repository in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*domain.Session
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*domain.Session)}
}

func cloneSession(s *domain.Session) *domain.Session {
	c := *s
	c.Conversation = domain.ConversationOf(s.Conversation.Turns())
	return &c
}

// CreateSession stores a new session.
func (m *MemoryStore) CreateSession(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[session.Key]; exists {
		return fmt.Errorf("create session %s: %w", session.Key, ErrAlreadyExists)
	}
	m.sessions[session.Key] = cloneSession(session)
	return nil
}

// GetSession retrieves a session by key.
func (m *MemoryStore) GetSession(_ context.Context, key string) (*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[key]
	if !ok {
		return nil, nil
	}
	return cloneSession(s), nil
}

// AppendTurns appends turns to a session.
func (m *MemoryStore) AppendTurns(_ context.Context, key string, turns []domain.Turn, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("append turns %s: %w", key, ErrNotFound)
	}
	s.Conversation = s.Conversation.Append(turns...)
	s.PendingInput = ""
	s.LastSeenAt = at
	return nil
}

// UpdatePendingInput replaces the pending input of a session.
func (m *MemoryStore) UpdatePendingInput(_ context.Context, key, input string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("update pending input %s: %w", key, ErrNotFound)
	}
	s.PendingInput = input
	s.LastSeenAt = at
	return nil
}

// Touch updates the last activity time of a session.
func (m *MemoryStore) Touch(_ context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[key]
	if !ok {
		return fmt.Errorf("touch %s: %w", key, ErrNotFound)
	}
	s.LastSeenAt = at
	return nil
}

// DeleteSession removes a session.
func (m *MemoryStore) DeleteSession(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
	return nil
}

// GetExpiredSessions returns sessions idle longer than ttl.
func (m *MemoryStore) GetExpiredSessions(_ context.Context, ttl time.Duration) ([]*domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var expired []*domain.Session
	for _, s := range m.sessions {
		if s.Expired(now, ttl) {
			c := *s
			c.Conversation = domain.Conversation{}
			expired = append(expired, &c)
		}
	}
	return expired, nil
}

// Ping always succeeds.
func (m *MemoryStore) Ping(_ context.Context) error { return nil }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
