// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/ashureev/agentic-studio/internal/domain"
)

var (
	// ErrNotFound is returned when a write targets a session that does not exist.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists is returned when creating a session whose key is taken.
	ErrAlreadyExists = errors.New("session already exists")
)

// Repository defines the interface for persisting console sessions.
type Repository interface {
	// CreateSession stores a new session together with its seeded turns.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session and its turns. Returns nil, nil when absent.
	GetSession(ctx context.Context, key string) (*domain.Session, error)

	// AppendTurns adds turns after the existing ones and clears the pending input.
	// Either every turn is stored or none is.
	AppendTurns(ctx context.Context, key string, turns []domain.Turn, at time.Time) error

	// UpdatePendingInput replaces the composer input of a session.
	UpdatePendingInput(ctx context.Context, key, input string, at time.Time) error

	// Touch updates the last_seen_at timestamp of a session.
	Touch(ctx context.Context, key string, at time.Time) error

	// DeleteSession removes a session and its turns. Deleting a missing session is not an error.
	DeleteSession(ctx context.Context, key string) error

	// GetExpiredSessions returns sessions idle for longer than ttl, without their turns.
	GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend.
	Close() error
}

// Driver names accepted by Open.
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Open returns the repository for driver.
func Open(driver, dbPath string) (Repository, error) {
	switch driver {
	case DriverMemory, "":
		return NewMemory(), nil
	case DriverSQLite:
		s, err := NewSQLite(dbPath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.New("unknown store driver: " + driver)
	}
}
