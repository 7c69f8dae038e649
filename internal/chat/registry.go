// Package chat serves the studio console over WebSocket.
package chat

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Conn is the part of a WebSocket connection the registry needs.
type Conn interface {
	Close(code websocket.StatusCode, reason string) error
}

// Registry tracks the active connection of each console session. A session
// has at most one live connection; a newer one replaces the older.
type Registry struct {
	mu     sync.RWMutex
	active map[string]Conn
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]Conn)}
}

// Active returns the connection for a session key, or nil.
func (r *Registry) Active(key string) Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active[key]
}

// IsActive reports whether key has a live connection.
func (r *Registry) IsActive(key string) bool {
	return r.Active(key) != nil
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.active)
}

// Register records conn for key, closing any connection it replaces.
func (r *Registry) Register(key string, conn Conn) {
	r.mu.Lock()
	existing, exists := r.active[key]
	r.active[key] = conn
	r.mu.Unlock()

	if exists && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "session replaced")
	}
	slog.Info("Chat connection registered", "session_key", key)
}

// Unregister removes conn if it is still the active connection for key.
func (r *Registry) Unregister(key string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, exists := r.active[key]; exists && current == conn {
		delete(r.active, key)
		slog.Info("Chat connection unregistered", "session_key", key)
	}
}

// CloseSession terminates the connection for key, if any.
func (r *Registry) CloseSession(key string) {
	r.mu.Lock()
	conn, ok := r.active[key]
	delete(r.active, key)
	r.mu.Unlock()

	if !ok {
		return
	}
	_ = conn.Close(websocket.StatusGoingAway, "session expired")
	slog.Info("Chat connection closed", "session_key", key)
}

// CloseAll terminates every connection. Used on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.active
	r.active = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
