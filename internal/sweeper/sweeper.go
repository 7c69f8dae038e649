// Package sweeper removes console sessions that have gone idle.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/agentic-studio/internal/store"
)

// CleanupCallback is called with the key of each session the sweeper removes.
type CleanupCallback func(key string)

// Expirer deletes a session only if it is still expired when checked under
// the session's lock.
type Expirer interface {
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// Options configures the sweeper.
type Options struct {
	Interval time.Duration
	TTL      time.Duration
	// IsActive reports whether a session has a live connection. Active
	// sessions are never swept.
	IsActive  func(key string) bool
	OnCleanup []CleanupCallback
}

// Start runs a background goroutine that periodically deletes idle sessions.
// It stops when ctx is done.
func Start(ctx context.Context, repo store.Repository, exp Expirer, opts Options) {
	ticker := time.NewTicker(opts.Interval)
	go func() {
		defer ticker.Stop()
		slog.Info("Session sweeper started", "interval", opts.Interval, "ttl", opts.TTL)

		for {
			select {
			case <-ticker.C:
				Sweep(ctx, repo, exp, opts)
			case <-ctx.Done():
				slog.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep deletes expired sessions once and returns how many were removed.
func Sweep(ctx context.Context, repo store.Repository, exp Expirer, opts Options) int {
	expired, err := repo.GetExpiredSessions(ctx, opts.TTL)
	if err != nil {
		slog.Error("Session sweeper failed to list expired sessions", "error", err)
		return 0
	}
	if len(expired) == 0 {
		return 0
	}

	slog.Info("Session sweeper found expired sessions", "count", len(expired))

	cleaned := 0
	for _, session := range expired {
		if opts.IsActive != nil && opts.IsActive(session.Key) {
			slog.Debug("Session sweeper skipped connected session", "session_id", session.TabID)
			continue
		}

		removed, err := exp.Expire(ctx, session.Key, opts.TTL)
		if err != nil {
			if ctx.Err() != nil {
				slog.Debug("Session sweeper interrupted", "error", err)
				return cleaned
			}
			slog.Warn("Session sweeper failed to delete session",
				"error", err,
				"visitor_id", session.VisitorID,
				"session_id", session.TabID)
			continue
		}
		if !removed {
			continue
		}
		for _, cb := range opts.OnCleanup {
			cb(session.Key)
		}
		cleaned++
	}

	slog.Info("Session sweeper cleanup completed", "cleaned", cleaned)
	return cleaned
}
