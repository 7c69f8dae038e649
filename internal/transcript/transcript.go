// Package transcript writes console conversations to NDJSON files.
package transcript

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// Config controls transcript logging.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// Event is one line of a transcript file.
type Event struct {
	Timestamp string         `json:"ts"`
	VisitorID string         `json:"visitor_id"`
	SessionID string         `json:"session_id"`
	Channel   string         `json:"channel"`
	EventType string         `json:"event_type"`
	Role      string         `json:"role,omitempty"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// Event types.
const (
	EventUserMessage      = "user_message"
	EventAssistantMessage = "assistant_message"
	EventPrefill          = "prefill"
	EventReset            = "reset"
)

// Logger records transcript events.
type Logger interface {
	Log(event Event)
	Close() error
}

// Nop returns a Logger that discards everything.
func Nop() Logger { return nopLogger{} }

type nopLogger struct{}

func (nopLogger) Log(Event)    {}
func (nopLogger) Close() error { return nil }

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// fileLogger appends events to <dir>/<visitor>/<session>.ndjson from a single
// writer goroutine. Events are dropped when the queue is full.
type fileLogger struct {
	dir    string
	queue  chan Event
	log    *slog.Logger
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewLogger returns a file-backed logger, or a no-op logger when disabled.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Nop(), nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript dir cannot be empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript dir: %w", err)
	}

	l := &fileLogger{
		dir:   cfg.Dir,
		queue: make(chan Event, cfg.QueueSize),
		log:   logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

func (l *fileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- event:
	default:
		l.log.Warn("transcript queue full, dropping event",
			"visitor_id", event.VisitorID,
			"session_id", event.SessionID,
			"event_type", event.EventType,
		)
	}
}

// Close stops accepting events and waits for queued ones to be written.
func (l *fileLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
	return nil
}

func (l *fileLogger) run() {
	defer l.wg.Done()
	for event := range l.queue {
		if err := l.write(event); err != nil {
			l.log.Warn("failed to write transcript event", "error", err, "session_id", event.SessionID)
		}
	}
}

func (l *fileLogger) write(event Event) error {
	path := l.pathFor(event.VisitorID, event.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create visitor dir: %w", err)
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open transcript: %w", err)
	}
	if _, err := f.Write(line); err != nil {
		_ = f.Close()
		return fmt.Errorf("append transcript: %w", err)
	}
	return f.Close()
}

func (l *fileLogger) pathFor(visitorID, sessionID string) string {
	return filepath.Join(l.dir, safeName(visitorID), safeName(sessionID)+".ndjson")
}

func safeName(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	if s == "" || s == "." || s == ".." {
		return "unknown"
	}
	return s
}
