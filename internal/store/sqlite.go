package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentic-studio/internal/domain"
	"github.com/ashureev/agentic-studio/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to avoid SQLITE_BUSY under WAL
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL keeps readers off the writer's lock.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS studio_sessions (
		session_key TEXT PRIMARY KEY,
		visitor_id TEXT NOT NULL,
		tab_id TEXT NOT NULL,
		pending_input TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_seen_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_studio_sessions_last_seen ON studio_sessions(last_seen_at);

	CREATE TABLE IF NOT EXISTS studio_turns (
		session_key TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('user', 'assistant')),
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (session_key, seq)
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateSession inserts a session row and its seeded turns in one transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO studio_sessions (session_key, visitor_id, tab_id, pending_input, created_at, last_seen_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_key) DO NOTHING`,
			session.Key, session.VisitorID, session.TabID, session.PendingInput,
			session.CreatedAt.Unix(), session.LastSeenAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("create session %s: %w", session.Key, ErrAlreadyExists)
		}
		return insertTurns(ctx, tx, session.Key, 0, session.Conversation.Turns(), session.CreatedAt)
	})
}

// GetSession retrieves a session and its turns in order.
func (s *SQLiteStore) GetSession(ctx context.Context, key string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_key, visitor_id, tab_id, pending_input, created_at, last_seen_at
		FROM studio_sessions WHERE session_key = ?`, key)

	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content FROM studio_turns
		WHERE session_key = ? ORDER BY seq ASC`, key)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var role, content string
		if err := rows.Scan(&role, &content); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}
		turn, err := domain.NewTurn(domain.Role(role), content)
		if err != nil {
			return nil, fmt.Errorf("load turn: %w", err)
		}
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	session.Conversation = domain.ConversationOf(turns)
	return session, nil
}

// AppendTurns appends turns after the current last sequence number and clears
// the pending input, all in one transaction.
func (s *SQLiteStore) AppendTurns(ctx context.Context, key string, turns []domain.Turn, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE studio_sessions SET pending_input = '', last_seen_at = ? WHERE session_key = ?`,
			at.Unix(), key)
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("append turns %s: %w", key, ErrNotFound)
		}

		var next int64
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq) + 1, 0) FROM studio_turns WHERE session_key = ?`, key,
		).Scan(&next); err != nil {
			return fmt.Errorf("read next sequence: %w", err)
		}
		return insertTurns(ctx, tx, key, next, turns, at)
	})
}

// UpdatePendingInput replaces the composer input of a session.
func (s *SQLiteStore) UpdatePendingInput(ctx context.Context, key, input string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.execOne(ctx, "update pending input",
		`UPDATE studio_sessions SET pending_input = ?, last_seen_at = ? WHERE session_key = ?`,
		input, at.Unix(), key)
}

// Touch updates the last_seen_at timestamp of a session.
func (s *SQLiteStore) Touch(ctx context.Context, key string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.execOne(ctx, "touch session",
		`UPDATE studio_sessions SET last_seen_at = ? WHERE session_key = ?`,
		at.Unix(), key)
}

// DeleteSession removes a session and its turns.
// Retries with exponential backoff when the database is busy.
func (s *SQLiteStore) DeleteSession(ctx context.Context, key string) error {
	err := shared.RetryOnConflict(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return s.deleteSessionOnce(ctx, key)
	})
	if err != nil {
		return fmt.Errorf("delete session %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) deleteSessionOnce(ctx context.Context, key string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM studio_turns WHERE session_key = ?`, key); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM studio_sessions WHERE session_key = ?`, key); err != nil {
			return fmt.Errorf("delete session row: %w", err)
		}
		return nil
	})
}

// GetExpiredSessions returns sessions whose last activity is older than ttl.
func (s *SQLiteStore) GetExpiredSessions(ctx context.Context, ttl time.Duration) ([]*domain.Session, error) {
	threshold := time.Now().Add(-ttl).Unix()
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_key, visitor_id, tab_id, pending_input, created_at, last_seen_at
		FROM studio_sessions WHERE last_seen_at < ?`, threshold)
	if err != nil {
		return nil, fmt.Errorf("query expired sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close expired sessions rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expired sessions: %w", err)
	}
	return sessions, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var createdAt, lastSeen int64
	if err := row.Scan(
		&session.Key, &session.VisitorID, &session.TabID, &session.PendingInput,
		&createdAt, &lastSeen,
	); err != nil {
		return nil, err
	}
	session.CreatedAt = time.Unix(createdAt, 0)
	session.LastSeenAt = time.Unix(lastSeen, 0)
	return &session, nil
}

func insertTurns(ctx context.Context, tx *sql.Tx, key string, firstSeq int64, turns []domain.Turn, at time.Time) error {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO studio_turns (session_key, seq, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare turn insert: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			slog.Debug("failed to close turn insert statement", "error", closeErr)
		}
	}()

	for i, t := range turns {
		if _, err := stmt.ExecContext(ctx, key, firstSeq+int64(i), string(t.Role), t.Content, at.Unix()); err != nil {
			return fmt.Errorf("insert turn %d: %w", i, err)
		}
	}
	return nil
}

func (s *SQLiteStore) execOne(ctx context.Context, op, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Warn("failed to roll back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
