// Package studio owns the console sessions behind the studio page.
package studio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ashureev/agentic-studio/internal/domain"
	"github.com/ashureev/agentic-studio/internal/identity"
	"github.com/ashureev/agentic-studio/internal/store"
	"github.com/ashureev/agentic-studio/internal/transcript"
)

var (
	// ErrInputTooLong is returned when a message exceeds the configured length.
	ErrInputTooLong = errors.New("message too long")
	// ErrSessionExpired is returned for events on a tab whose session was swept.
	// The tab keeps its history on screen; only Reset starts it over.
	ErrSessionExpired = errors.New("session expired")
)

const defaultTombstoneTTL = 24 * time.Hour

// Ref identifies the console session of one browser tab.
type Ref struct {
	VisitorID string
	SessionID string
}

// RefFromContext builds a Ref from the identity stored in ctx.
func RefFromContext(ctx context.Context) Ref {
	return Ref{
		VisitorID: identity.VisitorIDFromContext(ctx),
		SessionID: identity.SessionIDFromContext(ctx),
	}
}

// Key returns the storage key of the session.
func (r Ref) Key() string {
	return identity.SessionKey(r.VisitorID, r.SessionID)
}

// Snapshot is the renderable state of a session.
type Snapshot struct {
	SessionID    string        `json:"session_id"`
	Turns        []domain.Turn `json:"turns"`
	PendingInput string        `json:"pending_input"`
}

// Options tunes a Service.
type Options struct {
	// MaxInputRunes caps the trimmed length of a message. Zero disables the cap.
	MaxInputRunes int
	Transcript    transcript.Logger
	Now           func() time.Time
	// TombstoneTTL is how long a swept session key keeps answering
	// ErrSessionExpired instead of being reseeded. Defaults to 24h.
	TombstoneTTL time.Duration
}

// Service runs console events against stored sessions. Events for the same
// session are applied one at a time.
type Service struct {
	repo     store.Repository
	replier  domain.Replier
	greeting string
	maxInput int
	log      transcript.Logger
	now      func() time.Time
	locks    keyedMutex

	tombMu       sync.Mutex
	tombstones   map[string]time.Time // swept session key -> sweep time
	tombstoneTTL time.Duration
}

// NewService creates a Service.
func NewService(repo store.Repository, replier domain.Replier, greeting string, opts Options) *Service {
	if opts.Transcript == nil {
		opts.Transcript = transcript.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = defaultTombstoneTTL
	}
	return &Service{
		repo:         repo,
		replier:      replier,
		greeting:     greeting,
		maxInput:     opts.MaxInputRunes,
		log:          opts.Transcript,
		now:          opts.Now,
		tombstones:   make(map[string]time.Time),
		tombstoneTTL: opts.TombstoneTTL,
	}
}

func (s *Service) lock(key string) func() {
	return s.locks.lock(key)
}

// Preview returns the state a new session for ref would start with, without
// storing anything. The session itself is created by the first event.
func (s *Service) Preview(ref Ref) Snapshot {
	return Snapshot{
		SessionID: ref.SessionID,
		Turns:     domain.NewConversation(s.greeting).Turns(),
	}
}

// Snapshot returns the session state, creating the session on first use.
func (s *Service) Snapshot(ctx context.Context, ref Ref) (Snapshot, error) {
	defer s.lock(ref.Key())()

	session, err := s.open(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.repo.Touch(ctx, ref.Key(), s.now()); err != nil {
		slog.Debug("Failed to touch console session", "error", err, "session_id", ref.SessionID)
	}
	return snapshotOf(session), nil
}

// Submit appends the message and its reply. Blank input leaves the session
// unchanged and reports false.
func (s *Service) Submit(ctx context.Context, ref Ref, input string) (Snapshot, bool, error) {
	if s.maxInput > 0 && utf8.RuneCountInString(domain.TrimInput(input)) > s.maxInput {
		return Snapshot{}, false, fmt.Errorf("%w: limit is %d characters", ErrInputTooLong, s.maxInput)
	}

	defer s.lock(ref.Key())()

	session, err := s.open(ctx, ref)
	if err != nil {
		return Snapshot{}, false, err
	}

	before := session.Conversation.Len()
	if !session.Submit(s.replier, input) {
		return snapshotOf(session), false, nil
	}

	added := session.Conversation.Turns()[before:]
	if err := s.repo.AppendTurns(ctx, ref.Key(), added, s.now()); err != nil {
		return Snapshot{}, false, fmt.Errorf("store turns: %w", err)
	}

	for _, t := range added {
		eventType := transcript.EventAssistantMessage
		if t.Role == domain.RoleUser {
			eventType = transcript.EventUserMessage
		}
		s.log.Log(transcript.Event{
			VisitorID: ref.VisitorID,
			SessionID: ref.SessionID,
			Channel:   channelFromContext(ctx),
			EventType: eventType,
			Role:      string(t.Role),
			Content:   t.Content,
		})
	}

	slog.Debug("Console message handled",
		"visitor_id", ref.VisitorID,
		"session_id", ref.SessionID,
		"turns", session.Conversation.Len(),
	)
	return snapshotOf(session), true, nil
}

// FillInput sets the pending composer input without submitting it.
func (s *Service) FillInput(ctx context.Context, ref Ref, prompt string) (Snapshot, error) {
	defer s.lock(ref.Key())()

	session, err := s.open(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}
	session.FillInput(prompt)
	if err := s.repo.UpdatePendingInput(ctx, ref.Key(), session.PendingInput, s.now()); err != nil {
		return Snapshot{}, fmt.Errorf("store pending input: %w", err)
	}

	s.log.Log(transcript.Event{
		VisitorID: ref.VisitorID,
		SessionID: ref.SessionID,
		Channel:   channelFromContext(ctx),
		EventType: transcript.EventPrefill,
		Content:   prompt,
	})
	return snapshotOf(session), nil
}

// Reset replaces the session with a freshly seeded one.
func (s *Service) Reset(ctx context.Context, ref Ref) (Snapshot, error) {
	defer s.lock(ref.Key())()

	if err := s.repo.DeleteSession(ctx, ref.Key()); err != nil {
		return Snapshot{}, fmt.Errorf("delete session: %w", err)
	}
	s.clearTombstone(ref.Key())
	session, err := s.create(ctx, ref)
	if err != nil {
		return Snapshot{}, err
	}

	s.log.Log(transcript.Event{
		VisitorID: ref.VisitorID,
		SessionID: ref.SessionID,
		Channel:   channelFromContext(ctx),
		EventType: transcript.EventReset,
	})
	return snapshotOf(session), nil
}

// open loads the session for ref, creating it when missing. Callers hold the key lock.
func (s *Service) open(ctx context.Context, ref Ref) (*domain.Session, error) {
	session, err := s.repo.GetSession(ctx, ref.Key())
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if session != nil {
		return session, nil
	}
	if s.isTombstoned(ref.Key()) {
		return nil, ErrSessionExpired
	}
	return s.create(ctx, ref)
}

func (s *Service) create(ctx context.Context, ref Ref) (*domain.Session, error) {
	now := s.now()
	session := &domain.Session{
		Key:          ref.Key(),
		VisitorID:    ref.VisitorID,
		TabID:        ref.SessionID,
		Conversation: domain.NewConversation(s.greeting),
		CreatedAt:    now,
		LastSeenAt:   now,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			// Another replica created it first.
			existing, getErr := s.repo.GetSession(ctx, ref.Key())
			if getErr == nil && existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Console session opened", "visitor_id", ref.VisitorID, "session_id", ref.SessionID)
	return session, nil
}

// Touch records activity on an existing session, such as a heartbeat from an
// open tab. A session that was never opened is left alone.
func (s *Service) Touch(ctx context.Context, ref Ref) error {
	defer s.lock(ref.Key())()

	err := s.repo.Touch(ctx, ref.Key(), s.now())
	if errors.Is(err, store.ErrNotFound) {
		if s.isTombstoned(ref.Key()) {
			return ErrSessionExpired
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

// Expire deletes the session for key if it is still idle for longer than ttl
// once the key lock is held, and reports whether it did. Later events for the
// key get ErrSessionExpired.
func (s *Service) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	defer s.lock(key)()

	session, err := s.repo.GetSession(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if session == nil || !session.Expired(s.now(), ttl) {
		return false, nil
	}
	if err := s.repo.DeleteSession(ctx, key); err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	s.tombstone(key)
	return true, nil
}

func (s *Service) tombstone(key string) {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()

	now := s.now()
	for k, at := range s.tombstones {
		if now.Sub(at) > s.tombstoneTTL {
			delete(s.tombstones, k)
		}
	}
	s.tombstones[key] = now
}

func (s *Service) isTombstoned(key string) bool {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()

	at, ok := s.tombstones[key]
	return ok && s.now().Sub(at) <= s.tombstoneTTL
}

func (s *Service) clearTombstone(key string) {
	s.tombMu.Lock()
	defer s.tombMu.Unlock()
	delete(s.tombstones, key)
}

func snapshotOf(session *domain.Session) Snapshot {
	return Snapshot{
		SessionID:    session.TabID,
		Turns:        session.Conversation.Turns(),
		PendingInput: session.PendingInput,
	}
}

type channelKey struct{}

// WithChannel tags ctx with the transport an event arrived on, for transcripts.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

func channelFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return "http"
}
