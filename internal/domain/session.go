package domain

import (
	"time"
)

// Session is the console state of one browser tab.
type Session struct {
	Key          string       `json:"-"`
	VisitorID    string       `json:"-"`
	TabID        string       `json:"session_id"`
	Conversation Conversation `json:"-"`
	PendingInput string       `json:"pending_input"`
	CreatedAt    time.Time    `json:"created_at"`
	LastSeenAt   time.Time    `json:"last_seen_at"`
}

// FillInput replaces the pending composer input without submitting it.
func (s *Session) FillInput(prompt string) {
	s.PendingInput = prompt
}

// Submit appends the user turn and its reply. The pending input is cleared
// only when the message was accepted.
func (s *Session) Submit(r Replier, input string) bool {
	next, ok := s.Conversation.Submit(r, input)
	if !ok {
		return false
	}
	s.Conversation = next
	s.PendingInput = ""
	return true
}

// IdleFor returns how long the session has gone without activity.
func (s *Session) IdleFor(now time.Time) time.Duration {
	if s.LastSeenAt.IsZero() || now.Before(s.LastSeenAt) {
		return 0
	}
	return now.Sub(s.LastSeenAt)
}

// Expired reports whether the session has been idle longer than ttl.
func (s *Session) Expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && s.IdleFor(now) > ttl
}
