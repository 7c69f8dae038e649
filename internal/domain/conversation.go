// Package domain contains core domain types for the studio console.
package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidTurn is returned when a turn has an unknown role or empty content.
var ErrInvalidTurn = errors.New("invalid turn")

// Role identifies who authored a turn.
type Role string

const (
	// RoleUser marks turns typed by the visitor.
	RoleUser Role = "user"
	// RoleAssistant marks canned replies and the greeting.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Label returns the display label used by the console.
func (r Role) Label() string {
	if r == RoleUser {
		return "You"
	}
	return "Agentic"
}

// Turn is one message in a conversation.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewTurn validates and builds a turn.
func NewTurn(role Role, content string) (Turn, error) {
	if !role.Valid() {
		return Turn{}, fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, role)
	}
	if content == "" {
		return Turn{}, fmt.Errorf("%w: empty content", ErrInvalidTurn)
	}
	return Turn{Role: role, Content: content}, nil
}

// Replier picks the assistant response for a user message.
type Replier interface {
	Select(input string) string
}

// Conversation is an append-only sequence of turns in chronological order.
// The zero value is an empty conversation.
type Conversation struct {
	turns []Turn
}

// NewConversation returns a conversation seeded with the assistant greeting.
func NewConversation(greeting string) Conversation {
	return Conversation{turns: []Turn{{Role: RoleAssistant, Content: greeting}}}
}

// ConversationOf rebuilds a conversation from stored turns.
func ConversationOf(turns []Turn) Conversation {
	return Conversation{turns: append([]Turn(nil), turns...)}
}

// Append returns a new conversation with turns added at the end.
// The receiver is left untouched.
func (c Conversation) Append(turns ...Turn) Conversation {
	next := make([]Turn, len(c.turns), len(c.turns)+len(turns))
	copy(next, c.turns)
	return Conversation{turns: append(next, turns...)}
}

// Submit trims input with TrimInput and, when it is not blank, returns a
// conversation with the user turn and its reply appended together. Blank input
// returns c and false.
func (c Conversation) Submit(r Replier, input string) (Conversation, bool) {
	trimmed := TrimInput(input)
	if trimmed == "" {
		return c, false
	}
	return c.Append(
		Turn{Role: RoleUser, Content: trimmed},
		Turn{Role: RoleAssistant, Content: r.Select(trimmed)},
	), true
}

// Turns returns a copy of the turns.
func (c Conversation) Turns() []Turn {
	return append([]Turn(nil), c.turns...)
}

// Len returns the number of turns.
func (c Conversation) Len() int {
	return len(c.turns)
}

// Last returns the most recent turn.
func (c Conversation) Last() (Turn, bool) {
	if len(c.turns) == 0 {
		return Turn{}, false
	}
	return c.turns[len(c.turns)-1], true
}
