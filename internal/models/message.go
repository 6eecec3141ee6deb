package models

import (
	"fmt"
	"time"
)

// Message represents a single entry of a widget transcript. It carries the participant's role, the text
// shown to the user, and the lifecycle state of that text. Bot messages start empty and grow while the
// response streams in; every other message is created complete.
type Message struct {
	ID        string
	Role      Role
	Text      string
	State     State
	Timestamp time.Time
}

// Handle identifies a message inside the transcript that created it. It is the message's position in
// the append-only log, so it stays valid for the lifetime of the transcript.
type Handle int

// Role represents the role of a message participant.
type Role string

// State represents the lifecycle state of a message.
type State string

const (
	// RoleUser represents a query typed by the user.
	RoleUser Role = "user"
	// RoleBot represents a response streamed from the query endpoint.
	RoleBot Role = "bot"
	// RoleStatus represents a widget-generated notice, like the greeting.
	RoleStatus Role = "status"

	// StatePending is the state of a bot message whose request has been sent but no response headers
	// have arrived yet.
	StatePending State = "pending"
	// StateStreaming is the state of a bot message that is receiving text.
	StateStreaming State = "streaming"
	// StateComplete is a terminal state. The message text is final.
	StateComplete State = "complete"
	// StateErrored is a terminal state. The message text describes the failure.
	StateErrored State = "errored"
)

// Terminal reports whether no further transition may leave s.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateErrored
}

// CanTransition reports whether a message in state s may move to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StatePending:
		return next == StateStreaming || next == StateErrored
	case StateStreaming:
		return next == StateComplete || next == StateErrored
	default:
		return false
	}
}

// Validate returns an error if r is not a known role.
func (r Role) Validate() error {
	switch r {
	case RoleUser, RoleBot, RoleStatus:
		return nil
	}
	return fmt.Errorf("unknown role: %q", string(r))
}

// Validate returns an error if s is not a known state.
func (s State) Validate() error {
	switch s {
	case StatePending, StateStreaming, StateComplete, StateErrored:
		return nil
	}
	return fmt.Errorf("unknown state: %q", string(s))
}
