// Package transcript holds the ordered message log behind a chat widget and notifies the presentation
// layer about every change to it.
package transcript

import (
	"fmt"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatbot-widget/internal/models"
	"github.com/google/uuid"
)

// Display is the collaborator that turns transcript mutations into something visible. Methods are
// called synchronously by the goroutine performing the mutation, in mutation order, and never while
// the store lock is held, so implementations may read the store back.
type Display interface {
	MessageAppended(h models.Handle, role models.Role, text string, state models.State)
	MessageTextChanged(h models.Handle, text string)
	MessageStateChanged(h models.Handle, state models.State)
}

// Store is an append-only log of messages owned by a single widget. Messages are never removed; only
// their text and state change, and only through the methods below.
type Store struct {
	mu       sync.Mutex
	messages []models.Message

	display Display
	now     func() time.Time
}

// New creates an empty Store that reports mutations to display. A nil display is replaced with
// NopDisplay.
func New(display Display) *Store {
	if display == nil {
		display = NopDisplay{}
	}
	return &Store{
		display: display,
		now:     time.Now,
	}
}

// Append adds a message at the end of the log and returns its handle.
func (s *Store) Append(role models.Role, text string, state models.State) models.Handle {
	if err := role.Validate(); err != nil {
		panic(fmt.Sprintf("transcript: %v", err))
	}
	if err := state.Validate(); err != nil {
		panic(fmt.Sprintf("transcript: %v", err))
	}

	s.mu.Lock()
	h := models.Handle(len(s.messages))
	s.messages = append(s.messages, models.Message{
		ID:        uuid.New().String(),
		Role:      role,
		Text:      text,
		State:     state,
		Timestamp: s.now(),
	})
	s.mu.Unlock()

	s.display.MessageAppended(h, role, text, state)
	return h
}

// UpdateText appends delta to the text of a streaming message. Appending an empty delta changes
// nothing and notifies nobody.
func (s *Store) UpdateText(h models.Handle, delta string) {
	msg := s.message(h)
	if msg.State != models.StateStreaming {
		s.mu.Unlock()
		panic(fmt.Sprintf("transcript: update text of message %d in state %s", h, msg.State))
	}
	if delta == "" {
		s.mu.Unlock()
		return
	}
	msg.Text += delta
	text := msg.Text
	s.mu.Unlock()

	s.display.MessageTextChanged(h, text)
}

// SetText replaces the text of a message that has not reached a terminal state.
func (s *Store) SetText(h models.Handle, text string) {
	msg := s.message(h)
	if msg.State.Terminal() {
		s.mu.Unlock()
		panic(fmt.Sprintf("transcript: set text of message %d in terminal state %s", h, msg.State))
	}
	if msg.Text == text {
		s.mu.Unlock()
		return
	}
	msg.Text = text
	s.mu.Unlock()

	s.display.MessageTextChanged(h, text)
}

// SetState moves a message to the given state. Only the transitions allowed by
// models.State.CanTransition are accepted.
func (s *Store) SetState(h models.Handle, state models.State) {
	msg := s.message(h)
	if !msg.State.CanTransition(state) {
		s.mu.Unlock()
		panic(fmt.Sprintf("transcript: message %d cannot move from %s to %s", h, msg.State, state))
	}
	msg.State = state
	s.mu.Unlock()

	s.display.MessageStateChanged(h, state)
}

// Message returns a copy of the message behind h.
func (s *Store) Message(h models.Handle) models.Message {
	msg := *s.message(h)
	s.mu.Unlock()
	return msg
}

// Messages returns a copy of the whole log in insertion order.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Message(nil), s.messages...)
}

// Len returns the number of messages in the log.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

// message locks s.mu and returns the message behind h. An unknown handle is a programming error, so
// it unlocks and panics.
func (s *Store) message(h models.Handle) *models.Message {
	s.mu.Lock()
	if h < 0 || int(h) >= len(s.messages) {
		s.mu.Unlock()
		panic(fmt.Sprintf("transcript: invalid handle %d", h))
	}
	return &s.messages[h]
}
