// Package convo holds the client-side conversation: the finalized message
// history plus the assistant reply that is still streaming in.
//
// A State is owned by whoever composes the client and is passed to the
// components that need it; there is no package-level instance.
package convo

import (
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/graceline/internal/models"
	"github.com/google/uuid"
)

type Phase int

const (
	Idle Phase = iota
	Streaming
)

func (p Phase) String() string {
	if p == Streaming {
		return "streaming"
	}
	return "idle"
}

type State struct {
	mu       sync.Mutex
	messages []models.Message
	phase    Phase
	buffer   strings.Builder

	now   func() time.Time
	newID func() string
}

type Option func(*State)

func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

func WithIDs(newID func() string) Option {
	return func(s *State) { s.newID = newID }
}

func New(opts ...Option) *State {
	s := &State{now: time.Now, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddMessage appends msg to the history. It is allowed in any phase.
func (s *State) AddMessage(msg models.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// StartStreaming enters the Streaming phase with an empty buffer. It returns
// false and leaves the buffer untouched when a stream is already active.
func (s *State) StartStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Streaming {
		return false
	}
	s.phase = Streaming
	s.buffer.Reset()
	return true
}

// AppendChunk adds text to the in-flight reply. Chunks outside a stream are
// dropped and reported with false.
func (s *State) AppendChunk(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != Streaming {
		return false
	}
	s.buffer.WriteString(text)
	return true
}

// StopStreaming returns to Idle. A non-empty buffer becomes a finalized
// assistant message which is appended and returned; an empty one leaves no
// message behind.
func (s *State) StopStreaming() (models.Message, bool) {
	return s.StopStreamingWithID("")
}

// StopStreamingWithID is StopStreaming with the finalized message stored
// under id. An empty id gets a fresh one.
func (s *State) StopStreamingWithID(id string) (models.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Idle
	if s.buffer.Len() == 0 {
		return models.Message{}, false
	}
	if id == "" {
		id = s.newID()
	}
	msg := models.Message{
		ID:        id,
		Role:      models.RoleAssistant,
		Text:      s.buffer.String(),
		CreatedAt: s.now().UTC(),
	}
	s.buffer.Reset()
	s.messages = append(s.messages, msg)
	return msg, true
}

func (s *State) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase == Streaming
}

func (s *State) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Buffer returns the text received so far for the in-flight reply.
func (s *State) Buffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.String()
}

// Messages returns a copy of the finalized history.
func (s *State) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Reset clears the history. It is a no-op while streaming.
func (s *State) Reset() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == Streaming {
		return false
	}
	s.messages = nil
	return true
}
