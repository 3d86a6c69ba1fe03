package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/RichardoC/graceline/internal/convo"
	"github.com/RichardoC/graceline/internal/models"
	"github.com/RichardoC/graceline/internal/stream"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrStreaming is returned by Send while a reply is still arriving.
	ErrStreaming    = errors.New("client: a reply is already streaming")
	ErrEmptyMessage = errors.New("client: message text is empty")
)

// Chat sends user messages and assembles the streamed replies into its
// conversation state.
type Chat struct {
	client *Client
	state  *convo.State
	logger *zap.Logger

	onChunk          func(text string)
	onTransportError func(err error)
	now              func() time.Time
	newID            func() string

	mu             sync.Mutex
	conversationID string
}

type ChatOption func(*Chat)

// OnChunk is called with every text delta as it arrives.
func OnChunk(fn func(text string)) ChatOption {
	return func(ch *Chat) { ch.onChunk = fn }
}

// OnTransportError is called when the connection fails mid-reply. The partial
// reply has already been kept as the assistant message by then.
func OnTransportError(fn func(err error)) ChatOption {
	return func(ch *Chat) { ch.onTransportError = fn }
}

func NewChat(c *Client, state *convo.State, opts ...ChatOption) *Chat {
	ch := &Chat{
		client: c,
		state:  state,
		logger: c.logger,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(ch)
	}
	return ch
}

func (ch *Chat) State() *convo.State {
	return ch.state
}

func (ch *Chat) Messages() []models.Message {
	return ch.state.Messages()
}

// ConversationID is the server id of the current conversation, known once
// the first exchange has been persisted.
func (ch *Chat) ConversationID() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.conversationID
}

func (ch *Chat) setConversationID(id string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.conversationID = id
}

// Reset starts a new conversation.
func (ch *Chat) Reset() error {
	if !ch.state.Reset() {
		return ErrStreaming
	}
	ch.setConversationID("")
	return nil
}

// Load replaces the local history with a stored conversation.
func (ch *Chat) Load(conv *models.Conversation) error {
	if !ch.state.Reset() {
		return ErrStreaming
	}
	for _, m := range conv.Messages {
		ch.state.AddMessage(m)
	}
	ch.setConversationID(conv.ID)
	return nil
}

// Send posts text as a new user message and blocks until the reply has been
// streamed in. It returns the assistant message, or nil when the server sent
// no text. Errors before the stream starts are returned; a connection lost
// mid-reply is reported to OnTransportError and whatever arrived is kept.
func (ch *Chat) Send(ctx context.Context, text string) (*models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}
	if ch.client.Token() == "" {
		return nil, ErrSignedOut
	}
	if !ch.state.StartStreaming() {
		return nil, ErrStreaming
	}
	ch.state.AddMessage(models.Message{
		ID:        ch.newID(),
		Role:      models.RoleUser,
		Text:      text,
		CreatedAt: ch.now().UTC(),
	})

	body := struct {
		Messages       []models.Message `json:"messages"`
		ConversationID string           `json:"conversationId,omitempty"`
	}{
		Messages:       ch.state.Messages(),
		ConversationID: ch.ConversationID(),
	}

	req, err := ch.client.newRequest(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		ch.state.StopStreaming()
		return nil, err
	}
	resp, err := ch.client.httpClient.Do(req)
	if err != nil {
		ch.state.StopStreaming()
		return nil, fmt.Errorf("client: send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		ch.state.StopStreaming()
		return nil, readAPIError(resp)
	}

	var transportErr error
	replyID := ""
	stream.Read(resp.Body, stream.Handler{
		OnChunk: func(text string) {
			ch.state.AppendChunk(text)
			if ch.onChunk != nil {
				ch.onChunk(text)
			}
		},
		OnFrame: func(f stream.Frame) {
			switch f.Kind {
			case stream.KindConversation:
				ch.setConversationID(f.Payload)
			case stream.KindReply:
				replyID = f.Payload
			case stream.KindError:
				ch.logger.Warn("Server interrupted the reply", zap.String("reason", f.Payload))
			default:
				ch.logger.Debug("Ignoring frame", zap.Int("code", f.Code))
			}
		},
		OnMalformed: func(err *stream.DecodeError) {
			ch.logger.Debug("Skipping malformed frame", zap.Error(err))
		},
		OnError: func(err error) {
			transportErr = err
		},
	})

	// Keep the server's id for the reply so resending history does not store it twice.
	msg, ok := ch.state.StopStreamingWithID(replyID)
	if transportErr != nil {
		ch.logger.Warn("Connection lost while streaming",
			zap.Error(transportErr),
			zap.Int("receivedChars", len(msg.Text)))
		if ch.onTransportError != nil {
			ch.onTransportError(transportErr)
		}
	}
	if !ok {
		return nil, nil
	}
	return &msg, nil
}
