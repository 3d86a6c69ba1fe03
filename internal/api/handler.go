package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/graceline/internal/auth"
	"github.com/RichardoC/graceline/internal/db"
	"github.com/RichardoC/graceline/internal/models"
	"github.com/RichardoC/graceline/internal/stream"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ConversationStore persists finished exchanges.
type ConversationStore interface {
	CreateConversation(ctx context.Context, ownerID, title string, messages []models.Message) (string, error)
	AppendMessages(ctx context.Context, conversationID, ownerID string, messages []models.Message) error
	GetConversation(ctx context.Context, conversationID, ownerID string) (*models.Conversation, error)
	ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error)
	DeleteConversation(ctx context.Context, conversationID, ownerID string) error
}

type SessionDeleter interface {
	DeleteSession(ctx context.Context, token string) (bool, error)
}

// Streamer produces a model reply, reporting each delta as it arrives.
type Streamer interface {
	Stream(ctx context.Context, user models.User, history []models.Message, onDelta func(delta string) error) (string, error)
}

type Handler struct {
	store    ConversationStore
	sessions SessionDeleter
	llm      Streamer
	logger   *zap.Logger
}

func NewHandler(store ConversationStore, sessions SessionDeleter, llmService Streamer, logger *zap.Logger) *Handler {
	return &Handler{
		store:    store,
		sessions: sessions,
		llm:      llmService,
		logger:   logger,
	}
}

type ChatRequest struct {
	Messages       []models.Message `json:"messages"`
	ConversationID string           `json:"conversationId,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func validateMessages(messages []models.Message) error {
	if len(messages) == 0 {
		return errors.New("messages must not be empty")
	}
	hasText := false
	for i, m := range messages {
		if m.Role != models.RoleUser && m.Role != models.RoleAssistant {
			return fmt.Errorf("message %d has unsupported role %q", i, m.Role)
		}
		if strings.TrimSpace(m.Text) != "" {
			hasText = true
		}
	}
	if !hasText {
		return errors.New("at least one message must have text")
	}
	return nil
}

// HandleChat streams a model reply for the posted conversation and, once the
// model has finished, persists the exchange. A client that goes away before
// the end leaves the store untouched for this turn.
func (h *Handler) HandleChat(c *gin.Context) {
	user, ok := auth.UserFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Details: err.Error()})
		return
	}
	if err := validateMessages(req.Messages); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid messages", Details: err.Error()})
		return
	}
	now := time.Now().UTC()
	for i := range req.Messages {
		if req.Messages[i].ID == "" {
			req.Messages[i].ID = uuid.NewString()
		}
		if req.Messages[i].CreatedAt.IsZero() {
			req.Messages[i].CreatedAt = now
		}
	}

	ctx := c.Request.Context()
	if req.ConversationID != "" {
		if _, err := h.store.GetConversation(ctx, req.ConversationID, user.ID); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
				return
			}
			h.logger.Error("Failed to load conversation", zap.Error(err), zap.String("conversationId", req.ConversationID))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
			return
		}
	}

	sw := stream.NewWriter(c.Writer)
	started := false
	begin := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("Cache-Control", "no-cache")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	}

	reply, err := h.llm.Stream(ctx, *user, req.Messages, func(delta string) error {
		begin()
		return sw.WriteText(delta)
	})
	if err != nil {
		switch {
		case !started:
			h.logger.Error("Failed to process message", zap.Error(err), zap.String("userId", user.ID))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "upstream failure", Details: err.Error()})
		case ctx.Err() != nil:
			h.logger.Info("Client disconnected mid-stream",
				zap.String("userId", user.ID),
				zap.Int("frames", sw.Frames()))
		default:
			// Partial output is already with the client; retrying would duplicate it.
			h.logger.Warn("Model stream failed mid-reply", zap.Error(err), zap.String("userId", user.ID))
			_ = sw.WriteError("the reply was interrupted")
		}
		return
	}
	begin()

	exchange := req.Messages
	replyID := ""
	if reply != "" {
		replyID = uuid.NewString()
		exchange = append(exchange, models.Message{
			ID:        replyID,
			Role:      models.RoleAssistant,
			Text:      reply,
			CreatedAt: time.Now().UTC(),
		})
	}

	// The model has finished, so the turn is saved even if the client is already gone.
	convID, err := h.persist(context.WithoutCancel(ctx), user.ID, req.ConversationID, exchange)
	if err != nil {
		h.logger.Error("Failed to persist conversation",
			zap.Error(err),
			zap.String("userId", user.ID),
			zap.String("conversationId", req.ConversationID))
		return
	}
	// The client resends its history next turn; it must carry the stored id.
	if replyID != "" {
		if err := sw.WriteReplyID(replyID); err != nil {
			h.logger.Debug("Failed to send reply id", zap.Error(err))
		}
	}
	if err := sw.WriteConversation(convID); err != nil {
		h.logger.Debug("Failed to send conversation id", zap.Error(err))
	}
}

func (h *Handler) persist(ctx context.Context, ownerID, conversationID string, messages []models.Message) (string, error) {
	if conversationID == "" {
		return h.store.CreateConversation(ctx, ownerID, models.DeriveTitle(messages), messages)
	}
	if err := h.store.AppendMessages(ctx, conversationID, ownerID, messages); err != nil {
		return "", err
	}
	return conversationID, nil
}

func (h *Handler) ValidateSession(c *gin.Context) {
	user, ok := auth.UserFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (h *Handler) Logout(c *gin.Context) {
	token, err := auth.BearerToken(c.GetHeader("Authorization"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "missing bearer token"})
		return
	}
	deleted, err := h.sessions.DeleteSession(c.Request.Context(), token)
	if err != nil {
		h.logger.Error("Failed to delete session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	if !deleted {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) GetConversations(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	conversations, err := h.store.ListConversations(c.Request.Context(), user.ID)
	if err != nil {
		h.logger.Error("Failed to get conversations",
			zap.Error(err),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}

	h.logger.Debug("Retrieved conversations",
		zap.Int("count", len(conversations)),
		zap.String("userId", user.ID))
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (h *Handler) GetConversation(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	conv, err := h.store.GetConversation(c.Request.Context(), c.Param("id"), user.ID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to get conversation", zap.Error(err), zap.String("conversationId", c.Param("id")))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversation": conv})
}

func (h *Handler) DeleteConversation(c *gin.Context) {
	user, _ := auth.UserFrom(c)
	err := h.store.DeleteConversation(c.Request.Context(), c.Param("id"), user.ID)
	if errors.Is(err, db.ErrNotFound) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "conversation not found"})
		return
	}
	if err != nil {
		h.logger.Error("Failed to delete conversation", zap.Error(err), zap.String("conversationId", c.Param("id")))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
