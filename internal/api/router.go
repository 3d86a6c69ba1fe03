package api

import (
	"github.com/RichardoC/graceline/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// NewRouter wires the HTTP surface. Paths are part of the client contract.
func NewRouter(h *Handler, authn *auth.Authenticator, limiter *RateLimiter, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(RequestLogger(logger), gin.Recovery())

	r.GET("/healthz", h.Health)

	requireSession := auth.Middleware(authn, logger)

	authGroup := r.Group("/auth")
	{
		authGroup.GET("/validate", requireSession, h.ValidateSession)
		authGroup.POST("/logout", h.Logout)
	}

	api := r.Group("/api", requireSession)
	{
		api.POST("/chat", limiter.Middleware(), h.HandleChat)
		api.GET("/conversations", h.GetConversations)
		api.GET("/conversations/:id", h.GetConversation)
		api.DELETE("/conversations/:id", h.DeleteConversation)
	}
	return r
}
