// Package auth validates bearer session tokens for the chat API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/RichardoC/graceline/internal/db"
	"github.com/RichardoC/graceline/internal/models"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	// ErrUnauthorized means the Authorization header is missing or malformed.
	ErrUnauthorized = errors.New("auth: missing or malformed bearer token")
	// ErrInvalidSession means no unexpired session matches the token.
	ErrInvalidSession = errors.New("auth: invalid or expired session")
)

const userKey = "auth.user"

// SessionStore resolves a token to the user owning an unexpired session.
type SessionStore interface {
	SessionUser(ctx context.Context, token string, now time.Time) (*models.User, error)
}

type Authenticator struct {
	store SessionStore
	now   func() time.Time
}

func NewAuthenticator(store SessionStore) *Authenticator {
	return &Authenticator{store: store, now: time.Now}
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", ErrUnauthorized
	}
	return token, nil
}

// Authenticate checks header against the session store on every call.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (*models.User, error) {
	token, err := BearerToken(header)
	if err != nil {
		return nil, err
	}
	user, err := a.store.SessionUser(ctx, token, a.now())
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("auth: session lookup: %w", err)
	}
	return user, nil
}

// Middleware rejects requests without a valid session and stores the user
// in the gin context for UserFrom.
func Middleware(a *Authenticator, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := a.Authenticate(c.Request.Context(), c.GetHeader("Authorization"))
		switch {
		case errors.Is(err, ErrUnauthorized):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		case errors.Is(err, ErrInvalidSession):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid session"})
			return
		case err != nil:
			logger.Error("Failed to authenticate request",
				zap.Error(err),
				zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
			return
		}
		c.Set(userKey, user)
		c.Next()
	}
}

// UserFrom returns the user stored by Middleware.
func UserFrom(c *gin.Context) (*models.User, bool) {
	v, ok := c.Get(userKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*models.User)
	return user, ok
}
