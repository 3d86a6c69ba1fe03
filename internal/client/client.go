// Package client talks to the chat backend: it keeps the signed-in session in
// a kv.Store and drives streamed replies into a convo.State.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/RichardoC/graceline/internal/kv"
	"github.com/RichardoC/graceline/internal/models"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	keyToken     = "session_token"
	keyUserID    = "user_id"
	keyUserName  = "user_name"
	keyUserEmail = "user_email"
)

var (
	// ErrSignedOut means there is no usable session token.
	ErrSignedOut = errors.New("client: not signed in")
)

// APIError is a non-2xx answer from the backend.
type APIError struct {
	StatusCode int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("client: server returned %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("client: server returned %d: %s (%s)", e.StatusCode, e.Message, e.Details)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	store      kv.Store
	logger     *zap.Logger

	mu    sync.RWMutex
	token string
	user  *models.User
}

type Option func(*Client)

// WithHTTPClient replaces the HTTP client. It must not set a Timeout shorter
// than the longest expected reply, since replies are streamed.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

func New(baseURL string, store kv.Store, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("client: base URL must not be empty")
	}
	if store == nil {
		return nil, errors.New("client: store must not be nil")
	}
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{},
		store:      store,
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) User() (models.User, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.user == nil {
		return models.User{}, false
	}
	return *c.user, true
}

// SignIn validates a token obtained from the login flow and remembers it.
func (c *Client) SignIn(ctx context.Context, token string) (models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return models.User{}, ErrSignedOut
	}
	user, err := c.validate(ctx, token)
	if err != nil {
		return models.User{}, err
	}
	if err := c.save(token, user); err != nil {
		return models.User{}, fmt.Errorf("client: save session: %w", err)
	}
	return user, nil
}

// Restore re-validates the stored token. A token the server rejects is
// removed from the store.
func (c *Client) Restore(ctx context.Context) (models.User, error) {
	token, err := c.store.Get(keyToken)
	if errors.Is(err, kv.ErrNotFound) {
		return models.User{}, ErrSignedOut
	}
	if err != nil {
		return models.User{}, fmt.Errorf("client: load session: %w", err)
	}
	user, err := c.validate(ctx, token)
	if errors.Is(err, ErrSignedOut) {
		if clearErr := c.clear(); clearErr != nil {
			c.logger.Warn("Failed to clear stored session", zap.Error(clearErr))
		}
		return models.User{}, err
	}
	if err != nil {
		return models.User{}, err
	}
	if err := c.save(token, user); err != nil {
		return models.User{}, fmt.Errorf("client: save session: %w", err)
	}
	return user, nil
}

// SignOut ends the session on the server and forgets it locally. Local state
// is cleared even when the server cannot be reached.
func (c *Client) SignOut(ctx context.Context) error {
	var errs error
	if token := c.Token(); token != "" {
		req, err := c.newRequest(ctx, http.MethodPost, "/auth/logout", nil)
		if err == nil {
			var resp *http.Response
			resp, err = c.httpClient.Do(req)
			if err == nil {
				drain(resp.Body)
				if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusBadRequest {
					err = &APIError{StatusCode: resp.StatusCode, Message: "logout failed"}
				}
			}
		}
		errs = multierr.Append(errs, err)
	}
	return multierr.Append(errs, c.clear())
}

func (c *Client) Conversations(ctx context.Context) ([]models.Conversation, error) {
	var out struct {
		Conversations []models.Conversation `json:"conversations"`
	}
	if err := c.getJSON(ctx, "/api/conversations", &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var out struct {
		Conversation *models.Conversation `json:"conversation"`
	}
	if err := c.getJSON(ctx, "/api/conversations/"+id, &out); err != nil {
		return nil, err
	}
	return out.Conversation, nil
}

func (c *Client) validate(ctx context.Context, token string) (models.User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/validate", nil)
	if err != nil {
		return models.User{}, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.User{}, fmt.Errorf("client: validate session: %w", err)
	}
	defer drain(resp.Body)

	if resp.StatusCode == http.StatusUnauthorized {
		return models.User{}, ErrSignedOut
	}
	if resp.StatusCode != http.StatusOK {
		return models.User{}, readAPIError(resp)
	}
	var out struct {
		User models.User `json:"user"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return models.User{}, fmt.Errorf("client: decode user: %w", err)
	}
	return out.User, nil
}

func (c *Client) save(token string, user models.User) error {
	err := multierr.Combine(
		c.store.Set(keyToken, token),
		c.store.Set(keyUserID, user.ID),
		c.store.Set(keyUserName, user.Name),
		c.store.Set(keyUserEmail, user.Email),
	)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.token = token
	c.user = &user
	c.mu.Unlock()
	return nil
}

func (c *Client) clear() error {
	c.mu.Lock()
	c.token = ""
	c.user = nil
	c.mu.Unlock()
	return multierr.Combine(
		c.store.Remove(keyToken),
		c.store.Remove(keyUserID),
		c.store.Remove(keyUserName),
		c.store.Remove(keyUserEmail),
	)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	token := c.Token()
	if token == "" {
		return nil, ErrSignedOut
	}
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func readAPIError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Details string `json:"details"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	if body.Error == "" {
		body.Error = http.StatusText(resp.StatusCode)
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error, Details: body.Details}
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64<<10))
	_ = body.Close()
}
