package db

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/RichardoC/graceline/internal/models"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/multierr"
)

// ErrNotFound is returned when a row is missing or owned by someone else.
var ErrNotFound = errors.New("db: not found")

// Timestamps are stored as unix nanoseconds so ordering by updated_at is exact.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL UNIQUE,
    created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    token TEXT NOT NULL UNIQUE,
    expires_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    title TEXT NOT NULL,
    messages_json TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS conversations_user_updated ON conversations(user_id, updated_at DESC);`

type Database struct {
	db  *sql.DB
	now func() time.Time
}

type Option func(*Database)

// WithClock replaces the clock used for created_at/updated_at stamps.
func WithClock(now func() time.Time) Option {
	return func(d *Database) {
		d.now = now
	}
}

func New(dbPath string, opts ...Option) (*Database, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway; one connection avoids SQLITE_BUSY on upgrades.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, multierr.Append(fmt.Errorf("failed to apply schema: %w", err), db.Close())
	}

	d := &Database{db: db, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) CreateUser(ctx context.Context, name, email string) (*models.User, error) {
	user := &models.User{ID: uuid.NewString(), Name: name, Email: email}
	_, err := d.db.ExecContext(ctx, `
        INSERT INTO users (id, name, email, created_at)
        VALUES (?, ?, ?, ?)`,
		user.ID, user.Name, user.Email, d.now().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// CreateSession issues a new opaque bearer token for userID valid for ttl.
func (d *Database) CreateSession(ctx context.Context, userID string, ttl time.Duration) (*models.Session, error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	sess := &models.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: d.now().Add(ttl).UTC(),
	}
	_, err = d.db.ExecContext(ctx, `
        INSERT INTO sessions (id, user_id, token, expires_at)
        VALUES (?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.Token, sess.ExpiresAt.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// SessionUser returns the owner of token if the session has not expired at now.
func (d *Database) SessionUser(ctx context.Context, token string, now time.Time) (*models.User, error) {
	query := `
        SELECT u.id, u.name, u.email
        FROM sessions s
        JOIN users u ON u.id = s.user_id
        WHERE s.token = ? AND s.expires_at > ?`

	var user models.User
	err := d.db.QueryRowContext(ctx, query, token, now.UnixNano()).Scan(&user.ID, &user.Name, &user.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up session: %w", err)
	}
	return &user, nil
}

// DeleteSession removes the session for token and reports whether one existed.
func (d *Database) DeleteSession(ctx context.Context, token string) (bool, error) {
	res, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE token = ?", token)
	if err != nil {
		return false, fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *Database) CreateConversation(ctx context.Context, ownerID, title string, messages []models.Message) (string, error) {
	blob, err := encodeMessages(messages)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := d.now().UnixNano()
	_, err = d.db.ExecContext(ctx, `
        INSERT INTO conversations (id, user_id, title, messages_json, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)`,
		id, ownerID, title, blob, now, now)
	if err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}
	return id, nil
}

// AppendMessages adds the messages whose ids are not already stored to the
// end of the conversation and bumps updated_at. Concurrent appends are last
// write wins.
func (d *Database) AppendMessages(ctx context.Context, conversationID, ownerID string, messages []models.Message) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var blob string
	err = tx.QueryRowContext(ctx, `
        SELECT messages_json FROM conversations
        WHERE id = ? AND user_id = ?`,
		conversationID, ownerID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}

	stored, err := decodeMessages(blob)
	if err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(stored))
	for _, m := range stored {
		seen[m.ID] = struct{}{}
	}
	for _, m := range messages {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		stored = append(stored, m)
	}

	updated, err := encodeMessages(stored)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
        UPDATE conversations SET messages_json = ?, updated_at = ?
        WHERE id = ?`,
		updated, d.now().UnixNano(), conversationID); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return tx.Commit()
}

func (d *Database) GetConversation(ctx context.Context, conversationID, ownerID string) (*models.Conversation, error) {
	row := d.db.QueryRowContext(ctx, `
        SELECT id, user_id, title, messages_json, created_at, updated_at
        FROM conversations
        WHERE id = ? AND user_id = ?`,
		conversationID, ownerID)

	conv, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func (d *Database) ListConversations(ctx context.Context, ownerID string) ([]models.Conversation, error) {
	query := `
        SELECT id, user_id, title, messages_json, created_at, updated_at
        FROM conversations
        WHERE user_id = ?
        ORDER BY updated_at DESC, created_at DESC`

	rows, err := d.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return []models.Conversation{}, err
	}
	defer rows.Close()

	conversations := make([]models.Conversation, 0)
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return []models.Conversation{}, err
		}
		conversations = append(conversations, *conv)
	}
	return conversations, rows.Err()
}

func (d *Database) DeleteConversation(ctx context.Context, conversationID, ownerID string) error {
	res, err := d.db.ExecContext(ctx, "DELETE FROM conversations WHERE id = ? AND user_id = ?", conversationID, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanConversation(s scanner) (*models.Conversation, error) {
	var (
		conv               models.Conversation
		blob               string
		created, updatedAt int64
	)
	if err := s.Scan(&conv.ID, &conv.OwnerUserID, &conv.Title, &blob, &created, &updatedAt); err != nil {
		return nil, err
	}
	msgs, err := decodeMessages(blob)
	if err != nil {
		return nil, err
	}
	conv.Messages = msgs
	conv.CreatedAt = time.Unix(0, created).UTC()
	conv.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &conv, nil
}

func encodeMessages(messages []models.Message) (string, error) {
	if messages == nil {
		messages = []models.Message{}
	}
	b, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}
	return string(b), nil
}

func decodeMessages(blob string) ([]models.Message, error) {
	messages := make([]models.Message, 0)
	if err := json.Unmarshal([]byte(blob), &messages); err != nil {
		return nil, fmt.Errorf("failed to decode messages: %w", err)
	}
	return messages, nil
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
