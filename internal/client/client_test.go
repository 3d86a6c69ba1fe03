package client

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/RichardoC/graceline/internal/db"
	"github.com/RichardoC/graceline/internal/kv"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewRejectsBadArguments(t *testing.T) {
	_, err := New(" ", kv.NewMemory())
	require.Error(t, err)
	_, err = New("http://localhost:8100", nil)
	require.Error(t, err)
}

func TestSignInPersistsSession(t *testing.T) {
	b := newBackend(t, &scriptedModel{})
	store := kv.NewMemory()
	c, err := New(b.server.URL+"/", store)
	require.NoError(t, err)

	user, err := c.SignIn(context.Background(), "  "+b.token+"  ")
	require.NoError(t, err)
	require.Equal(t, b.user.ID, user.ID)
	require.Equal(t, "Samuel", user.FirstName())
	require.Equal(t, b.token, c.Token())

	token, err := store.Get(keyToken)
	require.NoError(t, err)
	require.Equal(t, b.token, token)
	email, err := store.Get(keyUserEmail)
	require.NoError(t, err)
	require.Equal(t, "samuel@example.com", email)

	// A fresh client on the same store picks the session back up.
	again, err := New(b.server.URL, store)
	require.NoError(t, err)
	restored, err := again.Restore(context.Background())
	require.NoError(t, err)
	require.Equal(t, user, restored)
	got, ok := again.User()
	require.True(t, ok)
	require.Equal(t, user, got)
}

func TestSignInRejectedToken(t *testing.T) {
	b := newBackend(t, &scriptedModel{})
	store := kv.NewMemory()
	c, err := New(b.server.URL, store)
	require.NoError(t, err)

	_, err = c.SignIn(context.Background(), "not-a-session")
	require.ErrorIs(t, err, ErrSignedOut)
	_, err = store.Get(keyToken)
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = c.SignIn(context.Background(), "")
	require.ErrorIs(t, err, ErrSignedOut)
}

func TestRestoreClearsStaleSession(t *testing.T) {
	b := newBackend(t, &scriptedModel{})
	store := kv.NewMemory()
	require.NoError(t, store.Set(keyToken, "expired"))
	require.NoError(t, store.Set(keyUserName, "Old Name"))

	core, logs := observer.New(zap.DebugLevel)
	c, err := New(b.server.URL, store, WithLogger(zap.New(core)))
	require.NoError(t, err)

	_, err = c.Restore(context.Background())
	require.ErrorIs(t, err, ErrSignedOut)
	_, err = store.Get(keyToken)
	require.ErrorIs(t, err, kv.ErrNotFound)
	_, err = store.Get(keyUserName)
	require.ErrorIs(t, err, kv.ErrNotFound)
	require.Zero(t, logs.Len())

	empty, err := New(b.server.URL, kv.NewMemory())
	require.NoError(t, err)
	_, err = empty.Restore(context.Background())
	require.ErrorIs(t, err, ErrSignedOut)
}

func TestSignOutEndsServerSession(t *testing.T) {
	b := newBackend(t, &scriptedModel{})
	store := kv.NewMemory()
	c, err := New(b.server.URL, store)
	require.NoError(t, err)
	_, err = c.SignIn(context.Background(), b.token)
	require.NoError(t, err)

	require.NoError(t, c.SignOut(context.Background()))
	require.Empty(t, c.Token())
	_, ok := c.User()
	require.False(t, ok)
	_, err = store.Get(keyToken)
	require.ErrorIs(t, err, kv.ErrNotFound)

	_, err = b.db.SessionUser(context.Background(), b.token, time.Now())
	require.ErrorIs(t, err, db.ErrNotFound)

	// Signing out twice only clears local state again.
	require.NoError(t, c.SignOut(context.Background()))
}

func TestSignOutClearsLocalStateWhenServerUnreachable(t *testing.T) {
	b := newBackend(t, &scriptedModel{})
	store, err := kv.OpenBolt(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	c, err := New(b.server.URL, store)
	require.NoError(t, err)
	_, err = c.SignIn(context.Background(), b.token)
	require.NoError(t, err)

	b.server.Close()
	err = c.SignOut(context.Background())
	require.Error(t, err)
	require.Empty(t, c.Token())
	_, err = store.Get(keyToken)
	require.ErrorIs(t, err, kv.ErrNotFound)
}

func TestRequestsNeedSession(t *testing.T) {
	c, err := New("http://chat.invalid", kv.NewMemory())
	require.NoError(t, err)
	_, err = c.Conversations(context.Background())
	require.ErrorIs(t, err, ErrSignedOut)
	_, err = c.Conversation(context.Background(), "abc")
	require.ErrorIs(t, err, ErrSignedOut)
}

func TestAPIErrorMessage(t *testing.T) {
	err := &APIError{StatusCode: http.StatusInternalServerError, Message: "upstream failure", Details: "model offline"}
	require.Equal(t, "client: server returned 500: upstream failure (model offline)", err.Error())
	err.Details = ""
	require.Equal(t, "client: server returned 500: upstream failure", err.Error())
}
