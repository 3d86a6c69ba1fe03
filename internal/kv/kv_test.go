package kv

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	_, err := s.Get("token")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("token", "abc"))
	v, err := s.Get("token")
	require.NoError(t, err)
	require.Equal(t, "abc", v)

	require.NoError(t, s.Set("token", "def"))
	v, err = s.Get("token")
	require.NoError(t, err)
	require.Equal(t, "def", v)

	require.NoError(t, s.Remove("token"))
	require.NoError(t, s.Remove("token"))
	_, err = s.Get("token")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestBolt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "client.db")
	b, err := OpenBolt(path)
	require.NoError(t, err)
	exerciseStore(t, b)

	require.NoError(t, b.Set("user_name", "Lydia"))
	require.NoError(t, b.Close())

	reopened, err := OpenBolt(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })
	v, err := reopened.Get("user_name")
	require.NoError(t, err)
	require.Equal(t, "Lydia", v)
}
