package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/attaboy/authrisk/internal/domain"
	"github.com/attaboy/authrisk/internal/infra"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	db, err := infra.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	sq, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	return map[string]Store{"memory": NewInMemoryStore(), "sqlite": sq}
}

func TestStore_SetGetDelete(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Set(ctx, "k1", []byte("hello"), 0))
			val, err := store.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("hello"), val)

			require.NoError(t, store.Set(ctx, "k1", []byte("world"), 0))
			val, err = store.Get(ctx, "k1")
			require.NoError(t, err)
			assert.Equal(t, []byte("world"), val)

			require.NoError(t, store.Delete(ctx, "k1"))
			_, err = store.Get(ctx, "k1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestStore_KeyNotFound(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestInMemoryStore_TTLExpiry(t *testing.T) {
	store := NewInMemoryStore()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	now = now.Add(2 * time.Minute)
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_TTLExpiry(t *testing.T) {
	ctx := context.Background()
	db, err := infra.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer db.Close()
	store, err := NewSQLiteStore(ctx, db)
	require.NoError(t, err)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	require.NoError(t, store.Set(ctx, "k", []byte("v"), time.Minute))
	_, err = store.Get(ctx, "k")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionSnapshot_RoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			snap := SessionSnapshot{
				SessionID:    uuid.New(),
				OwnerID:      "owner-1",
				Token:        "handle",
				RefreshToken: "refresh",
				Options:      domain.ValidateOptions{IP: "10.0.0.1", ClientSignature: "agent/1.0"},
				ExpiresAt:    time.Now().Add(time.Hour).UTC().Truncate(time.Second),
				State:        domain.SessionActive,
			}
			require.NoError(t, SaveSession(ctx, store, snap))

			got, err := LoadSession(ctx, store)
			require.NoError(t, err)
			assert.Equal(t, snap.SessionID, got.SessionID)
			assert.Equal(t, snap.Token, got.Token)
			assert.Equal(t, snap.Options, got.Options)
			assert.True(t, snap.ExpiresAt.Equal(got.ExpiresAt))

			require.NoError(t, ClearSession(ctx, store))
			_, err = LoadSession(ctx, store)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}
