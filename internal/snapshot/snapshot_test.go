package snapshot

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type profile struct {
	UserID string  `json:"userId"`
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
}

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	var missing profile
	_, err := s.Get(ctx, "u1", &missing)
	require.ErrorIs(t, err, ErrNotFound)

	v1, err := s.Put(ctx, "u1", profile{UserID: "u1", Count: 1, Avg: 10}, 0)
	require.NoError(t, err)
	v2, err := s.Put(ctx, "u1", profile{UserID: "u1", Count: 2, Avg: 15}, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)

	var got profile
	ver, err := s.Get(ctx, "u1", &got)
	require.NoError(t, err)
	assert.Equal(t, v2, ver)
	assert.Equal(t, profile{UserID: "u1", Count: 2, Avg: 15}, got)

	require.NoError(t, s.Txn(ctx, map[string]interface{}{
		"a": profile{UserID: "a", Count: 1},
		"b": profile{UserID: "b", Count: 2},
	}, 0))
	var b profile
	_, err = s.Get(ctx, "b", &b)
	require.NoError(t, err)
	assert.Equal(t, 2, b.Count)

	var a profile
	ver, err = s.Get(ctx, "a", &a)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ver)
	assert.Equal(t, "a", a.UserID)
}

func TestRedisStore(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "", nil)
	defer store.Close()
	exerciseStore(t, store)
}

func TestRedisStoreTTL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	store := NewRedisStore(&redis.Options{Addr: mr.Addr()}, "ttl:", nil)
	defer store.Close()
	ctx := context.Background()
	_, err = store.Put(ctx, "k", profile{Count: 1}, time.Second)
	require.NoError(t, err)
	mr.FastForward(2 * time.Second)

	var p profile
	_, err = store.Get(ctx, "k", &p)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreTTL(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()
	_, err := store.Put(ctx, "k", profile{Count: 1}, time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	var p profile
	_, err = store.Get(ctx, "k", &p)
	assert.ErrorIs(t, err, ErrNotFound)
}
