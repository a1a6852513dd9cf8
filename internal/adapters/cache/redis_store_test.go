package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncdplatform/syncd/internal/adapters/cache"
)

// newRedisStore runs a RedisStore against an in-process miniredis so these
// tests exercise the real SET NX / INCRBY / EXPIRE command semantics rather
// than MemStore's map emulation.
func newRedisStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return cache.NewRedisStoreFromClient(client, 250*time.Millisecond), mr
}

func TestRedisStore_AddIsSetNX(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	won, err := store.Add(ctx, "lock", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.Add(ctx, "lock", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, won)

	value, exists, err := store.Get(ctx, "lock")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, "owner-a", value)
}

func TestRedisStore_AddSucceedsAfterTTLExpires(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	won, err := store.Add(ctx, "lock", "owner-a", time.Second)
	require.NoError(t, err)
	require.True(t, won)

	mr.FastForward(2 * time.Second)

	won, err = store.Add(ctx, "lock", "owner-b", time.Second)
	require.NoError(t, err)
	assert.True(t, won, "the expired lock must be re-acquirable")
}

func TestRedisStore_GetAbsentKey(t *testing.T) {
	store, _ := newRedisStore(t)

	_, exists, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRedisStore_IncrDecrRoundTrip(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	n, err := store.Incr(ctx, "counter", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = store.Incr(ctx, "counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	raw, exists, err := store.Get(ctx, "counter")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "2", raw)
}

func TestRedisStore_IncrBelowZeroIsUnbounded(t *testing.T) {
	store, _ := newRedisStore(t)

	n, err := store.Incr(context.Background(), "counter", -1)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), n, "callers repair negatives; the store itself must not clamp")
}

func TestRedisStore_TouchExtendsTTL(t *testing.T) {
	store, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key", "value", time.Second))
	require.NoError(t, store.Touch(ctx, "key", time.Minute))

	mr.FastForward(2 * time.Second)

	value, exists, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.True(t, exists, "the refreshed TTL must outlive the original one")
	assert.Equal(t, "value", value)
}

func TestRedisStore_DeleteRemovesKey(t *testing.T) {
	store, _ := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "key", "value", 0))
	require.NoError(t, store.Delete(ctx, "key"))

	_, exists, err := store.Get(ctx, "key")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Delete(ctx, "key"), "deleting an absent key is not an error")
}
