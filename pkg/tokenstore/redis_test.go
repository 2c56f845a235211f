package tokenstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real server when TRAILSHIP_TEST_REDIS_ADDR is set.
func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TRAILSHIP_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRAILSHIP_TEST_REDIS_ADDR not set")
	}
	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client)
	store.Prefix = "trailship:test:" + t.Name() + ":"
	t.Cleanup(func() { _ = store.Delete(ctx, testID) })

	_, ok, err := store.Get(ctx, testID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, testID, "tok", time.Minute))
	entry, ok, err := store.Get(ctx, testID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tok", entry.Token)
	assert.WithinDuration(t, time.Now().Add(time.Minute), entry.ExpiresAt, 5*time.Second)

	require.NoError(t, store.Delete(ctx, testID))
	_, ok, err = store.Get(ctx, testID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisStoreUnavailable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	_, _, err := NewRedisStore(client).Get(context.Background(), testID)
	assert.ErrorIs(t, err, ErrUnavailable)
}
