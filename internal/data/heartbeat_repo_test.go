package data

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/target/queuesd/internal/testutil"
)

func TestRedisHeartbeatRepo(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewRedisHeartbeatRepo(client, "")
	ctx := context.Background()

	beating, err := repo.IsBeating(ctx, 3)
	require.NoError(t, err)
	assert.False(t, beating)

	require.NoError(t, repo.Beat(ctx, 3, 30*time.Second))
	assert.True(t, mr.Exists("queuesd:daemon:3"))
	assert.Equal(t, 30*time.Second, mr.TTL("queuesd:daemon:3"))

	beating, err = repo.IsBeating(ctx, 3)
	require.NoError(t, err)
	assert.True(t, beating)

	mr.FastForward(31 * time.Second)
	beating, err = repo.IsBeating(ctx, 3)
	require.NoError(t, err)
	assert.False(t, beating)

	require.NoError(t, repo.Beat(ctx, 3, time.Minute))
	require.NoError(t, repo.Forget(ctx, 3))
	beating, err = repo.IsBeating(ctx, 3)
	require.NoError(t, err)
	assert.False(t, beating)

	assert.Error(t, repo.Beat(ctx, 3, 0))
}

func TestRedisHeartbeatRepo_Prefix(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := NewRedisHeartbeatRepo(client, "staging:hb:")
	require.NoError(t, repo.Beat(context.Background(), 9, time.Minute))
	assert.True(t, mr.Exists("staging:hb:9"))
}

func TestRedisHeartbeatRepo_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	repo := NewRedisHeartbeatRepo(client, "")
	_, err := repo.IsBeating(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis exists heartbeat")
}

func TestRedisHeartbeatRepo_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	client := testutil.SetupTestRedis(t)
	repo := NewRedisHeartbeatRepo(client, "queuesd:test:daemon:")
	ctx := context.Background()

	require.NoError(t, repo.Beat(ctx, 1, time.Minute))
	beating, err := repo.IsBeating(ctx, 1)
	require.NoError(t, err)
	assert.True(t, beating)

	ttl := client.TTL(ctx, "queuesd:test:daemon:1").Val()
	assert.True(t, ttl > 0 && ttl <= time.Minute)

	require.NoError(t, repo.Forget(ctx, 1))
	beating, err = repo.IsBeating(ctx, 1)
	require.NoError(t, err)
	assert.False(t, beating)
}
