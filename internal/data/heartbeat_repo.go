package data

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/target/queuesd/internal/core"
)

var _ core.HeartbeatRepository = (*RedisHeartbeatRepo)(nil)

// DefaultHeartbeatPrefix namespaces daemon heartbeat keys.
const DefaultHeartbeatPrefix = "queuesd:daemon:"

// RedisHeartbeatRepo stores short-lived daemon heartbeat keys in Redis.
type RedisHeartbeatRepo struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisHeartbeatRepo creates a heartbeat repository. An empty prefix uses DefaultHeartbeatPrefix.
func NewRedisHeartbeatRepo(client redis.UniversalClient, prefix string) *RedisHeartbeatRepo {
	if prefix == "" {
		prefix = DefaultHeartbeatPrefix
	}
	return &RedisHeartbeatRepo{client: client, prefix: prefix}
}

func (r *RedisHeartbeatRepo) key(daemonID int64) string {
	return r.prefix + strconv.FormatInt(daemonID, 10)
}

// Beat refreshes the heartbeat key of a daemon.
func (r *RedisHeartbeatRepo) Beat(ctx context.Context, daemonID int64, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("heartbeat ttl must be positive")
	}
	now := strconv.FormatInt(time.Now().Unix(), 10)
	if err := r.client.Set(ctx, r.key(daemonID), now, ttl).Err(); err != nil {
		return fmt.Errorf("redis set heartbeat: %w", err)
	}
	return nil
}

// IsBeating reports whether the heartbeat key of a daemon still exists.
func (r *RedisHeartbeatRepo) IsBeating(ctx context.Context, daemonID int64) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(daemonID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists heartbeat: %w", err)
	}
	return n > 0, nil
}

// Forget removes the heartbeat key of a daemon.
func (r *RedisHeartbeatRepo) Forget(ctx context.Context, daemonID int64) error {
	if err := r.client.Del(ctx, r.key(daemonID)).Err(); err != nil {
		return fmt.Errorf("redis del heartbeat: %w", err)
	}
	return nil
}
