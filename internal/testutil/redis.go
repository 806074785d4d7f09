package testutil

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisCandidates lists where a test Redis may live: REDIS_ADDR first, then the CI
// service name, then the local test container port.
func redisCandidates() []string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return []string{addr}
	}
	return []string{"redis:6379", "localhost:6379", "localhost:56379"}
}

// SetupTestRedis returns a client on an empty database of a reachable Redis, skipping
// t when none answers. Each caller reserves its own logical database so packages
// running in parallel do not flush each other's keys.
func SetupTestRedis(t testing.TB) *redis.Client {
	t.Helper()
	for _, addr := range redisCandidates() {
		if !pingRedis(addr) {
			continue
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: reserveRedisDB(t, addr)})
		t.Cleanup(func() { closeQuietly(t, "redis client", client) })
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.FlushDB(ctx).Err(); err != nil {
			t.Fatalf("flush test redis at %s: %v", addr, err)
		}
		return client
	}
	if envBool("TEST_REQUIRE_REDIS") || envBool("TEST_REQUIRE_INFRA") {
		t.Fatal("redis not available for testing")
	}
	t.Skip("redis not available for testing")
	return nil
}

func pingRedis(addr string) bool {
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err() == nil
}

// reserveRedisDB picks a database in 1..15 by taking a lock key in database 0,
// honouring TEST_REDIS_DB when set.
func reserveRedisDB(t testing.TB, addr string) int {
	if v := os.Getenv("TEST_REDIS_DB"); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}

	meta := redis.NewClient(&redis.Options{Addr: addr})
	for i := 1; i <= 15; i++ {
		key := fmt.Sprintf("queuesd:testutil:db_lock:%d", i)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		ok, err := meta.SetNX(ctx, key, os.Getpid(), 30*time.Minute).Result()
		cancel()
		if err != nil || !ok {
			continue
		}
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := meta.Del(ctx, key).Err(); err != nil {
				t.Logf("release redis db lock %s: %v", key, err)
			}
			closeQuietly(t, "redis meta client", meta)
		})
		return i
	}
	closeQuietly(t, "redis meta client", meta)
	return 1
}
