//go:build e2e

package e2e

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"

	"politefetch/internal/cache"
)

// TestRedisStore_RoundTripsThroughRealRedis verifies the redis-backed
// Store adapter against a live Redis, the way the teacher's e2e suite
// verifies its redis persistence adapter. Requires a Redis at
// 127.0.0.1:6379; skipped otherwise.
func TestRedisStore_RoundTripsThroughRealRedis(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not reachable on 127.0.0.1:6379: %v", err)
	}
	defer rc.Close()

	key := "e2e-cache-key"
	defer rc.Del(context.Background(), "politefetch-e2e:"+key)

	store, err := cache.Build("redis", cache.Options{RedisAddr: "127.0.0.1:6379", Prefix: "politefetch-e2e"})
	if err != nil {
		t.Fatalf("cache.Build failed: %v", err)
	}

	store.Set(context.Background(), key, "resolved-value", time.Minute)

	got, ok := store.Get(context.Background(), key)
	if !ok {
		t.Fatal("expected cached value to round-trip through redis")
	}
	if got != "resolved-value" {
		t.Fatalf("got %q, want %q", got, "resolved-value")
	}
}

// TestRedisStore_ExpiresEntriesPastTTL verifies the adapter relies on
// Redis's own TTL rather than re-implementing expiry client-side.
func TestRedisStore_ExpiresEntriesPastTTL(t *testing.T) {
	rc := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: redis not reachable on 127.0.0.1:6379: %v", err)
	}
	defer rc.Close()

	key := "e2e-cache-ttl-key"
	defer rc.Del(context.Background(), "politefetch-e2e:"+key)

	store, err := cache.Build("redis", cache.Options{RedisAddr: "127.0.0.1:6379", Prefix: "politefetch-e2e"})
	if err != nil {
		t.Fatalf("cache.Build failed: %v", err)
	}

	store.Set(context.Background(), key, "short-lived", 50*time.Millisecond)
	time.Sleep(200 * time.Millisecond)

	if _, ok := store.Get(context.Background(), key); ok {
		t.Fatal("expected entry to have expired")
	}
}
