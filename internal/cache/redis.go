package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs Store with a shared Redis instance, for deployments
// running more than one politefetch process against the same cache.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to addr (e.g. "127.0.0.1:6379"). keyPrefix
// namespaces keys so canonicalization and robots entries never collide
// in a shared Redis instance.
func NewRedisStore(addr, keyPrefix string) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: keyPrefix,
	}
}

func (s *RedisStore) key(k string) string {
	return s.prefix + ":" + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(ctx, s.key(key)).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (s *RedisStore) Set(ctx context.Context, key, value string, ttl time.Duration) {
	s.client.Set(ctx, s.key(key), value, ttl)
}

// Close releases the underlying connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
