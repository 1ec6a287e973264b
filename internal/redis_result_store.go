package internal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisResultStore keeps encoded results in Redis so several aggregator
// instances can share cached answers.
type RedisResultStore struct {
	client redis.Cmdable
	prefix string
	closer func() error
}

// NewRedisResultStore connects to redisURL and verifies the connection.
func NewRedisResultStore(ctx context.Context, redisURL, prefix string) (*RedisResultStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	store := NewRedisResultStoreFromClient(client, prefix)
	store.closer = client.Close
	return store, nil
}

// NewRedisResultStoreFromClient wraps an existing client. The caller owns its lifecycle.
func NewRedisResultStoreFromClient(client redis.Cmdable, prefix string) *RedisResultStore {
	return &RedisResultStore{client: client, prefix: prefix}
}

func (s *RedisResultStore) key(fingerprint string) string {
	return s.prefix + fingerprint
}

func (s *RedisResultStore) Get(ctx context.Context, fingerprint string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.key(fingerprint)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get cached result: %w", err)
	}
	return data, true, nil
}

func (s *RedisResultStore) Set(ctx context.Context, fingerprint string, payload []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.key(fingerprint), payload, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cached result: %w", err)
	}
	return nil
}

func (s *RedisResultStore) Delete(ctx context.Context, fingerprint string) error {
	if err := s.client.Del(ctx, s.key(fingerprint)).Err(); err != nil {
		return fmt.Errorf("failed to delete cached result: %w", err)
	}
	return nil
}

// Close releases the connection when the store opened it.
func (s *RedisResultStore) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
