package opstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"
)

// DefaultKeyPrefix is prepended to every namespace hash key.
const DefaultKeyPrefix = "apiloop:opstate:"

// RedisStore is a Store backed by Redis. Each namespace is one hash, so
// several processes pointed at the same server share state.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to the server at redisURL
// (redis://[user:pass@]host:port/db) and verifies it answers.
func NewRedisStore(ctx context.Context, redisURL, prefix string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisStoreClient(client, prefix), nil
}

// NewRedisStoreClient wraps an existing client. An empty prefix selects
// DefaultKeyPrefix.
func NewRedisStoreClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) hashKey(namespace string) string {
	return s.prefix + namespace
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (string, error) {
	val, err := s.client.HGet(ctx, s.hashKey(namespace), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return val, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, namespace, key, value string) error {
	if err := s.client.HSet(ctx, s.hashKey(namespace), key, value).Err(); err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	if err := s.client.HDel(ctx, s.hashKey(namespace), key).Err(); err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// DeleteNamespace implements Store.
func (s *RedisStore) DeleteNamespace(ctx context.Context, namespace string) error {
	if err := s.client.Del(ctx, s.hashKey(namespace)).Err(); err != nil {
		return fmt.Errorf("delete namespace %s: %w", namespace, err)
	}
	return nil
}

// List implements Store.
func (s *RedisStore) List(ctx context.Context, namespace string) (map[string]string, error) {
	result, err := s.client.HGetAll(ctx, s.hashKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	if result == nil {
		result = make(map[string]string)
	}
	return result, nil
}

// Close closes the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
