// Package rediscache provides a Redis-backed durable tier for the token
// cache so several gqlconsole processes can share tokens.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long an entry lives in Redis. Tokens normally
// expire long before this; it only stops abandoned identities piling up.
const DefaultTTL = 24 * time.Hour

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance.
	Client *redis.Client

	// Namespace is prepended to every key. Default: "gqlconsole:".
	Namespace string

	// TTL applied on Put. Zero means DefaultTTL.
	TTL time.Duration
}

// Store implements tokencache.Durable on Redis.
type Store struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration
}

// New creates a store from an existing client.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if cfg.Namespace == "" {
		cfg.Namespace = "gqlconsole:"
	}

	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}

	return &Store{client: cfg.Client, namespace: cfg.Namespace, ttl: cfg.TTL}, nil
}

// Open parses a redis:// URL, connects and pings the server.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return New(Config{Client: client})
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Get returns the stored value, or nil if the key does not exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.namespace+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return data, nil
}

// Put stores data with the configured TTL.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.namespace+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes key. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.namespace+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}

	return nil
}

// Keys returns every key under prefix, without the namespace.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string

	iter := s.client.Scan(ctx, 0, s.namespace+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(s.namespace):])
	}

	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}

	return keys, nil
}
