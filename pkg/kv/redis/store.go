// Package redis provides a key/value store on Redis with native key expiry.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis store configuration
type Config struct {
	Addr     string
	Password string
	DB       int
	// Prefix namespaces the keys of this store
	Prefix string
}

// Store is a kv.Store on a Redis client
type Store struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewStore connects to Redis and checks the connection
func NewStore(ctx context.Context, config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Addr == "" {
		return nil, fmt.Errorf("no Redis address specified")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis %s: %w", config.Addr, err)
	}
	logger.Info("Redis key/value store ready",
		zap.String("addr", config.Addr),
		zap.String("prefix", config.Prefix))
	return NewStoreFromClient(client, config.Prefix, logger), nil
}

// NewStoreFromClient wraps an existing client
func NewStoreFromClient(client *redis.Client, prefix string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{client: client, prefix: prefix, logger: logger}
}

// Get returns nil when the key is absent or expired
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	v, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return v, nil
}

// Put sets a value, Redis expires it after ttl
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}

var _ kv.Store = (*Store)(nil)
