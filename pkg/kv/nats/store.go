// Package nats provides a key/value store on a NATS JetStream bucket.
package nats

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config holds NATS store configuration
type Config struct {
	URL    string
	Bucket string
	// BucketTTL bounds the life of every entry, entries can expire sooner with their own ttl
	BucketTTL time.Duration
	Replicas  int
}

// Store is a kv.Store on a JetStream key/value bucket.
// Keys are base64 encoded since bucket keys only allow a restricted charset, values carry an
// 8 byte expiry prefix in unix milliseconds so each entry can have its own ttl.
type Store struct {
	conn   *nats.Conn
	bucket nats.KeyValue
	logger *zap.Logger
}

// NewStore connects and creates the bucket if missing
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.Bucket == "" {
		return nil, fmt.Errorf("no NATS bucket specified")
	}
	conn, err := nats.Connect(config.URL, nats.Name("nuxeo-stream-kv"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS %s: %w", config.URL, err)
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}
	bucket, err := js.KeyValue(config.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		bucket, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   config.Bucket,
			TTL:      config.BucketTTL,
			Replicas: config.Replicas,
		})
	}
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open bucket %s: %w", config.Bucket, err)
	}
	logger.Info("NATS key/value store ready",
		zap.String("url", config.URL),
		zap.String("bucket", config.Bucket))
	return &Store{conn: conn, bucket: bucket, logger: logger}, nil
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func encodeValue(value []byte, ttl time.Duration) []byte {
	out := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(out[:8], uint64(time.Now().Add(ttl).UnixMilli()))
	}
	copy(out[8:], value)
	return out
}

func decodeValue(data []byte, now time.Time) ([]byte, bool) {
	if len(data) < 8 {
		return nil, false
	}
	expiry := int64(binary.BigEndian.Uint64(data[:8]))
	if expiry > 0 && now.UnixMilli() > expiry {
		return nil, false
	}
	return data[8:], true
}

// Get returns nil when the key is absent or expired
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(encodeKey(key))
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	value, ok := decodeValue(entry.Value(), time.Now())
	if !ok {
		return nil, nil
	}
	return value, nil
}

// Put stores a value with its expiry
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if _, err := s.bucket.Put(encodeKey(key), encodeValue(value, ttl)); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.bucket.Delete(encodeKey(key))
	if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Close drains the connection
func (s *Store) Close() error {
	return s.conn.Drain()
}

var _ kv.Store = (*Store)(nil)
