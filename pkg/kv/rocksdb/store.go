// Package rocksdb provides a persistent key/value store on RocksDB.
package rocksdb

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/tecbot/gorocksdb"
	"go.uber.org/zap"
)

// Config holds configuration for the RocksDB store
type Config struct {
	Path              string
	CreateIfMissing   bool
	WriteBufferSize   int
	MaxWriteBufferNum int
	MaxOpenFiles      int
	BlockSize         int
	BlockCacheSize    uint64
	BloomFilterBits   int
	Compression       gorocksdb.CompressionType
	// Sync makes every write durable before returning
	Sync bool
}

// DefaultConfig returns defaults suited to small bookkeeping values
func DefaultConfig(path string) Config {
	return Config{
		Path:              path,
		CreateIfMissing:   true,
		WriteBufferSize:   16 * 1024 * 1024, // 16MB
		MaxWriteBufferNum: 3,
		MaxOpenFiles:      500,
		BlockSize:         4 * 1024,
		BlockCacheSize:    32 * 1024 * 1024,
		BloomFilterBits:   10,
		Compression:       gorocksdb.SnappyCompression,
	}
}

// Store keeps every value behind an 8 byte big endian expiry prefix in unix milliseconds, 0 for none
type Store struct {
	db        *gorocksdb.DB
	opts      *gorocksdb.Options
	writeOpts *gorocksdb.WriteOptions
	readOpts  *gorocksdb.ReadOptions
	logger    *zap.Logger
	mu        sync.RWMutex
	path      string

	// Metrics
	getCount    int64
	putCount    int64
	deleteCount int64
}

// NewStore opens the database
func NewStore(config Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Path == "" {
		return nil, fmt.Errorf("no RocksDB path specified")
	}

	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(config.CreateIfMissing)
	if config.WriteBufferSize > 0 {
		opts.SetWriteBufferSize(config.WriteBufferSize)
	}
	if config.MaxWriteBufferNum > 0 {
		opts.SetMaxWriteBufferNumber(config.MaxWriteBufferNum)
	}
	if config.MaxOpenFiles != 0 {
		opts.SetMaxOpenFiles(config.MaxOpenFiles)
	}
	opts.SetCompression(config.Compression)

	blockOpts := gorocksdb.NewDefaultBlockBasedTableOptions()
	if config.BlockSize > 0 {
		blockOpts.SetBlockSize(config.BlockSize)
	}
	if config.BlockCacheSize > 0 {
		blockOpts.SetBlockCache(gorocksdb.NewLRUCache(config.BlockCacheSize))
	}
	if config.BloomFilterBits > 0 {
		blockOpts.SetFilterPolicy(gorocksdb.NewBloomFilter(config.BloomFilterBits))
	}
	opts.SetBlockBasedTableFactory(blockOpts)

	db, err := gorocksdb.OpenDb(opts, config.Path)
	if err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to open RocksDB: %w", err)
	}

	writeOpts := gorocksdb.NewDefaultWriteOptions()
	writeOpts.SetSync(config.Sync)
	readOpts := gorocksdb.NewDefaultReadOptions()
	readOpts.SetFillCache(true)

	logger.Info("RocksDB key/value store opened", zap.String("path", config.Path))
	return &Store{
		db:        db,
		opts:      opts,
		writeOpts: writeOpts,
		readOpts:  readOpts,
		logger:    logger,
		path:      config.Path,
	}, nil
}

// Get returns nil when the key is absent or expired, expired keys are removed on read
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return nil, kv.ErrClosed
	}
	value, err := s.db.Get(s.readOpts, []byte(key))
	if err != nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}
	defer value.Free()
	s.getCount++
	if !value.Exists() {
		s.mu.RUnlock()
		return nil, nil
	}

	data := value.Data()
	if len(data) < 8 {
		s.mu.RUnlock()
		return nil, fmt.Errorf("value of %s has no expiry prefix", key)
	}
	expiry := int64(binary.BigEndian.Uint64(data[:8]))
	if expiry > 0 && time.Now().UnixMilli() > expiry {
		s.mu.RUnlock()
		return nil, s.Delete(ctx, key)
	}
	// value.Data() is only valid until Free
	result := make([]byte, len(data)-8)
	copy(result, data[8:])
	s.mu.RUnlock()
	return result, nil
}

// Put stores a value, a zero ttl never expires
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return kv.ErrClosed
	}

	data := make([]byte, 8+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(data[:8], uint64(time.Now().Add(ttl).UnixMilli()))
	}
	copy(data[8:], value)
	if err := s.db.Put(s.writeOpts, []byte(key), data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	s.putCount++
	return nil
}

// Delete removes a key
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	if err := s.db.Delete(s.writeOpts, []byte(key)); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	s.deleteCount++
	return nil
}

// GetProperty returns a RocksDB property value for monitoring
func (s *Store) GetProperty(property string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return ""
	}
	return s.db.GetProperty(property)
}

// GetMetrics returns current operation metrics
func (s *Store) GetMetrics() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]int64{
		"gets":    s.getCount,
		"puts":    s.putCount,
		"deletes": s.deleteCount,
	}
}

// Close releases the database and its options
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.readOpts.Destroy()
	s.writeOpts.Destroy()
	s.db.Close()
	s.opts.Destroy()
	s.db = nil

	s.logger.Info("Closed RocksDB key/value store",
		zap.String("path", s.path),
		zap.Int64("total_gets", s.getCount),
		zap.Int64("total_puts", s.putCount),
		zap.Int64("total_deletes", s.deleteCount))
	return nil
}

var _ kv.Store = (*Store)(nil)
