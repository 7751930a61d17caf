// Package kv defines the key/value stores used for work bookkeeping and external record values.
package kv

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrUnknownStore is returned when a store name is not registered
var ErrUnknownStore = errors.New("kv: unknown store")

// ErrClosed is returned by operations on a closed store
var ErrClosed = errors.New("kv: store closed")

// Store is a key/value store with per entry TTL.
// A zero TTL means the entry never expires.
type Store interface {
	// Get returns nil when the key is absent or expired
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// GetString returns the value as a string, "" when absent
func GetString(ctx context.Context, s Store, key string) (string, error) {
	v, err := s.Get(ctx, key)
	if err != nil || v == nil {
		return "", err
	}
	return string(v), nil
}

// PutString stores a string value
func PutString(ctx context.Context, s Store, key, value string, ttl time.Duration) error {
	return s.Put(ctx, key, []byte(value), ttl)
}

// GetInt64 returns the value as an int64, ok is false when absent
func GetInt64(ctx context.Context, s Store, key string) (value int64, ok bool, err error) {
	v, err := s.Get(ctx, key)
	if err != nil || v == nil {
		return 0, false, err
	}
	if len(v) != 8 {
		return 0, false, fmt.Errorf("value of %s is not an int64", key)
	}
	return int64(binary.BigEndian.Uint64(v)), true, nil
}

// PutInt64 stores an int64 value
func PutInt64(ctx context.Context, s Store, key string, value int64, ttl time.Duration) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(value))
	return s.Put(ctx, key, buf[:], ttl)
}

// Registry holds named stores
type Registry struct {
	mu     sync.RWMutex
	stores map[string]Store
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]Store)}
}

// Register adds or replaces a named store
func (r *Registry) Register(name string, store Store) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stores[name] = store
}

// Get returns a named store
func (r *Registry) Get(name string) (Store, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStore, name)
	}
	return s, nil
}

// Names returns the registered store names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes all stores
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	for name, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store %s: %w", name, err))
		}
	}
	r.stores = make(map[string]Store)
	return errors.Join(errs...)
}
