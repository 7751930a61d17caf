package kv

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MemoryStore keeps entries in memory, expired entries are swept periodically
type MemoryStore struct {
	data   map[string]valueWithTTL
	mu     sync.RWMutex
	logger *zap.Logger
	done   chan struct{}
	once   sync.Once

	// Metrics
	getCount    int64
	putCount    int64
	deleteCount int64
}

type valueWithTTL struct {
	data       []byte
	expiryTime time.Time
}

func (v valueWithTTL) expired(now time.Time) bool {
	return !v.expiryTime.IsZero() && now.After(v.expiryTime)
}

// NewMemoryStore creates an in-memory store sweeping expired keys every cleanupInterval
func NewMemoryStore(cleanupInterval time.Duration, logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	m := &MemoryStore{
		data:   make(map[string]valueWithTTL),
		logger: logger,
		done:   make(chan struct{}),
	}
	go m.cleanupExpired(cleanupInterval)
	return m
}

// Get retrieves a value, expired entries are reported as absent
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	value, exists := m.data[key]
	if !exists {
		return nil, nil
	}
	if value.expired(time.Now()) {
		delete(m.data, key)
		return nil, nil
	}
	m.getCount++

	// Return a copy to prevent external modifications
	result := make([]byte, len(value.data))
	copy(result, value.data)
	return result, nil
}

// Put stores a value with a TTL, zero means no expiry
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := make([]byte, len(value))
	copy(data, value)
	entry := valueWithTTL{data: data}
	if ttl > 0 {
		entry.expiryTime = time.Now().Add(ttl)
	}
	m.data[key] = entry
	m.putCount++
	return nil
}

// Delete removes a key
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	m.deleteCount++
	return nil
}

func (m *MemoryStore) cleanupExpired(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.mu.Lock()
			now := time.Now()
			expired := 0
			for key, value := range m.data {
				if value.expired(now) {
					delete(m.data, key)
					expired++
				}
			}
			m.mu.Unlock()
			if expired > 0 {
				m.logger.Debug("Cleaned up expired keys", zap.Int("count", expired))
			}
		}
	}
}

// GetMetrics returns current operation metrics
func (m *MemoryStore) GetMetrics() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"gets":    m.getCount,
		"puts":    m.putCount,
		"deletes": m.deleteCount,
		"keys":    int64(len(m.data)),
	}
}

// Size returns the number of keys, expired ones included until swept
func (m *MemoryStore) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// Close stops the sweeper and drops all entries
func (m *MemoryStore) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		defer m.mu.Unlock()
		m.data = make(map[string]valueWithTTL)
		m.logger.Debug("Closed memory store",
			zap.Int64("total_gets", m.getCount),
			zap.Int64("total_puts", m.putCount),
			zap.Int64("total_deletes", m.deleteCount))
	})
	return nil
}

var _ Store = (*MemoryStore)(nil)
