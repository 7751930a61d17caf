package rocksdb

import (
	"context"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	s, err := NewStore(DefaultConfig(t.TempDir()), logger)
	if err != nil {
		t.Skipf("Skipping RocksDB test (not available): %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRocksDBStore_BasicOperations(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Put(ctx, "work-state:1", []byte("RUNNING"), 0))
	v, err = s.Get(ctx, "work-state:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("RUNNING"), v)

	require.NoError(t, s.Delete(ctx, "work-state:1"))
	v, err = s.Get(ctx, "work-state:1")
	require.NoError(t, err)
	assert.Nil(t, v)

	assert.Equal(t, int64(1), s.GetMetrics()["puts"])
}

func TestRocksDBStore_TTL(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	require.NoError(t, kv.PutInt64(ctx, s, "offset", 7, 20*time.Millisecond))
	v, ok, err := kv.GetInt64(ctx, s, "offset")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), v)

	time.Sleep(50 * time.Millisecond)
	_, ok, err = kv.GetInt64(ctx, s, "offset")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRocksDBStore_Closed(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.Close())
	_, err := s.Get(context.Background(), "k")
	assert.ErrorIs(t, err, kv.ErrClosed)
	require.NoError(t, s.Close())
}
