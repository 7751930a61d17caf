package sql

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	config := DefaultConfig()
	// each test gets its own shared-cache database
	config.DSN = fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	config.CleanupInterval = 0
	s, err := NewStore(context.Background(), config, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreOperations(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Put(ctx, "k1", []byte("v1"), 0))
	v, err = s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	// upsert
	require.NoError(t, s.Put(ctx, "k1", []byte("v2"), 0))
	v, _ = s.Get(ctx, "k1")
	assert.Equal(t, []byte("v2"), v)

	require.NoError(t, s.Delete(ctx, "k1"))
	v, _ = s.Get(ctx, "k1")
	assert.Nil(t, v)
}

func TestSQLiteStoreTTLAndSweep(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	require.NoError(t, s.Put(ctx, "short", []byte("x"), 10*time.Millisecond))
	require.NoError(t, s.Put(ctx, "long", []byte("y"), time.Hour))
	require.NoError(t, s.Put(ctx, "forever", []byte("z"), 0))

	time.Sleep(30 * time.Millisecond)
	v, err := s.Get(ctx, "short")
	require.NoError(t, err)
	assert.Nil(t, v)

	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	v, _ = s.Get(ctx, "long")
	assert.Equal(t, []byte("y"), v)
	v, _ = s.Get(ctx, "forever")
	assert.Equal(t, []byte("z"), v)
}

func TestSQLiteStoreHelpers(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	require.NoError(t, kv.PutInt64(ctx, s, "work-offset:1", 42, time.Minute))
	v, ok, err := kv.GetInt64(ctx, s, "work-offset:1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), v)
}

func TestRebind(t *testing.T) {
	s := &Store{config: Config{Driver: DriverPostgres, Table: "kv"}}
	assert.Equal(t, "SELECT v FROM kv WHERE k = $1 AND ttl < $2", s.rebind("SELECT v FROM kv WHERE k = ? AND ttl < ?"))
	s.config.Driver = DriverSQLite
	assert.Equal(t, "k = ?", s.rebind("k = ?"))
}

func TestInvalidConfig(t *testing.T) {
	_, err := NewStore(context.Background(), Config{Driver: "mysql", Table: "kv"}, nil)
	assert.Error(t, err)
	_, err = NewStore(context.Background(), Config{Driver: DriverSQLite, Table: "kv; DROP"}, nil)
	assert.Error(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, Config{Driver: DriverPostgres, DSN: dsn, Table: "kv_test"}, nil)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Put(ctx, "k", []byte("v"), time.Minute))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
	require.NoError(t, s.Delete(ctx, "k"))
}
