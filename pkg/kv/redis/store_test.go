package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStoreRequiresAddr(t *testing.T) {
	_, err := NewStore(context.Background(), Config{}, nil)
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	ctx := context.Background()
	s, err := NewStore(ctx, Config{Addr: addr, Prefix: fmt.Sprintf("test-%d:", time.Now().UnixNano())}, nil)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Put(ctx, "k", []byte("v"), 0))
	v, err = s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)

	require.NoError(t, s.Put(ctx, "short", []byte("v"), 50*time.Millisecond))
	assert.Eventually(t, func() bool {
		v, err := s.Get(ctx, "short")
		return err == nil && v == nil
	}, 2*time.Second, 20*time.Millisecond)

	require.NoError(t, s.Delete(ctx, "k"))
	v, _ = s.Get(ctx, "k")
	assert.Nil(t, v)
}
