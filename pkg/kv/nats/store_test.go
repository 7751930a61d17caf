package nats

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEncoding(t *testing.T) {
	now := time.Now()
	v, ok := decodeValue(encodeValue([]byte("abc"), 0), now)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), v)

	v, ok = decodeValue(encodeValue([]byte("abc"), time.Minute), now)
	assert.True(t, ok)
	assert.Equal(t, []byte("abc"), v)

	_, ok = decodeValue(encodeValue([]byte("abc"), time.Millisecond), now.Add(time.Second))
	assert.False(t, ok)

	_, ok = decodeValue([]byte{1, 2}, now)
	assert.False(t, ok)
}

func TestKeyEncoding(t *testing.T) {
	k := encodeKey("work-state:some id/with:colons")
	assert.Regexp(t, `^[-_A-Za-z0-9]+$`, k)
}

func TestNatsStore(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	ctx := context.Background()
	s, err := NewStore(Config{URL: url, Bucket: fmt.Sprintf("test_%d", time.Now().UnixNano())}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Put(ctx, "work-state:1", []byte("SCHEDULED"), time.Minute))
	v, err := s.Get(ctx, "work-state:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("SCHEDULED"), v)
	require.NoError(t, s.Delete(ctx, "work-state:1"))
	v, err = s.Get(ctx, "work-state:1")
	require.NoError(t, err)
	assert.Nil(t, v)
}
