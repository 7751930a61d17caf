package stream

import (
	"context"
	"testing"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputationContext(t *testing.T) {
	mm, err := NewMetadataMapping(NewMetadata("c", 1, 2), map[string]string{"o1": "out1"})
	require.NoError(t, err)
	ctx := newComputationContext(context.Background(), mm)

	require.NoError(t, ctx.Produce("o1", "k1", []byte("a")))
	require.NoError(t, ctx.ProduceRecord("o2", record.New("k2", nil)))
	require.NoError(t, ctx.Produce("o1", "k3", nil))
	assert.Len(t, ctx.records["out1"], 2)
	assert.Len(t, ctx.records["o2"], 1)
	assert.Equal(t, 3, ctx.pending())

	err = ctx.Produce("o3", "k", nil)
	assert.ErrorIs(t, err, ErrUndeclaredStream)
	err = ctx.Produce("i1", "k", nil)
	assert.ErrorIs(t, err, ErrUndeclaredStream)

	ctx.SetTimer("t", 10)
	ctx.SetTimer("t", 20)
	assert.Equal(t, map[string]int64{"t": 20}, ctx.timers)

	assert.False(t, ctx.checkpoint)
	ctx.AskForCheckpoint()
	assert.True(t, ctx.checkpoint)
	ctx.AskForTermination()
	assert.True(t, ctx.terminate)

	ctx.lastOffset = log.Offset{Partition: log.Partition{Stream: "in", ID: 1}, Value: 7}
	assert.Equal(t, int64(7), ctx.LastOffset().Value)
	assert.Equal(t, "c", ctx.Metadata().Name)

	ctx.SetSourceLowWatermark(42)
	assert.Equal(t, int64(42), ctx.sourceLowWatermark)
}
