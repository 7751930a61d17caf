package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopologyBuild(t *testing.T) {
	c := newCounter()
	topology, err := NewTopologyBuilder().
		AddComputation(newGenerator("gen", 1, 1, time.Millisecond), []string{"o1:s1"}).
		AddComputation(newForward("fwd"), []string{"i1:s1", "o1:s2"}).
		AddComputation(newSink("sink", c, true), []string{"i1:s2"}).
		AddComputation(newSink("audit", c, true), []string{"i1:s1"}).
		Build()
	require.NoError(t, err)

	assert.Equal(t, 4, topology.Size())
	assert.Equal(t, []string{"s1", "s2"}, topology.Streams())
	assert.Equal(t, []string{"gen"}, topology.Roots())
	assert.ElementsMatch(t, []string{"sink", "audit"}, topology.Sinks())
	assert.True(t, topology.IsSink("audit"))
	assert.False(t, topology.IsSink("fwd"))
	assert.False(t, topology.IsSink("unknown"))
	assert.ElementsMatch(t, []string{"fwd", "audit"}, topology.Children("gen"))
	assert.Equal(t, []string{"fwd"}, topology.Parents("sink"))

	order := topology.TopologicalOrder()
	index := make(map[string]int)
	for i, name := range order {
		index[name] = i
	}
	assert.Less(t, index["gen"], index["fwd"])
	assert.Less(t, index["fwd"], index["sink"])
	assert.Less(t, index["gen"], index["audit"])

	mm, ok := topology.MetadataOf("fwd")
	require.True(t, ok)
	assert.Equal(t, []string{"s1"}, mm.InputStreams())
	assert.Equal(t, []string{"s2"}, mm.OutputStreams())
	assert.NotNil(t, topology.Supplier("fwd"))
	assert.Nil(t, topology.Supplier("unknown"))
}

func TestTopologyErrors(t *testing.T) {
	c := newCounter()
	tests := []struct {
		name    string
		builder *TopologyBuilder
		errMsg  string
	}{
		{
			name: "duplicate computation",
			builder: NewTopologyBuilder().
				AddComputation(newSink("sink", c, true), []string{"i1:a"}).
				AddComputation(newSink("sink", c, true), []string{"i1:b"}),
			errMsg: "duplicate computation sink",
		},
		{
			name:    "nil supplier",
			builder: NewTopologyBuilder().AddComputation(nil, nil),
			errMsg:  "nil computation supplier",
		},
		{
			name:    "invalid mapping",
			builder: NewTopologyBuilder().AddComputation(newSink("sink", c, true), []string{"i1"}),
			errMsg:  "invalid stream mapping",
		},
		{
			name:    "unknown logical stream",
			builder: NewTopologyBuilder().AddComputation(newSink("sink", c, true), []string{"i2:a"}),
			errMsg:  "has no stream i2",
		},
		{
			name: "cycle",
			builder: NewTopologyBuilder().
				AddComputation(newForward("a"), []string{"i1:s1", "o1:s2"}).
				AddComputation(newForward("b"), []string{"i1:s2", "o1:s1"}),
			errMsg: "cycle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.builder.Build()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMetadataMapping(t *testing.T) {
	metadata := NewMetadata("c", 2, 1)
	assert.Equal(t, []string{"i1", "i2"}, metadata.Inputs)
	assert.Equal(t, []string{"o1"}, metadata.Outputs)
	assert.False(t, metadata.IsSource())
	assert.True(t, NewMetadata("src", 0, 1).IsSource())

	mm, err := NewMetadataMapping(metadata, map[string]string{"i1": "input", "o1": "output"})
	require.NoError(t, err)
	assert.Equal(t, "input", mm.Map("i1"))
	assert.Equal(t, "i2", mm.Map("i2"))
	assert.Equal(t, "i1", mm.ReverseMap("input"))
	assert.Equal(t, "i2", mm.ReverseMap("i2"))
	assert.Equal(t, "", mm.ReverseMap("unknown"))
	assert.Equal(t, []string{"i2", "input", "output"}, mm.Streams())
	assert.Equal(t, "c(in=[input i2], out=[output])", mm.String())

	_, err = NewMetadataMapping(metadata, map[string]string{"i1": "same", "i2": "same"})
	assert.Error(t, err)
}
