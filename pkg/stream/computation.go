// Package stream runs computations against partitioned logs: topology, runners, pools and processors.
package stream

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/inteca/nuxeo/pkg/record"
)

// Computation is a processing unit driven by a Runner.
// A computation instance is used by a single goroutine.
type Computation interface {
	Metadata() Metadata
	// Init is called on start and again on every partition assignment
	Init(ctx Context) error
	// ProcessRecord is called for each record read on an input stream, input is the logical stream name
	ProcessRecord(ctx Context, input string, rec *record.Record) error
	// ProcessTimer is called when a timer set with Context.SetTimer is due
	ProcessTimer(ctx Context, key string, timestamp int64) error
	// SignalStop asks the computation to wind down, it may be called from another goroutine
	SignalStop()
	// Destroy is called once when the runner exits
	Destroy()
}

// Supplier creates a fresh computation instance
type Supplier func() Computation

// Metadata describes a computation and its logical streams
type Metadata struct {
	Name    string
	Inputs  []string
	Outputs []string
}

// NewMetadata returns metadata with logical inputs i1..iN and outputs o1..oN
func NewMetadata(name string, inputs, outputs int) Metadata {
	m := Metadata{Name: name}
	for i := 1; i <= inputs; i++ {
		m.Inputs = append(m.Inputs, "i"+strconv.Itoa(i))
	}
	for i := 1; i <= outputs; i++ {
		m.Outputs = append(m.Outputs, "o"+strconv.Itoa(i))
	}
	return m
}

// IsSource reports whether the computation has no input
func (m Metadata) IsSource() bool {
	return len(m.Inputs) == 0
}

func (m Metadata) hasStream(logical string) bool {
	for _, s := range m.Inputs {
		if s == logical {
			return true
		}
	}
	for _, s := range m.Outputs {
		if s == logical {
			return true
		}
	}
	return false
}

// BaseComputation provides metadata and no-op lifecycle methods to embed
type BaseComputation struct {
	metadata Metadata
}

// NewBaseComputation creates a base with inputs i1..iN and outputs o1..oN
func NewBaseComputation(name string, inputs, outputs int) BaseComputation {
	return BaseComputation{metadata: NewMetadata(name, inputs, outputs)}
}

func (b *BaseComputation) Metadata() Metadata {
	return b.metadata
}

func (b *BaseComputation) Init(ctx Context) error {
	return nil
}

func (b *BaseComputation) ProcessTimer(ctx Context, key string, timestamp int64) error {
	return nil
}

func (b *BaseComputation) SignalStop() {}

func (b *BaseComputation) Destroy() {}

// MetadataMapping binds the logical streams of a computation to physical streams.
// It is immutable once built.
type MetadataMapping struct {
	Metadata
	mapping map[string]string
	reverse map[string]string
}

// NewMetadataMapping maps logical stream names, unmapped names keep their logical name
func NewMetadataMapping(metadata Metadata, mapping map[string]string) (MetadataMapping, error) {
	m := MetadataMapping{
		Metadata: metadata,
		mapping:  make(map[string]string),
		reverse:  make(map[string]string),
	}
	for logical, physical := range mapping {
		if !metadata.hasStream(logical) {
			return MetadataMapping{}, fmt.Errorf("computation %s has no stream %s", metadata.Name, logical)
		}
		m.mapping[logical] = physical
	}
	for _, logical := range append(append([]string(nil), metadata.Inputs...), metadata.Outputs...) {
		physical := m.Map(logical)
		if other, exists := m.reverse[physical]; exists && other != logical {
			return MetadataMapping{}, fmt.Errorf("computation %s maps %s and %s to the same stream %s",
				metadata.Name, other, logical, physical)
		}
		m.reverse[physical] = logical
	}
	return m, nil
}

// Map returns the physical stream of a logical name
func (m MetadataMapping) Map(logical string) string {
	if physical, ok := m.mapping[logical]; ok {
		return physical
	}
	return logical
}

// ReverseMap returns the logical name of a physical stream, "" when not bound
func (m MetadataMapping) ReverseMap(physical string) string {
	return m.reverse[physical]
}

// InputStreams returns the physical input streams
func (m MetadataMapping) InputStreams() []string {
	return m.mapAll(m.Inputs)
}

// OutputStreams returns the physical output streams
func (m MetadataMapping) OutputStreams() []string {
	return m.mapAll(m.Outputs)
}

func (m MetadataMapping) mapAll(logical []string) []string {
	out := make([]string, len(logical))
	for i, l := range logical {
		out[i] = m.Map(l)
	}
	return out
}

// Streams returns all physical streams sorted
func (m MetadataMapping) Streams() []string {
	streams := append(m.InputStreams(), m.OutputStreams()...)
	sort.Strings(streams)
	return streams
}

func (m MetadataMapping) String() string {
	return fmt.Sprintf("%s(in=%v, out=%v)", m.Name, m.InputStreams(), m.OutputStreams())
}
