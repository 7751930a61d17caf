package stream

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Topology is an immutable graph of computations linked by the streams they read and write
type Topology struct {
	mappings  map[string]MetadataMapping
	suppliers map[string]Supplier
	order     []string
	children  map[string][]string
	parents   map[string][]string
}

// TopologyBuilder accumulates computations, errors are reported by Build
type TopologyBuilder struct {
	mappings  map[string]MetadataMapping
	suppliers map[string]Supplier
	added     []string
	errs      []error
}

// NewTopologyBuilder creates an empty builder
func NewTopologyBuilder() *TopologyBuilder {
	return &TopologyBuilder{
		mappings:  make(map[string]MetadataMapping),
		suppliers: make(map[string]Supplier),
	}
}

// AddComputation adds a computation, mappings bind logical to physical streams using "i1:stream" entries
func (b *TopologyBuilder) AddComputation(supplier Supplier, mappings []string) *TopologyBuilder {
	if supplier == nil {
		b.errs = append(b.errs, errors.New("nil computation supplier"))
		return b
	}
	metadata := supplier().Metadata()
	if metadata.Name == "" {
		b.errs = append(b.errs, errors.New("computation without name"))
		return b
	}
	if _, exists := b.mappings[metadata.Name]; exists {
		b.errs = append(b.errs, fmt.Errorf("duplicate computation %s", metadata.Name))
		return b
	}
	mapping := make(map[string]string, len(mappings))
	for _, entry := range mappings {
		logical, physical, ok := strings.Cut(entry, ":")
		if !ok || logical == "" || physical == "" {
			b.errs = append(b.errs, fmt.Errorf("invalid stream mapping %q for computation %s", entry, metadata.Name))
			return b
		}
		mapping[logical] = physical
	}
	mm, err := NewMetadataMapping(metadata, mapping)
	if err != nil {
		b.errs = append(b.errs, err)
		return b
	}
	b.mappings[metadata.Name] = mm
	b.suppliers[metadata.Name] = supplier
	b.added = append(b.added, metadata.Name)
	return b
}

// Build validates the graph and returns the topology
func (b *TopologyBuilder) Build() (*Topology, error) {
	if len(b.errs) > 0 {
		return nil, errors.Join(b.errs...)
	}
	t := &Topology{
		mappings:  b.mappings,
		suppliers: b.suppliers,
		children:  make(map[string][]string),
		parents:   make(map[string][]string),
	}
	producers := make(map[string][]string)
	for _, name := range b.added {
		for _, s := range b.mappings[name].OutputStreams() {
			producers[s] = append(producers[s], name)
		}
	}
	for _, name := range b.added {
		for _, s := range b.mappings[name].InputStreams() {
			for _, parent := range producers[s] {
				t.parents[name] = appendUnique(t.parents[name], parent)
				t.children[parent] = appendUnique(t.children[parent], name)
			}
		}
	}
	order, err := t.sort(b.added)
	if err != nil {
		return nil, err
	}
	t.order = order
	return t, nil
}

// sort orders computations parents first, keeping insertion order between independent ones
func (t *Topology) sort(names []string) ([]string, error) {
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		indegree[name] = len(t.parents[name])
	}
	var order []string
	done := make(map[string]bool, len(names))
	for len(order) < len(names) {
		progress := false
		for _, name := range names {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			order = append(order, name)
			for _, child := range t.children[name] {
				indegree[child]--
			}
			progress = true
		}
		if !progress {
			var cycle []string
			for _, name := range names {
				if !done[name] {
					cycle = append(cycle, name)
				}
			}
			return nil, fmt.Errorf("topology has a cycle between %v", cycle)
		}
	}
	return order, nil
}

func appendUnique(list []string, value string) []string {
	for _, v := range list {
		if v == value {
			return list
		}
	}
	return append(list, value)
}

// Metadata returns the computation mappings in topological order
func (t *Topology) Metadata() []MetadataMapping {
	out := make([]MetadataMapping, len(t.order))
	for i, name := range t.order {
		out[i] = t.mappings[name]
	}
	return out
}

// MetadataOf returns the mapping of a computation
func (t *Topology) MetadataOf(name string) (MetadataMapping, bool) {
	m, ok := t.mappings[name]
	return m, ok
}

// Supplier returns the supplier of a computation, nil if unknown
func (t *Topology) Supplier(name string) Supplier {
	return t.suppliers[name]
}

// Streams returns all physical streams of the topology sorted
func (t *Topology) Streams() []string {
	set := make(map[string]struct{})
	for _, m := range t.mappings {
		for _, s := range m.Streams() {
			set[s] = struct{}{}
		}
	}
	streams := make([]string, 0, len(set))
	for s := range set {
		streams = append(streams, s)
	}
	sort.Strings(streams)
	return streams
}

// Roots returns computations not fed by another computation
func (t *Topology) Roots() []string {
	var roots []string
	for _, name := range t.order {
		if len(t.parents[name]) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}

// Sinks returns computations whose output is not read by another computation
func (t *Topology) Sinks() []string {
	var sinks []string
	for _, name := range t.order {
		if len(t.children[name]) == 0 {
			sinks = append(sinks, name)
		}
	}
	return sinks
}

// IsSink reports whether no computation reads the output of name
func (t *Topology) IsSink(name string) bool {
	_, known := t.mappings[name]
	return known && len(t.children[name]) == 0
}

// Children returns the computations reading an output of name
func (t *Topology) Children(name string) []string {
	return append([]string(nil), t.children[name]...)
}

// Parents returns the computations writing an input of name
func (t *Topology) Parents(name string) []string {
	return append([]string(nil), t.parents[name]...)
}

// TopologicalOrder returns computation names, producers before consumers
func (t *Topology) TopologicalOrder() []string {
	return append([]string(nil), t.order...)
}

// Size returns the number of computations
func (t *Topology) Size() int {
	return len(t.order)
}
