package stream

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
)

// ErrUnknownFilter is returned when building a filter that is not registered
var ErrUnknownFilter = errors.New("stream: unknown record filter")

// RecordFilter rewrites or drops records around the log.
// Returning a nil record without error drops it.
type RecordFilter interface {
	Name() string
	// Init configures the filter, a missing or invalid option is an error
	Init(options map[string]string) error
	BeforeAppend(ctx context.Context, rec *record.Record) (*record.Record, error)
	AfterRead(ctx context.Context, rec *record.Record, offset log.Offset) (*record.Record, error)
}

// FilterChain applies filters in registration order, stopping when one drops the record
type FilterChain struct {
	filters []RecordFilter
}

// NewFilterChain creates a chain
func NewFilterChain(filters ...RecordFilter) *FilterChain {
	return &FilterChain{filters: append([]RecordFilter(nil), filters...)}
}

// Add appends a filter to the chain
func (c *FilterChain) Add(filter RecordFilter) *FilterChain {
	c.filters = append(c.filters, filter)
	return c
}

// Len returns the number of filters
func (c *FilterChain) Len() int {
	if c == nil {
		return 0
	}
	return len(c.filters)
}

// Names lists the filters of the chain
func (c *FilterChain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.filters))
	for i, f := range c.filters {
		names[i] = f.Name()
	}
	return names
}

// BeforeAppend runs the filters on a record about to be appended, nil means dropped
func (c *FilterChain) BeforeAppend(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if c == nil {
		return rec, nil
	}
	for _, f := range c.filters {
		var err error
		rec, err = f.BeforeAppend(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("filter %s before append: %w", f.Name(), err)
		}
		if rec == nil {
			return nil, nil
		}
	}
	return rec, nil
}

// AfterRead runs the filters on a record read from offset, nil means dropped
func (c *FilterChain) AfterRead(ctx context.Context, rec *record.Record, offset log.Offset) (*record.Record, error) {
	if c == nil {
		return rec, nil
	}
	for _, f := range c.filters {
		var err error
		rec, err = f.AfterRead(ctx, rec, offset)
		if err != nil {
			return nil, fmt.Errorf("filter %s after read at %s: %w", f.Name(), offset, err)
		}
		if rec == nil {
			return nil, nil
		}
	}
	return rec, nil
}

// FilterFactory creates an uninitialized filter
type FilterFactory func() RecordFilter

// FilterConfig names a registered filter and its options
type FilterConfig struct {
	Name    string            `yaml:"name" json:"name"`
	Options map[string]string `yaml:"options" json:"options"`
}

// FilterRegistry maps configuration names to filter factories
type FilterRegistry struct {
	mu        sync.RWMutex
	factories map[string]FilterFactory
}

// NewFilterRegistry creates an empty registry
func NewFilterRegistry() *FilterRegistry {
	return &FilterRegistry{factories: make(map[string]FilterFactory)}
}

// Register adds or replaces a factory
func (r *FilterRegistry) Register(name string, factory FilterFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Names returns the registered filter names
func (r *FilterRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates and initializes a filter
func (r *FilterRegistry) Build(name string, options map[string]string) (RecordFilter, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFilter, name)
	}
	f := factory()
	if options == nil {
		options = map[string]string{}
	}
	if err := f.Init(options); err != nil {
		return nil, fmt.Errorf("init filter %s: %w", name, err)
	}
	return f, nil
}

// BuildChain builds a chain from configurations, in order
func (r *FilterRegistry) BuildChain(configs ...FilterConfig) (*FilterChain, error) {
	chain := NewFilterChain()
	for _, config := range configs {
		f, err := r.Build(config.Name, config.Options)
		if err != nil {
			return nil, err
		}
		chain.Add(f)
	}
	return chain, nil
}
