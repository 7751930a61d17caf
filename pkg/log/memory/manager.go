// Package memory provides an in-process log with consumer groups and rebalancing.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"go.uber.org/zap"
)

type groupPartition struct {
	group     string
	partition log.Partition
}

// Manager is an in-memory log.Manager. Records are kept encoded so readers get
// their own copy, like with a remote log.
type Manager struct {
	mu        sync.Mutex
	streams   map[string][][][]byte
	committed map[groupPartition]int64
	groups    map[string]*group
	notify    chan struct{}
	closed    bool
	subscribe bool
	logger    *zap.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithoutSubscribe disables dynamic assignment, runners then use static partition assignment
func WithoutSubscribe() Option {
	return func(m *Manager) { m.subscribe = false }
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager creates an empty in-memory log
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		streams:   make(map[string][][][]byte),
		committed: make(map[groupPartition]int64),
		groups:    make(map[string]*group),
		notify:    make(chan struct{}),
		subscribe: true,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	return m
}

// broadcast wakes up blocked readers, must be called with mu held
func (m *Manager) broadcast() {
	close(m.notify)
	m.notify = make(chan struct{})
}

// CreateIfNotExists creates a stream, it returns false if it already exists
func (m *Manager) CreateIfNotExists(name string, partitions int) (bool, error) {
	if partitions <= 0 {
		return false, fmt.Errorf("invalid partitions %d for stream %s", partitions, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, log.ErrClosed
	}
	if _, ok := m.streams[name]; ok {
		return false, nil
	}
	m.streams[name] = make([][][]byte, partitions)
	m.logger.Debug("Created stream", zap.String("stream", name), zap.Int("partitions", partitions))
	return true, nil
}

// Exists reports whether the stream exists
func (m *Manager) Exists(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.streams[name]
	return ok
}

// Size returns the number of partitions of a stream
func (m *Manager) Size(name string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.streams[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", log.ErrUnknownStream, name)
	}
	return len(parts), nil
}

// Append routes a record to a partition using its key
func (m *Manager) Append(ctx context.Context, stream string, rec *record.Record) (log.Offset, error) {
	size, err := m.Size(stream)
	if err != nil {
		return log.Offset{}, err
	}
	return m.AppendTo(ctx, log.Partition{Stream: stream, ID: log.PartitionFor(rec.Key, size)}, rec)
}

// AppendTo appends a record to a partition
func (m *Manager) AppendTo(ctx context.Context, partition log.Partition, rec *record.Record) (log.Offset, error) {
	if err := ctx.Err(); err != nil {
		return log.Offset{}, err
	}
	data, err := record.Encode(rec)
	if err != nil {
		return log.Offset{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return log.Offset{}, log.ErrClosed
	}
	parts, ok := m.streams[partition.Stream]
	if !ok {
		return log.Offset{}, fmt.Errorf("%w: %s", log.ErrUnknownStream, partition.Stream)
	}
	if partition.ID < 0 || partition.ID >= len(parts) {
		return log.Offset{}, fmt.Errorf("invalid partition %s", partition)
	}
	parts[partition.ID] = append(parts[partition.ID], data)
	offset := log.Offset{Partition: partition, Value: int64(len(parts[partition.ID]) - 1)}
	m.broadcast()
	return offset, nil
}

// CreateTailer creates a tailer statically assigned to partitions
func (m *Manager) CreateTailer(ctx context.Context, groupName string, partitions []log.Partition) (log.Tailer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, log.ErrClosed
	}
	for _, p := range partitions {
		parts, ok := m.streams[p.Stream]
		if !ok {
			return nil, fmt.Errorf("%w: %s", log.ErrUnknownStream, p.Stream)
		}
		if p.ID < 0 || p.ID >= len(parts) {
			return nil, fmt.Errorf("invalid partition %s", p)
		}
	}
	t := newTailer(m, groupName, nil)
	t.assign(partitions)
	return t, nil
}

// Subscribe creates a tailer whose partitions are balanced among the group members
func (m *Manager) Subscribe(ctx context.Context, groupName string, streams []string, listener log.RebalanceListener) (log.Tailer, error) {
	if !m.subscribe {
		return nil, fmt.Errorf("subscribe is not supported by this log")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, log.ErrClosed
	}
	for _, s := range streams {
		if _, ok := m.streams[s]; !ok {
			return nil, fmt.Errorf("%w: %s", log.ErrUnknownStream, s)
		}
	}
	g, ok := m.groups[groupName]
	if !ok {
		g = &group{name: groupName}
		m.groups[groupName] = g
	}
	mem := &member{listener: listener, group: g}
	t := newTailer(m, groupName, mem)
	mem.tailer = t
	g.join(mem, streams)
	m.rebalance(g)
	return t, nil
}

// SupportSubscribe reports whether Subscribe is enabled
func (m *Manager) SupportSubscribe() bool {
	return m.subscribe
}

// Lag returns the lag of a consumer group on a stream
func (m *Manager) Lag(ctx context.Context, stream, group string) (log.Lag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts, ok := m.streams[stream]
	if !ok {
		return log.Lag{}, fmt.Errorf("%w: %s", log.ErrUnknownStream, stream)
	}
	var lower, upper int64
	for i, p := range parts {
		upper += int64(len(p))
		lower += m.committed[groupPartition{group: group, partition: log.Partition{Stream: stream, ID: i}}]
	}
	return log.NewLag(lower, upper), nil
}

// Close closes the log, blocked readers return ErrClosed
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.broadcast()
	return nil
}

// rebalance spreads the group partitions round-robin over its members, must be called with mu held
func (m *Manager) rebalance(g *group) {
	var all []log.Partition
	for _, s := range g.streamNames() {
		for i := range m.streams[s] {
			all = append(all, log.Partition{Stream: s, ID: i})
		}
	}
	g.generation++
	for _, mem := range g.members {
		mem.target = nil
	}
	if len(g.members) > 0 {
		for i, p := range all {
			mem := g.members[i%len(g.members)]
			mem.target = append(mem.target, p)
		}
	}
	m.logger.Debug("Rebalanced group",
		zap.String("group", g.name),
		zap.Int("members", len(g.members)),
		zap.Int("partitions", len(all)),
		zap.Int64("generation", g.generation))
	m.broadcast()
}

type group struct {
	name       string
	streams    map[string]struct{}
	members    []*member
	generation int64
}

func (g *group) join(mem *member, streams []string) {
	if g.streams == nil {
		g.streams = make(map[string]struct{})
	}
	for _, s := range streams {
		g.streams[s] = struct{}{}
	}
	g.members = append(g.members, mem)
}

func (g *group) leave(mem *member) bool {
	for i, other := range g.members {
		if other == mem {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

func (g *group) streamNames() []string {
	names := make([]string, 0, len(g.streams))
	for s := range g.streams {
		names = append(names, s)
	}
	sort.Strings(names)
	return names
}

type member struct {
	group      *group
	listener   log.RebalanceListener
	tailer     *tailer
	target     []log.Partition
	generation int64
}
