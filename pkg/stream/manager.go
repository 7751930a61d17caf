package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/metrics"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Manager registers topologies on a log, applies stream filters and creates processors
type Manager struct {
	logs    log.Manager
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	mu         sync.RWMutex
	filters    map[string]*FilterChain
	topologies map[string]registration
}

type registration struct {
	topology *Topology
	settings *Settings
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics instruments runners and filters
func WithMetrics(collector *metrics.Collector) ManagerOption {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithTracer traces checkpoints
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// NewManager creates a stream manager on a log
func NewManager(logs log.Manager, opts ...ManagerOption) *Manager {
	m := &Manager{
		logs:       logs,
		logger:     zap.NewNop(),
		tracer:     tracing.Noop(),
		filters:    make(map[string]*FilterChain),
		topologies: make(map[string]registration),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register creates the streams of a topology and binds their filters
func (m *Manager) Register(name string, topology *Topology, settings *Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.topologies[name]; exists {
		return fmt.Errorf("topology %s already registered", name)
	}
	for _, stream := range topology.Streams() {
		partitions := settings.Partitions(stream)
		created, err := m.logs.CreateIfNotExists(stream, partitions)
		if err != nil {
			return fmt.Errorf("create stream %s: %w", stream, err)
		}
		if created {
			m.logger.Info("Created stream",
				zap.String("topology", name),
				zap.String("stream", stream),
				zap.Int("partitions", partitions))
		} else if size, err := m.logs.Size(stream); err == nil && size != partitions {
			m.logger.Warn("Stream exists with a different partition count",
				zap.String("stream", stream),
				zap.Int("partitions", size),
				zap.Int("expected", partitions))
		}
		if chain := settings.Filter(stream); chain.Len() > 0 {
			m.filters[stream] = chain
		}
	}
	m.topologies[name] = registration{topology: topology, settings: settings}
	m.logger.Info("Registered topology",
		zap.String("topology", name),
		zap.Strings("computations", topology.TopologicalOrder()))
	return nil
}

// CreateProcessor creates a processor for a registered topology
func (m *Manager) CreateProcessor(name string) (*Processor, error) {
	m.mu.RLock()
	reg, ok := m.topologies[name]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("topology %s is not registered", name)
	}
	return newProcessor(name, m, reg.topology, reg.settings), nil
}

// RegisterAndCreateProcessor registers a topology and creates its processor
func (m *Manager) RegisterAndCreateProcessor(name string, topology *Topology, settings *Settings) (*Processor, error) {
	if err := m.Register(name, topology, settings); err != nil {
		return nil, err
	}
	return m.CreateProcessor(name)
}

// Append applies the stream filter and appends the record.
// It returns false with a zero offset when a filter dropped the record.
func (m *Manager) Append(ctx context.Context, stream string, rec *record.Record) (log.Offset, bool, error) {
	filtered, err := m.Filter(stream).BeforeAppend(ctx, rec)
	if err != nil {
		return log.Offset{}, false, err
	}
	if filtered == nil {
		if m.metrics != nil {
			m.metrics.RecordsFiltered.WithLabelValues(stream, "append").Inc()
		}
		m.logger.Debug("Record dropped before append", zap.String("stream", stream), zap.String("key", rec.Key))
		return log.Offset{}, false, nil
	}
	offset, err := m.logs.Append(ctx, stream, filtered)
	if err != nil {
		return log.Offset{}, false, fmt.Errorf("append to %s: %w", stream, err)
	}
	return offset, true, nil
}

// Filter returns the filter chain of a stream, nil chains pass records through
func (m *Manager) Filter(stream string) *FilterChain {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.filters[stream]
}

// CreateTailer creates a tailer on fixed partitions
func (m *Manager) CreateTailer(ctx context.Context, group string, partitions []log.Partition) (log.Tailer, error) {
	return m.logs.CreateTailer(ctx, group, partitions)
}

// Subscribe creates a tailer with dynamic partition assignment
func (m *Manager) Subscribe(ctx context.Context, group string, streams []string, listener log.RebalanceListener) (log.Tailer, error) {
	return m.logs.Subscribe(ctx, group, streams, listener)
}

// SupportSubscribe reports whether the log assigns partitions dynamically
func (m *Manager) SupportSubscribe() bool {
	return m.logs.SupportSubscribe()
}

// Lag returns the lag of a consumer group on a stream
func (m *Manager) Lag(ctx context.Context, stream, group string) (log.Lag, error) {
	return m.logs.Lag(ctx, stream, group)
}

// Logs returns the underlying log manager
func (m *Manager) Logs() log.Manager {
	return m.logs
}

// Close closes the underlying log
func (m *Manager) Close() error {
	return m.logs.Close()
}
