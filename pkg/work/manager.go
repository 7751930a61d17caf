package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/inteca/nuxeo/pkg/metrics"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/inteca/nuxeo/pkg/tracing"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Topology names
const (
	TopologyName         = "StreamWorkManager"
	DisabledTopologyName = "StreamWorkManagerDisable"
)

// maxAwait caps the completion waits
const maxAwait = 24 * time.Hour

var (
	// ErrNotStarted is returned when scheduling on a manager that is not started
	ErrNotStarted = errors.New("work: manager not started")
	// ErrUnknownQueue is returned for a queue or category without queue
	ErrUnknownQueue = errors.New("work: unknown queue")
)

// Config holds the work manager configuration
type Config struct {
	// StoreState keeps the state of each work in the state store, it enables cancellation
	StoreState bool          `yaml:"store_state" json:"store_state"`
	StateTTL   time.Duration `yaml:"state_ttl" json:"state_ttl"`
	// StoreName is the key/value store of states and coalescing offsets
	StoreName string `yaml:"store_name" json:"store_name"`
	// OverProvisioning multiplies the partitions of a queue when the log supports subscribe
	OverProvisioning   int           `yaml:"over_provisioning" json:"over_provisioning"`
	DefaultConcurrency int           `yaml:"default_concurrency" json:"default_concurrency"`
	ShutdownDelay      time.Duration `yaml:"shutdown_delay" json:"shutdown_delay"`
	// DeadLetterStream receives works failing after their retries, empty disables it
	DeadLetterStream string                `yaml:"dead_letter_stream" json:"dead_letter_stream"`
	Filters          []stream.FilterConfig `yaml:"filters" json:"filters"`
	RetryBackoff     time.Duration         `yaml:"retry_backoff" json:"retry_backoff"`
	PollInterval     time.Duration         `yaml:"poll_interval" json:"poll_interval"`
}

// DefaultConfig returns the default work manager configuration
func DefaultConfig() Config {
	return Config{
		StateTTL:           time.Hour,
		StoreName:          "default",
		OverProvisioning:   3,
		DefaultConcurrency: 4,
		DeadLetterStream:   "dlq-work",
		RetryBackoff:       100 * time.Millisecond,
		PollInterval:       100 * time.Millisecond,
	}
}

// QueueMetrics is an estimate of a queue derived from its lag
type QueueMetrics struct {
	QueueID   string
	Scheduled int64
	Running   int64
	Completed int64
	Canceled  int64
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics enables queue and work metrics
func WithMetrics(collector *metrics.Collector) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// WithTracer traces work executions
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithStores resolves the state store by name from a registry
func WithStores(stores *kv.Registry) Option {
	return func(m *Manager) {
		m.stores = stores
	}
}

// WithStateStore sets the state store directly
func WithStateStore(store kv.Store) Option {
	return func(m *Manager) {
		m.store = store
	}
}

// WithFilterRegistry resolves the configured record filters
func WithFilterRegistry(filters *stream.FilterRegistry) Option {
	return func(m *Manager) {
		m.filterRegistry = filters
	}
}

// WithSettings adjusts the stream settings of the queues before start
func WithSettings(tune func(*stream.Settings)) Option {
	return func(m *Manager) {
		m.tune = tune
	}
}

// Manager schedules works on streams, each queue is a stream consumed by a computation
type Manager struct {
	streams *stream.Manager
	queues  *QueueRegistry
	types   *TypeRegistry
	config  Config
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	stores         *kv.Registry
	store          kv.Store
	state          *stateStore
	filterRegistry *stream.FilterRegistry
	filter         *stream.FilterChain
	tune           func(*stream.Settings)

	mu         sync.RWMutex
	started    bool
	processor  *stream.Processor
	settings   *stream.Settings
	registered []string
}

// NewManager creates a work manager, configuration errors fail here
func NewManager(streams *stream.Manager, queues *QueueRegistry, types *TypeRegistry, config Config, opts ...Option) (*Manager, error) {
	m := &Manager{
		streams: streams,
		queues:  queues,
		types:   types,
		config:  config,
		logger:  zap.NewNop(),
		tracer:  tracing.Noop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.config.DefaultConcurrency <= 0 {
		m.config.DefaultConcurrency = 4
	}
	if m.config.OverProvisioning <= 0 {
		m.config.OverProvisioning = 1
	}
	if m.config.PollInterval <= 0 {
		m.config.PollInterval = 100 * time.Millisecond
	}
	if m.config.RetryBackoff <= 0 {
		m.config.RetryBackoff = 100 * time.Millisecond
	}

	if m.store == nil && m.stores != nil && m.config.StoreName != "" {
		store, err := m.stores.Get(m.config.StoreName)
		if err != nil {
			if m.config.StoreState {
				return nil, fmt.Errorf("work state store: %w", err)
			}
		} else {
			m.store = store
		}
	}
	if m.store != nil {
		m.state = newStateStore(m.store, m.config.StateTTL, m.logger)
	} else if m.config.StoreState {
		return nil, errors.New("work: store_state requires a key/value store")
	}

	if len(m.config.Filters) > 0 {
		if m.filterRegistry == nil {
			return nil, errors.New("work: record filters configured without filter registry")
		}
		chain, err := m.filterRegistry.BuildChain(m.config.Filters...)
		if err != nil {
			return nil, fmt.Errorf("work record filters: %w", err)
		}
		m.filter = chain
	}
	return m, nil
}

// partitions returns the partition count of a queue
func (m *Manager) partitions(q QueueDescriptor) int {
	threads := q.Threads(m.config.DefaultConcurrency)
	if threads == 1 {
		return 1
	}
	factor := 1
	if m.streams.SupportSubscribe() {
		factor = m.config.OverProvisioning
	}
	return factor * threads
}

func (m *Manager) buildSettings() *stream.Settings {
	settings := stream.NewSettings(m.config.DefaultConcurrency, m.config.DefaultConcurrency, m.filter)
	for _, q := range m.queues.Queues() {
		settings.SetConcurrency(q.ID, q.Threads(m.config.DefaultConcurrency))
		settings.SetPartitions(q.ID, m.partitions(q))
	}
	if m.tune != nil {
		m.tune(settings)
	}
	return settings
}

// Start creates the queue streams and starts the computations of processing queues
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("work: manager already started")
	}

	enabled := stream.NewTopologyBuilder()
	disabled := stream.NewTopologyBuilder()
	var processing, idle []string
	for _, q := range m.queues.Queues() {
		mapping := []string{"i1:" + q.ID}
		if q.IsProcessingEnabled() {
			enabled.AddComputation(newComputation(m, q), mapping)
			processing = append(processing, q.ID)
		} else {
			disabled.AddComputation(newComputation(m, q), mapping)
			idle = append(idle, q.ID)
		}
	}
	topology, err := enabled.Build()
	if err != nil {
		return fmt.Errorf("build work topology: %w", err)
	}
	disabledTopology, err := disabled.Build()
	if err != nil {
		return fmt.Errorf("build disabled work topology: %w", err)
	}
	settings := m.buildSettings()

	if dlq := m.config.DeadLetterStream; dlq != "" {
		if _, err := m.streams.Logs().CreateIfNotExists(dlq, 1); err != nil {
			return fmt.Errorf("create dead letter stream %s: %w", dlq, err)
		}
	}
	if disabledTopology.Size() > 0 {
		if err := m.streams.Register(DisabledTopologyName, disabledTopology, settings); err != nil {
			return err
		}
	}
	processor, err := m.streams.RegisterAndCreateProcessor(TopologyName, topology, settings)
	if err != nil {
		return err
	}
	if err := processor.Start(ctx); err != nil {
		processor.Shutdown(0)
		return fmt.Errorf("start work processor: %w", err)
	}
	m.processor = processor
	m.settings = settings
	m.started = true

	if m.metrics != nil {
		for _, id := range processing {
			queue := id
			err := m.metrics.RegisterQueue(queue, func() metrics.QueueEstimate {
				qm, err := m.Metrics(context.Background(), queue)
				if err != nil {
					return metrics.QueueEstimate{}
				}
				return metrics.QueueEstimate{
					Scheduled: qm.Scheduled,
					Running:   qm.Running,
					Completed: qm.Completed,
					Canceled:  qm.Canceled,
				}
			})
			if err != nil {
				m.logger.Warn("Cannot register queue metrics", zap.String("queue", queue), zap.Error(err))
				continue
			}
			m.registered = append(m.registered, queue)
		}
	}
	m.logger.Info("Work manager started",
		zap.Strings("queues", processing),
		zap.Strings("processing_disabled", idle),
		zap.Bool("store_state", m.config.StoreState))
	return nil
}

// IsStarted reports whether Start succeeded and Shutdown was not called
func (m *Manager) IsStarted() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.started
}

// Schedule appends a work to the stream of its category queue.
// With afterCommit and an active transaction in ctx, the append waits for the commit.
// A cancellation always applies immediately.
func (m *Manager) Schedule(ctx context.Context, w Work, scheduling Scheduling, afterCommit bool) error {
	if afterCommit && scheduling != CancelScheduled {
		if tx := TransactionFrom(ctx); tx != nil {
			return m.scheduleAfterCommit(ctx, tx, w, scheduling)
		}
	}
	return m.schedule(ctx, w, scheduling)
}

func (m *Manager) scheduleAfterCommit(ctx context.Context, tx Transaction, w Work, scheduling Scheduling) error {
	switch status := tx.Status(); status {
	case StatusActive:
		hook := &workScheduling{manager: m, ctx: context.WithoutCancel(ctx), work: w, scheduling: scheduling}
		if err := tx.RegisterSynchronization(hook); err != nil {
			return fmt.Errorf("register work %s after commit: %w", w.ID(), err)
		}
		m.logger.Debug("Work scheduled after commit", zap.String("work_id", w.ID()))
		return nil
	case StatusMarkedRollback:
		m.logger.Debug("Transaction marked for rollback, work not scheduled", zap.String("work_id", w.ID()))
		return nil
	default:
		return m.schedule(ctx, w, scheduling)
	}
}

// workScheduling appends a work once its transaction commits
type workScheduling struct {
	manager    *Manager
	ctx        context.Context
	work       Work
	scheduling Scheduling
}

func (s *workScheduling) BeforeCompletion() {}

func (s *workScheduling) AfterCompletion(status Status) {
	if status != StatusCommitted {
		s.manager.logger.Debug("Transaction rolled back, work not scheduled",
			zap.String("work_id", s.work.ID()),
			zap.Stringer("status", status))
		return
	}
	if err := s.manager.schedule(s.ctx, s.work, s.scheduling); err != nil {
		s.manager.logger.Error("Cannot schedule work after commit",
			zap.String("work_id", s.work.ID()),
			zap.Error(err))
	}
}

func (m *Manager) schedule(ctx context.Context, w Work, scheduling Scheduling) error {
	if !m.IsStarted() {
		return ErrNotStarted
	}
	queueID := m.queues.QueueFor(w.Category())
	if queueID == "" {
		return fmt.Errorf("%w for category %q", ErrUnknownQueue, w.Category())
	}
	q, _ := m.queues.Get(queueID)
	if !q.IsQueuingEnabled() {
		m.logger.Debug("Queue disabled, work dropped",
			zap.String("queue", queueID),
			zap.String("work_id", w.ID()))
		return nil
	}

	if scheduling == CancelScheduled {
		if !m.config.StoreState {
			m.logger.Warn("Cannot cancel work without stored state", zap.String("work_id", w.ID()))
			return nil
		}
		if m.state.setCanceled(ctx, w.ID()) {
			m.logger.Debug("Work canceled", zap.String("work_id", w.ID()))
		}
		return nil
	}

	data, err := m.types.Encode(w)
	if err != nil {
		return err
	}
	if m.config.StoreState {
		m.state.setState(ctx, w.ID(), StateScheduled)
	}
	offset, appended, err := m.streams.Append(ctx, queueID, record.New(w.PartitionKey(), data))
	if err != nil || !appended {
		if m.config.StoreState {
			m.state.setState(ctx, w.ID(), "")
		}
		if err != nil {
			return fmt.Errorf("schedule work %s: %w", w.ID(), err)
		}
		m.logger.Debug("Work dropped by record filter", zap.String("work_id", w.ID()))
		return nil
	}
	if w.IsCoalescing() && m.state != nil {
		m.state.setLastOffset(ctx, w.ID(), offset.Value)
	}
	if m.metrics != nil {
		m.metrics.WorksScheduled.WithLabelValues(queueID).Inc()
	}
	m.logger.Debug("Work scheduled",
		zap.String("queue", queueID),
		zap.String("work_id", w.ID()),
		zap.Stringer("offset", offset))
	return nil
}

// Metrics estimates a queue from the lag of its computation
func (m *Manager) Metrics(ctx context.Context, queue string) (QueueMetrics, error) {
	q, ok := m.queues.Get(queue)
	if !ok {
		return QueueMetrics{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queue)
	}
	lag, err := m.streams.Lag(ctx, queue, queue)
	if err != nil {
		return QueueMetrics{}, err
	}
	var running int64
	if lag.Lag > 0 {
		running = min(lag.Lag, int64(m.partitions(q)))
	}
	return QueueMetrics{
		QueueID:   queue,
		Scheduled: lag.Lag,
		Running:   running,
		Completed: lag.Lower,
	}, nil
}

// QueueSize returns the estimated number of works in a state, an empty state counts scheduled and running
func (m *Manager) QueueSize(ctx context.Context, queue string, state State) (int64, error) {
	qm, err := m.Metrics(ctx, queue)
	if err != nil {
		return 0, err
	}
	switch state {
	case "":
		return qm.Scheduled + qm.Running, nil
	case StateScheduled:
		return qm.Scheduled, nil
	case StateRunning:
		return qm.Running, nil
	default:
		return 0, fmt.Errorf("unsupported work state %s", state)
	}
}

// WorkState returns the stored state of a work, empty when unknown or without stored state
func (m *Manager) WorkState(ctx context.Context, id string) (State, error) {
	if !m.config.StoreState {
		return "", nil
	}
	return m.state.state(ctx, id)
}

// Find always returns nil, works are not indexed
func (m *Manager) Find(ctx context.Context, id string, state State) (Work, error) {
	return nil, nil
}

// ListWork always returns an empty list, works are not indexed
func (m *Manager) ListWork(ctx context.Context, queue string, state State) ([]Work, error) {
	return []Work{}, nil
}

func (m *Manager) awaitQueues(queue string) []string {
	if queue != "" {
		return []string{queue}
	}
	var ids []string
	for _, q := range m.queues.Queues() {
		if q.IsProcessingEnabled() {
			ids = append(ids, q.ID)
		}
	}
	return ids
}

// AwaitCompletion waits until the lag of a queue is zero, an empty queue waits for all processing queues
func (m *Manager) AwaitCompletion(ctx context.Context, queue string, timeout time.Duration) (bool, error) {
	if !m.IsStarted() {
		return true, nil
	}
	deadline := time.Now().Add(min(timeout, maxAwait))
	queues := m.awaitQueues(queue)
	for {
		if err := m.sleep(ctx); err != nil {
			return false, err
		}
		done, err := m.noLag(ctx, queues)
		if err != nil {
			return false, err
		}
		if done {
			return true, nil
		}
		if time.Now().After(deadline) {
			m.logger.Warn("Timeout waiting for work completion", zap.String("queue", queue), zap.Duration("timeout", timeout))
			return false, nil
		}
	}
}

// AwaitCompletionWithWatermark waits for completion then until the low watermark stops moving
func (m *Manager) AwaitCompletionWithWatermark(ctx context.Context, queue string, timeout time.Duration) (bool, error) {
	if !m.IsStarted() {
		return true, nil
	}
	start := time.Now()
	timeout = min(timeout, maxAwait)
	done, err := m.AwaitCompletion(ctx, queue, timeout)
	if err != nil || !done {
		return done, err
	}
	deadline := start.Add(timeout)
	previous := m.lowWatermark(queue)
	for {
		if err := m.sleep(ctx); err != nil {
			return false, err
		}
		current := m.lowWatermark(queue)
		if current == previous {
			m.logger.Debug("Work completed", zap.String("queue", queue), zap.Int64("low_watermark", current))
			return true, nil
		}
		previous = current
		if time.Now().After(deadline) {
			return false, nil
		}
	}
}

func (m *Manager) lowWatermark(queue string) int64 {
	m.mu.RLock()
	processor := m.processor
	m.mu.RUnlock()
	if processor == nil {
		return 0
	}
	if queue == "" {
		return processor.LowWatermark()
	}
	return processor.LowWatermarkOf(queue)
}

func (m *Manager) noLag(ctx context.Context, queues []string) (bool, error) {
	for _, queue := range queues {
		lag, err := m.streams.Lag(ctx, queue, queue)
		if err != nil {
			return false, err
		}
		if lag.Lag > 0 {
			return false, nil
		}
	}
	return true, nil
}

func (m *Manager) sleep(ctx context.Context) error {
	timer := time.NewTimer(m.config.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Status returns the runner status of each queue computation
func (m *Manager) Status() map[string][]stream.RunnerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.processor == nil {
		return nil
	}
	return m.processor.Status()
}

// Shutdown drains the queue computations, waiting at least the shutdown delay
func (m *Manager) Shutdown(timeout time.Duration) bool {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return true
	}
	m.started = false
	processor := m.processor
	registered := m.registered
	m.registered = nil
	m.mu.Unlock()

	if m.metrics != nil {
		for _, queue := range registered {
			m.metrics.UnregisterQueue(queue)
		}
	}
	ok := processor.Stop(max(timeout, m.config.ShutdownDelay))
	if !ok {
		m.logger.Warn("Work manager stopped before completion", zap.Duration("timeout", timeout))
	} else {
		m.logger.Info("Work manager stopped")
	}
	return ok
}
