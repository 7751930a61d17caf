// Package kafka implements the log abstraction on Kafka topics.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"go.uber.org/zap"
)

// Config holds Kafka log configuration
type Config struct {
	BootstrapServers  string
	TopicPrefix       string
	ReplicationFactor int
	AdminTimeout      time.Duration
	// ProducerProperties and ConsumerProperties are passed to librdkafka as is
	ProducerProperties map[string]string
	ConsumerProperties map[string]string
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		BootstrapServers:  "localhost:9092",
		TopicPrefix:       "nuxeo-",
		ReplicationFactor: 1,
		AdminTimeout:      30 * time.Second,
	}
}

// Manager is a Kafka backed log.Manager
type Manager struct {
	config   Config
	producer *kafka.Producer
	admin    *kafka.AdminClient
	logger   *zap.Logger

	mu        sync.Mutex
	sizes     map[string]int
	lagReader map[string]*kafka.Consumer
	closed    bool
}

// NewManager connects a producer and an admin client
func NewManager(config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.BootstrapServers == "" {
		return nil, fmt.Errorf("no Kafka bootstrap servers specified")
	}
	if config.ReplicationFactor <= 0 {
		config.ReplicationFactor = 1
	}
	if config.AdminTimeout <= 0 {
		config.AdminTimeout = 30 * time.Second
	}

	producerConfig := &kafka.ConfigMap{
		"bootstrap.servers":  config.BootstrapServers,
		"acks":               "all",
		"enable.idempotence": true,
	}
	if err := applyProperties(producerConfig, config.ProducerProperties); err != nil {
		return nil, err
	}
	producer, err := kafka.NewProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	admin, err := kafka.NewAdminClientFromProducer(producer)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create Kafka admin client: %w", err)
	}

	// Appends use a delivery channel per message, the event channel only carries errors
	go func() {
		for e := range producer.Events() {
			if kerr, ok := e.(kafka.Error); ok {
				logger.Error("Kafka producer error", zap.Error(kerr))
			}
		}
	}()

	logger.Info("Kafka log manager initialized",
		zap.String("bootstrap_servers", config.BootstrapServers),
		zap.String("topic_prefix", config.TopicPrefix))

	return &Manager{
		config:    config,
		producer:  producer,
		admin:     admin,
		logger:    logger,
		sizes:     make(map[string]int),
		lagReader: make(map[string]*kafka.Consumer),
	}, nil
}

func applyProperties(cm *kafka.ConfigMap, props map[string]string) error {
	for k, v := range props {
		if err := cm.SetKey(k, v); err != nil {
			return fmt.Errorf("invalid Kafka property %s: %w", k, err)
		}
	}
	return nil
}

func (m *Manager) topic(stream string) string {
	return m.config.TopicPrefix + stream
}

func (m *Manager) stream(topic string) string {
	return strings.TrimPrefix(topic, m.config.TopicPrefix)
}

// CreateIfNotExists creates the topic backing a stream
func (m *Manager) CreateIfNotExists(name string, partitions int) (bool, error) {
	if m.Exists(name) {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.config.AdminTimeout)
	defer cancel()
	results, err := m.admin.CreateTopics(ctx, []kafka.TopicSpecification{{
		Topic:             m.topic(name),
		NumPartitions:     partitions,
		ReplicationFactor: m.config.ReplicationFactor,
	}}, kafka.SetAdminOperationTimeout(m.config.AdminTimeout))
	if err != nil {
		return false, fmt.Errorf("failed to create topic %s: %w", m.topic(name), err)
	}
	for _, r := range results {
		switch r.Error.Code() {
		case kafka.ErrNoError:
		case kafka.ErrTopicAlreadyExists:
			return false, nil
		default:
			return false, fmt.Errorf("failed to create topic %s: %w", r.Topic, r.Error)
		}
	}
	m.mu.Lock()
	m.sizes[name] = partitions
	m.mu.Unlock()
	m.logger.Info("Created stream", zap.String("topic", m.topic(name)), zap.Int("partitions", partitions))
	return true, nil
}

// Exists reports whether the topic exists
func (m *Manager) Exists(name string) bool {
	_, err := m.Size(name)
	return err == nil
}

// Size returns the number of partitions of the topic
func (m *Manager) Size(name string) (int, error) {
	m.mu.Lock()
	size, ok := m.sizes[name]
	m.mu.Unlock()
	if ok {
		return size, nil
	}
	topic := m.topic(name)
	md, err := m.admin.GetMetadata(&topic, false, int(m.config.AdminTimeout.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("failed to get metadata of %s: %w", topic, err)
	}
	tm, ok := md.Topics[topic]
	if !ok || tm.Error.Code() == kafka.ErrUnknownTopicOrPart || len(tm.Partitions) == 0 {
		return 0, fmt.Errorf("%w: %s", log.ErrUnknownStream, name)
	}
	m.mu.Lock()
	m.sizes[name] = len(tm.Partitions)
	m.mu.Unlock()
	return len(tm.Partitions), nil
}

// Append routes a record to a partition using its key
func (m *Manager) Append(ctx context.Context, stream string, rec *record.Record) (log.Offset, error) {
	size, err := m.Size(stream)
	if err != nil {
		return log.Offset{}, err
	}
	return m.AppendTo(ctx, log.Partition{Stream: stream, ID: log.PartitionFor(rec.Key, size)}, rec)
}

// AppendTo produces a record and waits for its delivery report
func (m *Manager) AppendTo(ctx context.Context, partition log.Partition, rec *record.Record) (log.Offset, error) {
	value, err := record.Encode(rec)
	if err != nil {
		return log.Offset{}, err
	}
	topic := m.topic(partition.Stream)
	delivery := make(chan kafka.Event, 1)
	err = m.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: int32(partition.ID)},
		Key:            []byte(rec.Key),
		Value:          value,
	}, delivery)
	if err != nil {
		return log.Offset{}, fmt.Errorf("failed to append to %s: %w", partition, err)
	}
	select {
	case <-ctx.Done():
		return log.Offset{}, ctx.Err()
	case e := <-delivery:
		msg, ok := e.(*kafka.Message)
		if !ok {
			return log.Offset{}, fmt.Errorf("unexpected delivery event %v", e)
		}
		if msg.TopicPartition.Error != nil {
			return log.Offset{}, fmt.Errorf("failed to append to %s: %w", partition, msg.TopicPartition.Error)
		}
		return log.Offset{Partition: partition, Value: int64(msg.TopicPartition.Offset)}, nil
	}
}

func (m *Manager) newConsumer(group string) (*kafka.Consumer, error) {
	cm := &kafka.ConfigMap{
		"bootstrap.servers":    m.config.BootstrapServers,
		"group.id":             group,
		"auto.offset.reset":    "earliest",
		"enable.auto.commit":   false,
		"enable.partition.eof": false,
	}
	if err := applyProperties(cm, m.config.ConsumerProperties); err != nil {
		return nil, err
	}
	c, err := kafka.NewConsumer(cm)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}
	return c, nil
}

// CreateTailer creates a consumer manually assigned to partitions
func (m *Manager) CreateTailer(ctx context.Context, group string, partitions []log.Partition) (log.Tailer, error) {
	c, err := m.newConsumer(group)
	if err != nil {
		return nil, err
	}
	t := &tailer{m: m, consumer: c, group: group}
	if err := c.Assign(m.topicPartitions(partitions, kafka.OffsetStored)); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to assign partitions: %w", err)
	}
	t.assignments = append([]log.Partition(nil), partitions...)
	return t, nil
}

// Subscribe creates a consumer whose partitions are balanced by the group coordinator
func (m *Manager) Subscribe(ctx context.Context, group string, streams []string, listener log.RebalanceListener) (log.Tailer, error) {
	c, err := m.newConsumer(group)
	if err != nil {
		return nil, err
	}
	t := &tailer{m: m, consumer: c, group: group, listener: listener}
	topics := make([]string, len(streams))
	for i, s := range streams {
		topics[i] = m.topic(s)
	}
	if err := c.SubscribeTopics(topics, t.onRebalance); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to subscribe to topics: %w", err)
	}
	return t, nil
}

// SupportSubscribe is always true with Kafka
func (m *Manager) SupportSubscribe() bool {
	return true
}

func (m *Manager) topicPartitions(partitions []log.Partition, offset kafka.Offset) []kafka.TopicPartition {
	out := make([]kafka.TopicPartition, len(partitions))
	for i, p := range partitions {
		topic := m.topic(p.Stream)
		out[i] = kafka.TopicPartition{Topic: &topic, Partition: int32(p.ID), Offset: offset}
	}
	return out
}

func (m *Manager) partitions(tps []kafka.TopicPartition) []log.Partition {
	out := make([]log.Partition, 0, len(tps))
	for _, tp := range tps {
		if tp.Topic == nil {
			continue
		}
		out = append(out, log.Partition{Stream: m.stream(*tp.Topic), ID: int(tp.Partition)})
	}
	return out
}

// Lag sums committed and end offsets of the stream partitions for a group
func (m *Manager) Lag(ctx context.Context, stream, group string) (log.Lag, error) {
	parts, err := log.Partitions(m, stream)
	if err != nil {
		return log.Lag{}, err
	}
	c, err := m.lagConsumer(group)
	if err != nil {
		return log.Lag{}, err
	}
	timeout := int(m.config.AdminTimeout.Milliseconds())
	committed, err := c.Committed(m.topicPartitions(parts, kafka.OffsetInvalid), timeout)
	if err != nil {
		return log.Lag{}, fmt.Errorf("failed to get committed offsets of %s: %w", group, err)
	}
	var lower, upper int64
	for _, tp := range committed {
		low, high, err := c.QueryWatermarkOffsets(*tp.Topic, tp.Partition, timeout)
		if err != nil {
			return log.Lag{}, fmt.Errorf("failed to query offsets of %s: %w", *tp.Topic, err)
		}
		upper += high
		if tp.Offset >= 0 {
			lower += int64(tp.Offset)
		} else {
			lower += low
		}
	}
	return log.NewLag(lower, upper), nil
}

func (m *Manager) lagConsumer(group string) (*kafka.Consumer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, log.ErrClosed
	}
	if c, ok := m.lagReader[group]; ok {
		return c, nil
	}
	c, err := m.newConsumer(group)
	if err != nil {
		return nil, err
	}
	m.lagReader[group] = c
	return c, nil
}

// Close flushes pending messages and releases clients
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	readers := m.lagReader
	m.lagReader = nil
	m.mu.Unlock()

	var errs []error
	for _, c := range readers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if remaining := m.producer.Flush(int(m.config.AdminTimeout.Milliseconds())); remaining > 0 {
		m.logger.Warn("Kafka producer closed with undelivered messages", zap.Int("remaining", remaining))
	}
	m.admin.Close()
	m.producer.Close()
	return errors.Join(errs...)
}
