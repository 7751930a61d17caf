package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"go.uber.org/zap"
)

type tailer struct {
	m        *Manager
	consumer *kafka.Consumer
	group    string
	listener log.RebalanceListener

	mu          sync.Mutex
	assignments []log.Partition
	rebalanced  bool
	closed      bool
}

// onRebalance runs inside ReadMessage on the reading goroutine
func (t *tailer) onRebalance(c *kafka.Consumer, e kafka.Event) error {
	switch ev := e.(type) {
	case kafka.AssignedPartitions:
		partitions := t.m.partitions(ev.Partitions)
		if err := c.Assign(ev.Partitions); err != nil {
			return err
		}
		t.mu.Lock()
		t.assignments = partitions
		t.rebalanced = true
		t.mu.Unlock()
		t.m.logger.Debug("Partitions assigned", zap.String("group", t.group), zap.Int("count", len(partitions)))
		if t.listener != nil {
			t.listener.OnPartitionsAssigned(partitions)
		}
	case kafka.RevokedPartitions:
		partitions := t.m.partitions(ev.Partitions)
		if t.listener != nil {
			t.listener.OnPartitionsRevoked(partitions)
		}
		if err := c.Unassign(); err != nil {
			return err
		}
		t.mu.Lock()
		t.assignments = nil
		t.rebalanced = true
		t.mu.Unlock()
	}
	return nil
}

// Read polls one message
func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*log.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.Closed() {
		return nil, log.ErrClosed
	}
	msg, err := t.consumer.ReadMessage(timeout)
	if t.takeRebalanced() {
		return nil, log.ErrRebalance
	}
	if err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrTimedOut {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to read from Kafka: %w", err)
	}
	rec, err := record.Decode(msg.Value)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", msg.TopicPartition, err)
	}
	return &log.Entry{
		Record: rec,
		Offset: log.Offset{
			Partition: log.Partition{Stream: t.m.stream(*msg.TopicPartition.Topic), ID: int(msg.TopicPartition.Partition)},
			Value:     int64(msg.TopicPartition.Offset),
		},
	}, nil
}

func (t *tailer) takeRebalanced() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.rebalanced
	t.rebalanced = false
	return r
}

// Commit commits the offsets of the messages read so far
func (t *tailer) Commit(ctx context.Context) error {
	if t.Closed() {
		return log.ErrClosed
	}
	if _, err := t.consumer.Commit(); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Code() == kafka.ErrNoOffset {
			return nil
		}
		return fmt.Errorf("failed to commit offsets: %w", err)
	}
	return nil
}

func (t *tailer) Assignments() []log.Partition {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]log.Partition(nil), t.assignments...)
}

func (t *tailer) Group() string {
	return t.group
}

func (t *tailer) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()
	return t.consumer.Close()
}

func (t *tailer) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
