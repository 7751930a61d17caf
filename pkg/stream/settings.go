package stream

import (
	"context"
	"time"

	perrors "github.com/inteca/nuxeo/pkg/errors"
)

// Runner timings
const (
	DefaultReadTimeout       = 25 * time.Millisecond
	DefaultStarvingTimeout   = time.Second
	DefaultInactivityBreak   = 100 * time.Millisecond
	DefaultAssignmentTimeout = time.Minute
)

// CheckpointHook persists computation timers and state during a checkpoint, after output is flushed
// and before input offsets are committed
type CheckpointHook interface {
	SaveTimers(ctx context.Context, computation string, timers map[string]int64) error
	SaveState(ctx context.Context, computation string) error
}

// Settings holds the concurrency, partitioning, filters and timings of a topology
type Settings struct {
	DefaultConcurrency int
	DefaultPartitions  int

	ReadTimeout       time.Duration
	StarvingTimeout   time.Duration
	InactivityBreak   time.Duration
	AssignmentTimeout time.Duration

	// RetryPolicy drives the relaunch of failed runners
	RetryPolicy    *perrors.RetryPolicy
	CheckpointHook CheckpointHook

	concurrencies map[string]int
	partitions    map[string]int
	filters       map[string]*FilterChain
	defaultFilter *FilterChain
}

// NewSettings creates settings with default concurrency and partitions, filter applies to every stream
func NewSettings(concurrency, partitions int, filter *FilterChain) *Settings {
	return &Settings{
		DefaultConcurrency: concurrency,
		DefaultPartitions:  partitions,
		ReadTimeout:        DefaultReadTimeout,
		StarvingTimeout:    DefaultStarvingTimeout,
		InactivityBreak:    DefaultInactivityBreak,
		AssignmentTimeout:  DefaultAssignmentTimeout,
		RetryPolicy:        perrors.RestartPolicy(),
		concurrencies:      make(map[string]int),
		partitions:         make(map[string]int),
		filters:            make(map[string]*FilterChain),
		defaultFilter:      filter,
	}
}

// SetConcurrency sets the number of runners of a computation
func (s *Settings) SetConcurrency(computation string, concurrency int) *Settings {
	s.concurrencies[computation] = concurrency
	return s
}

// Concurrency returns the number of runners of a computation
func (s *Settings) Concurrency(computation string) int {
	if c, ok := s.concurrencies[computation]; ok && c > 0 {
		return c
	}
	if s.DefaultConcurrency > 0 {
		return s.DefaultConcurrency
	}
	return 1
}

// SetPartitions sets the partition count of a stream
func (s *Settings) SetPartitions(stream string, partitions int) *Settings {
	s.partitions[stream] = partitions
	return s
}

// Partitions returns the partition count of a stream
func (s *Settings) Partitions(stream string) int {
	if p, ok := s.partitions[stream]; ok && p > 0 {
		return p
	}
	if s.DefaultPartitions > 0 {
		return s.DefaultPartitions
	}
	return 1
}

// SetFilter sets the filter chain of a stream
func (s *Settings) SetFilter(stream string, chain *FilterChain) *Settings {
	s.filters[stream] = chain
	return s
}

// Filter returns the filter chain of a stream, nil when none applies
func (s *Settings) Filter(stream string) *FilterChain {
	if f, ok := s.filters[stream]; ok {
		return f
	}
	return s.defaultFilter
}

func (s *Settings) retryPolicy() *perrors.RetryPolicy {
	if s.RetryPolicy == nil {
		return perrors.RestartPolicy()
	}
	return s.RetryPolicy
}
