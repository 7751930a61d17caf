// Package log defines the partitioned append-only log consumed by stream runners.
package log

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/inteca/nuxeo/pkg/record"
)

var (
	// ErrRebalance is returned by Tailer.Read when partitions were reassigned during the read
	ErrRebalance = errors.New("log: partitions rebalanced")
	// ErrClosed is returned when using a closed tailer or manager
	ErrClosed = errors.New("log: closed")
	// ErrUnknownStream is returned when a stream does not exist
	ErrUnknownStream = errors.New("log: unknown stream")
)

// Partition identifies one partition of a stream
type Partition struct {
	Stream string
	ID     int
}

func (p Partition) String() string {
	return fmt.Sprintf("%s-%02d", p.Stream, p.ID)
}

// Offset is the position of a record in a partition
type Offset struct {
	Partition Partition
	Value     int64
}

func (o Offset) String() string {
	return fmt.Sprintf("%s:+%d", o.Partition, o.Value)
}

// Entry is a record read from a partition with its offset
type Entry struct {
	Record *record.Record
	Offset Offset
}

// Lag describes how far a consumer group is behind a stream.
// Lower is the committed position and Upper the end position, both summed over partitions.
type Lag struct {
	Lower int64
	Upper int64
	Lag   int64
}

// NewLag builds a lag from committed and end positions
func NewLag(lower, upper int64) Lag {
	lag := upper - lower
	if lag < 0 {
		lag = 0
	}
	return Lag{Lower: lower, Upper: upper, Lag: lag}
}

// Add sums two lags
func (l Lag) Add(other Lag) Lag {
	return NewLag(l.Lower+other.Lower, l.Upper+other.Upper)
}

func (l Lag) String() string {
	return fmt.Sprintf("Lag{lag=%d, lower=%d, upper=%d}", l.Lag, l.Lower, l.Upper)
}

// RebalanceListener is notified when a subscribed tailer partitions change.
// Callbacks run on the goroutine calling Tailer.Read.
type RebalanceListener interface {
	OnPartitionsRevoked(partitions []Partition)
	OnPartitionsAssigned(partitions []Partition)
}

// Tailer is a consumer group cursor over a set of partitions.
// A tailer is used by a single goroutine.
type Tailer interface {
	// Read returns the next entry, nil when the timeout expires without record
	Read(ctx context.Context, timeout time.Duration) (*Entry, error)
	// Commit saves the current read positions for the consumer group
	Commit(ctx context.Context) error
	Assignments() []Partition
	Group() string
	Close() error
	Closed() bool
}

// Manager gives access to streams.
// Implementations are safe for concurrent use.
type Manager interface {
	CreateIfNotExists(name string, partitions int) (bool, error)
	Exists(name string) bool
	Size(name string) (int, error)
	// Append routes the record to a partition using its key
	Append(ctx context.Context, stream string, rec *record.Record) (Offset, error)
	AppendTo(ctx context.Context, partition Partition, rec *record.Record) (Offset, error)
	CreateTailer(ctx context.Context, group string, partitions []Partition) (Tailer, error)
	Subscribe(ctx context.Context, group string, streams []string, listener RebalanceListener) (Tailer, error)
	// SupportSubscribe reports whether Subscribe provides dynamic partition assignment
	SupportSubscribe() bool
	Lag(ctx context.Context, stream, group string) (Lag, error)
	Close() error
}

// PartitionFor returns the partition of a key for a stream of the given size
func PartitionFor(key string, size int) int {
	if size <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum64() % uint64(size))
}

// Partitions lists all partitions of a stream
func Partitions(m Manager, stream string) ([]Partition, error) {
	size, err := m.Size(stream)
	if err != nil {
		return nil, err
	}
	out := make([]Partition, size)
	for i := range out {
		out[i] = Partition{Stream: stream, ID: i}
	}
	return out, nil
}
