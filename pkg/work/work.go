// Package work schedules units of work on streams: one queue is one stream consumed by one computation.
package work

import (
	"context"
	"encoding"
	"fmt"

	"github.com/google/uuid"
)

// State is the optional stored state of a work
type State string

// States, the empty state means unknown
const (
	StateScheduled State = "SCHEDULED"
	StateRunning   State = "RUNNING"
	StateCanceled  State = "CANCELED"
)

// Scheduling tells Schedule what to do with a work
type Scheduling int

const (
	// Enqueue appends the work
	Enqueue Scheduling = iota
	// CancelScheduled marks a scheduled work as canceled, it needs stored state
	CancelScheduled
	// IfNotScheduled and IfNotRunningOrScheduled behave like Enqueue: works sharing an id run once when idempotent
	IfNotScheduled
	IfNotRunningOrScheduled
)

func (s Scheduling) String() string {
	switch s {
	case Enqueue:
		return "ENQUEUE"
	case CancelScheduled:
		return "CANCEL_SCHEDULED"
	case IfNotScheduled:
		return "IF_NOT_SCHEDULED"
	case IfNotRunningOrScheduled:
		return "IF_NOT_RUNNING_OR_SCHEDULED"
	default:
		return fmt.Sprintf("Scheduling(%d)", int(s))
	}
}

// Work is a unit of work executed by a queue computation.
// The payload is carried by MarshalBinary, identity and flags travel in the envelope.
type Work interface {
	ID() string
	// Type is the name the work factory is registered under
	Type() string
	Category() string
	PartitionKey() string
	// IsIdempotent allows skipping a work whose id already completed
	IsIdempotent() bool
	// IsCoalescing allows skipping a work superseded by a later scheduling of the same id
	IsCoalescing() bool
	Title() string
	Run(ctx context.Context) error
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// BaseWork holds the identity of a work, embed it and implement Type, Run and the payload marshaling
type BaseWork struct {
	id           string
	category     string
	partitionKey string
	idempotent   bool
	coalescing   bool
}

// NewBaseWork creates an idempotent non coalescing work, an empty id gets a random one
func NewBaseWork(id, category string) BaseWork {
	if id == "" {
		id = uuid.NewString()
	}
	return BaseWork{id: id, category: category, idempotent: true}
}

func (w *BaseWork) ID() string { return w.id }

func (w *BaseWork) Category() string { return w.category }

// PartitionKey defaults to the id so all schedulings of a work land on the same partition
func (w *BaseWork) PartitionKey() string {
	if w.partitionKey == "" {
		return w.id
	}
	return w.partitionKey
}

func (w *BaseWork) IsIdempotent() bool { return w.idempotent }

func (w *BaseWork) IsCoalescing() bool { return w.coalescing }

func (w *BaseWork) Title() string { return w.id }

func (w *BaseWork) SetPartitionKey(key string) { w.partitionKey = key }

func (w *BaseWork) SetIdempotent(idempotent bool) { w.idempotent = idempotent }

func (w *BaseWork) SetCoalescing(coalescing bool) { w.coalescing = coalescing }

func (w *BaseWork) base() *BaseWork { return w }

// baseHolder is implemented by works embedding BaseWork, the codec restores their identity
type baseHolder interface {
	base() *BaseWork
}
