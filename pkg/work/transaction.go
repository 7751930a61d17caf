package work

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrRolledBack is returned by Commit on a transaction marked rollback only
var ErrRolledBack = errors.New("work: transaction rolled back")

// Status of a transaction
type Status int

const (
	StatusActive Status = iota
	StatusMarkedRollback
	StatusCommitted
	StatusRolledBack
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusMarkedRollback:
		return "MARKED_ROLLBACK"
	case StatusCommitted:
		return "COMMITTED"
	case StatusRolledBack:
		return "ROLLEDBACK"
	default:
		return "UNKNOWN"
	}
}

// Synchronization is notified around the completion of a transaction
type Synchronization interface {
	BeforeCompletion()
	AfterCompletion(status Status)
}

// Transaction is the caller transaction a work can be scheduled after
type Transaction interface {
	Status() Status
	RegisterSynchronization(s Synchronization) error
}

type txKey struct{}

// WithTransaction attaches a transaction to a context
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// TransactionFrom returns the transaction of a context, nil when none
func TransactionFrom(ctx context.Context) Transaction {
	tx, _ := ctx.Value(txKey{}).(Transaction)
	return tx
}

// LocalTransaction is an in-process transaction running synchronizations on completion
type LocalTransaction struct {
	mu     sync.Mutex
	status Status
	syncs  []Synchronization
}

// Begin starts an active transaction
func Begin() *LocalTransaction {
	return &LocalTransaction{status: StatusActive}
}

func (t *LocalTransaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *LocalTransaction) RegisterSynchronization(s Synchronization) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return fmt.Errorf("cannot register synchronization on a %s transaction", t.status)
	}
	t.syncs = append(t.syncs, s)
	return nil
}

// SetRollbackOnly marks the transaction so that Commit rolls back
func (t *LocalTransaction) SetRollbackOnly() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusActive {
		t.status = StatusMarkedRollback
	}
}

// Commit completes the transaction, a transaction marked rollback only is rolled back
func (t *LocalTransaction) Commit() error {
	t.mu.Lock()
	switch t.status {
	case StatusMarkedRollback:
		t.mu.Unlock()
		t.Rollback()
		return ErrRolledBack
	case StatusActive:
	default:
		status := t.status
		t.mu.Unlock()
		return fmt.Errorf("cannot commit a %s transaction", status)
	}
	syncs := t.syncs
	t.mu.Unlock()

	for _, s := range syncs {
		s.BeforeCompletion()
	}
	t.complete(StatusCommitted, syncs)
	return nil
}

// Rollback completes the transaction without committing
func (t *LocalTransaction) Rollback() {
	t.mu.Lock()
	if t.status == StatusCommitted || t.status == StatusRolledBack {
		t.mu.Unlock()
		return
	}
	syncs := t.syncs
	t.mu.Unlock()
	t.complete(StatusRolledBack, syncs)
}

func (t *LocalTransaction) complete(status Status, syncs []Synchronization) {
	t.mu.Lock()
	t.status = status
	t.syncs = nil
	t.mu.Unlock()
	for _, s := range syncs {
		s.AfterCompletion(status)
	}
}
