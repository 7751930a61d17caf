package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
)

// tailer state is guarded by the manager mutex
type tailer struct {
	m           *Manager
	group       string
	member      *member
	assignments []log.Partition
	positions   map[log.Partition]int64
	next        int
	closed      bool
}

func newTailer(m *Manager, group string, mem *member) *tailer {
	return &tailer{
		m:         m,
		group:     group,
		member:    mem,
		positions: make(map[log.Partition]int64),
	}
}

// assign resets positions to the committed ones, must be called with mu held
func (t *tailer) assign(partitions []log.Partition) {
	t.assignments = append([]log.Partition(nil), partitions...)
	t.positions = make(map[log.Partition]int64, len(partitions))
	for _, p := range partitions {
		t.positions[p] = t.m.committed[groupPartition{group: t.group, partition: p}]
	}
	t.next = 0
}

type rebalanceEvent struct {
	listener log.RebalanceListener
	revoked  []log.Partition
	assigned []log.Partition
}

// Read returns the next record of the assigned partitions
func (t *tailer) Read(ctx context.Context, timeout time.Duration) (*log.Entry, error) {
	deadline := time.Now().Add(timeout)
	for {
		entry, wait, event, err := t.poll()
		if event != nil {
			if event.listener != nil {
				if len(event.revoked) > 0 {
					event.listener.OnPartitionsRevoked(event.revoked)
				}
				event.listener.OnPartitionsAssigned(event.assigned)
			}
			return nil, log.ErrRebalance
		}
		if err != nil || entry != nil {
			return entry, err
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-wait:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

func (t *tailer) poll() (*log.Entry, <-chan struct{}, *rebalanceEvent, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.closed || t.m.closed {
		return nil, nil, nil, log.ErrClosed
	}
	if mem := t.member; mem != nil && mem.generation != mem.group.generation {
		mem.generation = mem.group.generation
		event := &rebalanceEvent{
			listener: mem.listener,
			revoked:  t.assignments,
			assigned: append([]log.Partition(nil), mem.target...),
		}
		t.assign(mem.target)
		return nil, nil, event, nil
	}
	n := len(t.assignments)
	for i := 0; i < n; i++ {
		idx := (t.next + i) % n
		p := t.assignments[idx]
		data := t.m.streams[p.Stream][p.ID]
		pos := t.positions[p]
		if pos >= int64(len(data)) {
			continue
		}
		rec, err := record.Decode(data[pos])
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read %s at %d: %w", p, pos, err)
		}
		t.positions[p] = pos + 1
		t.next = (idx + 1) % n
		return &log.Entry{Record: rec, Offset: log.Offset{Partition: p, Value: pos}}, nil, nil, nil
	}
	return nil, t.m.notify, nil, nil
}

// Commit saves the read positions of the assigned partitions
func (t *tailer) Commit(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.closed || t.m.closed {
		return log.ErrClosed
	}
	for _, p := range t.assignments {
		t.m.committed[groupPartition{group: t.group, partition: p}] = t.positions[p]
	}
	return nil
}

// Assignments returns the partitions currently assigned
func (t *tailer) Assignments() []log.Partition {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return append([]log.Partition(nil), t.assignments...)
}

// Group returns the consumer group name
func (t *tailer) Group() string {
	return t.group
}

// Close releases the tailer, a subscribed tailer leaves its group
func (t *tailer) Close() error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.assignments = nil
	if mem := t.member; mem != nil && mem.group.leave(mem) {
		t.m.rebalance(mem.group)
	}
	return nil
}

// Closed reports whether Close was called
func (t *tailer) Closed() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return t.closed
}
