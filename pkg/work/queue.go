package work

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// DefaultQueueID is the queue of categories without a dedicated queue
const DefaultQueueID = "default"

// QueueDescriptor configures a work queue
type QueueDescriptor struct {
	ID         string   `yaml:"id" json:"id"`
	Categories []string `yaml:"categories" json:"categories"`
	// MaxThreads is the number of runners consuming the queue
	MaxThreads int `yaml:"max_threads" json:"max_threads"`
	// Processing and Queuing default to enabled
	Processing *bool `yaml:"processing,omitempty" json:"processing,omitempty"`
	Queuing    *bool `yaml:"queuing,omitempty" json:"queuing,omitempty"`
	// MaxRetries is the number of retries of a failing work before it goes to the dead letter stream
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
}

// IsProcessingEnabled reports whether works of the queue are executed
func (d QueueDescriptor) IsProcessingEnabled() bool {
	return d.Processing == nil || *d.Processing
}

// IsQueuingEnabled reports whether works can be scheduled on the queue
func (d QueueDescriptor) IsQueuingEnabled() bool {
	return d.Queuing == nil || *d.Queuing
}

// Threads returns MaxThreads, defaulting to def
func (d QueueDescriptor) Threads(def int) int {
	if d.MaxThreads > 0 {
		return d.MaxThreads
	}
	return def
}

// QueueRegistry holds queue descriptors and routes categories to queues
type QueueRegistry struct {
	mu         sync.RWMutex
	queues     map[string]QueueDescriptor
	categories map[string]string
}

// NewQueueRegistry creates a registry with the given queues
func NewQueueRegistry(queues ...QueueDescriptor) (*QueueRegistry, error) {
	r := &QueueRegistry{
		queues:     make(map[string]QueueDescriptor),
		categories: make(map[string]string),
	}
	for _, q := range queues {
		if err := r.Add(q); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Add registers or replaces a queue, a queue always serves the category named like it
func (r *QueueRegistry) Add(q QueueDescriptor) error {
	if q.ID == "" {
		return errors.New("queue without id")
	}
	if q.MaxThreads < 0 || q.MaxRetries < 0 {
		return fmt.Errorf("queue %s: negative max_threads or max_retries", q.ID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	categories := append([]string{q.ID}, q.Categories...)
	for _, category := range categories {
		if other, ok := r.categories[category]; ok && other != q.ID {
			return fmt.Errorf("category %s is already served by queue %s", category, other)
		}
	}
	for category, id := range r.categories {
		if id == q.ID {
			delete(r.categories, category)
		}
	}
	for _, category := range categories {
		r.categories[category] = q.ID
	}
	r.queues[q.ID] = q
	return nil
}

// Get returns a queue descriptor
func (r *QueueRegistry) Get(id string) (QueueDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[id]
	return q, ok
}

// QueueIDs returns the queue ids sorted
func (r *QueueRegistry) QueueIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.queues))
	for id := range r.queues {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Queues returns the descriptors sorted by id
func (r *QueueRegistry) Queues() []QueueDescriptor {
	ids := r.QueueIDs()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]QueueDescriptor, len(ids))
	for i, id := range ids {
		out[i] = r.queues[id]
	}
	return out
}

// QueueFor returns the queue of a category, the default queue when none serves it, "" without default queue
func (r *QueueRegistry) QueueFor(category string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.categories[category]; ok {
		return id
	}
	if _, ok := r.queues[DefaultQueueID]; ok {
		return DefaultQueueID
	}
	return ""
}
