package work

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/inteca/nuxeo/pkg/log/memory"
	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const sleepType = "sleep"

var errBoom = errors.New("boom")

// runs counts the executions of sleep works by label
type runs struct {
	mu      sync.Mutex
	started map[string]int
	done    map[string]int
	order   []string
}

func newRuns() *runs {
	return &runs{started: make(map[string]int), done: make(map[string]int)}
}

func (r *runs) start(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started[label]++
	return r.started[label]
}

func (r *runs) finish(label string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done[label]++
	r.order = append(r.order, label)
}

func (r *runs) count(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done[label]
}

func (r *runs) attempts(label string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[label]
}

func (r *runs) completed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// sleepWork sleeps then succeeds, failing its first FailTimes attempts
type sleepWork struct {
	BaseWork
	Label     string        `json:"label"`
	Duration  time.Duration `json:"duration"`
	FailTimes int           `json:"fail_times"`

	runs *runs
}

func newSleepWork(id, category, label string, d time.Duration) *sleepWork {
	return &sleepWork{BaseWork: NewBaseWork(id, category), Label: label, Duration: d}
}

func (w *sleepWork) Type() string { return sleepType }

func (w *sleepWork) Run(ctx context.Context) error {
	attempt := w.runs.start(w.Label)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(w.Duration):
	}
	if attempt <= w.FailTimes {
		return errBoom
	}
	w.runs.finish(w.Label)
	return nil
}

func (w *sleepWork) MarshalBinary() ([]byte, error) {
	return json.Marshal(w)
}

func (w *sleepWork) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, w)
}

func newTypes(r *runs) *TypeRegistry {
	types := NewTypeRegistry()
	types.Register(sleepType, func() Work { return &sleepWork{runs: r} })
	return types
}

type fixture struct {
	manager *Manager
	streams *stream.Manager
	store   *kv.MemoryStore
	runs    *runs
}

func testConfig() Config {
	config := DefaultConfig()
	config.RetryBackoff = 10 * time.Millisecond
	config.PollInterval = 20 * time.Millisecond
	return config
}

func fastSettings(s *stream.Settings) {
	s.StarvingTimeout = 200 * time.Millisecond
	s.InactivityBreak = 10 * time.Millisecond
	s.AssignmentTimeout = 5 * time.Second
}

// newFixture starts a work manager on a memory log with the given queues
func newFixture(t *testing.T, config Config, opts []Option, queues ...QueueDescriptor) *fixture {
	t.Helper()
	registry, err := NewQueueRegistry(queues...)
	require.NoError(t, err)
	logs := memory.NewManager(memory.WithLogger(zap.NewNop()))
	streams := stream.NewManager(logs, stream.WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = streams.Close() })
	store := kv.NewMemoryStore(time.Minute, nil)
	t.Cleanup(func() { _ = store.Close() })

	r := newRuns()
	opts = append([]Option{WithStateStore(store), WithSettings(fastSettings)}, opts...)
	m, err := NewManager(streams, registry, newTypes(r), config, opts...)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Shutdown(5 * time.Second) })
	return &fixture{manager: m, streams: streams, store: store, runs: r}
}

func (f *fixture) schedule(t *testing.T, w *sleepWork) {
	t.Helper()
	require.NoError(t, f.manager.Schedule(context.Background(), w, Enqueue, false))
}

func (f *fixture) await(t *testing.T, queue string) {
	t.Helper()
	done, err := f.manager.AwaitCompletion(context.Background(), queue, 10*time.Second)
	require.NoError(t, err)
	require.True(t, done, "queue %s did not complete", queue)
}

func (f *fixture) appended(t *testing.T, queue string) int64 {
	t.Helper()
	lag, err := f.streams.Lag(context.Background(), queue, queue)
	require.NoError(t, err)
	return lag.Upper
}

func boolPtr(b bool) *bool {
	return &b
}
