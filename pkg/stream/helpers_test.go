package stream

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/log/memory"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/watermark"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// generator emits total records, batch per timer tick every interval
type generator struct {
	BaseComputation
	total    int
	batch    int
	interval time.Duration
	produced int
}

func newGenerator(name string, total, batch int, interval time.Duration) Supplier {
	return func() Computation {
		return &generator{
			BaseComputation: NewBaseComputation(name, 0, 1),
			total:           total,
			batch:           batch,
			interval:        interval,
		}
	}
}

func (g *generator) Init(ctx Context) error {
	ctx.SetTimer("tick", time.Now().UnixMilli())
	return nil
}

func (g *generator) ProcessRecord(ctx Context, input string, rec *record.Record) error {
	return fmt.Errorf("unexpected record on source %s", g.metadata.Name)
}

func (g *generator) ProcessTimer(ctx Context, key string, timestamp int64) error {
	end := g.produced + g.batch
	if end > g.total {
		end = g.total
	}
	for ; g.produced < end; g.produced++ {
		wm := watermark.Of(timestamp, uint16(g.produced)).Value()
		rec := record.NewWithWatermark(fmt.Sprintf("key-%03d", g.produced), []byte("data"), wm)
		if err := ctx.ProduceRecord("o1", rec); err != nil {
			return err
		}
	}
	ctx.SetSourceLowWatermark(watermark.OfTimestamp(timestamp).Value())
	ctx.AskForCheckpoint()
	if g.produced < g.total {
		ctx.SetTimer("tick", timestamp+g.interval.Milliseconds())
	}
	return nil
}

// forward copies i1 to o1
type forward struct {
	BaseComputation
}

func newForward(name string) Supplier {
	return func() Computation {
		return &forward{BaseComputation: NewBaseComputation(name, 1, 1)}
	}
}

func (f *forward) ProcessRecord(ctx Context, input string, rec *record.Record) error {
	if err := ctx.ProduceRecord("o1", rec); err != nil {
		return err
	}
	ctx.AskForCheckpoint()
	return nil
}

// counter collects what sinks processed
type counter struct {
	mu      sync.Mutex
	counts  map[string]int
	inputs  map[string]int
	destroy atomic.Int32
	inits   atomic.Int32
}

func newCounter() *counter {
	return &counter{counts: make(map[string]int), inputs: make(map[string]int)}
}

func (c *counter) add(input, key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	c.inputs[input]++
}

func (c *counter) distinct() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.counts)
}

func (c *counter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, v := range c.counts {
		n += v
	}
	return n
}

func (c *counter) count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

type sink struct {
	BaseComputation
	counter    *counter
	checkpoint bool
}

func newSink(name string, c *counter, checkpoint bool) Supplier {
	return func() Computation {
		return &sink{BaseComputation: NewBaseComputation(name, 1, 0), counter: c, checkpoint: checkpoint}
	}
}

func (s *sink) Init(ctx Context) error {
	s.counter.inits.Add(1)
	return nil
}

func (s *sink) ProcessRecord(ctx Context, input string, rec *record.Record) error {
	s.counter.add(input, rec.Key)
	if s.checkpoint {
		ctx.AskForCheckpoint()
	}
	return nil
}

func (s *sink) Destroy() {
	s.counter.destroy.Add(1)
}

// failingLog makes the next commits fail
type failingLog struct {
	log.Manager
	failures atomic.Int32
}

func (f *failingLog) CreateTailer(ctx context.Context, group string, partitions []log.Partition) (log.Tailer, error) {
	t, err := f.Manager.CreateTailer(ctx, group, partitions)
	if err != nil {
		return nil, err
	}
	return &failingTailer{Tailer: t, log: f}, nil
}

func (f *failingLog) Subscribe(ctx context.Context, group string, streams []string, listener log.RebalanceListener) (log.Tailer, error) {
	t, err := f.Manager.Subscribe(ctx, group, streams, listener)
	if err != nil {
		return nil, err
	}
	return &failingTailer{Tailer: t, log: f}, nil
}

type failingTailer struct {
	log.Tailer
	log *failingLog
}

func (t *failingTailer) Commit(ctx context.Context) error {
	if t.log.failures.Add(-1) >= 0 {
		return fmt.Errorf("injected commit failure")
	}
	return t.Tailer.Commit(ctx)
}

func testSettings(concurrency, partitions int) *Settings {
	s := NewSettings(concurrency, partitions, nil)
	s.StarvingTimeout = 200 * time.Millisecond
	s.InactivityBreak = 10 * time.Millisecond
	s.AssignmentTimeout = 5 * time.Second
	return s
}

func newTestManager(t *testing.T, opts ...memory.Option) *Manager {
	t.Helper()
	logs := memory.NewManager(opts...)
	m := NewManager(logs, WithLogger(zap.NewNop()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func mappingOf(t *testing.T, supplier Supplier, mappings map[string]string) MetadataMapping {
	t.Helper()
	mm, err := NewMetadataMapping(supplier().Metadata(), mappings)
	require.NoError(t, err)
	return mm
}

func appendRecords(t *testing.T, m *Manager, stream string, recs ...*record.Record) {
	t.Helper()
	for _, rec := range recs {
		_, _, err := m.Append(context.Background(), stream, rec)
		require.NoError(t, err)
	}
}

func runAsync(r *Runner) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- r.Run(context.Background())
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error, timeout time.Duration) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		t.Fatalf("runner did not exit within %s", timeout)
		return nil
	}
}
