package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/inteca/nuxeo/pkg/log/memory"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createStream(t *testing.T, m *Manager, name string, partitions int) {
	t.Helper()
	_, err := m.Logs().CreateIfNotExists(name, partitions)
	require.NoError(t, err)
}

func TestRunnerSourceDrain(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "out", 1)
	settings := testSettings(1, 1)
	settings.StarvingTimeout = 500 * time.Millisecond
	supplier := newGenerator("gen", 3, 1, 100*time.Millisecond)
	r := NewRunner(m, supplier, mappingOf(t, supplier, map[string]string{"o1": "out"}), settings, nil)

	start := time.Now()
	done := runAsync(r)
	require.True(t, r.WaitForAssignments(time.Second))
	require.Eventually(t, func() bool { return r.Status().Timers == 3 }, 2*time.Second, 10*time.Millisecond)
	r.Drain()
	require.NoError(t, waitRun(t, done, 3*time.Second))

	// three ticks 100ms apart then a starving period, the drain is not immediate
	assert.Less(t, time.Since(start), 2*time.Second)
	status := r.Status()
	require.False(t, status.LastTimer.IsZero())
	assert.GreaterOrEqual(t, time.Since(status.LastTimer), settings.StarvingTimeout)
	assert.Equal(t, Stopped, status.State)
	assert.Equal(t, int64(3), status.OutRecords)
	assert.Greater(t, status.LowWatermark, int64(0))

	lag, err := m.Lag(context.Background(), "out", "any")
	require.NoError(t, err)
	assert.Equal(t, int64(3), lag.Upper)
}

func TestRunnerPoisonPill(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "in", 1)
	appendRecords(t, m, "in",
		record.New("a", nil),
		record.NewWithFlags("pill", nil, 0, record.FlagsOf(record.FlagPoisonPill)),
		record.New("b", nil))

	c := newCounter()
	supplier := newSink("sink", c, false)
	r := NewRunner(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), testSettings(1, 1), nil)
	require.NoError(t, waitRun(t, runAsync(r), 3*time.Second))

	assert.Equal(t, 1, c.count("a"))
	assert.Equal(t, 1, c.count("pill"))
	assert.Equal(t, 0, c.count("b"))
	assert.Equal(t, 2, c.inputs["i1"])
	assert.Equal(t, int32(1), c.destroy.Load())

	lag, err := m.Lag(context.Background(), "in", "sink")
	require.NoError(t, err)
	assert.Equal(t, int64(2), lag.Lower)
	assert.Equal(t, int64(1), lag.Lag)
}

func TestRunnerCommitFlag(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "in", 1)
	appendRecords(t, m, "in",
		record.New("a", nil),
		record.NewWithFlags("b", nil, 0, record.FlagsOf(record.FlagCommit)),
		record.New("c", nil))

	c := newCounter()
	supplier := newSink("sink", c, false)
	r := NewRunner(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), testSettings(1, 1), nil)
	done := runAsync(r)

	require.Eventually(t, func() bool { return c.distinct() == 3 }, 2*time.Second, 10*time.Millisecond)
	lag, err := m.Lag(context.Background(), "in", "sink")
	require.NoError(t, err)
	// c is processed but not committed
	assert.Equal(t, int64(2), lag.Lower)

	r.Stop()
	require.NoError(t, waitRun(t, done, 3*time.Second))
}

func TestRunnerInterrupt(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "in", 1)
	c := newCounter()
	supplier := newSink("sink", c, true)
	r := NewRunner(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), testSettings(1, 1), nil)
	done := runAsync(r)
	require.True(t, r.WaitForAssignments(time.Second))

	r.Interrupt()
	err := waitRun(t, done, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), c.destroy.Load())
	assert.Equal(t, Stopped, r.Status().State)
}

type panicking struct {
	BaseComputation
	destroyed *bool
}

func (p *panicking) ProcessRecord(ctx Context, input string, rec *record.Record) error {
	panic("bad record " + rec.Key)
}

func (p *panicking) Destroy() {
	*p.destroyed = true
}

func TestRunnerPanic(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "in", 1)
	appendRecords(t, m, "in", record.New("a", nil))

	destroyed := false
	supplier := func() Computation {
		return &panicking{BaseComputation: NewBaseComputation("panic", 1, 0), destroyed: &destroyed}
	}
	r := NewRunner(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), testSettings(1, 1), nil)
	err := waitRun(t, runAsync(r), 3*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad record a")
	assert.True(t, destroyed)
	assert.Equal(t, Failed, r.Status().State)
}

func TestRunnerRebalance(t *testing.T) {
	m := newTestManager(t)
	createStream(t, m, "in", 4)
	c := newCounter()
	supplier := newSink("sink", c, true)
	mapping := mappingOf(t, supplier, map[string]string{"i1": "in"})
	settings := testSettings(2, 4)

	r1 := NewRunner(m, supplier, mapping, settings, nil)
	done1 := runAsync(r1)
	require.True(t, r1.WaitForAssignments(time.Second))
	r2 := NewRunner(m, supplier, mapping, settings, nil)
	done2 := runAsync(r2)
	require.True(t, r2.WaitForAssignments(time.Second))

	require.Eventually(t, func() bool {
		return len(r1.Status().Assignments) == 2 && len(r2.Status().Assignments) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		appendRecords(t, m, "in", record.New(fmt.Sprintf("k%d", i), nil))
	}
	require.Eventually(t, func() bool { return c.distinct() == 20 }, 2*time.Second, 10*time.Millisecond)

	r2.Stop()
	require.NoError(t, waitRun(t, done2, 3*time.Second))
	require.Eventually(t, func() bool { return len(r1.Status().Assignments) == 4 }, 2*time.Second, 10*time.Millisecond)
	// one init per assignment
	assert.GreaterOrEqual(t, c.inits.Load(), int32(3))

	r1.Stop()
	require.NoError(t, waitRun(t, done1, 3*time.Second))
	lag, err := m.Lag(context.Background(), "in", "sink")
	require.NoError(t, err)
	assert.Equal(t, int64(0), lag.Lag)
}

func TestRunnerCheckpointFailureReplays(t *testing.T) {
	logs := &failingLog{Manager: memory.NewManager()}
	m := NewManager(logs)
	defer m.Close()
	createStream(t, m, "in", 1)
	appendRecords(t, m, "in", record.New("a", nil), record.New("b", nil))

	logs.failures.Store(1)
	c := newCounter()
	supplier := newSink("sink", c, true)
	mapping := mappingOf(t, supplier, map[string]string{"i1": "in"})
	r := NewRunner(m, supplier, mapping, testSettings(1, 1), nil)
	err := waitRun(t, runAsync(r), 3*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected commit failure")
	assert.Equal(t, 1, c.count("a"))

	// a new runner resumes from the last commit: a is processed twice, nothing is lost
	r = NewRunner(m, supplier, mapping, testSettings(1, 1), nil)
	done := runAsync(r)
	require.Eventually(t, func() bool { return c.count("b") == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, c.count("a"))
	r.Stop()
	require.NoError(t, waitRun(t, done, 3*time.Second))
}

func TestRunnerCheckpointFailureKeepsOutput(t *testing.T) {
	logs := &failingLog{Manager: memory.NewManager()}
	m := NewManager(logs)
	defer m.Close()
	createStream(t, m, "in", 1)
	createStream(t, m, "out", 1)
	appendRecords(t, m, "in", record.New("a", nil))

	logs.failures.Store(1)
	supplier := newForward("fwd")
	mapping := mappingOf(t, supplier, map[string]string{"i1": "in", "o1": "out"})
	r := NewRunner(m, supplier, mapping, testSettings(1, 1), nil)
	err := waitRun(t, runAsync(r), 3*time.Second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected commit failure")

	// outputs are flushed before the offsets are committed
	lag, err := m.Lag(context.Background(), "out", "any")
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag.Upper)

	// the replay emits a duplicate, nothing is lost
	r = NewRunner(m, supplier, mapping, testSettings(1, 1), nil)
	done := runAsync(r)
	require.Eventually(t, func() bool {
		in, err := m.Lag(context.Background(), "in", "fwd")
		return err == nil && in.Lag == 0
	}, 2*time.Second, 10*time.Millisecond)
	r.Stop()
	require.NoError(t, waitRun(t, done, 3*time.Second))

	lag, err = m.Lag(context.Background(), "out", "any")
	require.NoError(t, err)
	assert.Equal(t, int64(2), lag.Upper)
}

func TestRunnerStaticAssignment(t *testing.T) {
	m := newTestManager(t, memory.WithoutSubscribe())
	createStream(t, m, "in", 2)
	appendRecords(t, m, "in", record.New("a", nil), record.New("b", nil), record.New("c", nil))

	c := newCounter()
	supplier := newSink("sink", c, true)
	mapping := mappingOf(t, supplier, map[string]string{"i1": "in"})
	pool := NewComputationPool(m, supplier, mapping, testSettings(1, 2))
	assignments, err := pool.staticAssignments()
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	assert.Len(t, assignments[0], 2)

	r := NewRunner(m, supplier, mapping, testSettings(1, 2), assignments[0])
	done := runAsync(r)
	assert.True(t, r.WaitForAssignments(time.Second))
	require.Eventually(t, func() bool { return c.distinct() == 3 }, 2*time.Second, 10*time.Millisecond)
	r.Drain()
	require.NoError(t, waitRun(t, done, 3*time.Second))
}
