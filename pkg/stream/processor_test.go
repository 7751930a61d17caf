package stream

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	perrors "github.com/inteca/nuxeo/pkg/errors"
	"github.com/inteca/nuxeo/pkg/log/memory"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/watermark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeline(t *testing.T, total int, c *counter) *Topology {
	t.Helper()
	topology, err := NewTopologyBuilder().
		AddComputation(newGenerator("gen", total, 10, 5*time.Millisecond), []string{"o1:s1"}).
		AddComputation(newForward("fwd"), []string{"i1:s1", "o1:s2"}).
		AddComputation(newSink("sink", c, true), []string{"i1:s2"}).
		Build()
	require.NoError(t, err)
	return topology
}

func TestProcessorEndToEnd(t *testing.T) {
	for _, subscribe := range []bool{true, false} {
		t.Run(fmt.Sprintf("subscribe=%t", subscribe), func(t *testing.T) {
			var opts []memory.Option
			if !subscribe {
				opts = append(opts, memory.WithoutSubscribe())
			}
			m := newTestManager(t, opts...)
			c := newCounter()
			settings := testSettings(2, 2)
			settings.SetConcurrency("gen", 1)

			processor, err := m.RegisterAndCreateProcessor("e2e", pipeline(t, 100, c), settings)
			require.NoError(t, err)
			require.NoError(t, processor.Start(context.Background()))

			require.Eventually(t, func() bool { return c.distinct() == 100 }, 5*time.Second, 10*time.Millisecond)
			require.Eventually(t, func() bool { return processor.LowWatermark() > 0 }, 2*time.Second, 10*time.Millisecond)
			assert.True(t, processor.IsDone(0))

			assert.True(t, processor.Stop(5*time.Second))
			assert.True(t, processor.IsTerminated())
			assert.NoError(t, processor.Err())

			// at least once: every record is seen, duplicates only come from rebalances
			for i := 0; i < 100; i++ {
				assert.GreaterOrEqual(t, c.count(fmt.Sprintf("key-%03d", i)), 1)
			}
			lag, err := m.Lag(context.Background(), "s2", "sink")
			require.NoError(t, err)
			assert.Equal(t, int64(0), lag.Lag)
			assert.Equal(t, int64(100), lag.Upper)

			status := processor.Status()
			assert.Len(t, status["gen"], 1)
			assert.Len(t, status["fwd"], 2)
		})
	}
}

func TestProcessorChainWatermarks(t *testing.T) {
	for _, subscribe := range []bool{true, false} {
		t.Run(fmt.Sprintf("subscribe=%t", subscribe), func(t *testing.T) {
			var opts []memory.Option
			if !subscribe {
				opts = append(opts, memory.WithoutSubscribe())
			}
			m := newTestManager(t, opts...)
			c := newCounter()
			topology, err := NewTopologyBuilder().
				AddComputation(newForward("A"), []string{"i1:in", "o1:mid"}).
				AddComputation(newSink("B", c, true), []string{"i1:mid"}).
				Build()
			require.NoError(t, err)

			processor, err := m.RegisterAndCreateProcessor("chain", topology, testSettings(2, 2))
			require.NoError(t, err)
			require.NoError(t, processor.Start(context.Background()))

			base := time.Now().UnixMilli()
			for i := 0; i < 100; i++ {
				wm := watermark.Of(base+int64(i), 0).Value()
				appendRecords(t, m, "in", record.NewWithWatermark(fmt.Sprintf("key-%03d", i), []byte("data"), wm))
			}
			require.Eventually(t, func() bool { return c.distinct() == 100 }, 5*time.Second, 10*time.Millisecond)
			require.True(t, processor.Stop(5*time.Second))

			assert.Equal(t, 100, c.total())
			lowA := processor.LowWatermarkOf("A")
			lowB := processor.LowWatermarkOf("B")
			assert.Greater(t, lowA, int64(0))
			assert.GreaterOrEqual(t, lowB, lowA)
			assert.Equal(t, int64(0), processor.LowWatermarkOf("unknown"))
		})
	}
}

func TestProcessorStartTwice(t *testing.T) {
	m := newTestManager(t)
	processor, err := m.RegisterAndCreateProcessor("twice", pipeline(t, 1, newCounter()), testSettings(1, 1))
	require.NoError(t, err)
	require.NoError(t, processor.Start(context.Background()))
	assert.Error(t, processor.Start(context.Background()))
	assert.True(t, processor.Shutdown(2*time.Second))
}

func TestProcessorUnknownTopology(t *testing.T) {
	m := newTestManager(t)
	_, err := m.CreateProcessor("unknown")
	assert.Error(t, err)
}

type failingInit struct {
	BaseComputation
}

func (f *failingInit) Init(ctx Context) error {
	return errors.New("cannot init")
}

func (f *failingInit) ProcessRecord(ctx Context, input string, rec *record.Record) error {
	return nil
}

func TestPoolRestartExhausted(t *testing.T) {
	m := newTestManager(t)
	settings := testSettings(1, 1)
	settings.RetryPolicy = &perrors.RetryPolicy{
		MaxAttempts:    2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	supplier := func() Computation { return &failingInit{BaseComputation: NewBaseComputation("bad", 0, 1)} }
	pool := NewComputationPool(m, supplier, mappingOf(t, supplier, nil), settings)
	require.NoError(t, pool.Start(context.Background()))

	require.True(t, pool.Wait(2*time.Second))
	assert.Equal(t, int64(2), pool.Restarts())
	assert.ErrorIs(t, pool.Err(), ErrRunnerExhausted)
	assert.Contains(t, pool.Err().Error(), "cannot init")
}

func TestPoolRestartRecovers(t *testing.T) {
	logs := &failingLog{Manager: memory.NewManager()}
	m := NewManager(logs)
	defer m.Close()
	createStream(t, m, "in", 1)
	appendRecords(t, m, "in", record.New("a", nil), record.New("b", nil))
	logs.failures.Store(1)

	c := newCounter()
	settings := testSettings(1, 1)
	settings.RetryPolicy = &perrors.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond}
	supplier := newSink("sink", c, true)
	pool := NewComputationPool(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), settings)
	require.NoError(t, pool.Start(context.Background()))

	require.Eventually(t, func() bool { return c.count("b") == 1 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(1), pool.Restarts())
	assert.Equal(t, 2, c.count("a"))
	assert.True(t, pool.DrainAndStop(3*time.Second))
	assert.NoError(t, pool.Err())
}

func TestPoolSkipsRunnersWithoutPartition(t *testing.T) {
	m := newTestManager(t, memory.WithoutSubscribe())
	createStream(t, m, "in", 2)
	c := newCounter()
	supplier := newSink("sink", c, true)
	pool := NewComputationPool(m, supplier, mappingOf(t, supplier, map[string]string{"i1": "in"}), testSettings(3, 2))
	require.NoError(t, pool.Start(context.Background()))
	assert.True(t, pool.WaitForAssignments(time.Second))
	assert.Len(t, pool.Status(), 2)
	pool.Stop()
	assert.True(t, pool.Wait(2*time.Second))
}
