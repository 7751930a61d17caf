package stream

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/tracing"
	"github.com/inteca/nuxeo/pkg/watermark"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// RunnerState is the lifecycle state of a runner
type RunnerState int32

const (
	AwaitingAssignment RunnerState = iota
	Running
	Draining
	Stopped
	Failed
)

func (s RunnerState) String() string {
	switch s {
	case AwaitingAssignment:
		return "AwaitingAssignment"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("RunnerState(%d)", int32(s))
	}
}

// RunnerStatus is a snapshot of a runner activity
type RunnerStatus struct {
	Computation         string
	State               RunnerState
	InRecords           int64
	InCheckpointRecords int64
	OutRecords          int64
	Loops               int64
	Timers              int64
	LastRead            time.Time
	LastTimer           time.Time
	LowWatermark        int64
	// Activity is the last thing the runner did: record, timer, checkpoint, rebalance...
	Activity    string
	Assignments []log.Partition
}

// Runner drives one computation instance: it fires timers, reads records, and checkpoints.
// All computation callbacks happen on the goroutine calling Run.
type Runner struct {
	manager    *Manager
	supplier   Supplier
	metadata   MetadataMapping
	settings   *Settings
	assignment []log.Partition
	logger     *zap.Logger

	computation  Computation
	context      *computationContext
	runCtx       context.Context
	tailer       log.Tailer
	lowWatermark *watermark.MonotonicInterval

	stop        atomic.Bool
	drain       atomic.Bool
	interrupted atomic.Bool
	state       atomic.Int32
	assigned    chan struct{}
	assignOnce  sync.Once

	mu     sync.Mutex
	cancel context.CancelFunc

	// loop goroutine only
	loops               int64
	inRecords           int64
	inCheckpointRecords int64
	outRecords          int64
	timers              int64
	lastRead            time.Time
	lastTimer           time.Time
	recordActivity      bool
	assignErr           error

	statusMu sync.Mutex
	status   RunnerStatus
}

// NewRunner creates a runner, assignment is used when the log cannot subscribe
func NewRunner(manager *Manager, supplier Supplier, metadata MetadataMapping, settings *Settings, assignment []log.Partition) *Runner {
	r := &Runner{
		manager:      manager,
		supplier:     supplier,
		metadata:     metadata,
		settings:     settings,
		assignment:   assignment,
		logger:       manager.logger.With(zap.String("computation", metadata.Name)),
		lowWatermark: watermark.NewMonotonicInterval(),
		assigned:     make(chan struct{}),
		lastRead:     time.Now(),
	}
	r.status = RunnerStatus{Computation: metadata.Name}
	return r
}

func (r *Runner) subscribed() bool {
	return !r.metadata.IsSource() && r.manager.SupportSubscribe()
}

// Run executes the processing loop until the runner is stopped, drained, interrupted or fails.
// The computation is destroyed and the tailer closed whatever the exit cause.
// Interruption returns the context error, a computation panic is returned as an error.
func (r *Runner) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	if r.interrupted.Load() {
		cancel()
	}
	r.runCtx = ctx

	if err := r.openTailer(ctx); err != nil {
		r.state.Store(int32(Failed))
		return err
	}
	r.mu.Lock()
	r.computation = r.supplier()
	r.mu.Unlock()
	r.context = newComputationContext(ctx, r.metadata)
	r.activeRunners(1)

	defer func() {
		r.activeRunners(-1)
		r.computation.Destroy()
		r.closeTailer()
		if err != nil && !errors.Is(err, context.Canceled) {
			r.state.Store(int32(Failed))
		} else {
			r.state.Store(int32(Stopped))
		}
		r.setActivity("exited")
		r.logger.Debug("Exited", zap.Error(err))
	}()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Panic in computation",
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("computation %s panicked: %v", r.metadata.Name, p)
		}
	}()

	if !r.subscribed() {
		r.logger.Debug("Init")
		if err := r.computation.Init(r.context); err != nil {
			return fmt.Errorf("init computation %s: %w", r.metadata.Name, err)
		}
		r.markAssigned()
	}
	r.logger.Debug("Start")

	err = r.processLoop(ctx)
	switch {
	case err == nil:
	case ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, ctx.Err())):
		r.logger.Debug("Interrupted")
		err = ctx.Err()
	default:
		r.logger.Error("Exception in processLoop", zap.Error(err))
	}
	return err
}

func (r *Runner) openTailer(ctx context.Context) error {
	var err error
	switch {
	case r.metadata.IsSource():
		return nil
	case r.manager.SupportSubscribe():
		r.tailer, err = r.manager.Subscribe(ctx, r.metadata.Name, r.metadata.InputStreams(), r)
	default:
		r.tailer, err = r.manager.CreateTailer(ctx, r.metadata.Name, r.assignment)
	}
	if err != nil {
		return fmt.Errorf("open tailer for %s: %w", r.metadata.Name, err)
	}
	return nil
}

func (r *Runner) closeTailer() {
	if r.tailer != nil && !r.tailer.Closed() {
		if err := r.tailer.Close(); err != nil {
			r.logger.Warn("Failed to close tailer", zap.Error(err))
		}
	}
}

func (r *Runner) markAssigned() {
	r.assignOnce.Do(func() {
		r.state.CompareAndSwap(int32(AwaitingAssignment), int32(Running))
		close(r.assigned)
	})
}

func (r *Runner) processLoop(ctx context.Context) error {
	inactivity := time.NewTimer(r.settings.InactivityBreak)
	defer inactivity.Stop()
	for r.continueLoop(ctx) {
		timerActivity, err := r.processTimer()
		if err != nil {
			return err
		}
		r.recordActivity, err = r.processRecord(ctx)
		if err != nil {
			return err
		}
		r.loops++
		if !timerActivity && !r.recordActivity {
			// no activity take a break
			inactivity.Reset(r.settings.InactivityBreak)
			select {
			case <-ctx.Done():
			case <-inactivity.C:
			}
		}
	}
	return ctx.Err()
}

func (r *Runner) continueLoop(ctx context.Context) bool {
	if r.stop.Load() || ctx.Err() != nil {
		return false
	}
	if !r.drain.Load() {
		return true
	}
	r.state.CompareAndSwap(int32(Running), int32(Draining))
	now := time.Now()
	if r.metadata.IsSource() {
		// a source drains once its timers stopped firing
		if !r.lastTimer.IsZero() && now.Sub(r.lastTimer) > r.settings.StarvingTimeout {
			r.logger.Info("End of source drain",
				zap.Duration("last_timer", now.Sub(r.lastTimer)))
			return false
		}
	} else if !r.recordActivity && now.Sub(r.lastRead) > r.settings.StarvingTimeout {
		r.logger.Info("End of drain no more input",
			zap.Duration("last_read", now.Sub(r.lastRead)),
			zap.Int64("in_records", r.inRecords),
			zap.Int64("loops", r.loops))
		return false
	}
	return true
}

type dueTimer struct {
	key       string
	timestamp int64
}

func (r *Runner) processTimer() (bool, error) {
	timers := r.context.timers
	if len(timers) == 0 {
		return false, nil
	}
	if r.tailer != nil && len(r.tailer.Assignments()) == 0 {
		// a computation without partition does not fire timers
		return false, nil
	}
	now := time.Now()
	nowMs := now.UnixMilli()
	var due []dueTimer
	for key, ts := range timers {
		if ts <= nowMs {
			due = append(due, dueTimer{key: key, timestamp: ts})
		}
	}
	if len(due) == 0 {
		return false, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].timestamp == due[j].timestamp {
			return due[i].key < due[j].key
		}
		return due[i].timestamp < due[j].timestamp
	})
	for _, t := range due {
		delete(r.context.timers, t.key)
		r.timers++
		if err := r.computation.ProcessTimer(r.context, t.key, t.timestamp); err != nil {
			return false, fmt.Errorf("process timer %s: %w", t.key, err)
		}
	}
	if m := r.manager.metrics; m != nil {
		m.TimersFired.WithLabelValues(r.metadata.Name).Add(float64(len(due)))
	}
	r.checkSourceLowWatermark()
	r.lastTimer = now
	r.setActivity("timer")
	if err := r.checkpointIfNecessary(); err != nil {
		return false, err
	}
	if r.context.terminate {
		r.stop.Store(true)
	}
	return true, nil
}

func (r *Runner) processRecord(ctx context.Context) (bool, error) {
	if r.context.terminate {
		r.stop.Store(true)
		return true, nil
	}
	if r.tailer == nil {
		return false, nil
	}
	entry, err := r.tailer.Read(ctx, r.readTimeout())
	if r.assignErr != nil {
		return false, r.assignErr
	}
	if errors.Is(err, log.ErrRebalance) {
		// the revoke has been handled by the log, continue with the new assignment
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("read: %w", err)
	}
	if entry == nil {
		return false, nil
	}

	stream := entry.Offset.Partition.Stream
	rec, err := r.manager.Filter(stream).AfterRead(ctx, entry.Record, entry.Offset)
	if err != nil {
		return false, err
	}
	if rec == nil {
		if m := r.manager.metrics; m != nil {
			m.RecordsFiltered.WithLabelValues(stream, "read").Inc()
		}
		r.logger.Debug("Filtering skip record", zap.Stringer("offset", entry.Offset))
		return false, nil
	}

	r.lastRead = time.Now()
	r.inRecords++
	r.lowWatermark.Mark(rec.Watermark)
	r.context.lastOffset = entry.Offset
	from := r.metadata.ReverseMap(stream)
	start := time.Now()
	if err := r.computation.ProcessRecord(r.context, from, rec); err != nil {
		return false, fmt.Errorf("process record at %s: %w", entry.Offset, err)
	}
	if m := r.manager.metrics; m != nil {
		m.RecordsIn.WithLabelValues(r.metadata.Name).Inc()
		m.ProcessingLatency.WithLabelValues(r.metadata.Name).Observe(time.Since(start).Seconds())
	}
	r.checkRecordFlags(rec)
	r.checkSourceLowWatermark()
	r.setActivity("record")
	if err := r.checkpointIfNecessary(); err != nil {
		return false, err
	}
	return true, nil
}

// readTimeout shrinks to zero right after a read so an empty input does not throttle the others
func (r *Runner) readTimeout() time.Duration {
	since := time.Since(r.lastRead)
	if since < 0 {
		since = 0
	}
	if since < r.settings.ReadTimeout {
		return since
	}
	return r.settings.ReadTimeout
}

func (r *Runner) checkSourceLowWatermark() {
	if wm := r.context.sourceLowWatermark; wm > 0 {
		r.lowWatermark.Mark(wm)
		r.context.sourceLowWatermark = 0
	}
}

func (r *Runner) checkRecordFlags(rec *record.Record) {
	if rec.HasFlag(record.FlagPoisonPill) {
		r.logger.Info("Receive POISON PILL")
		r.context.AskForCheckpoint()
		r.stop.Store(true)
	} else if rec.HasFlag(record.FlagCommit) {
		r.context.AskForCheckpoint()
	}
}

func (r *Runner) checkpointIfNecessary() error {
	if !r.context.checkpoint {
		return nil
	}
	start := time.Now()
	ctx, span := r.manager.tracer.Start(r.runCtx, "stream.checkpoint")
	span.SetAttributes(
		attribute.String("computation", r.metadata.Name),
		attribute.Int("records", r.context.pending()))
	err := r.checkpoint(ctx)
	tracing.End(span, err)
	if m := r.manager.metrics; m != nil {
		m.ObserveCheckpoint(r.metadata.Name, start, err)
	}
	if err != nil {
		r.logger.Error("Checkpoint failure: resume may create duplicates", zap.Error(err))
		return fmt.Errorf("checkpoint %s: %w", r.metadata.Name, err)
	}
	r.inCheckpointRecords = r.inRecords
	return nil
}

// checkpoint flushes output before committing input so a failure replays input rather than losing output
func (r *Runner) checkpoint(ctx context.Context) error {
	if err := r.sendRecords(ctx); err != nil {
		return err
	}
	if hook := r.settings.CheckpointHook; hook != nil {
		timers := make(map[string]int64, len(r.context.timers))
		for k, v := range r.context.timers {
			timers[k] = v
		}
		if err := hook.SaveTimers(ctx, r.metadata.Name, timers); err != nil {
			return fmt.Errorf("save timers: %w", err)
		}
		if err := hook.SaveState(ctx, r.metadata.Name); err != nil {
			return fmt.Errorf("save state: %w", err)
		}
	}
	if r.tailer != nil {
		if err := r.tailer.Commit(ctx); err != nil {
			return fmt.Errorf("commit offsets: %w", err)
		}
	}
	low := r.lowWatermark.Checkpoint()
	if m := r.manager.metrics; m != nil && low > 0 {
		m.LowWatermark.WithLabelValues(r.metadata.Name).Set(float64(watermark.FromValue(low).Timestamp()) / 1000)
	}
	r.context.checkpoint = false
	r.logger.Debug("Checkpoint", zap.Int64("low_watermark", low))
	r.setActivity("checkpoint")
	return nil
}

func (r *Runner) sendRecords(ctx context.Context) error {
	for _, stream := range r.metadata.OutputStreams() {
		records := r.context.records[stream]
		for i, rec := range records {
			if rec.Watermark == 0 {
				// use low watermark when not set
				rec.Watermark = r.lowWatermark.Low()
			}
			if _, _, err := r.manager.Append(ctx, stream, rec); err != nil {
				// keep what was not sent, the runner fails and the input is replayed anyway
				r.context.records[stream] = records[i:]
				return err
			}
			r.outRecords++
			if m := r.manager.metrics; m != nil {
				m.RecordsOut.WithLabelValues(r.metadata.Name).Inc()
			}
		}
		delete(r.context.records, stream)
	}
	return nil
}

// OnPartitionsRevoked is called on the Run goroutine when partitions are taken away
func (r *Runner) OnPartitionsRevoked(partitions []log.Partition) {
	r.logger.Debug("Partitions revoked", zap.Int("partitions", len(partitions)))
	r.setActivity("rebalance revoked")
}

// OnPartitionsAssigned resets the computation context and calls Init, uncommitted output and timers are lost
func (r *Runner) OnPartitionsAssigned(partitions []log.Partition) {
	r.lastRead = time.Now()
	r.setActivity("rebalance assigned")
	r.context = newComputationContext(r.runCtx, r.metadata)
	r.logger.Debug("Init", zap.Int("partitions", len(partitions)))
	if err := r.computation.Init(r.context); err != nil {
		r.assignErr = fmt.Errorf("init computation %s: %w", r.metadata.Name, err)
	}
	r.lastRead = time.Now()
	r.lastTimer = time.Time{}
	if m := r.manager.metrics; m != nil {
		m.Rebalances.WithLabelValues(r.metadata.Name).Inc()
	}
	r.markAssigned()
}

// Stop asks the runner to exit after the current iteration
func (r *Runner) Stop() {
	r.logger.Debug("Receives Stop signal")
	r.stop.Store(true)
	r.mu.Lock()
	computation := r.computation
	r.mu.Unlock()
	if computation != nil {
		computation.SignalStop()
	}
}

// Drain asks the runner to exit once its input is starving
func (r *Runner) Drain() {
	r.logger.Debug("Receives Drain signal")
	r.drain.Store(true)
}

// Interrupt cancels the runner context, a blocked read returns immediately
func (r *Runner) Interrupt() {
	r.interrupted.Store(true)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}
}

// WaitForAssignments waits for the first partition assignment
func (r *Runner) WaitForAssignments(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-r.assigned:
		return true
	case <-timer.C:
		r.logger.Warn("Timeout waiting for assignment", zap.Duration("timeout", timeout))
		return false
	}
}

// LowWatermark returns the last committed low watermark value
func (r *Runner) LowWatermark() int64 {
	return r.lowWatermark.Low()
}

// Status returns a snapshot of the runner activity
func (r *Runner) Status() RunnerStatus {
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	s := r.status
	s.State = RunnerState(r.state.Load())
	s.LowWatermark = r.lowWatermark.Low()
	s.Assignments = append([]log.Partition(nil), r.status.Assignments...)
	return s
}

// setActivity publishes the loop counters, it is called from the Run goroutine only
func (r *Runner) setActivity(activity string) {
	var assignments []log.Partition
	if r.tailer != nil && !r.tailer.Closed() {
		assignments = r.tailer.Assignments()
	}
	r.statusMu.Lock()
	defer r.statusMu.Unlock()
	r.status.InRecords = r.inRecords
	r.status.InCheckpointRecords = r.inCheckpointRecords
	r.status.OutRecords = r.outRecords
	r.status.Loops = r.loops
	r.status.Timers = r.timers
	r.status.LastRead = r.lastRead
	r.status.LastTimer = r.lastTimer
	r.status.Activity = activity
	r.status.Assignments = assignments
}

func (r *Runner) activeRunners(delta float64) {
	if m := r.manager.metrics; m != nil {
		m.RunnersActive.WithLabelValues(r.metadata.Name).Add(delta)
	}
}
