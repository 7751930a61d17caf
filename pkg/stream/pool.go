package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inteca/nuxeo/pkg/log"
	"go.uber.org/zap"
)

// ErrRunnerExhausted is returned by a pool whose runner failed more often than its retry policy allows
var ErrRunnerExhausted = errors.New("stream: runner restarts exhausted")

// ComputationPool runs the instances of one computation, each slot is supervised and relaunched on failure
type ComputationPool struct {
	manager  *Manager
	supplier Supplier
	metadata MetadataMapping
	settings *Settings
	logger   *zap.Logger

	concurrency int
	assignments [][]log.Partition

	mu      sync.Mutex
	runners []*Runner
	err     error

	drain    atomic.Bool
	stop     atomic.Bool
	restarts atomic.Int64

	wg   sync.WaitGroup
	done chan struct{}
}

// NewComputationPool creates a pool with the computation concurrency from settings
func NewComputationPool(manager *Manager, supplier Supplier, metadata MetadataMapping, settings *Settings) *ComputationPool {
	return &ComputationPool{
		manager:     manager,
		supplier:    supplier,
		metadata:    metadata,
		settings:    settings,
		logger:      manager.logger.With(zap.String("computation", metadata.Name)),
		concurrency: settings.Concurrency(metadata.Name),
		done:        make(chan struct{}),
	}
}

// staticAssignments spreads input partitions over runner slots when the log cannot subscribe
func (p *ComputationPool) staticAssignments() ([][]log.Partition, error) {
	slots := make([][]log.Partition, p.concurrency)
	if p.metadata.IsSource() || p.manager.SupportSubscribe() {
		return slots, nil
	}
	for _, stream := range p.metadata.InputStreams() {
		partitions, err := log.Partitions(p.manager.Logs(), stream)
		if err != nil {
			return nil, fmt.Errorf("list partitions of %s: %w", stream, err)
		}
		for _, partition := range partitions {
			slot := partition.ID % p.concurrency
			slots[slot] = append(slots[slot], partition)
		}
	}
	return slots, nil
}

// Start launches one supervised runner per slot
func (p *ComputationPool) Start(ctx context.Context) error {
	assignments, err := p.staticAssignments()
	if err != nil {
		return err
	}
	p.assignments = assignments
	p.mu.Lock()
	for slot := 0; slot < p.concurrency; slot++ {
		if !p.metadata.IsSource() && !p.manager.SupportSubscribe() && len(assignments[slot]) == 0 {
			p.logger.Warn("No partition for runner, skipping",
				zap.Int("slot", slot),
				zap.Int("concurrency", p.concurrency))
			continue
		}
		runner := NewRunner(p.manager, p.supplier, p.metadata, p.settings, assignments[slot])
		p.runners = append(p.runners, runner)
		p.wg.Add(1)
		go p.supervise(ctx, len(p.runners)-1, slot, runner)
	}
	p.mu.Unlock()
	go func() {
		p.wg.Wait()
		close(p.done)
	}()
	p.logger.Info("Pool started",
		zap.Int("runners", len(p.runners)),
		zap.Strings("inputs", p.metadata.InputStreams()),
		zap.Strings("outputs", p.metadata.OutputStreams()))
	return nil
}

func (p *ComputationPool) supervise(ctx context.Context, index, slot int, runner *Runner) {
	defer p.wg.Done()
	policy := p.settings.retryPolicy()
	failures := 0
	for {
		err := runner.Run(ctx)
		if err == nil || errors.Is(err, context.Canceled) || ctx.Err() != nil {
			return
		}
		failures++
		if m := p.manager.metrics; m != nil {
			m.RunnerFailures.WithLabelValues(p.metadata.Name).Inc()
		}
		if p.stop.Load() || p.drain.Load() || !policy.ShouldRetry(err, failures) {
			p.logger.Error("Runner terminated on failure",
				zap.Int("slot", slot),
				zap.Int("failures", failures),
				zap.Error(err))
			p.setErr(fmt.Errorf("%w: %s after %d failures: %v", ErrRunnerExhausted, p.metadata.Name, failures, err))
			return
		}
		backoff := policy.NextBackoff(failures - 1)
		p.logger.Warn("Runner failure, restarting",
			zap.Int("slot", slot),
			zap.Int("failures", failures),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		runner = NewRunner(p.manager, p.supplier, p.metadata, p.settings, p.assignments[slot])
		p.mu.Lock()
		p.runners[index] = runner
		p.mu.Unlock()
		if p.drain.Load() {
			runner.Drain()
		}
		if p.stop.Load() {
			runner.Stop()
		}
		p.restarts.Add(1)
		if m := p.manager.metrics; m != nil {
			m.RunnerRestarts.WithLabelValues(p.metadata.Name).Inc()
		}
	}
}

func (p *ComputationPool) setErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err == nil {
		p.err = err
	}
}

func (p *ComputationPool) snapshot() []*Runner {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Runner(nil), p.runners...)
}

// WaitForAssignments waits until every runner got its partitions
func (p *ComputationPool) WaitForAssignments(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, r := range p.snapshot() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !r.WaitForAssignments(remaining) {
			return false
		}
	}
	return true
}

// Drain asks the runners to exit once their input is starving
func (p *ComputationPool) Drain() {
	p.drain.Store(true)
	for _, r := range p.snapshot() {
		r.Drain()
	}
}

// Stop asks the runners to exit after their current iteration
func (p *ComputationPool) Stop() {
	p.stop.Store(true)
	for _, r := range p.snapshot() {
		r.Stop()
	}
}

// Interrupt cancels the runners
func (p *ComputationPool) Interrupt() {
	p.stop.Store(true)
	for _, r := range p.snapshot() {
		r.Interrupt()
	}
}

// Wait blocks until all runners exited or the timeout expires
func (p *ComputationPool) Wait(timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-p.done:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

// Done is closed when all runners exited
func (p *ComputationPool) Done() <-chan struct{} {
	return p.done
}

// DrainAndStop drains within timeout, then stops, then interrupts. It returns false when runners had to be interrupted.
func (p *ComputationPool) DrainAndStop(timeout time.Duration) bool {
	p.Drain()
	if p.Wait(timeout) {
		p.logger.Info("Pool drained")
		return true
	}
	p.logger.Warn("Pool drain timeout, stopping", zap.Duration("timeout", timeout))
	p.Stop()
	if p.Wait(p.settings.StarvingTimeout + p.settings.ReadTimeout) {
		return false
	}
	p.logger.Error("Pool stop timeout, interrupting")
	p.Interrupt()
	p.Wait(p.settings.StarvingTimeout)
	return false
}

// LowWatermark returns the minimum non zero low watermark of the runners
func (p *ComputationPool) LowWatermark() int64 {
	var low int64
	for _, r := range p.snapshot() {
		wm := r.LowWatermark()
		if wm > 0 && (low == 0 || wm < low) {
			low = wm
		}
	}
	return low
}

// Status returns a snapshot of each runner
func (p *ComputationPool) Status() []RunnerStatus {
	runners := p.snapshot()
	out := make([]RunnerStatus, len(runners))
	for i, r := range runners {
		out[i] = r.Status()
	}
	return out
}

// Err returns the failure that terminated a runner for good
func (p *ComputationPool) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Restarts returns how many runners were relaunched
func (p *ComputationPool) Restarts() int64 {
	return p.restarts.Load()
}

// Name returns the computation name
func (p *ComputationPool) Name() string {
	return p.metadata.Name
}
