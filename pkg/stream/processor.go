package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/inteca/nuxeo/pkg/watermark"
	"go.uber.org/zap"
)

// Processor runs a topology: one pool per computation
type Processor struct {
	name     string
	manager  *Manager
	topology *Topology
	settings *Settings
	logger   *zap.Logger

	mu      sync.Mutex
	pools   map[string]*ComputationPool
	cancel  context.CancelFunc
	started bool
}

func newProcessor(name string, manager *Manager, topology *Topology, settings *Settings) *Processor {
	p := &Processor{
		name:     name,
		manager:  manager,
		topology: topology,
		settings: settings,
		logger:   manager.logger.With(zap.String("processor", name)),
		pools:    make(map[string]*ComputationPool),
	}
	for _, computation := range topology.TopologicalOrder() {
		metadata, _ := topology.MetadataOf(computation)
		p.pools[computation] = NewComputationPool(manager, topology.Supplier(computation), metadata, settings)
	}
	return p
}

// Name returns the topology name
func (p *Processor) Name() string {
	return p.name
}

// Start launches the pools and waits for their partition assignment
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("processor %s already started", p.name)
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	for _, computation := range p.topology.TopologicalOrder() {
		if err := p.pools[computation].Start(ctx); err != nil {
			p.cancel()
			return fmt.Errorf("start pool %s: %w", computation, err)
		}
	}
	p.logger.Info("Processor started", zap.Strings("computations", p.topology.TopologicalOrder()))
	if !p.WaitForAssignments(p.settings.AssignmentTimeout) {
		return fmt.Errorf("processor %s: timeout waiting for assignments after %s", p.name, p.settings.AssignmentTimeout)
	}
	return nil
}

// WaitForAssignments waits until every runner got its partitions
func (p *Processor) WaitForAssignments(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for _, computation := range p.topology.TopologicalOrder() {
		if !p.pools[computation].WaitForAssignments(time.Until(deadline)) {
			return false
		}
	}
	return true
}

// Stop drains the pools from sources to sinks so upstream output is consumed before downstream exits.
// It returns false when the timeout expired and runners had to be stopped.
func (p *Processor) Stop(timeout time.Duration) bool {
	p.logger.Info("Stopping processor", zap.Duration("timeout", timeout))
	deadline := time.Now().Add(timeout)
	ok := true
	for _, computation := range p.topology.TopologicalOrder() {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		if !p.pools[computation].DrainAndStop(remaining) {
			ok = false
		}
	}
	p.release()
	if ok {
		p.logger.Info("Processor stopped")
	} else {
		p.logger.Warn("Processor stopped after timeout, some records may be processed again on restart")
	}
	return ok
}

// Drain asks all pools to exit once their input is starving, without waiting
func (p *Processor) Drain() {
	for _, pool := range p.pools {
		pool.Drain()
	}
}

// Shutdown stops all pools immediately and interrupts those still running after the timeout
func (p *Processor) Shutdown(timeout time.Duration) bool {
	p.logger.Info("Shutdown processor")
	for _, pool := range p.pools {
		pool.Stop()
	}
	deadline := time.Now().Add(timeout)
	ok := true
	for _, pool := range p.pools {
		if !pool.Wait(time.Until(deadline)) {
			ok = false
			pool.Interrupt()
		}
	}
	p.release()
	return ok
}

func (p *Processor) release() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
}

// AwaitTermination blocks until all runners exited
func (p *Processor) AwaitTermination(ctx context.Context) error {
	for _, pool := range p.pools {
		select {
		case <-pool.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return p.Err()
}

// IsTerminated reports whether all runners exited
func (p *Processor) IsTerminated() bool {
	for _, pool := range p.pools {
		if !pool.Wait(0) {
			return false
		}
	}
	return true
}

// LowWatermark returns the minimum low watermark of the sink computations, 0 when none is known
func (p *Processor) LowWatermark() int64 {
	var low int64
	for _, sink := range p.topology.Sinks() {
		wm := p.pools[sink].LowWatermark()
		if wm > 0 && (low == 0 || wm < low) {
			low = wm
		}
	}
	return low
}

// LowWatermarkOf returns the low watermark of a computation, 0 for an unknown one
func (p *Processor) LowWatermarkOf(computation string) int64 {
	pool, ok := p.pools[computation]
	if !ok {
		return 0
	}
	return pool.LowWatermark()
}

// IsDone reports whether everything up to timestamp has been processed by the sinks
func (p *Processor) IsDone(timestamp int64) bool {
	return watermark.FromValue(p.LowWatermark()).IsDone(timestamp)
}

// Status returns the runner statuses per computation
func (p *Processor) Status() map[string][]RunnerStatus {
	out := make(map[string][]RunnerStatus, len(p.pools))
	for name, pool := range p.pools {
		out[name] = pool.Status()
	}
	return out
}

// Err joins the failures of runners that could not be restarted
func (p *Processor) Err() error {
	var errs []error
	for _, computation := range p.topology.TopologicalOrder() {
		if err := p.pools[computation].Err(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Topology returns the topology run by the processor
func (p *Processor) Topology() *Topology {
	return p.topology
}
