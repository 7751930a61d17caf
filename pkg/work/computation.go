package work

import (
	"context"
	"errors"
	"fmt"
	"time"

	perrors "github.com/inteca/nuxeo/pkg/errors"
	"github.com/inteca/nuxeo/pkg/record"
	"github.com/inteca/nuxeo/pkg/stream"
	"github.com/inteca/nuxeo/pkg/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// completedIDs is the number of completed work ids remembered per runner for idempotent skips
const completedIDs = 50

// Skip reasons
const (
	skipIdempotent = "idempotent"
	skipCoalescing = "coalescing"
	skipCanceled   = "canceled"
	skipInvalid    = "invalid"
)

// computation executes the works of one queue
type computation struct {
	stream.BaseComputation
	manager   *Manager
	queue     QueueDescriptor
	completed *completedSet
	logger    *zap.Logger
}

func newComputation(m *Manager, queue QueueDescriptor) stream.Supplier {
	return func() stream.Computation {
		return &computation{
			BaseComputation: stream.NewBaseComputation(queue.ID, 1, 0),
			manager:         m,
			queue:           queue,
			completed:       newCompletedSet(completedIDs),
			logger:          m.logger.With(zap.String("queue", queue.ID)),
		}
	}
}

func (c *computation) ProcessRecord(ctx stream.Context, input string, rec *record.Record) error {
	defer ctx.AskForCheckpoint()
	w, _, err := c.manager.types.Decode(rec.Data)
	if err != nil {
		// an undecodable work is skipped, it would fail the same way on every replay
		c.logger.Error("Cannot decode work, skipping",
			zap.String("key", rec.Key),
			zap.Stringer("offset", ctx.LastOffset()),
			zap.Error(err))
		c.skipped(skipInvalid)
		return nil
	}
	if reason := c.skipReason(ctx, w); reason != "" {
		c.logger.Debug("Skipping work",
			zap.String("work_id", w.ID()),
			zap.String("reason", reason))
		c.skipped(reason)
		return nil
	}

	state := c.manager.state
	if c.manager.config.StoreState {
		state.setState(ctx, w.ID(), StateRunning)
	}
	err = c.run(ctx, w)
	if c.manager.config.StoreState {
		state.setState(ctx, w.ID(), "")
	}
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		return c.deadLetter(ctx, w, rec, err)
	}
	c.completed.add(w.ID())
	return nil
}

func (c *computation) skipReason(ctx stream.Context, w Work) string {
	if w.IsIdempotent() && c.completed.contains(w.ID()) {
		return skipIdempotent
	}
	state := c.manager.state
	if w.IsCoalescing() && state != nil {
		offset, ok, err := state.lastOffset(ctx, w.ID())
		if err != nil {
			c.logger.Warn("Cannot read work offset", zap.String("work_id", w.ID()), zap.Error(err))
		} else if ok && offset > ctx.LastOffset().Value {
			return skipCoalescing
		}
	}
	if c.manager.config.StoreState {
		s, err := state.state(ctx, w.ID())
		if err != nil {
			c.logger.Warn("Cannot read work state", zap.String("work_id", w.ID()), zap.Error(err))
		} else if s != StateScheduled {
			return skipCanceled
		}
	}
	return ""
}

// run executes a work with the queue retries
func (c *computation) run(ctx context.Context, w Work) error {
	policy := &perrors.RetryPolicy{
		MaxAttempts:       c.queue.MaxRetries,
		InitialBackoff:    c.manager.config.RetryBackoff,
		MaxBackoff:        30 * c.manager.config.RetryBackoff,
		BackoffMultiplier: 2,
		Jitter:            0.1,
		RetriableFunc:     perrors.IsRetriable,
	}
	metrics := c.manager.metrics
	result := policy.ExecuteWithCallback(ctx, func(ctx context.Context) error {
		return c.manager.execute(ctx, c.queue.ID, w)
	}, func(attempt int, err error, backoff time.Duration) {
		category := perrors.ClassifyError(err).String()
		if metrics != nil {
			metrics.ErrorMetrics.ErrorsByCategory.WithLabelValues("work", category).Inc()
		}
		if backoff == 0 {
			return
		}
		c.logger.Warn("Work failed, retrying",
			zap.String("work_id", w.ID()),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		if metrics != nil {
			metrics.ErrorMetrics.RetryAttempts.WithLabelValues("work", category).Inc()
			metrics.ErrorMetrics.RetryBackoffTime.WithLabelValues("work").Observe(backoff.Seconds())
		}
	})
	if result.Success {
		return nil
	}
	if metrics != nil && result.Attempts > 1 {
		metrics.ErrorMetrics.RetryFailures.WithLabelValues("work", perrors.ClassifyError(result.LastError).String()).Inc()
	}
	return result.LastError
}

func (c *computation) deadLetter(ctx context.Context, w Work, rec *record.Record, cause error) error {
	if m := c.manager.metrics; m != nil {
		m.WorksFailed.WithLabelValues(c.queue.ID).Inc()
	}
	dlq := c.manager.config.DeadLetterStream
	if dlq == "" {
		c.logger.Error("Work in failure", zap.String("work_id", w.ID()), zap.Error(cause))
		return nil
	}
	c.logger.Error("Work in failure, sent to the dead letter stream",
		zap.String("work_id", w.ID()),
		zap.String("stream", dlq),
		zap.Error(cause))
	if _, _, err := c.manager.streams.Append(ctx, dlq, record.New(w.ID(), rec.Data)); err != nil {
		return fmt.Errorf("append work %s to %s: %w", w.ID(), dlq, err)
	}
	if m := c.manager.metrics; m != nil {
		m.ErrorMetrics.DeadLetterWritten.WithLabelValues(c.queue.ID).Inc()
	}
	return nil
}

func (c *computation) skipped(reason string) {
	if m := c.manager.metrics; m != nil {
		m.WorksSkipped.WithLabelValues(c.queue.ID, reason).Inc()
	}
}

// execute runs a work once in a span
func (m *Manager) execute(ctx context.Context, queue string, w Work) error {
	ctx, span := m.tracer.Start(ctx, "work.run")
	span.SetAttributes(
		attribute.String("work.id", w.ID()),
		attribute.String("work.type", w.Type()),
		attribute.String("work.queue", queue))
	start := time.Now()
	err := w.Run(ctx)
	tracing.End(span, err)
	if m.metrics != nil {
		m.metrics.WorkDuration.WithLabelValues(queue).Observe(time.Since(start).Seconds())
		if err == nil {
			m.metrics.WorksExecuted.WithLabelValues(queue).Inc()
		}
	}
	return err
}
