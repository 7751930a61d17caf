package work

import (
	"context"
	"fmt"
	"time"

	"github.com/inteca/nuxeo/pkg/log"
	"go.uber.org/zap"
)

// ReplayGroup is the consumer group reading the dead letter stream
const ReplayGroup = "dlq-work-replay"

// ReplayResult counts the works reprocessed from the dead letter stream
type ReplayResult struct {
	Total   int
	Success int
}

// RunWorkInFailure executes once each work present in the dead letter stream at call time.
// Works failing again are committed and dropped.
func (m *Manager) RunWorkInFailure(ctx context.Context, timeout time.Duration) (ReplayResult, error) {
	var result ReplayResult
	dlq := m.config.DeadLetterStream
	if dlq == "" || !m.streams.Logs().Exists(dlq) {
		return result, nil
	}
	lag, err := m.streams.Lag(ctx, dlq, ReplayGroup)
	if err != nil {
		return result, err
	}
	backlog := int(lag.Lag)
	if backlog == 0 {
		m.logger.Info("No work in failure to reprocess")
		return result, nil
	}
	partitions, err := log.Partitions(m.streams.Logs(), dlq)
	if err != nil {
		return result, err
	}
	tailer, err := m.streams.CreateTailer(ctx, ReplayGroup, partitions)
	if err != nil {
		return result, fmt.Errorf("read dead letter stream %s: %w", dlq, err)
	}
	defer tailer.Close()

	m.logger.Info("Reprocessing works in failure", zap.Int("backlog", backlog))
	deadline := time.Now().Add(min(timeout, maxAwait))
	for result.Total < backlog && time.Now().Before(deadline) {
		entry, err := tailer.Read(ctx, m.config.PollInterval)
		if err != nil {
			return result, err
		}
		if entry == nil {
			continue
		}
		result.Total++
		if m.replay(ctx, entry) {
			result.Success++
		}
		if err := tailer.Commit(ctx); err != nil {
			return result, fmt.Errorf("commit dead letter stream %s: %w", dlq, err)
		}
	}
	m.logger.Sugar().Infof("Work reprocessed, %d succeeded of %d", result.Success, result.Total)
	return result, nil
}

func (m *Manager) replay(ctx context.Context, entry *log.Entry) bool {
	outcome := "failure"
	defer func() {
		if m.metrics != nil {
			m.metrics.ErrorMetrics.DeadLetterReplayed.WithLabelValues(outcome).Inc()
		}
	}()
	w, _, err := m.types.Decode(entry.Record.Data)
	if err != nil {
		m.logger.Error("Cannot decode work in failure",
			zap.Stringer("offset", entry.Offset),
			zap.Error(err))
		return false
	}
	queue := m.queues.QueueFor(w.Category())
	if err := m.execute(ctx, queue, w); err != nil {
		m.logger.Warn("Work in failure failed again",
			zap.String("work_id", w.ID()),
			zap.String("queue", queue),
			zap.Error(err))
		return false
	}
	outcome = "success"
	return true
}
