package watermark

import (
	"fmt"
	"sync/atomic"
)

// MonotonicInterval tracks the low watermark of a runner.
//
// Marks are folded into an in-flight maximum. A checkpoint commits the in-flight
// value as the new low watermark only when it does not go backward, so the
// exposed low watermark never decreases.
//
// Mark and Checkpoint must be called from the owning runner goroutine; Low may be
// read concurrently.
type MonotonicInterval struct {
	inFlight int64
	low      atomic.Int64
}

// NewMonotonicInterval creates a tracker with an unset low watermark
func NewMonotonicInterval() *MonotonicInterval {
	return &MonotonicInterval{}
}

// Mark folds a watermark value into the in-flight maximum
func (m *MonotonicInterval) Mark(value int64) {
	if value > m.inFlight {
		m.inFlight = value
	}
}

// MarkWatermark folds a watermark into the in-flight maximum
func (m *MonotonicInterval) MarkWatermark(w Watermark) {
	m.Mark(w.Value())
}

// Checkpoint commits the in-flight value when it is not lower than the current
// low watermark, then resets the in-flight tracking. It returns the low watermark.
func (m *MonotonicInterval) Checkpoint() int64 {
	low := m.low.Load()
	if m.inFlight >= low {
		low = m.inFlight
		m.low.Store(low)
	}
	m.inFlight = LowestValue
	return low
}

// Low returns the last committed low watermark value
func (m *MonotonicInterval) Low() int64 {
	return m.low.Load()
}

// LowWatermark returns the last committed low watermark
func (m *MonotonicInterval) LowWatermark() Watermark {
	return FromValue(m.low.Load())
}

// InFlight returns the maximum marked since the last checkpoint
func (m *MonotonicInterval) InFlight() int64 {
	return m.inFlight
}

func (m *MonotonicInterval) String() string {
	return fmt.Sprintf("MonotonicInterval{low=%d, inFlight=%d}", m.low.Load(), m.inFlight)
}
