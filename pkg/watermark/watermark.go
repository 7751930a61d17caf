package watermark

import (
	"fmt"
	"time"
)

const (
	sequenceBits = 15
	sequenceMask = 1<<sequenceBits - 1
	// timestampShift leaves room for the sequence and the completed bit
	timestampShift = sequenceBits + 1
)

// LowestValue is the value of an unset watermark
const LowestValue int64 = 0

// Watermark is a logical timestamp combining a millisecond timestamp, a sequence
// number used to order events sharing the same millisecond, and a completed bit.
//
// The value layout is: timestamp_ms << 16 | (sequence & 0x7FFF) << 1 | completed
type Watermark struct {
	timestamp int64
	sequence  uint16
	completed bool
	value     int64
}

// Lowest is the unset watermark
var Lowest = Watermark{}

// Of creates a watermark from a millisecond timestamp and a sequence
func Of(timestamp int64, sequence uint16) Watermark {
	return newWatermark(timestamp, sequence, false)
}

// OfTimestamp creates a watermark with a zero sequence
func OfTimestamp(timestamp int64) Watermark {
	return newWatermark(timestamp, 0, false)
}

// OfTime creates a watermark from a time
func OfTime(t time.Time) Watermark {
	return OfTimestamp(t.UnixMilli())
}

// Now returns a watermark for the current time
func Now() Watermark {
	return OfTime(time.Now())
}

// Completed returns the completed version of a watermark value
func Completed(value int64) Watermark {
	w := FromValue(value)
	return newWatermark(w.timestamp, w.sequence, true)
}

// FromValue decodes a watermark from its encoded value
func FromValue(value int64) Watermark {
	if value <= 0 {
		return Lowest
	}
	return Watermark{
		timestamp: value >> timestampShift,
		sequence:  uint16((value >> 1) & sequenceMask),
		completed: value&1 == 1,
		value:     value,
	}
}

func newWatermark(timestamp int64, sequence uint16, completed bool) Watermark {
	if timestamp < 0 {
		timestamp = 0
	}
	value := timestamp<<timestampShift | int64(sequence&sequenceMask)<<1
	if completed {
		value |= 1
	}
	return Watermark{
		timestamp: timestamp,
		sequence:  sequence & sequenceMask,
		completed: completed,
		value:     value,
	}
}

// Value returns the encoded watermark
func (w Watermark) Value() int64 {
	return w.value
}

// Timestamp returns the millisecond timestamp part
func (w Watermark) Timestamp() int64 {
	return w.timestamp
}

// Time returns the timestamp part as a time
func (w Watermark) Time() time.Time {
	return time.UnixMilli(w.timestamp)
}

// Sequence returns the sequence part
func (w Watermark) Sequence() uint16 {
	return w.sequence
}

// IsCompleted reports whether the completed bit is set
func (w Watermark) IsCompleted() bool {
	return w.completed
}

// IsLowest reports whether the watermark is unset
func (w Watermark) IsLowest() bool {
	return w.value == LowestValue
}

// IsDone reports whether all events up to timestamp have been processed.
// A watermark on the same millisecond is done only when completed.
func (w Watermark) IsDone(timestamp int64) bool {
	if w.IsLowest() {
		return false
	}
	if w.timestamp > timestamp {
		return true
	}
	return w.timestamp == timestamp && w.completed
}

// Compare orders watermarks by encoded value
func (w Watermark) Compare(other Watermark) int {
	switch {
	case w.value < other.value:
		return -1
	case w.value > other.value:
		return 1
	default:
		return 0
	}
}

func (w Watermark) String() string {
	if w.IsLowest() {
		return "Watermark{lowest}"
	}
	return fmt.Sprintf("Watermark{completed=%t, timestamp=%d, sequence=%d, value=%d, date=%s}",
		w.completed, w.timestamp, w.sequence, w.value,
		w.Time().UTC().Format("2006-01-02 15:04:05.000"))
}
