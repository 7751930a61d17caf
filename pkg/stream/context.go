package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
)

// ErrUndeclaredStream is returned when producing to a stream the computation does not declare as output
var ErrUndeclaredStream = errors.New("stream: undeclared output stream")

// Context is given to a computation to emit records and control its runner.
// It carries the runner context, cancelled when the runner is interrupted.
type Context interface {
	context.Context
	// ProduceRecord buffers a record for a logical output stream until the next checkpoint
	ProduceRecord(output string, rec *record.Record) error
	// Produce buffers a new record stamped with the current time
	Produce(output, key string, data []byte) error
	// SetTimer registers or replaces a timer fired at timestamp in unix milliseconds
	SetTimer(key string, timestamp int64)
	AskForCheckpoint()
	AskForTermination()
	// SetSourceLowWatermark folds an external watermark into the runner low watermark
	SetSourceLowWatermark(watermark int64)
	// LastOffset is the offset of the record being processed
	LastOffset() log.Offset
	Metadata() MetadataMapping
}

// computationContext accumulates what a computation produced since the last checkpoint
type computationContext struct {
	context.Context
	metadata           MetadataMapping
	records            map[string][]*record.Record
	timers             map[string]int64
	checkpoint         bool
	terminate          bool
	lastOffset         log.Offset
	sourceLowWatermark int64
}

func newComputationContext(ctx context.Context, metadata MetadataMapping) *computationContext {
	return &computationContext{
		Context:  ctx,
		metadata: metadata,
		records:  make(map[string][]*record.Record),
		timers:   make(map[string]int64),
	}
}

func (c *computationContext) ProduceRecord(output string, rec *record.Record) error {
	declared := false
	for _, o := range c.metadata.Outputs {
		if o == output {
			declared = true
			break
		}
	}
	if !declared {
		return fmt.Errorf("%w: %s in computation %s", ErrUndeclaredStream, output, c.metadata.Name)
	}
	stream := c.metadata.Map(output)
	c.records[stream] = append(c.records[stream], rec)
	return nil
}

func (c *computationContext) Produce(output, key string, data []byte) error {
	return c.ProduceRecord(output, record.New(key, data))
}

func (c *computationContext) SetTimer(key string, timestamp int64) {
	c.timers[key] = timestamp
}

func (c *computationContext) AskForCheckpoint() {
	c.checkpoint = true
}

func (c *computationContext) AskForTermination() {
	c.terminate = true
}

func (c *computationContext) SetSourceLowWatermark(watermark int64) {
	c.sourceLowWatermark = watermark
}

func (c *computationContext) LastOffset() log.Offset {
	return c.lastOffset
}

func (c *computationContext) Metadata() MetadataMapping {
	return c.metadata
}

func (c *computationContext) pending() int {
	n := 0
	for _, recs := range c.records {
		n += len(recs)
	}
	return n
}
