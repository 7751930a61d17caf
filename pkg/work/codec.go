package work

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/linkedin/goavro/v2"
)

// ErrUnknownWorkType is returned when decoding a work whose type is not registered
var ErrUnknownWorkType = errors.New("work: unknown work type")

const (
	magicByte       byte = 0x0
	envelopeVersion byte = 1
)

const envelopeSchema = `{
  "type": "record",
  "name": "WorkEnvelope",
  "namespace": "org.nuxeo.ecm.core.work",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "type", "type": "string"},
    {"name": "category", "type": "string"},
    {"name": "partitionKey", "type": "string"},
    {"name": "idempotent", "type": "boolean"},
    {"name": "coalescing", "type": "boolean"},
    {"name": "scheduledAt", "type": {"type": "long", "logicalType": "timestamp-millis"}},
    {"name": "payload", "type": "bytes"}
  ]
}`

// Envelope is the encoded form of a work
type Envelope struct {
	ID           string
	Type         string
	Category     string
	PartitionKey string
	Idempotent   bool
	Coalescing   bool
	ScheduledAt  time.Time
	Payload      []byte
}

// Factory creates an empty work to unmarshal a payload into
type Factory func() Work

// TypeRegistry maps work type names to factories and encodes works as avro envelopes
type TypeRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	codec     *goavro.Codec
}

// NewTypeRegistry creates an empty registry
func NewTypeRegistry() *TypeRegistry {
	codec, err := goavro.NewCodec(envelopeSchema)
	if err != nil {
		panic(fmt.Sprintf("invalid work envelope schema: %v", err))
	}
	return &TypeRegistry{factories: make(map[string]Factory), codec: codec}
}

// Register adds or replaces a work type
func (r *TypeRegistry) Register(typeName string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typeName] = factory
}

// Types lists registered work types
func (r *TypeRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Encode serializes a work: magic byte, envelope version, then the avro envelope
func (r *TypeRegistry) Encode(w Work) ([]byte, error) {
	payload, err := w.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("marshal work %s: %w", w.ID(), err)
	}
	if payload == nil {
		payload = []byte{}
	}
	native := map[string]interface{}{
		"id":           w.ID(),
		"type":         w.Type(),
		"category":     w.Category(),
		"partitionKey": w.PartitionKey(),
		"idempotent":   w.IsIdempotent(),
		"coalescing":   w.IsCoalescing(),
		"scheduledAt":  time.Now(),
		"payload":      payload,
	}
	buf := []byte{magicByte, envelopeVersion}
	buf, err = r.codec.BinaryFromNative(buf, native)
	if err != nil {
		return nil, fmt.Errorf("encode work %s: %w", w.ID(), err)
	}
	return buf, nil
}

// DecodeEnvelope reads the envelope without building the work
func (r *TypeRegistry) DecodeEnvelope(data []byte) (Envelope, error) {
	if len(data) < 2 {
		return Envelope{}, errors.New("work data too short")
	}
	if data[0] != magicByte {
		return Envelope{}, fmt.Errorf("invalid magic byte: expected 0x0, got 0x%x", data[0])
	}
	if data[1] != envelopeVersion {
		return Envelope{}, fmt.Errorf("unsupported work envelope version %d", data[1])
	}
	native, _, err := r.codec.NativeFromBinary(data[2:])
	if err != nil {
		return Envelope{}, fmt.Errorf("decode work envelope: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return Envelope{}, fmt.Errorf("unexpected work envelope %T", native)
	}
	env := Envelope{}
	env.ID, _ = m["id"].(string)
	env.Type, _ = m["type"].(string)
	env.Category, _ = m["category"].(string)
	env.PartitionKey, _ = m["partitionKey"].(string)
	env.Idempotent, _ = m["idempotent"].(bool)
	env.Coalescing, _ = m["coalescing"].(bool)
	env.ScheduledAt, _ = m["scheduledAt"].(time.Time)
	env.Payload, _ = m["payload"].([]byte)
	return env, nil
}

// Decode rebuilds a work from its encoded form
func (r *TypeRegistry) Decode(data []byte) (Work, Envelope, error) {
	env, err := r.DecodeEnvelope(data)
	if err != nil {
		return nil, env, err
	}
	r.mu.RLock()
	factory, ok := r.factories[env.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, env, fmt.Errorf("%w: %s", ErrUnknownWorkType, env.Type)
	}
	w := factory()
	if h, ok := w.(baseHolder); ok {
		*h.base() = BaseWork{
			id:           env.ID,
			category:     env.Category,
			partitionKey: env.PartitionKey,
			idempotent:   env.Idempotent,
			coalescing:   env.Coalescing,
		}
	}
	if err := w.UnmarshalBinary(env.Payload); err != nil {
		return nil, env, fmt.Errorf("unmarshal work %s: %w", env.ID, err)
	}
	return w, env, nil
}
