package filter

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
	"go.uber.org/zap"
)

// Overflow defaults
const (
	DefaultOverflowPrefix    = "bigRecord:"
	DefaultOverflowThreshold = 1_000_000
	DefaultOverflowTTL       = 24 * time.Hour
)

// Overflow moves payloads over thresholdSize bytes to a KV store, the record then carries the storage key
type Overflow struct {
	stores    *kv.Registry
	logger    *zap.Logger
	store     kv.Store
	storeName string
	prefix    string
	threshold int
	ttl       time.Duration
}

// NewOverflow creates an overflow filter resolving its store from stores on Init
func NewOverflow(stores *kv.Registry, logger *zap.Logger) *Overflow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Overflow{stores: stores, logger: logger}
}

func (f *Overflow) Name() string { return OverflowName }

// Init reads storeName (required), prefix, thresholdSize and storeTTL
func (f *Overflow) Init(options map[string]string) error {
	name, err := required(options, OverflowName, "storeName")
	if err != nil {
		return err
	}
	if f.stores == nil {
		return fmt.Errorf("filter %s: no key/value store registry", OverflowName)
	}
	store, err := f.stores.Get(name)
	if err != nil {
		return fmt.Errorf("filter %s: %w", OverflowName, err)
	}
	f.store = store
	f.storeName = name

	f.prefix = DefaultOverflowPrefix
	if v, ok := options["prefix"]; ok {
		f.prefix = v
	} else if v, ok := options["storeKeyPrefix"]; ok {
		f.prefix = v
	}

	f.threshold = DefaultOverflowThreshold
	if v := options["thresholdSize"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("filter %s: invalid thresholdSize %q", OverflowName, v)
		}
		f.threshold = n
	}

	f.ttl = DefaultOverflowTTL
	if v := options["storeTTL"]; v != "" {
		ttl, err := ParseTTL(v)
		if err != nil {
			return fmt.Errorf("filter %s: invalid storeTTL %q: %w", OverflowName, v, err)
		}
		f.ttl = ttl
	}
	f.logger.Debug("Overflow filter initialized",
		zap.String("store", f.storeName),
		zap.String("prefix", f.prefix),
		zap.Int("threshold", f.threshold),
		zap.Duration("ttl", f.ttl))
	return nil
}

func (f *Overflow) BeforeAppend(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if len(rec.Data) <= f.threshold || rec.HasFlag(record.FlagExternalValue) {
		return rec, nil
	}
	key := f.prefix + uuid.NewString()
	if err := f.store.Put(ctx, key, rec.Data, f.ttl); err != nil {
		return nil, fmt.Errorf("store overflow value of %s: %w", rec.Key, err)
	}
	out := &record.Record{
		Key:       rec.Key,
		Data:      []byte(key),
		Watermark: rec.Watermark,
		Flags:     rec.Flags.With(record.FlagExternalValue),
	}
	return out, nil
}

func (f *Overflow) AfterRead(ctx context.Context, rec *record.Record, offset log.Offset) (*record.Record, error) {
	if !rec.HasFlag(record.FlagExternalValue) {
		return rec, nil
	}
	key := string(rec.Data)
	value, err := f.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load overflow value of %s: %w", rec.Key, err)
	}
	if value == nil {
		// expired or never written: the record cannot be processed
		f.logger.Error("Overflow value not found, skipping record",
			zap.String("key", rec.Key),
			zap.String("store_key", key),
			zap.Stringer("offset", offset))
		return nil, nil
	}
	flags := rec.Flags.Without(record.FlagExternalValue)
	if flags == 0 {
		flags = record.DefaultFlags
	}
	return &record.Record{Key: rec.Key, Data: value, Watermark: rec.Watermark, Flags: flags}, nil
}

// ParseTTL parses a Go duration, with a "d" suffix for days
func ParseTTL(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}
