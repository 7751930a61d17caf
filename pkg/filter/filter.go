// Package filter provides the built-in record filters.
package filter

import (
	"fmt"
	"strings"

	"github.com/inteca/nuxeo/pkg/kv"
	"github.com/inteca/nuxeo/pkg/stream"
	"go.uber.org/zap"
)

// Registered filter names
const (
	SkipName     = "skip"
	ChangeName   = "change"
	OverflowName = "overflow"
)

// DefaultRegistry returns a registry with the built-in filters, overflow resolves its store in stores
func DefaultRegistry(stores *kv.Registry, logger *zap.Logger) *stream.FilterRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := stream.NewFilterRegistry()
	r.Register(SkipName, func() stream.RecordFilter { return &Skip{} })
	r.Register(ChangeName, func() stream.RecordFilter { return &Change{} })
	r.Register(OverflowName, func() stream.RecordFilter { return NewOverflow(stores, logger) })
	return r
}

func required(options map[string]string, filter, name string) (string, error) {
	v := strings.TrimSpace(options[name])
	if v == "" {
		return "", fmt.Errorf("filter %s: missing option %s", filter, name)
	}
	return v, nil
}
