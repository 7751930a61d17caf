package filter

import (
	"context"
	"strings"

	"github.com/inteca/nuxeo/pkg/log"
	"github.com/inteca/nuxeo/pkg/record"
)

// Skip drops on append the records whose key contains keyMatch
type Skip struct {
	match string
}

func (f *Skip) Name() string { return SkipName }

func (f *Skip) Init(options map[string]string) error {
	match, err := required(options, SkipName, "keyMatch")
	if err != nil {
		return err
	}
	f.match = match
	return nil
}

func (f *Skip) BeforeAppend(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if strings.Contains(rec.Key, f.match) {
		return nil, nil
	}
	return rec, nil
}

func (f *Skip) AfterRead(ctx context.Context, rec *record.Record, offset log.Offset) (*record.Record, error) {
	return rec, nil
}

// Change replaces keyMatch with replace in keys on append
type Change struct {
	match   string
	replace string
}

func (f *Change) Name() string { return ChangeName }

func (f *Change) Init(options map[string]string) error {
	match, err := required(options, ChangeName, "keyMatch")
	if err != nil {
		return err
	}
	f.match = match
	f.replace = options["replace"]
	return nil
}

func (f *Change) BeforeAppend(ctx context.Context, rec *record.Record) (*record.Record, error) {
	if !strings.Contains(rec.Key, f.match) {
		return rec, nil
	}
	out := rec.Clone()
	out.Key = strings.ReplaceAll(rec.Key, f.match, f.replace)
	return out, nil
}

func (f *Change) AfterRead(ctx context.Context, rec *record.Record, offset log.Offset) (*record.Record, error) {
	return rec, nil
}
