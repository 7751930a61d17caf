package record

import (
	"fmt"
	"strings"
	"time"

	"github.com/inteca/nuxeo/pkg/watermark"
)

// Flag marks a record with a processing hint
type Flag uint8

// Flags are limited to 8 values so a set fits in a byte
const (
	FlagDefault Flag = iota
	FlagCommit
	FlagPoisonPill
	// FlagExternalValue means the payload is stored outside of the record
	FlagExternalValue
	FlagInternal1
	FlagInternal2
	FlagUser1
	FlagUser2
)

var flagNames = [...]string{
	"DEFAULT",
	"COMMIT",
	"POISON_PILL",
	"EXTERNAL_VALUE",
	"INTERNAL1",
	"INTERNAL2",
	"USER1",
	"USER2",
}

func (f Flag) String() string {
	if int(f) < len(flagNames) {
		return flagNames[f]
	}
	return fmt.Sprintf("FLAG(%d)", uint8(f))
}

// Flags is a set of flags encoded as a bitset
type Flags uint8

// DefaultFlags is the flag set of a plain record
const DefaultFlags = Flags(1 << FlagDefault)

// FlagsOf builds a set from flags
func FlagsOf(flags ...Flag) Flags {
	var s Flags
	for _, f := range flags {
		s = s.With(f)
	}
	return s
}

// Has reports whether the flag is in the set
func (s Flags) Has(f Flag) bool {
	return s&(1<<f) != 0
}

// With returns the set with the flag added
func (s Flags) With(f Flag) Flags {
	return s | 1<<f
}

// Without returns the set with the flag removed
func (s Flags) Without(f Flag) Flags {
	return s &^ (1 << f)
}

// List returns the flags of the set in ordinal order
func (s Flags) List() []Flag {
	out := make([]Flag, 0, 8)
	for f := FlagDefault; f <= FlagUser2; f++ {
		if s.Has(f) {
			out = append(out, f)
		}
	}
	return out
}

func (s Flags) String() string {
	names := make([]string, 0, 8)
	for _, f := range s.List() {
		names = append(names, f.String())
	}
	return "[" + strings.Join(names, ", ") + "]"
}

// Record is the unit of data appended to a log.
// A zero watermark means the runner low watermark is used when the record is sent.
type Record struct {
	Key       string
	Data      []byte
	Watermark int64
	Flags     Flags
}

// New creates a record with a watermark for the current time and the default flag
func New(key string, data []byte) *Record {
	return NewWithWatermark(key, data, watermark.Now().Value())
}

// NewWithWatermark creates a record with the default flag
func NewWithWatermark(key string, data []byte, wm int64) *Record {
	return &Record{Key: key, Data: data, Watermark: wm, Flags: DefaultFlags}
}

// NewWithFlags creates a record with an explicit flag set, an empty set becomes the default one
func NewWithFlags(key string, data []byte, wm int64, flags Flags) *Record {
	if flags == 0 {
		flags = DefaultFlags
	}
	return &Record{Key: key, Data: data, Watermark: wm, Flags: flags}
}

// HasFlag reports whether the record carries the flag
func (r *Record) HasFlag(f Flag) bool {
	return r.Flags.Has(f)
}

// Clone returns a shallow copy with its own data slice
func (r *Record) Clone() *Record {
	c := *r
	if r.Data != nil {
		c.Data = append([]byte(nil), r.Data...)
	}
	return &c
}

const previewLength = 127

func (r *Record) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Record{watermark=%d", r.Watermark)
	if r.Watermark > 0 {
		wm := watermark.FromValue(r.Watermark)
		fmt.Fprintf(&b, ", wmDate=%s", time.UnixMilli(wm.Timestamp()).UTC().Format("2006-01-02 15:04:05.000"))
	}
	fmt.Fprintf(&b, ", flags=%s, key='%s', data.length=%d", r.Flags, r.Key, len(r.Data))
	if r.Data != nil {
		n := len(r.Data)
		if n > previewLength {
			n = previewLength
		}
		preview := append([]byte(nil), r.Data[:n]...)
		for i, c := range preview {
			if c < 0x20 || c > 0x7e {
				preview[i] = '.'
			}
		}
		fmt.Fprintf(&b, ", data=\"%s\"", preview)
	}
	b.WriteString("}")
	return b.String()
}
