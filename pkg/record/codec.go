package record

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldWatermark protowire.Number = 1
	fieldFlags     protowire.Number = 2
	fieldKey       protowire.Number = 3
	fieldData      protowire.Number = 4
)

// ErrCorrupted is returned when an encoded record can not be decoded
var ErrCorrupted = errors.New("corrupted record")

// Encode serializes a record using the protobuf wire format
func Encode(r *Record) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil record")
	}
	flags := r.Flags
	if flags == 0 {
		flags = DefaultFlags
	}
	buf := make([]byte, 0, 24+len(r.Key)+len(r.Data))
	buf = protowire.AppendTag(buf, fieldWatermark, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(r.Watermark))
	buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(flags))
	buf = protowire.AppendTag(buf, fieldKey, protowire.BytesType)
	buf = protowire.AppendString(buf, r.Key)
	if r.Data != nil {
		buf = protowire.AppendTag(buf, fieldData, protowire.BytesType)
		buf = protowire.AppendBytes(buf, r.Data)
	}
	return buf, nil
}

// Decode parses a record produced by Encode
func Decode(b []byte) (*Record, error) {
	r := &Record{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldWatermark && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: watermark: %v", ErrCorrupted, protowire.ParseError(n))
			}
			r.Watermark = int64(v)
			b = b[n:]
		case num == fieldFlags && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: flags: %v", ErrCorrupted, protowire.ParseError(n))
			}
			if v > 0xFF {
				return nil, fmt.Errorf("%w: flags value %d exceeds 8 bits", ErrCorrupted, v)
			}
			r.Flags = Flags(v)
			b = b[n:]
		case num == fieldKey && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: key: %v", ErrCorrupted, protowire.ParseError(n))
			}
			r.Key = v
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: data: %v", ErrCorrupted, protowire.ParseError(n))
			}
			r.Data = append([]byte{}, v...)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupted, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if r.Flags == 0 {
		r.Flags = DefaultFlags
	}
	return r, nil
}
