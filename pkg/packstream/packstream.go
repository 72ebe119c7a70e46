// Package packstream implements the PackStream v1 binary format used by the
// Bolt protocol for message payloads and by the Badger store for records.
//
// Supported types: null, bool, int64 (all Go integer kinds encode as
// int64), float64, string, lists, string-keyed maps and structures.
// Decoding always yields int64, float64, string, []any, map[string]any or
// Structure.
//
// Example:
//
//	buf := packstream.Append(nil, map[string]any{"name": "alice", "age": 42})
//	v, n, err := packstream.Decode(buf, 0)
//	// v == map[string]any{"name": "alice", "age": int64(42)}, n == len(buf)
//
// Map keys are written in sorted order so that equal values always encode
// to equal bytes.
package packstream

import (
	"encoding/binary"
	"math"
	"slices"

	"github.com/pkg/errors"
)

// Marker bytes.
const (
	markerNull     byte = 0xC0
	markerFloat    byte = 0xC1
	markerFalse    byte = 0xC2
	markerTrue     byte = 0xC3
	markerInt8     byte = 0xC8
	markerInt16    byte = 0xC9
	markerInt32    byte = 0xCA
	markerInt64    byte = 0xCB
	markerString8  byte = 0xD0
	markerString16 byte = 0xD1
	markerString32 byte = 0xD2
	markerList8    byte = 0xD4
	markerList16   byte = 0xD5
	markerList32   byte = 0xD6
	markerMap8     byte = 0xD8
	markerMap16    byte = 0xD9
	markerMap32    byte = 0xDA
	markerStruct8  byte = 0xDC
	markerStruct16 byte = 0xDD

	tinyString byte = 0x80
	tinyList   byte = 0x90
	tinyMap    byte = 0xA0
	tinyStruct byte = 0xB0
)

var (
	// ErrTruncated is returned when the input ends inside a value.
	ErrTruncated = errors.New("packstream: truncated value")

	// ErrUnknownMarker is returned for a marker byte outside PackStream v1.
	ErrUnknownMarker = errors.New("packstream: unknown marker")
)

// Structure is a tagged record of fields, such as a Bolt message or a graph
// node.
type Structure struct {
	Tag    byte
	Fields []any
}

// Append encodes v and appends it to buf. Values of unsupported types are
// encoded as null.
func Append(buf []byte, v any) []byte {
	switch val := v.(type) {
	case nil:
		return append(buf, markerNull)
	case bool:
		if val {
			return append(buf, markerTrue)
		}
		return append(buf, markerFalse)
	case int:
		return AppendInt(buf, int64(val))
	case int8:
		return AppendInt(buf, int64(val))
	case int16:
		return AppendInt(buf, int64(val))
	case int32:
		return AppendInt(buf, int64(val))
	case int64:
		return AppendInt(buf, val)
	case uint8:
		return AppendInt(buf, int64(val))
	case uint16:
		return AppendInt(buf, int64(val))
	case uint32:
		return AppendInt(buf, int64(val))
	case float32:
		return appendFloat(buf, float64(val))
	case float64:
		return appendFloat(buf, val)
	case string:
		return AppendString(buf, val)
	case []string:
		buf = appendHeader(buf, len(val), tinyList, markerList8, markerList16, markerList32)
		for _, s := range val {
			buf = AppendString(buf, s)
		}
		return buf
	case []int64:
		buf = appendHeader(buf, len(val), tinyList, markerList8, markerList16, markerList32)
		for _, n := range val {
			buf = AppendInt(buf, n)
		}
		return buf
	case []any:
		buf = appendHeader(buf, len(val), tinyList, markerList8, markerList16, markerList32)
		for _, item := range val {
			buf = Append(buf, item)
		}
		return buf
	case map[string]any:
		return AppendMap(buf, val)
	case Structure:
		return AppendStructure(buf, val)
	case *Structure:
		return AppendStructure(buf, *val)
	default:
		return append(buf, markerNull)
	}
}

// AppendInt appends the smallest encoding of n.
func AppendInt(buf []byte, n int64) []byte {
	switch {
	case n >= -16 && n <= 127:
		return append(buf, byte(n))
	case n >= math.MinInt8 && n < -16:
		return append(buf, markerInt8, byte(n))
	case n >= math.MinInt16 && n <= math.MaxInt16:
		return append(buf, markerInt16, byte(n>>8), byte(n))
	case n >= math.MinInt32 && n <= math.MaxInt32:
		return append(buf, markerInt32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
	}
	buf = append(buf, markerInt64)
	return binary.BigEndian.AppendUint64(buf, uint64(n))
}

func appendFloat(buf []byte, f float64) []byte {
	buf = append(buf, markerFloat)
	return binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
}

// AppendString appends a UTF-8 string.
func AppendString(buf []byte, s string) []byte {
	buf = appendHeader(buf, len(s), tinyString, markerString8, markerString16, markerString32)
	return append(buf, s...)
}

// AppendMap appends m with its keys in sorted order.
func AppendMap(buf []byte, m map[string]any) []byte {
	buf = appendHeader(buf, len(m), tinyMap, markerMap8, markerMap16, markerMap32)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		buf = AppendString(buf, k)
		buf = Append(buf, m[k])
	}
	return buf
}

// AppendStructure appends a structure header and its fields.
func AppendStructure(buf []byte, s Structure) []byte {
	n := len(s.Fields)
	switch {
	case n < 16:
		buf = append(buf, tinyStruct+byte(n))
	case n < 256:
		buf = append(buf, markerStruct8, byte(n))
	default:
		buf = append(buf, markerStruct16, byte(n>>8), byte(n))
	}
	buf = append(buf, s.Tag)
	for _, f := range s.Fields {
		buf = Append(buf, f)
	}
	return buf
}

func appendHeader(buf []byte, n int, tiny, m8, m16, m32 byte) []byte {
	switch {
	case n < 16:
		return append(buf, tiny+byte(n))
	case n < 256:
		return append(buf, m8, byte(n))
	case n < 65536:
		return append(buf, m16, byte(n>>8), byte(n))
	}
	return append(buf, m32, byte(n>>24), byte(n>>16), byte(n>>8), byte(n))
}

// Decode reads one value from data starting at offset. It returns the
// value and the number of bytes consumed.
func Decode(data []byte, offset int) (any, int, error) {
	d := decoder{data: data, pos: offset}
	v, err := d.value()
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos - offset, nil
}

// Unmarshal decodes exactly one value from data.
func Unmarshal(data []byte) (any, error) {
	v, n, err := Decode(data, 0)
	if err != nil {
		return nil, err
	}
	if n != len(data) {
		return nil, errors.Errorf("packstream: %d trailing bytes", len(data)-n)
	}
	return v, nil
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) need(n int) error {
	if d.pos+n > len(d.data) {
		return errors.Wrapf(ErrTruncated, "need %d bytes at offset %d", n, d.pos)
	}
	return nil
}

func (d *decoder) readByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.data[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readUint(n int) (uint64, error) {
	if err := d.need(n); err != nil {
		return 0, err
	}
	var v uint64
	for i := 0; i < n; i++ {
		v = v<<8 | uint64(d.data[d.pos+i])
	}
	d.pos += n
	return v, nil
}

func (d *decoder) value() (any, error) {
	marker, err := d.readByte()
	if err != nil {
		return nil, err
	}

	switch {
	case marker <= 0x7F:
		return int64(marker), nil
	case marker >= 0xF0:
		return int64(int8(marker)), nil
	case marker&0xF0 == tinyString:
		return d.readString(int(marker & 0x0F))
	case marker&0xF0 == tinyList:
		return d.list(int(marker & 0x0F))
	case marker&0xF0 == tinyMap:
		return d.dict(int(marker & 0x0F))
	case marker&0xF0 == tinyStruct:
		return d.structure(int(marker & 0x0F))
	}

	switch marker {
	case markerNull:
		return nil, nil
	case markerFalse:
		return false, nil
	case markerTrue:
		return true, nil
	case markerFloat:
		bits, err := d.readUint(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(bits), nil
	case markerInt8:
		v, err := d.readUint(1)
		return int64(int8(v)), err
	case markerInt16:
		v, err := d.readUint(2)
		return int64(int16(v)), err
	case markerInt32:
		v, err := d.readUint(4)
		return int64(int32(v)), err
	case markerInt64:
		v, err := d.readUint(8)
		return int64(v), err
	case markerString8, markerString16, markerString32:
		n, err := d.size(marker - markerString8)
		if err != nil {
			return nil, err
		}
		return d.readString(n)
	case markerList8, markerList16, markerList32:
		n, err := d.size(marker - markerList8)
		if err != nil {
			return nil, err
		}
		return d.list(n)
	case markerMap8, markerMap16, markerMap32:
		n, err := d.size(marker - markerMap8)
		if err != nil {
			return nil, err
		}
		return d.dict(n)
	case markerStruct8:
		n, err := d.readUint(1)
		if err != nil {
			return nil, err
		}
		return d.structure(int(n))
	case markerStruct16:
		n, err := d.readUint(2)
		if err != nil {
			return nil, err
		}
		return d.structure(int(n))
	}
	return nil, errors.Wrapf(ErrUnknownMarker, "0x%02X at offset %d", marker, d.pos-1)
}

// size reads a 1, 2 or 4 byte length for width 0, 1 or 2.
func (d *decoder) size(width byte) (int, error) {
	v, err := d.readUint(1 << width)
	return int(v), err
}

func (d *decoder) readString(n int) (string, error) {
	if err := d.need(n); err != nil {
		return "", err
	}
	s := string(d.data[d.pos : d.pos+n])
	d.pos += n
	return s, nil
}

func (d *decoder) list(n int) ([]any, error) {
	out := make([]any, n)
	for i := range out {
		v, err := d.value()
		if err != nil {
			return nil, errors.Wrapf(err, "list item %d", i)
		}
		out[i] = v
	}
	return out, nil
}

func (d *decoder) dict(n int) (map[string]any, error) {
	out := make(map[string]any, n)
	for i := 0; i < n; i++ {
		k, err := d.value()
		if err != nil {
			return nil, errors.Wrap(err, "map key")
		}
		key, ok := k.(string)
		if !ok {
			return nil, errors.Errorf("packstream: map key must be a string, got %T", k)
		}
		v, err := d.value()
		if err != nil {
			return nil, errors.Wrapf(err, "map value for %q", key)
		}
		out[key] = v
	}
	return out, nil
}

func (d *decoder) structure(n int) (Structure, error) {
	tag, err := d.readByte()
	if err != nil {
		return Structure{}, err
	}
	fields, err := d.list(n)
	if err != nil {
		return Structure{}, errors.Wrapf(err, "structure 0x%02X", tag)
	}
	return Structure{Tag: tag, Fields: fields}, nil
}
