package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"sort"
)

// Codec turns stored values into bytes and back. Round trips must be exact
// for every value the engine stores.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(b []byte) (any, error)
}

// ───────────────────────────────────────────────────────────────────────────
// Binary codec
// ───────────────────────────────────────────────────────────────────────────
//
// Tag-prefixed, self-describing encoding. Lengths and counts are uvarints so
// strings and lists are not size-limited.
//
//   0x00 nil
//   0x01 bool      (1 byte)
//   0x02 int64     (8 bytes LE)
//   0x03 float64   (8 bytes LE, IEEE bits)
//   0x04 string    (uvarint length + UTF-8)
//   0x05 []byte    (uvarint length + raw)
//   0x06 big.Int   (uvarint length + decimal text)
//   0x07 list      (uvarint count + values)
//   0x08 map       (uvarint count + sorted key strings and values)
//   0x09 record    (uvarint count + name string and value per field)

const (
	tagNil     byte = 0x00
	tagBool    byte = 0x01
	tagInt64   byte = 0x02
	tagFloat64 byte = 0x03
	tagString  byte = 0x04
	tagBytes   byte = 0x05
	tagBigInt  byte = 0x06
	tagList    byte = 0x07
	tagMap     byte = 0x08
	tagRecord  byte = 0x09
)

// BinaryCodec is the default Codec.
type BinaryCodec struct{}

// Encode implements Codec.
func (BinaryCodec) Encode(v any) ([]byte, error) {
	return appendValue(make([]byte, 0, 64), v)
}

// Decode implements Codec.
func (BinaryCodec) Decode(b []byte) (any, error) {
	v, n, err := readValue(b)
	if err != nil {
		return nil, err
	}
	if n != len(b) {
		return nil, fmt.Errorf("codec: %d trailing bytes", len(b)-n)
	}
	return v, nil
}

func appendUvarint(buf []byte, n uint64) []byte {
	var tmp [binary.MaxVarintLen64]byte
	k := binary.PutUvarint(tmp[:], n)
	return append(buf, tmp[:k]...)
}

func appendString(buf []byte, s string) []byte {
	buf = appendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func appendValue(buf []byte, v any) ([]byte, error) {
	var err error
	switch val := v.(type) {
	case nil:
		buf = append(buf, tagNil)
	case bool:
		buf = append(buf, tagBool)
		if val {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case int:
		buf = appendInt(buf, int64(val))
	case int32:
		buf = appendInt(buf, int64(val))
	case int64:
		buf = appendInt(buf, val)
	case float64:
		buf = append(buf, tagFloat64)
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
		buf = append(buf, b[:]...)
	case string:
		buf = append(buf, tagString)
		buf = appendString(buf, val)
	case []byte:
		buf = append(buf, tagBytes)
		buf = appendUvarint(buf, uint64(len(val)))
		buf = append(buf, val...)
	case *big.Int:
		buf = append(buf, tagBigInt)
		buf = appendString(buf, val.String())
	case []any:
		buf = append(buf, tagList)
		buf = appendUvarint(buf, uint64(len(val)))
		for _, e := range val {
			if buf, err = appendValue(buf, e); err != nil {
				return nil, err
			}
		}
	case map[string]any:
		buf = append(buf, tagMap)
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = appendUvarint(buf, uint64(len(keys)))
		for _, k := range keys {
			buf = appendString(buf, k)
			if buf, err = appendValue(buf, val[k]); err != nil {
				return nil, err
			}
		}
	case *Record:
		buf = append(buf, tagRecord)
		buf = appendUvarint(buf, uint64(len(val.Names)))
		for i, name := range val.Names {
			buf = appendString(buf, name)
			if buf, err = appendValue(buf, val.Values[i]); err != nil {
				return nil, err
			}
		}
	default:
		return nil, fmt.Errorf("codec: unsupported type %T", v)
	}
	return buf, nil
}

func appendInt(buf []byte, n int64) []byte {
	buf = append(buf, tagInt64)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(n))
	return append(buf, b[:]...)
}

func readUvarint(data []byte) (uint64, int, error) {
	n, k := binary.Uvarint(data)
	if k <= 0 {
		return 0, 0, fmt.Errorf("codec: bad length prefix")
	}
	return n, k, nil
}

func readString(data []byte) (string, int, error) {
	n, k, err := readUvarint(data)
	if err != nil {
		return "", 0, err
	}
	end := k + int(n)
	if n > uint64(len(data)) || end > len(data) {
		return "", 0, fmt.Errorf("codec: truncated string")
	}
	return string(data[k:end]), end, nil
}

func readValue(data []byte) (any, int, error) {
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("codec: unexpected end of data")
	}
	tag := data[0]
	off := 1
	switch tag {
	case tagNil:
		return nil, off, nil
	case tagBool:
		if len(data) < 2 {
			return nil, 0, fmt.Errorf("codec: truncated bool")
		}
		return data[1] != 0, 2, nil
	case tagInt64:
		if len(data) < 9 {
			return nil, 0, fmt.Errorf("codec: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data[1:9])), 9, nil
	case tagFloat64:
		if len(data) < 9 {
			return nil, 0, fmt.Errorf("codec: truncated float64")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[1:9])), 9, nil
	case tagString:
		s, n, err := readString(data[off:])
		if err != nil {
			return nil, 0, err
		}
		return s, off + n, nil
	case tagBytes:
		s, n, err := readString(data[off:])
		if err != nil {
			return nil, 0, err
		}
		return []byte(s), off + n, nil
	case tagBigInt:
		s, n, err := readString(data[off:])
		if err != nil {
			return nil, 0, err
		}
		b, ok := new(big.Int).SetString(s, 10)
		if !ok {
			return nil, 0, fmt.Errorf("codec: bad big integer %q", s)
		}
		return b, off + n, nil
	case tagList:
		count, n, err := readUvarint(data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if count > uint64(len(data)) {
			return nil, 0, fmt.Errorf("codec: list count %d exceeds data", count)
		}
		out := make([]any, 0, count)
		for i := uint64(0); i < count; i++ {
			v, n, err := readValue(data[off:])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, v)
			off += n
		}
		return out, off, nil
	case tagMap, tagRecord:
		count, n, err := readUvarint(data[off:])
		if err != nil {
			return nil, 0, err
		}
		off += n
		if count > uint64(len(data)) {
			return nil, 0, fmt.Errorf("codec: field count %d exceeds data", count)
		}
		var m map[string]any
		var rec *Record
		if tag == tagMap {
			m = make(map[string]any, count)
		} else {
			rec = &Record{Names: make([]string, 0, count), Values: make([]any, 0, count)}
		}
		for i := uint64(0); i < count; i++ {
			k, n, err := readString(data[off:])
			if err != nil {
				return nil, 0, err
			}
			off += n
			v, n, err := readValue(data[off:])
			if err != nil {
				return nil, 0, err
			}
			off += n
			if m != nil {
				m[k] = v
			} else {
				rec.Names = append(rec.Names, k)
				rec.Values = append(rec.Values, v)
			}
		}
		if m != nil {
			return m, off, nil
		}
		return rec, off, nil
	}
	return nil, 0, fmt.Errorf("codec: unknown tag 0x%02x", tag)
}
