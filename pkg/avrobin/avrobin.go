// Package avrobin implements the narrow slice of Avro binary encoding the
// handshake record and packet header map require: zigzag varint ints/longs,
// length-prefixed strings and bytes, fixed-size byte arrays, maps of
// bytes, and nullable unions. It is not a general-purpose schema engine —
// per the transport's scope, the schema/codec library that serializes
// application records is an external collaborator; this package only
// pins the fixed handful of shapes the wire protocol itself requires.
package avrobin

import (
	"bytes"

	"github.com/roadrunner-server/errors"
)

const op = errors.Op("avrobin")

// ErrTruncated is returned (wrapped) when a read runs past the end of the
// supplied buffer.
var ErrTruncated = errors.Str("truncated avro binary value")

// WriteLong appends a zigzag-encoded variable-length long to buf.
func WriteLong(buf *bytes.Buffer, v int64) {
	zz := uint64((v << 1) ^ (v >> 63))
	for zz >= 0x80 {
		buf.WriteByte(byte(zz) | 0x80)
		zz >>= 7
	}
	buf.WriteByte(byte(zz))
}

// ReadLong decodes a zigzag variable-length long starting at offset,
// returning the value and the offset just past it.
func ReadLong(data []byte, offset int) (int64, int, error) {
	var result uint64
	var shift uint
	for {
		if offset >= len(data) {
			return 0, -1, errors.E(op, ErrTruncated)
		}
		b := data[offset]
		offset++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, -1, errors.E(op, errors.Str("long varint overflow"))
		}
	}
	v := int64(result>>1) ^ -int64(result&1)
	return v, offset, nil
}

// WriteBoolean appends a single-byte boolean.
func WriteBoolean(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

// ReadBoolean decodes a single-byte boolean.
func ReadBoolean(data []byte, offset int) (bool, int, error) {
	if offset >= len(data) {
		return false, -1, errors.E(op, ErrTruncated)
	}
	return data[offset] != 0, offset + 1, nil
}

// WriteBytes appends a long length prefix followed by the raw bytes.
func WriteBytes(buf *bytes.Buffer, b []byte) {
	WriteLong(buf, int64(len(b)))
	buf.Write(b)
}

// ReadBytes decodes a length-prefixed byte string, copying it out of data
// so the caller may retain it past data's lifetime.
func ReadBytes(data []byte, offset int) ([]byte, int, error) {
	n, offset, err := ReadLong(data, offset)
	if err != nil {
		return nil, -1, err
	}
	if n < 0 || offset+int(n) > len(data) {
		return nil, -1, errors.E(op, ErrTruncated)
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+int(n)])
	return out, offset + int(n), nil
}

// WriteString appends a long length prefix followed by the UTF-8 bytes.
func WriteString(buf *bytes.Buffer, s string) {
	WriteLong(buf, int64(len(s)))
	buf.WriteString(s)
}

// ReadString decodes a length-prefixed UTF-8 string.
func ReadString(data []byte, offset int) (string, int, error) {
	b, offset, err := ReadBytes(data, offset)
	if err != nil {
		return "", -1, err
	}
	return string(b), offset, nil
}

// WriteFixed appends exactly len(b) raw bytes with no length prefix, for
// Avro fixed(N) fields such as the 16-byte protocol hash.
func WriteFixed(buf *bytes.Buffer, b []byte) {
	buf.Write(b)
}

// ReadFixed copies n raw bytes with no length prefix.
func ReadFixed(data []byte, offset int, n int) ([]byte, int, error) {
	if offset+n > len(data) {
		return nil, -1, errors.E(op, ErrTruncated)
	}
	out := make([]byte, n)
	copy(out, data[offset:offset+n])
	return out, offset + n, nil
}

// WriteNullableString appends an Avro union [null, string]: a long branch
// index (0 for null, 1 for string) followed by the string when present.
func WriteNullableString(buf *bytes.Buffer, s *string) {
	if s == nil {
		WriteLong(buf, 0)
		return
	}
	WriteLong(buf, 1)
	WriteString(buf, *s)
}

// ReadNullableString decodes a union [null, string].
func ReadNullableString(data []byte, offset int) (*string, int, error) {
	branch, offset, err := ReadLong(data, offset)
	if err != nil {
		return nil, -1, err
	}
	switch branch {
	case 0:
		return nil, offset, nil
	case 1:
		s, offset, err := ReadString(data, offset)
		if err != nil {
			return nil, -1, err
		}
		return &s, offset, nil
	default:
		return nil, -1, errors.E(op, errors.Str("invalid union branch for nullable string"))
	}
}

// WriteNullableFixed appends a union [null, fixed(n)].
func WriteNullableFixed(buf *bytes.Buffer, b []byte) {
	if b == nil {
		WriteLong(buf, 0)
		return
	}
	WriteLong(buf, 1)
	WriteFixed(buf, b)
}

// ReadNullableFixed decodes a union [null, fixed(n)].
func ReadNullableFixed(data []byte, offset int, n int) ([]byte, int, error) {
	branch, offset, err := ReadLong(data, offset)
	if err != nil {
		return nil, -1, err
	}
	switch branch {
	case 0:
		return nil, offset, nil
	case 1:
		return ReadFixed(data, offset, n)
	default:
		return nil, -1, errors.E(op, errors.Str("invalid union branch for nullable fixed"))
	}
}

// WriteMapBytes appends an Avro map<string,bytes>: a sequence of blocks,
// each a long item count followed by that many (string key, bytes value)
// pairs, terminated by a zero-length block.
func WriteMapBytes(buf *bytes.Buffer, m map[string][]byte) {
	if len(m) > 0 {
		WriteLong(buf, int64(len(m)))
		for k, v := range m {
			WriteString(buf, k)
			WriteBytes(buf, v)
		}
	}
	WriteLong(buf, 0)
}

// ReadMapBytes decodes an Avro map<string,bytes>.
func ReadMapBytes(data []byte, offset int) (map[string][]byte, int, error) {
	result := make(map[string][]byte)
	for {
		count, next, err := ReadLong(data, offset)
		if err != nil {
			return nil, -1, err
		}
		offset = next
		if count == 0 {
			return result, offset, nil
		}
		if count < 0 {
			// negative count is followed by a byte-size of the block we
			// can skip validating; read it and ignore, per the Avro spec.
			_, next, err := ReadLong(data, offset)
			if err != nil {
				return nil, -1, err
			}
			offset = next
			count = -count
		}
		for i := int64(0); i < count; i++ {
			key, next, err := ReadString(data, offset)
			if err != nil {
				return nil, -1, err
			}
			offset = next
			val, next, err := ReadBytes(data, offset)
			if err != nil {
				return nil, -1, err
			}
			offset = next
			result[key] = val
		}
	}
}
