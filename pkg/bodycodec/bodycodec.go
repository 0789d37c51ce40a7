// Package bodycodec offers optional helpers for interpreting the opaque
// body bytes a Request/Response carries. The core transport never calls
// into this package itself (the body is opaque to the wire layer); it
// exists so an application's Router/Channel implementation built on this
// transport has an idiomatic place to (de)serialize request and response
// bodies across multiple wire formats, as a small Codec interface rather
// than free functions keyed by byte flags, since this transport's packet
// layer has no per-call codec-selection flag of its own.
package bodycodec

import (
	"bytes"
	"encoding/gob"

	jsoniter "github.com/json-iterator/go"
	"github.com/roadrunner-server/errors"
	"github.com/vmihailenco/msgpack/v5"
	"google.golang.org/protobuf/proto"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Codec marshals/unmarshals a body value to/from bytes.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(b []byte, v any) error
}

// JSON marshals with json-iterator.
var JSON Codec = jsonCodec{}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(b []byte, v any) error { return json.Unmarshal(b, v) }

// Msgpack marshals with vmihailenco/msgpack as a compact binary format.
var Msgpack Codec = msgpackCodec{}

type msgpackCodec struct{}

func (msgpackCodec) Marshal(v any) ([]byte, error) { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(b []byte, v any) error { return msgpack.Unmarshal(b, v) }

// Gob marshals with encoding/gob.
var Gob Codec = gobCodec{}

type gobCodec struct{}

func (gobCodec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, errors.E(errors.Op("bodycodec_gob_marshal"), err)
	}
	return buf.Bytes(), nil
}

func (gobCodec) Unmarshal(b []byte, v any) error {
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(v); err != nil {
		return errors.E(errors.Op("bodycodec_gob_unmarshal"), err)
	}
	return nil
}

// Proto marshals with google.golang.org/protobuf. v must implement
// proto.Message.
var Proto Codec = protoCodec{}

type protoCodec struct{}

func (protoCodec) Marshal(v any) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, errors.E(errors.Op("bodycodec_proto_marshal"), errors.Str("value is not a proto.Message"))
	}
	return proto.Marshal(m)
}

func (protoCodec) Unmarshal(b []byte, v any) error {
	m, ok := v.(proto.Message)
	if !ok {
		return errors.E(errors.Op("bodycodec_proto_unmarshal"), errors.Str("value is not a proto.Message"))
	}
	return proto.Unmarshal(b, m)
}

// Raw passes bytes through unchanged. Marshal accepts []byte or *[]byte;
// Unmarshal requires *[]byte.
var Raw Codec = rawCodec{}

type rawCodec struct{}

func (rawCodec) Marshal(v any) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case *[]byte:
		return *b, nil
	default:
		return nil, errors.E(errors.Op("bodycodec_raw_marshal"), errors.Str("value is not []byte"))
	}
}

func (rawCodec) Unmarshal(b []byte, v any) error {
	out, ok := v.(*[]byte)
	if !ok {
		return errors.E(errors.Op("bodycodec_raw_unmarshal"), errors.Str("value is not *[]byte"))
	}
	*out = append((*out)[:0], b...)
	return nil
}
