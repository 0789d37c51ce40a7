// Package handshake implements the Handshake Negotiator: the record
// shapes exchanged on requests/responses, and the stateful policy that
// drives match/retry transitions on the client side. The server side's
// match decision is made by the gateway in package server. Record shapes follow the Avro Netty transport's handshake
// schema named in the wire format (clientHash/clientProtocol/serverHash
// on requests; match/serverProtocol/serverHash on responses).
package handshake

import (
	"bytes"

	"github.com/roadrunner-server/errors"

	"github.com/nettyrpc/transport/pkg/avrobin"
)

// HashLen is the width of a protocol fingerprint.
const HashLen = 16

// Request is the handshake record attached to outgoing requests.
type Request struct {
	ClientHash     [HashLen]byte
	ClientProtocol *string
	ServerHash     [HashLen]byte
	Meta           map[string][]byte
}

// Response is the handshake record attached to responses.
type Response struct {
	Match          Match
	ServerProtocol *string
	ServerHash     *[HashLen]byte
	Meta           map[string][]byte
}

// EncodeRequest serializes a handshake request record.
func EncodeRequest(r *Request) ([]byte, error) {
	var buf bytes.Buffer
	avrobin.WriteFixed(&buf, r.ClientHash[:])
	avrobin.WriteNullableString(&buf, r.ClientProtocol)
	avrobin.WriteFixed(&buf, r.ServerHash[:])
	avrobin.WriteMapBytes(&buf, r.Meta)
	return buf.Bytes(), nil
}

// DecodeRequest parses a handshake request record starting at offset 0,
// returning the value and the offset just past it.
func DecodeRequest(data []byte) (*Request, int, error) {
	const op = errors.Op("handshake_decode_request")

	clientHash, off, err := avrobin.ReadFixed(data, 0, HashLen)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	clientProtocol, off, err := avrobin.ReadNullableString(data, off)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	serverHash, off, err := avrobin.ReadFixed(data, off, HashLen)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	meta, off, err := avrobin.ReadMapBytes(data, off)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}

	r := &Request{ClientProtocol: clientProtocol, Meta: meta}
	copy(r.ClientHash[:], clientHash)
	copy(r.ServerHash[:], serverHash)
	return r, off, nil
}

// EncodeResponse serializes a handshake response record.
func EncodeResponse(r *Response) ([]byte, error) {
	var buf bytes.Buffer
	avrobin.WriteLong(&buf, int64(r.Match))
	avrobin.WriteNullableString(&buf, r.ServerProtocol)
	if r.ServerHash != nil {
		avrobin.WriteNullableFixed(&buf, r.ServerHash[:])
	} else {
		avrobin.WriteNullableFixed(&buf, nil)
	}
	avrobin.WriteMapBytes(&buf, r.Meta)
	return buf.Bytes(), nil
}

// DecodeResponse parses a handshake response record starting at offset 0.
func DecodeResponse(data []byte) (*Response, int, error) {
	const op = errors.Op("handshake_decode_response")

	matchVal, off, err := avrobin.ReadLong(data, 0)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	serverProtocol, off, err := avrobin.ReadNullableString(data, off)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	serverHashBytes, off, err := avrobin.ReadNullableFixed(data, off, HashLen)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}
	meta, off, err := avrobin.ReadMapBytes(data, off)
	if err != nil {
		return nil, -1, errors.E(op, err)
	}

	r := &Response{Match: Match(matchVal), ServerProtocol: serverProtocol, Meta: meta}
	if serverHashBytes != nil {
		var h [HashLen]byte
		copy(h[:], serverHashBytes)
		r.ServerHash = &h
	}
	return r, off, nil
}
