// Package packet implements the Packet Payload Codec: the inner payload
// carried inside a frame group's non-handshake frame, consisting of a
// schema-encoded header map followed by the raw body. It also synthesizes
// and recognizes system-error payloads, whose body begins with the
// mandatory 0x01 0x00 discriminator pinned by the wire format.
package packet

import (
	"bytes"

	"github.com/roadrunner-server/errors"

	"github.com/nettyrpc/transport/pkg/avrobin"
)

// Payload is the decoded (headers, body) pair carried by a request or
// response frame.
type Payload struct {
	Headers map[string][]byte
	Body    []byte
}

// errorDiscriminator is the mandatory two-byte prefix tagging a system
// error payload: 0x01 selects the error branch of the body's implicit
// union, 0x00 selects the "system error" variant within it.
var errorDiscriminator = [2]byte{0x01, 0x00}

// Encode serializes headers followed by the raw body.
func Encode(p *Payload) ([]byte, error) {
	var buf bytes.Buffer
	avrobin.WriteMapBytes(&buf, p.Headers)
	buf.Write(p.Body)
	return buf.Bytes(), nil
}

// Decode parses a header map off the front of data; everything after it
// is the body, untouched.
func Decode(data []byte) (*Payload, error) {
	const op = errors.Op("packet_decode")
	headers, n, err := avrobin.ReadMapBytes(data, 0)
	if err != nil {
		return nil, errors.E(op, errors.Str("truncated request headers"), err)
	}
	body := append([]byte(nil), data[n:]...)
	return &Payload{Headers: headers, Body: body}, nil
}

// IsSystemError reports whether this payload's body carries a system
// error per the wire discriminator.
func (p *Payload) IsSystemError() bool {
	return len(p.Body) >= 2 && p.Body[0] == errorDiscriminator[0] && p.Body[1] == errorDiscriminator[1]
}

// SystemError decodes the error record following the discriminator. The
// caller must have already checked IsSystemError.
func (p *Payload) SystemError() (*SystemError, error) {
	const op = errors.Op("packet_decode_system_error")
	if !p.IsSystemError() {
		return nil, errors.E(op, errors.Str("payload does not carry a system error"))
	}
	return decodeSystemError(p.Body[2:])
}

// EncodeSystemError builds a Payload whose body carries the mandatory
// error discriminator followed by the encoded error record, with the
// given headers attached (headers are optional per the wire format; nil
// is valid).
func EncodeSystemError(headers map[string][]byte, sysErr *SystemError) (*Payload, error) {
	var buf bytes.Buffer
	buf.Write(errorDiscriminator[:])
	buf.Write(sysErr.encode())
	return &Payload{Headers: headers, Body: buf.Bytes()}, nil
}
