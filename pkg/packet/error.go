package packet

import (
	"bytes"
	"fmt"

	"github.com/nettyrpc/transport/pkg/avrobin"
)

// Well-known system error kinds this transport itself produces. A
// Channel implementation's own errors pass through CHANNEL_FAILURE
// unless already a SystemError.
const (
	KindUnknownClientProtocol = "UNKNOWN_CLIENT_PROTOCOL"
	KindChannelFailure        = "CHANNEL_FAILURE"
)

// SystemError is the record carried by an error-tagged payload body: a
// short machine-readable kind and a human-readable message. It
// implements error so it can flow through continuation signatures
// directly.
type SystemError struct {
	Kind    string
	Message string
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Wrap produces a SystemError from err, preserving it unchanged if err is
// already one: call errors are wrapped under CHANNEL_FAILURE only when
// they aren't already a system error.
func Wrap(kind string, err error) *SystemError {
	if se, ok := err.(*SystemError); ok {
		return se
	}
	return &SystemError{Kind: kind, Message: err.Error()}
}

func (e *SystemError) encode() []byte {
	var buf bytes.Buffer
	avrobin.WriteString(&buf, e.Kind)
	avrobin.WriteString(&buf, e.Message)
	return buf.Bytes()
}

func decodeSystemError(data []byte) (*SystemError, error) {
	kind, n, err := avrobin.ReadString(data, 0)
	if err != nil {
		return nil, err
	}
	msg, _, err := avrobin.ReadString(data, n)
	if err != nil {
		return nil, err
	}
	return &SystemError{Kind: kind, Message: msg}, nil
}
