// Package service models the Service external collaborator: an opaque
// token identified by a 16-byte protocol hash and carrying the protocol's
// JSON description. The core treats services as opaque; this package
// gives the module a concrete, independently testable implementation so
// the transport can be exercised without a consumer-supplied schema
// layer.
package service

import (
	"crypto/md5" //nolint:gosec // fingerprint, not a security boundary; pinned by the wire format
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/roadrunner-server/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service is an external entity supplying a stable hash and a JSON
// protocol description. The transport treats it as an opaque token keyed
// by Hash.
type Service interface {
	Hash() [16]byte
	Protocol() string
}

// Static is the concrete Service used by this module: an immutable pair
// of a precomputed hash and the protocol text it was derived from.
type Static struct {
	hash     [16]byte
	protocol string
}

func (s Static) Hash() [16]byte { return s.hash }
func (s Static) Protocol() string { return s.protocol }

// New derives a Service from protocol JSON text, hashing its canonical
// form. Unlike Parse, it never fails: malformed JSON is hashed as-is,
// which is acceptable for statically-known protocols defined in Go code.
func New(protocolJSON string) Static {
	return Static{hash: canonicalHash(protocolJSON), protocol: protocolJSON}
}

// Parse derives a Service from protocol text received over the wire.
// The client bridge destroys itself when a server protocol taught by a
// handshake response fails to parse; the gateway answers an unparsable
// client protocol with a MatchNone system error.
func Parse(protocolJSON string) (Static, error) {
	const op = errors.Op("service_parse")
	var probe any
	if err := json.Unmarshal([]byte(protocolJSON), &probe); err != nil {
		return Static{}, errors.E(op, err)
	}
	return New(protocolJSON), nil
}

// canonicalHash hashes a stable re-serialization of protocolJSON so that
// semantically identical protocols with different key ordering or
// whitespace hash identically. This is a deliberate simplification of
// Avro's Parsing Canonical Form.
func canonicalHash(protocolJSON string) [16]byte {
	var v any
	if err := json.Unmarshal([]byte(protocolJSON), &v); err != nil {
		return md5.Sum([]byte(protocolJSON)) //nolint:gosec
	}
	canon := canonicalize(v)
	b, err := json.Marshal(canon)
	if err != nil {
		return md5.Sum([]byte(protocolJSON)) //nolint:gosec
	}
	return md5.Sum(b) //nolint:gosec
}

func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(map[string]any, len(t))
		for _, k := range keys {
			ordered[k] = canonicalize(t[k])
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}

// Discovery is the well-known bootstrap service used by Bridge.Ping to
// enumerate a gateway's registered services.
var Discovery = New(`{"protocol":"avro.netty.DiscoveryService"}`)
