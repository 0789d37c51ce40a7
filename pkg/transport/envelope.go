// Package transport composes the Framed Codec, Packet Payload Codec, and
// Handshake record codecs into the combined "(id, handshake?, packet)"
// envelope both the Client Bridge and Server Gateway exchange. It
// implements the sticky-downgrade decode policy:
// a frame group's frames are arbitrary transport-level chunking of one
// contiguous byte run, not necessarily aligned to the handshake/payload
// boundary, so decoding optimistically tries "handshake present" first
// and falls back to "no handshake" — flipping permanently to the
// no-handshake attempt once that fallback has succeeded, since a
// connection that has started omitting handshakes keeps omitting them.
package transport

import (
	"github.com/nettyrpc/transport/pkg/handshake"
	"github.com/nettyrpc/transport/pkg/packet"
	"github.com/nettyrpc/transport/pkg/wire"
)

func concatFrames(frames [][]byte) []byte {
	total := 0
	for _, f := range frames {
		total += len(f)
	}
	out := make([]byte, 0, total)
	for _, f := range frames {
		out = append(out, f...)
	}
	return out
}

// DecodeServerEnvelope decodes an incoming frame group from the client's
// perspective of the server: a handshake Request may or may not be
// present. expectHandshake is mutated in place to implement the
// sticky-downgrade policy across calls on one connection.
func DecodeServerEnvelope(expectHandshake *bool, group *wire.Group) (id int32, hs *handshake.Request, payload *packet.Payload, err error) {
	buf := concatFrames(group.Frames)
	if *expectHandshake {
		if h, n, herr := handshake.DecodeRequest(buf); herr == nil {
			if p, perr := packet.Decode(buf[n:]); perr == nil {
				return group.ID, h, p, nil
			}
		}
	}
	p, perr := packet.Decode(buf)
	if perr != nil {
		return 0, nil, nil, perr
	}
	if *expectHandshake {
		*expectHandshake = false
	}
	return group.ID, nil, p, nil
}

// DecodeClientEnvelope is the client-side counterpart: it decodes a
// handshake Response when present under the same sticky-downgrade policy.
func DecodeClientEnvelope(expectHandshake *bool, group *wire.Group) (id int32, hs *handshake.Response, payload *packet.Payload, err error) {
	buf := concatFrames(group.Frames)
	if *expectHandshake {
		if h, n, herr := handshake.DecodeResponse(buf); herr == nil {
			if p, perr := packet.Decode(buf[n:]); perr == nil {
				return group.ID, h, p, nil
			}
		}
	}
	p, perr := packet.Decode(buf)
	if perr != nil {
		return 0, nil, nil, perr
	}
	if *expectHandshake {
		*expectHandshake = false
	}
	return group.ID, nil, p, nil
}

// EncodeServerEnvelope writes a response frame group. A nil hs writes the
// payload alone; the Server Gateway does this when answering a stateful
// follow-up request that carried no handshake.
func EncodeServerEnvelope(enc *wire.Encoder, id int32, hs *handshake.Response, payload *packet.Payload) error {
	var frames [][]byte
	if hs != nil {
		hb, err := handshake.EncodeResponse(hs)
		if err != nil {
			return err
		}
		frames = append(frames, hb)
	}
	pb, err := packet.Encode(payload)
	if err != nil {
		return err
	}
	frames = append(frames, pb)
	return enc.Encode(id, frames)
}

// EncodeClientEnvelope writes a request frame group. The Client Bridge
// always attaches a handshake.
func EncodeClientEnvelope(enc *wire.Encoder, id int32, hs *handshake.Request, payload *packet.Payload) error {
	hb, err := handshake.EncodeRequest(hs)
	if err != nil {
		return err
	}
	pb, err := packet.Encode(payload)
	if err != nil {
		return err
	}
	return enc.Encode(id, [][]byte{hb, pb})
}
