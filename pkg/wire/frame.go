// Package wire implements the framed codec: the pure stream transform
// between raw bytes and frame groups keyed by a 32-bit call id. It knows
// nothing about handshakes or packet payloads — those are layered on top
// in package transport. Decoding is a push-based state machine over a
// pooled accumulation buffer, pinned to a big-endian
// (id, frame_count, frames) layout rather than a CRC-checked header.
package wire

// Group is one wire-level frame group: a call id and the frames carried
// for that one request or response.
type Group struct {
	ID     int32
	Frames [][]byte
}

// TrailingDataError is returned by Decoder.Close when the input ended
// with a buffered partial header or partial frame still outstanding.
type TrailingDataError struct {
	Data []byte
}

func (e *TrailingDataError) Error() string {
	return "wire: trailing data at end of stream"
}
