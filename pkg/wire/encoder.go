package wire

import (
	"encoding/binary"
	"io"
	"sync"

	"github.com/roadrunner-server/errors"
)

// Encoder serializes frame groups onto an io.Writer. A mutex holds the
// header-plus-frames write together so concurrent Encode calls from
// multiple goroutines on one bridge never interleave two groups' bytes,
// satisfying the atomic-emission invariant.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder wraps w for frame-group encoding.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one frame group: an 8-byte (id, frame_count) header
// followed by each frame as a (length, bytes) pair, all big-endian.
func (e *Encoder) Encode(id int32, frames [][]byte) error {
	const op = errors.Op("wire_encode")

	e.mu.Lock()
	defer e.mu.Unlock()

	var hdr [headerLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(id)) //nolint:gosec
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(frames))) //nolint:gosec
	if _, err := e.w.Write(hdr[:]); err != nil {
		return errors.E(op, err)
	}

	var lenBuf [4]byte
	for _, f := range frames {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f))) //nolint:gosec
		if _, err := e.w.Write(lenBuf[:]); err != nil {
			return errors.E(op, err)
		}
		if len(f) == 0 {
			continue
		}
		if _, err := e.w.Write(f); err != nil {
			return errors.E(op, err)
		}
	}
	return nil
}
