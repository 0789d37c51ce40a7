package wire

import (
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/roadrunner-server/errors"
)

const headerLen = 8

type decodeState int

const (
	stateHeader decodeState = iota
	stateFrame
)

// accumPool reuses the backing array for the Decoder's internal
// accumulation buffer across Feed calls, mirroring the pooled scratch
// buffers in internal/receive.go (get/put) without handing pooled memory
// across the package boundary to callers.
var accumPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, 4096)
		return &b
	},
}

// Decoder is a push-based frame-group parser: callers feed it arbitrary
// byte chunks via Feed and receive however many complete groups those
// chunks completed. It never blocks and never performs I/O itself, so it
// is trivially testable against the chunking-invariance property, and is
// reused by ReadGroups to drive a real io.Reader.
type Decoder struct {
	accum      *[]byte
	state      decodeState
	id         int32
	frameCount int32
	frames     [][]byte
}

// NewDecoder returns a Decoder ready to parse a fresh stream, starting in
// the "need header" state.
func NewDecoder() *Decoder {
	return &Decoder{accum: accumPool.Get().(*[]byte)}
}

// Feed appends data to the decoder's internal buffer and returns every
// frame group that became fully decodable as a result. It never returns
// an error for merely-incomplete input; errors are reserved for
// malformed lengths.
func (d *Decoder) Feed(data []byte) ([]*Group, error) {
	*d.accum = append(*d.accum, data...)
	var out []*Group
	for {
		switch d.state {
		case stateHeader:
			if len(*d.accum) < headerLen {
				return out, nil
			}
			buf := *d.accum
			d.id = int32(binary.BigEndian.Uint32(buf[0:4])) //nolint:gosec
			d.frameCount = int32(binary.BigEndian.Uint32(buf[4:8])) //nolint:gosec
			*d.accum = append((*d.accum)[:0], buf[headerLen:]...)
			d.frames = nil
			if d.frameCount < 0 {
				return out, errors.E(errors.Op("wire_decode"), errors.Str("negative frame count"))
			}
			if d.frameCount == 0 {
				out = append(out, &Group{ID: d.id, Frames: nil})
				continue
			}
			d.state = stateFrame
		case stateFrame:
			buf := *d.accum
			if len(buf) < 4 {
				return out, nil
			}
			length := int32(binary.BigEndian.Uint32(buf[0:4])) //nolint:gosec
			if length < 0 {
				return out, errors.E(errors.Op("wire_decode"), errors.Str("negative frame length"))
			}
			if int32(len(buf)) < 4+length {
				return out, nil
			}
			frame := make([]byte, length)
			copy(frame, buf[4:4+length])
			*d.accum = append((*d.accum)[:0], buf[4+length:]...)
			d.frames = append(d.frames, frame)
			d.frameCount--
			if d.frameCount == 0 {
				out = append(out, &Group{ID: d.id, Frames: d.frames})
				d.frames = nil
				d.state = stateHeader
			}
		}
	}
}

// Close signals end of input. It returns a *TrailingDataError carrying
// any buffered-but-incomplete bytes, or nil if the stream ended cleanly
// on a frame-group boundary. It releases the decoder's pooled buffer;
// the Decoder must not be used again after Close.
func (d *Decoder) Close() error {
	defer func() {
		b := (*d.accum)[:0]
		accumPool.Put(&b)
		d.accum = nil
	}()
	if d.state != stateHeader || len(*d.accum) > 0 {
		leftover := append([]byte(nil), *d.accum...)
		return &TrailingDataError{Data: leftover}
	}
	return nil
}

// ReadGroups drives a Decoder off r, pushing each decoded Group onto out
// until r is exhausted, ctx is cancelled, or a decode error occurs. It is
// meant to run as one input goroutine per connection, reading through
// the decoder into a channel.
func ReadGroups(ctx context.Context, r io.Reader, out chan<- *Group) error {
	dec := NewDecoder()
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			groups, derr := dec.Feed(buf[:n])
			for _, g := range groups {
				select {
				case out <- g:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if derr != nil {
				return derr
			}
		}
		if err != nil {
			if err == io.EOF {
				return dec.Close()
			}
			return errors.E(errors.Op("wire_read"), err)
		}
	}
}
