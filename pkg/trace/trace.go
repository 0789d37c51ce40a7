// Package trace models the Trace external collaborator: a distributed
// trace context carrying an optional absolute deadline, a label set, and
// cancellation semantics exposed as a one-shot "became inactive"
// registration. The core only consumes the Trace interface; Deadline
// below is a concrete, independently testable implementation so the
// transport's timeout behavior can be exercised without a consumer's own
// tracing stack.
package trace

import (
	"context"
	"sync/atomic"
	"time"
)

// Trace is the external collaborator the transport consumes for
// deadlines, labels, and cancellation.
type Trace interface {
	// Active reports whether the trace has not yet expired or been
	// cancelled.
	Active() bool
	// Deadline returns the absolute deadline and whether one is set.
	Deadline() (time.Time, bool)
	// Labels returns the trace's label set (string keys, JSON-encodable
	// values).
	Labels() map[string]any
	// OnceInactive registers fn to run the first time the trace becomes
	// inactive, and returns a finalizer: the first call to the returned
	// function returns true ("not yet delivered, you may proceed"), every
	// subsequent call returns false. Racing callers — a response arriving,
	// a deadline firing, a bridge being destroyed — share this finalizer
	// to guarantee exactly-once delivery.
	OnceInactive(fn func()) func() bool
}

// Deadline is a Trace backed by a context.Context carrying an optional
// deadline.
type Deadline struct {
	ctx    context.Context
	cancel context.CancelFunc
	labels map[string]any
}

// NewDeadline returns a Deadline trace derived from parent. If hasDeadline
// is false, the trace is only cancellable via Cancel, never by time.
func NewDeadline(parent context.Context, deadline time.Time, hasDeadline bool) *Deadline {
	if parent == nil {
		parent = context.Background()
	}
	var ctx context.Context
	var cancel context.CancelFunc
	if hasDeadline {
		ctx, cancel = context.WithDeadline(parent, deadline)
	} else {
		ctx, cancel = context.WithCancel(parent)
	}
	return &Deadline{ctx: ctx, cancel: cancel, labels: make(map[string]any)}
}

// Active implements Trace.
func (d *Deadline) Active() bool {
	select {
	case <-d.ctx.Done():
		return false
	default:
		return true
	}
}

// Deadline implements Trace.
func (d *Deadline) Deadline() (time.Time, bool) {
	return d.ctx.Deadline()
}

// Labels implements Trace.
func (d *Deadline) Labels() map[string]any {
	return d.labels
}

// SetLabel merges a label into the trace, as done when a handshake's
// meta carries label bytes to merge in.
func (d *Deadline) SetLabel(key string, value any) {
	d.labels[key] = value
}

// OnceInactive implements Trace.
func (d *Deadline) OnceInactive(fn func()) func() bool {
	var delivered atomic.Bool
	go func() {
		<-d.ctx.Done()
		if fn != nil {
			fn()
		}
	}()
	return func() bool {
		return delivered.CompareAndSwap(false, true)
	}
}

// Cancel makes the trace inactive immediately, as a caller-driven
// cancellation distinct from deadline expiry.
func (d *Deadline) Cancel() {
	d.cancel()
}

// Err returns the reason the trace's context is done, or nil if it is
// still active.
func (d *Deadline) Err() error {
	return d.ctx.Err()
}
