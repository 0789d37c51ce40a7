package client

import (
	"context"

	"github.com/roadrunner-server/errors"

	"github.com/nettyrpc/transport/pkg/transport"
	"github.com/nettyrpc/transport/pkg/wire"
	"github.com/nettyrpc/transport/pkg/xerrors"
	"github.com/nettyrpc/transport/pkg/xlog"
)

// readLoop is the bridge's single logical executor: it reads frame
// groups off the wire, decodes them, and dispatches each to its pending
// call. Exactly one goroutine drains responses for a given bridge, so
// the negotiator and pending map below
// need no internal locking beyond what guards concurrent Call() callers.
func (b *Bridge) readLoop(ctx context.Context) {
	const op = errors.Op("bridge_read_loop")

	groups := make(chan *wire.Group, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- wire.ReadGroups(ctx, b.rwc, groups)
		close(groups)
	}()

	for g := range groups {
		b.handleGroup(g)
	}

	if err := <-errCh; err != nil {
		b.logger.Warn(string(op), "client stream ended", xlog.F("error", err.Error()))
		b.Destroy(errors.E(op, err))
		return
	}
	// Clean EOF with nothing outstanding is a graceful writable finish;
	// that also triggers close/teardown.
	b.Destroy(nil)
}

func (b *Bridge) handleGroup(g *wire.Group) {
	const op = errors.Op("bridge_handle_response")

	id, hs, payload, err := transport.DecodeClientEnvelope(&b.expectHandshake, g)
	if err != nil {
		b.logger.Error(string(op), "failed to decode response envelope", err)
		b.Destroy(errors.E(op, err))
		return
	}

	pc := b.untrack(id)
	if pc == nil {
		b.logger.Warn(string(op), xerrors.ErrNoCallback.Error(), xlog.F("id", id))
		return
	}

	resp := &Response{Headers: payload.Headers, Body: payload.Body}
	if payload.IsSystemError() {
		sysErr, serr := payload.SystemError()
		if serr != nil {
			pc.continuation(nil, errors.E(op, serr))
			return
		}
		resp.SystemError = sysErr
	}

	if hs == nil {
		// A stateful peer answered without handshake framing; nothing to
		// (re)negotiate, deliver as-is.
		pc.resolved = pc.svc
		pc.continuation(resp, nil)
		return
	}

	resolved, retry, nerr := b.neg.HandleResponse(pc.svc, hs, pc.retried)
	if nerr != nil {
		pc.continuation(nil, errors.E(op, nerr))
		b.Destroy(errors.E(op, nerr))
		return
	}
	pc.resolved = resolved

	if retry {
		pc.retried = true
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			pc.continuation(nil, errors.E(op, xerrors.ErrBridgeClosed))
			return
		}
		b.pending[id] = pc
		b.mu.Unlock()
		if err := b.send(id, pc, true); err != nil {
			b.untrack(id)
			pc.continuation(nil, errors.E(op, err))
		}
		return
	}

	pc.continuation(resp, nil)
}
