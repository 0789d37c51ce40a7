// Package client implements the client bridge: it owns one duplex
// stream, tracks pending calls by id, attaches and interprets handshake
// records via the handshake negotiator, retries once on a MatchNone
// response, and exposes discovery. The pending-request map with
// one-shot delivery follows the in-flight-call tracking used by RPC
// clients that multiplex many concurrent calls over a single stream,
// using a mutex-guarded map rather than a single synchronous codec
// instance since this transport multiplexes continuations by id.
package client

import (
	"bytes"
	"context"
	"io"
	"sync"
	"sync/atomic"

	jsoniter "github.com/json-iterator/go"
	"github.com/roadrunner-server/errors"

	"github.com/nettyrpc/transport/pkg/avrobin"
	"github.com/nettyrpc/transport/pkg/handshake"
	"github.com/nettyrpc/transport/pkg/packet"
	"github.com/nettyrpc/transport/pkg/rpcmsg"
	"github.com/nettyrpc/transport/pkg/service"
	"github.com/nettyrpc/transport/pkg/trace"
	"github.com/nettyrpc/transport/pkg/transport"
	"github.com/nettyrpc/transport/pkg/wire"
	"github.com/nettyrpc/transport/pkg/xerrors"
	"github.com/nettyrpc/transport/pkg/xlog"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Header keys carried in handshake meta.
const (
	headerTraceDeadline = "avro.trace.deadline"
	headerTraceLabels   = "avro.trace.labels"
	headerProtocols     = "avro.protocols"
)

// Response is what a Call's continuation receives on success. SystemError
// is non-nil when the peer reported a business-level failure through the
// payload; that is not itself a Go error — the response body is then
// expected to convey a usable system error.
type Response struct {
	Headers     map[string][]byte
	Body        []byte
	SystemError *packet.SystemError
}

type pendingCall struct {
	svc          service.Service
	resolved     service.Service
	request      *rpcmsg.Request
	meta         map[string][]byte
	retried      bool
	continuation func(*Response, error)
	finalize     func() bool
}

// Bridge is the client-side owner of one duplex stream and its pending
// calls.
type Bridge struct {
	mu      sync.Mutex
	closed  bool
	pending map[int32]*pendingCall
	nextID  atomic.Int32

	neg *handshake.ClientNegotiator
	svc service.Service

	rwc io.ReadWriteCloser
	enc *wire.Encoder

	cancel context.CancelFunc

	expectHandshake bool

	logger      xlog.Logger
	onError     func(error)
	destroyOnce sync.Once
}

// Option configures a Bridge at construction time.
type Option func(*Bridge)

// WithLogger overrides the default no-op logger.
func WithLogger(l xlog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

// WithErrorObserver registers a callback invoked once when the bridge is
// destroyed due to a stream error.
func WithErrorObserver(fn func(error)) Option {
	return func(b *Bridge) { b.onError = fn }
}

// New creates a Bridge over rwc speaking as svc, and starts its read loop.
func New(rwc io.ReadWriteCloser, svc service.Service, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		pending:         make(map[int32]*pendingCall),
		neg:             handshake.NewClientNegotiator(),
		svc:             svc,
		rwc:             rwc,
		enc:             wire.NewEncoder(rwc),
		cancel:          cancel,
		expectHandshake: true,
		logger:          xlog.Nop{},
	}
	for _, opt := range opts {
		opt(b)
	}
	go b.readLoop(ctx)
	return b
}

// Call issues a request and arranges for continuation to be invoked
// exactly once: on a matching response, on the trace going inactive, or
// on bridge destruction — whichever happens first, and only once.
func (b *Bridge) Call(tr trace.Trace, req *rpcmsg.Request, continuation func(*Response, error)) {
	const op = errors.Op("bridge_call")

	meta, err := b.buildMeta(tr)
	if err != nil {
		continuation(nil, errors.E(op, err))
		return
	}

	id := b.nextID.Add(1)
	if id == 0 {
		id = b.nextID.Add(1)
	}

	finalize := tr.OnceInactive(func() { b.deliverInactive(id) })
	wrapped := func(resp *Response, err error) {
		if finalize() {
			continuation(resp, err)
		}
	}
	pc := &pendingCall{svc: b.svc, request: req, meta: meta, continuation: wrapped, finalize: finalize}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		wrapped(nil, errors.E(op, xerrors.ErrBridgeClosed))
		return
	}
	b.pending[id] = pc
	b.mu.Unlock()

	if err := b.send(id, pc, false); err != nil {
		b.untrack(id)
		wrapped(nil, errors.E(op, err))
		return
	}

	if !tr.Active() {
		b.deliverInactive(id)
	}
}

// Ping issues a call against the well-known discovery service and
// reports the protocols the peer serves.
func (b *Bridge) Ping(tr trace.Trace, continuation func(protocols []string, err error)) {
	b.callAs(tr, service.Discovery, &rpcmsg.Request{}, func(resp *Response, svc service.Service, err error) {
		if err != nil {
			continuation(nil, err)
			return
		}
		if resp.SystemError != nil && svc.Hash() == service.Discovery.Hash() {
			continuation(nil, resp.SystemError)
			return
		}
		if raw, ok := resp.Headers[headerProtocols]; ok {
			var protocols []string
			if jerr := json.Unmarshal(raw, &protocols); jerr != nil {
				continuation(nil, errors.E(errors.Op("bridge_ping_decode"), jerr))
				return
			}
			continuation(protocols, nil)
			return
		}
		// A non-gateway peer answers discovery with its own single
		// service protocol rather than the avro.protocols header.
		continuation([]string{svc.Protocol()}, nil)
	})
}

// Close stops accepting new calls; in-flight calls are allowed to
// complete, after which the underlying stream is released.
func (b *Bridge) Close() error {
	b.mu.Lock()
	b.closed = true
	drained := len(b.pending) == 0
	b.mu.Unlock()
	if drained {
		return b.rwc.Close()
	}
	return nil
}

// Destroy closes the bridge immediately and fails every pending
// continuation with a "bridge destroyed" error, emitting err to any
// registered error observer.
func (b *Bridge) Destroy(err error) {
	b.destroyOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		pending := b.pending
		b.pending = make(map[int32]*pendingCall)
		b.mu.Unlock()

		const op = errors.Op("bridge_destroy")
		destroyErr := errors.E(op, xerrors.ErrBridgeDestroyed)
		for _, pc := range pending {
			pc.continuation(nil, destroyErr)
		}

		b.cancel()
		_ = b.rwc.Close()

		if err != nil && b.onError != nil {
			b.onError(err)
		}
	})
}

// buildMeta serializes the trace's labels and, if present, its deadline
// into handshake meta bytes. A failure here is call-local: it never
// alters bridge state.
func (b *Bridge) buildMeta(tr trace.Trace) (map[string][]byte, error) {
	const op = errors.Op("bridge_build_meta")
	meta := make(map[string][]byte, 2)

	labelBytes, err := json.Marshal(tr.Labels())
	if err != nil {
		return nil, errors.E(op, err)
	}
	meta[headerTraceLabels] = labelBytes

	if deadline, ok := tr.Deadline(); ok {
		var buf bytes.Buffer
		avrobin.WriteLong(&buf, deadline.UnixMilli())
		meta[headerTraceDeadline] = buf.Bytes()
	}
	return meta, nil
}

// untrack removes id from pending and, if the bridge is closed and now
// drained, releases the underlying stream.
func (b *Bridge) untrack(id int32) *pendingCall {
	b.mu.Lock()
	pc := b.pending[id]
	delete(b.pending, id)
	drained := b.closed && len(b.pending) == 0
	b.mu.Unlock()
	if drained {
		_ = b.rwc.Close()
	}
	return pc
}

func (b *Bridge) deliverInactive(id int32) {
	pc := b.untrack(id)
	if pc == nil {
		return
	}
	pc.continuation(nil, errors.E(errors.Op("bridge_trace_inactive"), xerrors.ErrTraceInactive))
}

// send writes the wire envelope for a pending call, attaching the client
// protocol text only when includeProtocol is set (a MatchNone retry).
func (b *Bridge) send(id int32, pc *pendingCall, includeProtocol bool) error {
	rec := b.neg.PrepareRequest(pc.svc, includeProtocol)
	rec.Meta = pc.meta
	payload := &packet.Payload{Headers: pc.request.Headers, Body: pc.request.Body}
	return transport.EncodeClientEnvelope(b.enc, id, rec, payload)
}

// callAs is Call generalized over which Service identity the request is
// made as, used internally by Ping to present the discovery service's
// hash instead of the bridge's own.
func (b *Bridge) callAs(tr trace.Trace, svc service.Service, req *rpcmsg.Request, continuation func(*Response, service.Service, error)) {
	const op = errors.Op("bridge_call")

	meta, err := b.buildMeta(tr)
	if err != nil {
		continuation(nil, svc, errors.E(op, err))
		return
	}

	id := b.nextID.Add(1)
	if id == 0 {
		id = b.nextID.Add(1)
	}

	pc := &pendingCall{svc: svc, resolved: svc, request: req, meta: meta}
	finalize := tr.OnceInactive(func() { b.deliverInactive(id) })
	pc.finalize = finalize
	pc.continuation = func(resp *Response, err error) {
		if finalize() {
			continuation(resp, pc.resolved, err)
		}
	}
	wrapped := pc.continuation

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		wrapped(nil, errors.E(op, xerrors.ErrBridgeClosed))
		return
	}
	b.pending[id] = pc
	b.mu.Unlock()

	if err := b.send(id, pc, false); err != nil {
		b.untrack(id)
		wrapped(nil, errors.E(op, err))
		return
	}
}
