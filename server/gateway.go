// Package server implements the server-side gateway: it accepts one
// duplex stream per connection, resolves the calling client's service
// against a shared cache, negotiates the handshake match, and forwards
// resolved calls to a Router/Channel pair, marshaling whatever comes
// back into a response envelope.
//
// One goroutine per connection reads frames into a decoder and calls an
// explicit respond callback rather than returning a value, multiplexing
// calls by id over a single handshake-aware envelope.
package server

import (
	"context"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"

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

const (
	headerTraceDeadline = "avro.trace.deadline"
	headerTraceLabels   = "avro.trace.labels"
	headerProtocols     = "avro.protocols"
)

// Gateway serves a Router over any number of accepted connections. The
// clientServices cache is shared across every connection it accepts —
// the one piece of state that outlives a single connection.
type Gateway struct {
	router Router

	mu             sync.Mutex
	clientServices map[[16]byte]service.Service
	conns          map[*connection]struct{}

	logger       xlog.Logger
	idleTimeout  time.Duration
	onFrameGroup func(*wire.Group)
}

// Option configures a Gateway at construction time.
type Option func(*Gateway)

// WithLogger overrides the default no-op logger.
func WithLogger(l xlog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithIdleTimeout closes a connection whose next read waits longer than
// d; the read deadline is reset before every read, not per frame group.
// It only takes effect when the stream passed to Accept supports read
// deadlines (i.e. implements SetReadDeadline, as net.Conn does).
func WithIdleTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.idleTimeout = d }
}

// WithFrameGroupHook installs fn to be called once per decoded frame
// group, ahead of any handshake or routing logic, for metrics or
// tracing instrumentation external to the core transport.
func WithFrameGroupHook(fn func(*wire.Group)) Option {
	return func(g *Gateway) { g.onFrameGroup = fn }
}

// New builds a Gateway serving router.
func New(router Router, opts ...Option) *Gateway {
	g := &Gateway{
		router:         router,
		clientServices: make(map[[16]byte]service.Service),
		conns:          make(map[*connection]struct{}),
		logger:         xlog.Nop{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// idleReader resets rd's read deadline before every Read, implementing
// WithIdleTimeout without reaching into wire.Decoder's read loop.
type idleReader struct {
	r       io.Reader
	rd      readDeadliner
	timeout time.Duration
}

func (ir *idleReader) Read(p []byte) (int, error) {
	if ir.rd != nil && ir.timeout > 0 {
		_ = ir.rd.SetReadDeadline(time.Now().Add(ir.timeout))
	}
	return ir.r.Read(p)
}

// Accept serves one connection over rwc until it ends, blocking the
// calling goroutine — callers run it per accepted connection, typically
// in its own goroutine.
func (g *Gateway) Accept(ctx context.Context, rwc io.ReadWriteCloser) error {
	const op = errors.Op("gateway_accept")

	conn := &connection{
		gateway:         g,
		rwc:             rwc,
		enc:             wire.NewEncoder(rwc),
		expectHandshake: true,
	}

	g.mu.Lock()
	g.conns[conn] = struct{}{}
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.conns, conn)
		g.mu.Unlock()
	}()

	var reader io.Reader = rwc
	if dl, ok := rwc.(readDeadliner); ok && g.idleTimeout > 0 {
		reader = &idleReader{r: rwc, rd: dl, timeout: g.idleTimeout}
	}

	groups := make(chan *wire.Group, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- wire.ReadGroups(ctx, reader, groups)
		close(groups)
	}()

	for gr := range groups {
		if g.onFrameGroup != nil {
			g.onFrameGroup(gr)
		}
		conn.handleGroup(ctx, gr)
	}

	err := <-errCh
	_ = rwc.Close()
	if err != nil {
		g.router.Emit("error", err)
		return errors.E(op, err)
	}
	return nil
}

// connection holds the per-accept state: the sticky handshake-decode
// mode and the last-seen client service for stateful (handshake-less)
// follow-up requests on the same connection.
type connection struct {
	gateway *Gateway
	rwc     io.ReadWriteCloser
	enc     *wire.Encoder

	expectHandshake bool
	clientSvc       service.Service

	mu     sync.Mutex
	closed bool
}

func (c *connection) handleGroup(ctx context.Context, g *wire.Group) {
	const op = errors.Op("gateway_handle_group")

	id, hs, payload, err := transport.DecodeServerEnvelope(&c.expectHandshake, g)
	if err != nil {
		c.gateway.logger.Error(string(op), "decode failure", err)
		c.gateway.router.Emit("error", errors.E(op, err))
		c.fail()
		return
	}

	if hs == nil && c.clientSvc == nil {
		c.gateway.logger.Error(string(op), "protocol violation", xerrors.ErrExpectedHandshake)
		c.gateway.router.Emit("error", errors.E(op, xerrors.ErrExpectedHandshake))
		c.fail()
		return
	}

	if hs == nil {
		// Stateful follow-up: no handshake, reuse the connection's last
		// resolved client service. Only safe with one client per connection.
		c.dispatch(trace.NewDeadline(ctx, time.Time{}, false), id, nil, payload)
		return
	}

	tr, err := deadlineFromMeta(ctx, hs.Meta)
	if err != nil {
		c.gateway.logger.Error(string(op), "bad trace deadline", err)
		c.gateway.router.Emit("error", errors.E(op, err))
		c.fail()
		return
	}
	if !tr.Active() {
		return
	}
	if err := mergeLabels(tr, hs.Meta); err != nil {
		c.gateway.logger.Error(string(op), "bad trace labels", err)
		c.gateway.router.Emit("error", errors.E(op, err))
		c.fail()
		return
	}

	if hs.ClientHash == service.Discovery.Hash() {
		c.respondDiscovery(id)
		return
	}

	clientSvc, errResp, err := c.resolveClientSvc(hs)
	if err != nil {
		c.gateway.logger.Error(string(op), "failed to encode error response", err)
		c.fail()
		return
	}
	if errResp != nil {
		c.write(id, errResp.hs, errResp.payload)
		return
	}
	c.clientSvc = clientSvc

	serverSvc := c.gateway.router.Service(clientSvc)
	if serverSvc == nil {
		resp, perr := errorResponse(handshake.MatchNone, packet.KindUnknownClientProtocol, "protocol not served by this gateway", nil)
		if perr != nil {
			c.gateway.logger.Error(string(op), "failed to encode error response", perr)
			c.fail()
			return
		}
		c.write(id, resp.hs, resp.payload)
		return
	}

	match := handshake.MatchBoth
	if hs.ServerHash != serverSvc.Hash() {
		match = handshake.MatchClient
	}
	hsResp := &handshake.Response{Match: match}
	if match == handshake.MatchClient {
		p := serverSvc.Protocol()
		h := serverSvc.Hash()
		hsResp.ServerProtocol = &p
		hsResp.ServerHash = &h
	}

	c.dispatch(tr, id, hsResp, payload)
}

// resolveClientSvc resolves the handshake's claimed client protocol
// against the shared cache, parsing and caching it on first sight. A
// non-nil encodedErrorResponse means the caller should write it directly and
// stop, without invoking the router.
func (c *connection) resolveClientSvc(hs *handshake.Request) (service.Service, *encodedErrorResponse, error) {
	c.gateway.mu.Lock()
	svc, known := c.gateway.clientServices[hs.ClientHash]
	c.gateway.mu.Unlock()
	if known {
		return svc, nil, nil
	}

	if hs.ClientProtocol == nil {
		services := c.gateway.router.Services()
		resp, err := errorResponse(handshake.MatchNone, packet.KindUnknownClientProtocol, "unrecognized client protocol hash", nil)
		if err != nil {
			return nil, nil, err
		}
		if len(services) == 1 {
			p := services[0].Protocol()
			h := services[0].Hash()
			resp.hs.ServerProtocol = &p
			resp.hs.ServerHash = &h
		}
		return nil, resp, nil
	}

	parsed, perr := service.Parse(*hs.ClientProtocol)
	if perr != nil {
		resp, err := errorResponse(handshake.MatchNone, packet.KindUnknownClientProtocol, perr.Error(), nil)
		if err != nil {
			return nil, nil, err
		}
		return nil, resp, nil
	}
	c.gateway.mu.Lock()
	c.gateway.clientServices[hs.ClientHash] = parsed
	c.gateway.mu.Unlock()
	return parsed, nil, nil
}

func (c *connection) respondDiscovery(id int32) {
	protocols := make([]string, 0, len(c.gateway.router.Services()))
	for _, s := range c.gateway.router.Services() {
		protocols = append(protocols, s.Protocol())
	}
	body, err := json.Marshal(protocols)
	if err != nil {
		c.gateway.logger.Error("gateway_discovery", "failed to encode protocol list", err)
		c.fail()
		return
	}
	c.write(id, &handshake.Response{Match: handshake.MatchBoth}, &packet.Payload{
		Headers: map[string][]byte{headerProtocols: body},
		Body:    []byte{0x00},
	})
}

func (c *connection) dispatch(tr trace.Trace, id int32, hsResp *handshake.Response, payload *packet.Payload) {
	req := &rpcmsg.Request{Headers: payload.Headers, Body: payload.Body}
	c.gateway.router.Channel().Call(tr, req, func(resp *rpcmsg.Response, callErr error) {
		c.respond(id, hsResp, resp, callErr)
	})
}

// respond encodes resp or callErr into the reply envelope for id.
func (c *connection) respond(id int32, hsResp *handshake.Response, resp *rpcmsg.Response, callErr error) {
	const op = errors.Op("gateway_respond")

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	if callErr != nil {
		sysErr := packet.Wrap(packet.KindChannelFailure, callErr)
		var headers map[string][]byte
		if resp != nil {
			headers = resp.Headers
		}
		payload, perr := packet.EncodeSystemError(headers, sysErr)
		if perr != nil {
			c.gateway.logger.Error(string(op), "failed to encode system error", perr)
			c.fail()
			return
		}
		c.write(id, hsResp, payload)
		c.fail()
		return
	}

	c.write(id, hsResp, &packet.Payload{Headers: resp.Headers, Body: resp.Body})
}

func (c *connection) write(id int32, hsResp *handshake.Response, payload *packet.Payload) {
	const op = errors.Op("gateway_write")
	if err := transport.EncodeServerEnvelope(c.enc, id, hsResp, payload); err != nil {
		c.gateway.logger.Error(string(op), "failed to write response", err)
		c.fail()
	}
}

func (c *connection) fail() {
	_ = c.close()
}

func (c *connection) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.rwc.Close()
}

// Shutdown closes every connection currently accepted by g, aggregating
// whatever errors their underlying streams return on Close rather than
// stopping at the first one.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	conns := make([]*connection, 0, len(g.conns))
	for c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	var err error
	for _, c := range conns {
		err = multierr.Append(err, c.close())
	}
	return err
}

type encodedErrorResponse struct {
	hs      *handshake.Response
	payload *packet.Payload
}

func errorResponse(match handshake.Match, kind, message string, headers map[string][]byte) (*encodedErrorResponse, error) {
	payload, err := packet.EncodeSystemError(headers, &packet.SystemError{Kind: kind, Message: message})
	if err != nil {
		return nil, err
	}
	return &encodedErrorResponse{hs: &handshake.Response{Match: match}, payload: payload}, nil
}

func deadlineFromMeta(ctx context.Context, meta map[string][]byte) (trace.Trace, error) {
	const op = errors.Op("gateway_parse_deadline")
	raw, ok := meta[headerTraceDeadline]
	if !ok {
		return trace.NewDeadline(ctx, time.Time{}, false), nil
	}
	ms, _, err := avrobin.ReadLong(raw, 0)
	if err != nil {
		return nil, errors.E(op, err)
	}
	return trace.NewDeadline(ctx, time.UnixMilli(ms), true), nil
}

func mergeLabels(tr trace.Trace, meta map[string][]byte) error {
	const op = errors.Op("gateway_parse_labels")
	raw, ok := meta[headerTraceLabels]
	if !ok {
		return nil
	}
	var labels map[string]any
	if err := json.Unmarshal(raw, &labels); err != nil {
		return errors.E(op, err)
	}
	d, ok := tr.(*trace.Deadline)
	if !ok {
		return nil
	}
	for k, v := range labels {
		d.SetLabel(k, v)
	}
	return nil
}
