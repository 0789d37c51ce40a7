package client_test

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nettyrpc/transport/client"
	"github.com/nettyrpc/transport/pkg/handshake"
	"github.com/nettyrpc/transport/pkg/packet"
	"github.com/nettyrpc/transport/pkg/rpcmsg"
	"github.com/nettyrpc/transport/pkg/service"
	"github.com/nettyrpc/transport/pkg/trace"
	"github.com/nettyrpc/transport/pkg/transport"
	"github.com/nettyrpc/transport/pkg/wire"
)

// fakePeer drives the "far end" of a net.Pipe by hand, decoding requests
// with the server-side envelope decoder and letting the test script
// decide how to respond. It stands in for a full Server Gateway so the
// Client Bridge can be exercised in isolation.
type fakePeer struct {
	conn            net.Conn
	enc             *wire.Encoder
	expectHandshake bool
	groups          chan *wire.Group
}

func newFakePeer(conn net.Conn) *fakePeer {
	p := &fakePeer{conn: conn, enc: wire.NewEncoder(conn), expectHandshake: true, groups: make(chan *wire.Group, 16)}
	go func() {
		_ = wire.ReadGroups(context.Background(), conn, p.groups)
		close(p.groups)
	}()
	return p
}

func (p *fakePeer) next(t *testing.T) (int32, *handshake.Request, *packet.Payload) {
	t.Helper()
	select {
	case g, ok := <-p.groups:
		require.True(t, ok, "peer stream closed unexpectedly")
		id, hs, payload, err := transport.DecodeServerEnvelope(&p.expectHandshake, g)
		require.NoError(t, err)
		return id, hs, payload
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return 0, nil, nil
	}
}

func (p *fakePeer) reply(t *testing.T, id int32, resp *handshake.Response, payload *packet.Payload) {
	t.Helper()
	require.NoError(t, transport.EncodeServerEnvelope(p.enc, id, resp, payload))
}

func TestCallDiscoverySingleService(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(serverConn)
	svc := service.New(`{"protocol":"Arith"}`)
	b := client.New(clientConn, svc)
	defer b.Close()

	tr := trace.NewDeadline(context.Background(), time.Now().Add(time.Second), true)

	done := make(chan struct{})
	var gotProtocols []string
	var gotErr error
	go b.Ping(tr, func(protocols []string, err error) {
		gotProtocols, gotErr = protocols, err
		close(done)
	})

	id, hs, _ := peer.next(t)
	require.Equal(t, service.Discovery.Hash(), hs.ClientHash)

	protocolsJSON := `["{\"protocol\":\"Arith\"}"]`
	respPayload := &packet.Payload{
		Headers: map[string][]byte{"avro.protocols": []byte(protocolsJSON)},
		Body:    []byte{0x00},
	}
	peer.reply(t, id, &handshake.Response{Match: handshake.MatchBoth}, respPayload)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ping never completed")
	}
	require.NoError(t, gotErr)
	require.Len(t, gotProtocols, 1)
}

func TestCallMismatchRetriesExactlyOnce(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(serverConn)
	svc := service.New(`{"protocol":"Arith"}`)
	b := client.New(clientConn, svc)
	defer b.Close()

	tr := trace.NewDeadline(context.Background(), time.Time{}, false)

	done := make(chan struct{})
	var gotResp *client.Response
	var gotErr error
	go b.Call(tr, &rpcmsg.Request{Body: []byte("add 1 2")}, func(resp *client.Response, err error) {
		gotResp, gotErr = resp, err
		close(done)
	})

	id, hs, _ := peer.next(t)
	require.Nil(t, hs.ClientProtocol, "first attempt must not carry the protocol")

	errPayload, err := packet.EncodeSystemError(nil, &packet.SystemError{Kind: packet.KindUnknownClientProtocol, Message: "unknown"})
	require.NoError(t, err)
	peer.reply(t, id, &handshake.Response{Match: handshake.MatchNone}, errPayload)

	id2, hs2, payload2 := peer.next(t)
	require.Equal(t, id, id2, "retry reuses the original call id")
	require.NotNil(t, hs2.ClientProtocol, "retry must carry the client protocol")
	require.Equal(t, []byte("add 1 2"), payload2.Body)

	peer.reply(t, id2, &handshake.Response{Match: handshake.MatchBoth}, &packet.Payload{Body: []byte("3")})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call never completed")
	}
	require.NoError(t, gotErr)
	require.Equal(t, []byte("3"), gotResp.Body)
}

func TestCallDeliversOnceUnderDeadlineExpiry(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()
	defer serverConn.Close()

	peer := newFakePeer(serverConn)
	svc := service.New(`{"protocol":"Arith"}`)
	b := client.New(clientConn, svc)
	defer b.Close()

	tr := trace.NewDeadline(context.Background(), time.Now().Add(10*time.Millisecond), true)

	var mu sync.Mutex
	var calls int
	done := make(chan struct{})
	go b.Call(tr, &rpcmsg.Request{}, func(resp *client.Response, err error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(done)
	})

	id, _, _ := peer.next(t)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired the continuation")
	}

	// A late response for the same id must be dropped, not delivered.
	peer.reply(t, id, &handshake.Response{Match: handshake.MatchBoth}, &packet.Payload{Body: []byte("late")})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 1, calls, "continuation must be invoked exactly once")
}

func TestCallSynchronouslyFailsOnClosedBridge(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()

	svc := service.New(`{"protocol":"Arith"}`)
	b := client.New(clientConn, svc)
	require.NoError(t, b.Close())

	tr := trace.NewDeadline(context.Background(), time.Time{}, false)
	var gotErr error
	b.Call(tr, &rpcmsg.Request{}, func(resp *client.Response, err error) {
		gotErr = err
	})
	require.Error(t, gotErr)
}
