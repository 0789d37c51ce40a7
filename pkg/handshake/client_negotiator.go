package handshake

import (
	"github.com/roadrunner-server/errors"

	"github.com/nettyrpc/transport/pkg/service"
)

// ClientNegotiator owns the bidirectional map between client protocol
// hashes and the server hashes they've been matched to, plus the cache of
// server services learned along the way. It is a single-executor
// component: per the transport's concurrency model, all calls for one
// bridge happen on one logical goroutine, so this type does not lock
// internally.
type ClientNegotiator struct {
	hashes         map[[HashLen]byte][HashLen]byte
	serverServices map[[HashLen]byte]service.Service
}

// NewClientNegotiator returns an empty negotiator.
func NewClientNegotiator() *ClientNegotiator {
	return &ClientNegotiator{
		hashes:         make(map[[HashLen]byte][HashLen]byte),
		serverServices: make(map[[HashLen]byte]service.Service),
	}
}

// PrepareRequest builds the handshake record for an outgoing request
// against clientSvc. includeProtocol is true only on a retry following a
// MatchNone response.
func (n *ClientNegotiator) PrepareRequest(clientSvc service.Service, includeProtocol bool) *Request {
	ch := clientSvc.Hash()
	sh, ok := n.hashes[ch]
	if !ok {
		sh = ch
	}
	r := &Request{ClientHash: ch, ServerHash: sh}
	if includeProtocol {
		p := clientSvc.Protocol()
		r.ClientProtocol = &p
	}
	return r
}

// HandleResponse applies the client receive policy: it records any
// server protocol the response taught us, resolves the server service to
// attribute the response to, and reports whether the call must be
// retried (MatchNone and not yet retried).
func (n *ClientNegotiator) HandleResponse(clientSvc service.Service, resp *Response, alreadyRetried bool) (resolved service.Service, retry bool, err error) {
	const op = errors.Op("handshake_client_receive")

	ch := clientSvc.Hash()
	if resp.ServerHash != nil || resp.ServerProtocol != nil {
		if resp.ServerProtocol == nil {
			return nil, false, errors.E(op, errors.Str("response taught a server hash with no protocol to parse"))
		}
		svc, perr := service.Parse(*resp.ServerProtocol)
		if perr != nil {
			return nil, false, errors.E(op, perr)
		}
		sh := svc.Hash()
		if resp.ServerHash != nil {
			sh = *resp.ServerHash
		}
		n.serverServices[sh] = svc
		n.hashes[ch] = sh
	}

	resolved = clientSvc
	if sh, ok := n.hashes[ch]; ok {
		if svc, ok2 := n.serverServices[sh]; ok2 {
			resolved = svc
		}
	}

	retry = resp.Match == MatchNone && !alreadyRetried
	return resolved, retry, nil
}
