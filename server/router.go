package server

import (
	"github.com/nettyrpc/transport/pkg/rpcmsg"
	"github.com/nettyrpc/transport/pkg/service"
	"github.com/nettyrpc/transport/pkg/trace"
)

// Channel is the call-handling collaborator a Router hands the gateway
// for one resolved client service.
type Channel interface {
	Call(tr trace.Trace, req *rpcmsg.Request, respond func(*rpcmsg.Response, error))
}

// Router is the Server Gateway's external collaborator: it knows which
// services it serves, resolves an incoming client service against them,
// and hands back the Channel that actually executes calls.
type Router interface {
	Services() []service.Service
	Channel() Channel
	// Service resolves clientSvc against the services this router owns,
	// returning nil if the router does not recognize it.
	Service(clientSvc service.Service) service.Service
	// Emit reports a gateway-level event (e.g. "error", "close") to
	// whatever observability the router's owner has wired up.
	Emit(event string, payload any)
}

// ChannelFunc adapts a plain function to the Channel interface.
type ChannelFunc func(tr trace.Trace, req *rpcmsg.Request, respond func(*rpcmsg.Response, error))

func (f ChannelFunc) Call(tr trace.Trace, req *rpcmsg.Request, respond func(*rpcmsg.Response, error)) {
	f(tr, req, respond)
}

// StaticRouter is a Router over a fixed service list and a single shared
// Channel, sufficient for a gateway serving one process's services.
type StaticRouter struct {
	services []service.Service
	channel  Channel
	emit     func(event string, payload any)
}

// NewStaticRouter builds a Router serving svcs through channel. emit may
// be nil, in which case events are dropped.
func NewStaticRouter(channel Channel, emit func(event string, payload any), svcs ...service.Service) *StaticRouter {
	return &StaticRouter{services: svcs, channel: channel, emit: emit}
}

func (r *StaticRouter) Services() []service.Service { return r.services }

func (r *StaticRouter) Channel() Channel { return r.channel }

func (r *StaticRouter) Service(clientSvc service.Service) service.Service {
	h := clientSvc.Hash()
	for _, s := range r.services {
		if s.Hash() == h {
			return s
		}
	}
	return nil
}

func (r *StaticRouter) Emit(event string, payload any) {
	if r.emit != nil {
		r.emit(event, payload)
	}
}
