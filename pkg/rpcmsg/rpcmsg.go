// Package rpcmsg holds the neutral request/response DTOs shared by the
// Client Bridge and Server Gateway's Router/Channel boundary. The
// transport treats Body as opaque bytes; interpreting it is the
// business payload's concern, not the transport's.
package rpcmsg

// Request is one outgoing (client) or inbound (server) call payload.
type Request struct {
	Headers map[string][]byte
	Body    []byte
}

// Response is the payload returned for a Request.
type Response struct {
	Headers map[string][]byte
	Body    []byte
}
