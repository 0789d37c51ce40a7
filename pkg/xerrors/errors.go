// Package xerrors collects the sentinel values used across the transport
// so callers can match on them with errors.Is. All construction goes
// through github.com/roadrunner-server/errors' errors.E(op, ...) idiom;
// this package only adds the sentinels that idiom wraps.
package xerrors

import "github.com/roadrunner-server/errors"

var (
	// ErrBridgeClosed is returned synchronously to a Call when the
	// bridge has already been closed.
	ErrBridgeClosed = errors.Str("nettyrpc: bridge is closed")
	// ErrBridgeDestroyed is delivered to every pending continuation when
	// a bridge is torn down via destroy.
	ErrBridgeDestroyed = errors.Str("nettyrpc: bridge destroyed")
	// ErrTraceInactive is delivered to a continuation whose trace went
	// inactive (deadline reached or cancelled) before a response arrived.
	ErrTraceInactive = errors.Str("nettyrpc: trace became inactive before a response arrived")
	// ErrNoCallback is logged (not delivered — there is nobody left to
	// deliver to) when a response arrives for an id no longer pending.
	ErrNoCallback = errors.Str("nettyrpc: no callback for packet")
	// ErrExpectedHandshake is the protocol violation the gateway raises
	// when neither a handshake nor prior connection state is available.
	ErrExpectedHandshake = errors.Str("nettyrpc: expected handshake")
)
