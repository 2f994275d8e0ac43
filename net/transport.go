// Package net implements the signaling transport between a client and the
// signaling server: one persistent socket, a serialized request queue on top
// of it, and routing of inbound events to a listener.
//
// A SignalingChannel owns the connection. Authenticate dials the socket
// through a Dialer, then fetches the local endpoint and connection IDs; the
// channel counts as connected only once both are known. Disconnect abandons
// every pending request and reports OnDisconnect at most once per connection.
//
// Requests travel through the TransactionQueue. Exactly one request is on the
// wire at a time, in submission order, on the queue's worker goroutine. Each
// exchange is bounded by the rpcTimeout of the "channel" config. A 429 answer
// is retried after a delay derived from the advertised rate limit, up to
// maxAttempts, and the sendRateLimit spaces requests evenly. Results go to a ResultFunc on the
// worker, or back to the caller of Do.
//
// Inbound events pass through the EventRouter. Every argument of an event is
// one EventDelivery, run through an EventFilterChain (panic recovery, the
// receive token bucket, then any filters added with Use) before it is turned
// into a Listener call. Signals are matched to a known CallSession by session
// ID; an offer for an unknown session becomes an IncomingSession. A payload
// that cannot be parsed is logged and dropped without affecting later events.
//
// Sockets deliver acknowledgements on their read loop and events on a
// separate delivery goroutine, so a listener may block on a request of its
// own without stalling the acknowledgement it is waiting for.
package net

import (
	"context"
	"encoding/json"
)

// AckFunc receives the acknowledgement arguments of an emitted event.
type AckFunc func(args []json.RawMessage)

// Socket is one open connection to the signaling server.
type Socket interface {
	// Emit sends an event. When ack is non-nil the server's acknowledgement is
	// delivered to it at most once.
	Emit(event string, args []json.RawMessage, ack AckFunc) error

	// Close tears the connection down. It is safe to call more than once.
	Close() error
}

// SocketHandler receives everything a Socket reads.
type SocketHandler interface {
	// OnEvent is called one event at a time, in arrival order. It must not be
	// called from the goroutine that delivers acknowledgements.
	OnEvent(name string, args []json.RawMessage)

	// OnDisconnect is called once when the socket closes, after every event
	// read before the close. err is nil for a local Close.
	OnDisconnect(err error)
}

// Dialer opens sockets.
type Dialer interface {
	Dial(ctx context.Context, url string, handler SocketHandler) (Socket, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, handler SocketHandler) (Socket, error)

func (f DialerFunc) Dial(ctx context.Context, url string, handler SocketHandler) (Socket, error) {
	return f(ctx, url, handler)
}
