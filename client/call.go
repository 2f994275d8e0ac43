package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/net"
)

// CallState is the signaling state of a call.
type CallState int

const (
	// CallOffering is an incoming call that has not been answered.
	CallOffering CallState = iota
	// CallCalling is an outgoing call waiting for an answer.
	CallCalling
	CallAnswered
	CallConnected
	// CallTerminated is final.
	CallTerminated
)

func (s CallState) String() string {
	switch s {
	case CallOffering:
		return "offering"
	case CallCalling:
		return "calling"
	case CallAnswered:
		return "answered"
	case CallConnected:
		return "connected"
	case CallTerminated:
		return "terminated"
	}
	return fmt.Sprintf("CallState(%d)", int(s))
}

var (
	// ErrCallTerminated is returned by operations on a call that has ended.
	ErrCallTerminated = errors.New("call already terminated")

	// ErrCallState is returned by Answer on a call that is not an unanswered incoming call.
	ErrCallState = errors.New("operation not valid in the current call state")
)

const signalVersion = "1.0"

// CallListener receives the remote side of a call's signaling. Callbacks run
// on the owning client's event goroutine; see Listener.
type CallListener interface {
	OnAnswer(call *Call, sdp json.RawMessage)
	OnConnected(call *Call)
	OnICECandidates(call *Call, candidates []json.RawMessage)
	OnHangup(call *Call)
}

type callListenerRef struct {
	l CallListener
}

// Call is the signaling half of a media call or a direct connection. Media
// negotiation itself is left to the caller; Call only exchanges the session
// descriptions and ICE candidates.
type Call struct {
	client    *Client
	endpoint  *Endpoint
	sessionID string
	direct    bool
	caller    bool
	timestamp time.Time
	listener  atomic.Pointer[callListenerRef]

	mu               sync.Mutex
	state            CallState
	remoteConnection string
	offer            json.RawMessage
	answer           json.RawMessage
}

var _ net.CallSession = (*Call)(nil)

func newCall(c *Client, e *Endpoint, sessionID, remoteConnection string, direct, caller bool, ts time.Time) *Call {
	call := &Call{
		client:           c,
		endpoint:         e,
		sessionID:        sessionID,
		direct:           direct,
		caller:           caller,
		timestamp:        ts,
		remoteConnection: remoteConnection,
		state:            CallOffering,
	}
	if caller {
		call.state = CallCalling
	}
	c.callCreated(call)
	metrics.IncrCounterWithDimGroup("client", "calls_total", 1, metrics.Dimension{"direction": call.direction()})
	return call
}

func (c *Call) direction() string {
	if c.caller {
		return "outgoing"
	}
	return "incoming"
}

func (c *Call) SessionID() string {
	return c.sessionID
}

func (c *Call) Endpoint() *Endpoint {
	return c.endpoint
}

// IsCaller reports whether the local side started the call.
func (c *Call) IsCaller() bool {
	return c.caller
}

// IsDirectConnection reports whether the call carries a data-only direct connection.
func (c *Call) IsDirectConnection() bool {
	return c.direct
}

// Timestamp is when the call was created or, for an incoming call, offered.
func (c *Call) Timestamp() time.Time {
	return c.timestamp
}

func (c *Call) State() CallState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RemoteConnection returns the connection the call is bound to, or "" before
// an outgoing call is answered.
func (c *Call) RemoteConnection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteConnection
}

// Offer returns the session description of the offer.
func (c *Call) Offer() json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offer
}

// SetListener replaces the listener. nil detaches it.
func (c *Call) SetListener(l CallListener) {
	if l == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&callListenerRef{l: l})
}

func (c *Call) notify(fn func(l CallListener)) {
	c.client.post(func() {
		if ref := c.listener.Load(); ref != nil {
			fn(ref.l)
		}
	})
}

func (c *Call) target() string {
	if c.direct {
		return net.TargetDirectConnection
	}
	return net.TargetCall
}

func (c *Call) signal(signalType string, fill func(s *net.Signal)) net.Signal {
	s := net.Signal{
		SignalType: signalType,
		SessionID:  c.sessionID,
		Target:     c.target(),
		SignalID:   uuid.NewString(),
		Version:    signalVersion,
	}
	if fill != nil {
		fill(&s)
	}
	return s
}

// Answer accepts an incoming call with sdp.
func (c *Call) Answer(ctx context.Context, sdp json.RawMessage) error {
	c.mu.Lock()
	switch c.state {
	case CallTerminated:
		c.mu.Unlock()
		return ErrCallTerminated
	case CallOffering:
	default:
		c.mu.Unlock()
		return ErrCallState
	}
	c.state = CallAnswered
	c.answer = sdp
	to := c.remoteConnection
	c.mu.Unlock()

	ch, err := c.client.connectedChannel()
	if err == nil {
		err = ch.Signal(ctx, c.endpoint.id, to, c.signal(net.SignalAnswer, func(s *net.Signal) {
			s.SessionDescription = sdp
		}))
	}
	if err != nil {
		c.mu.Lock()
		if c.state == CallAnswered {
			c.state = CallOffering
		}
		c.mu.Unlock()
	}
	return err
}

// SendICECandidates forwards local candidates to the remote side.
func (c *Call) SendICECandidates(ctx context.Context, candidates []json.RawMessage) error {
	if c.State() == CallTerminated {
		return ErrCallTerminated
	}
	ch, err := c.client.connectedChannel()
	if err != nil {
		return err
	}
	return ch.Signal(ctx, c.endpoint.id, c.RemoteConnection(), c.signal(net.SignalICECandidates, func(s *net.Signal) {
		s.ICECandidates = candidates
	}))
}

// Hangup ends the call and tells the remote side. Hanging up a terminated call is a no-op.
func (c *Call) Hangup(ctx context.Context) error {
	to := c.RemoteConnection()
	if !c.terminate() {
		return nil
	}
	ch, err := c.client.connectedChannel()
	if err != nil {
		return err
	}
	return ch.Signal(ctx, c.endpoint.id, to, c.signal(net.SignalBye, nil))
}

// terminate moves the call to CallTerminated. It reports false if it already was.
func (c *Call) terminate() bool {
	c.mu.Lock()
	if c.state == CallTerminated {
		c.mu.Unlock()
		return false
	}
	c.state = CallTerminated
	c.mu.Unlock()
	c.client.callTerminated(c)
	return true
}

// HangupReceived ends the call at the remote side's request.
func (c *Call) HangupReceived() {
	if c.terminate() {
		c.notify(func(l CallListener) { l.OnHangup(c) })
	}
}

// AnswerReceived binds an outgoing call to the answering connection and
// tells the other connections of the endpoint that it was taken.
func (c *Call) AnswerReceived(sdp json.RawMessage, fromConnection string) {
	c.mu.Lock()
	if c.state != CallCalling {
		c.mu.Unlock()
		return
	}
	c.state = CallAnswered
	c.answer = sdp
	c.remoteConnection = fromConnection
	c.mu.Unlock()

	c.notify(func(l CallListener) { l.OnAnswer(c, sdp) })

	ch, err := c.client.connectedChannel()
	if err != nil {
		return
	}
	sig := c.signal(net.SignalConnected, func(s *net.Signal) { s.ConnectionID = fromConnection })
	err = ch.SendSignal(c.endpoint.id, "", sig, func(_ json.RawMessage, err error) {
		if err != nil {
			c.client.logger.Debug().Err(err).Str("sessionId", c.sessionID).Msg("connected signal failed")
			return
		}
		c.markConnected()
	})
	if err != nil {
		c.client.logger.Debug().Err(err).Str("sessionId", c.sessionID).Msg("connected signal not sent")
	}
}

// ConnectedReceived confirms that this connection won an answered incoming call.
func (c *Call) ConnectedReceived() {
	c.markConnected()
}

func (c *Call) markConnected() {
	c.mu.Lock()
	if c.state != CallAnswered {
		c.mu.Unlock()
		return
	}
	c.state = CallConnected
	c.mu.Unlock()
	c.notify(func(l CallListener) { l.OnConnected(c) })
}

// IceCandidatesReceived hands remote candidates to the listener.
func (c *Call) IceCandidatesReceived(candidates []json.RawMessage) {
	if c.State() == CallTerminated {
		return
	}
	c.notify(func(l CallListener) { l.OnICECandidates(c, candidates) })
}
