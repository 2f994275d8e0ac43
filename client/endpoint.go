package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/net"
)

// EndpointListener receives what happens to one remote endpoint. Callbacks
// run on the owning client's event goroutine; see Listener.
type EndpointListener interface {
	OnMessage(endpoint *Endpoint, message string, timestamp time.Time)
	OnPresence(endpoint *Endpoint, presence *codec.Presence)
}

type endpointListenerRef struct {
	l EndpointListener
}

// Endpoint is a remote user. It may be logged in from several connections.
type Endpoint struct {
	id       string
	client   *Client
	listener atomic.Pointer[endpointListenerRef]

	mu          sync.Mutex
	connections []*Connection
	presence    *codec.Presence
}

func newEndpoint(c *Client, id string) *Endpoint {
	return &Endpoint{id: id, client: c}
}

func (e *Endpoint) ID() string {
	return e.id
}

// SetListener replaces the listener. nil detaches it.
func (e *Endpoint) SetListener(l EndpointListener) {
	if l == nil {
		e.listener.Store(nil)
		return
	}
	e.listener.Store(&endpointListenerRef{l: l})
}

func (e *Endpoint) notify(fn func(l EndpointListener)) {
	e.client.post(func() {
		if ref := e.listener.Load(); ref != nil {
			fn(ref.l)
		}
	})
}

// Connections returns a snapshot of the endpoint's known connections.
func (e *Endpoint) Connections() []*Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Connection(nil), e.connections...)
}

// Connection returns the connection with the given ID. Unless skipCreate is
// set, an unknown connection is created.
func (e *Endpoint) Connection(connectionID string, skipCreate bool) *Connection {
	if connectionID == "" {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, conn := range e.connections {
		if conn.id == connectionID {
			return conn
		}
	}
	if skipCreate {
		return nil
	}
	conn := &Connection{id: connectionID, endpoint: e}
	e.connections = append(e.connections, conn)
	return conn
}

// Presence returns the last resolved presence. It is nil until presence has
// been resolved once.
func (e *Endpoint) Presence() *codec.Presence {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.presence
}

func (e *Endpoint) resolvePresence() {
	e.mu.Lock()
	var list []*codec.Presence
	for _, conn := range e.connections {
		if conn.presence != nil {
			list = append(list, conn.presence)
		}
	}
	e.mu.Unlock()

	resolved := e.client.resolve(list)
	if resolved == nil {
		resolved = codec.PresenceString(PresenceUnavailable)
	}

	e.mu.Lock()
	e.presence = resolved
	e.mu.Unlock()

	e.notify(func(l EndpointListener) { l.OnPresence(e, resolved) })
}

func (e *Endpoint) setConnectionPresence(conn *Connection, p *codec.Presence) {
	e.mu.Lock()
	conn.presence = p
	e.mu.Unlock()
}

func (e *Endpoint) didReceiveMessage(message string, timestamp time.Time) {
	e.notify(func(l EndpointListener) { l.OnMessage(e, message, timestamp) })
}

// SendMessage sends a text message to every connection of the endpoint.
func (e *Endpoint) SendMessage(ctx context.Context, message string, push bool) error {
	ch, err := e.client.connectedChannel()
	if err != nil {
		return err
	}
	_, err = ch.Do(ctx, "post", "/v1/messages", map[string]any{
		"to":      e.id,
		"message": message,
		"push":    push,
	})
	return err
}

// StartCall offers sdp to the endpoint and returns the outgoing call.
// A direct call asks for a data-only direct connection.
func (e *Endpoint) StartCall(ctx context.Context, sdp json.RawMessage, direct bool) (*Call, error) {
	ch, err := e.client.connectedChannel()
	if err != nil {
		return nil, err
	}
	call := newCall(e.client, e, uuid.NewString(), "", direct, true, e.client.clock.Now())
	call.offer = sdp

	err = ch.Signal(ctx, e.id, "", call.signal(net.SignalOffer, func(s *net.Signal) {
		s.SessionDescription = sdp
	}))
	if err != nil {
		call.terminate()
		return nil, err
	}
	return call, nil
}

// Connection is one login of an endpoint.
type Connection struct {
	id       string
	endpoint *Endpoint
	presence *codec.Presence
}

func (c *Connection) ID() string {
	return c.id
}

func (c *Connection) Endpoint() *Endpoint {
	return c.endpoint
}

// Presence returns the presence last reported for this connection, or nil.
func (c *Connection) Presence() *codec.Presence {
	c.endpoint.mu.Lock()
	defer c.endpoint.mu.Unlock()
	return c.presence
}
