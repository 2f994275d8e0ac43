package client

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"
)

// GroupListener receives what happens in one joined group. Callbacks run on
// the owning client's event goroutine; see Listener.
type GroupListener interface {
	OnJoin(group *Group, conn *Connection)
	OnLeave(group *Group, conn *Connection)

	// OnMessage reports a group message. sender is nil if the endpoint is unknown.
	OnMessage(group *Group, message string, sender *Endpoint, timestamp time.Time)
}

type groupListenerRef struct {
	l GroupListener
}

// Group is a pub/sub channel the local endpoint has joined.
type Group struct {
	id       string
	client   *Client
	listener atomic.Pointer[groupListenerRef]

	mu      sync.Mutex
	members []*Connection
}

func newGroup(c *Client, id string) *Group {
	return &Group{id: id, client: c}
}

func (g *Group) ID() string {
	return g.id
}

// SetListener replaces the listener. nil detaches it.
func (g *Group) SetListener(l GroupListener) {
	if l == nil {
		g.listener.Store(nil)
		return
	}
	g.listener.Store(&groupListenerRef{l: l})
}

func (g *Group) notify(fn func(l GroupListener)) {
	g.client.post(func() {
		if ref := g.listener.Load(); ref != nil {
			fn(ref.l)
		}
	})
}

// Members returns the connections seen joining and not yet leaving.
func (g *Group) Members() []*Connection {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Connection(nil), g.members...)
}

func (g *Group) connectionDidJoin(conn *Connection) {
	g.mu.Lock()
	for _, m := range g.members {
		if m == conn {
			g.mu.Unlock()
			return
		}
	}
	g.members = append(g.members, conn)
	g.mu.Unlock()
	g.notify(func(l GroupListener) { l.OnJoin(g, conn) })
}

func (g *Group) connectionDidLeave(conn *Connection) {
	g.mu.Lock()
	found := false
	for i, m := range g.members {
		if m == conn {
			g.members = append(g.members[:i], g.members[i+1:]...)
			found = true
			break
		}
	}
	g.mu.Unlock()
	if found {
		g.notify(func(l GroupListener) { l.OnLeave(g, conn) })
	}
}

func (g *Group) didReceiveMessage(message string, sender *Endpoint, timestamp time.Time) {
	g.notify(func(l GroupListener) { l.OnMessage(g, message, sender, timestamp) })
}

// IsJoined reports whether the client is still a member of the group.
func (g *Group) IsJoined() bool {
	return g.client.Group(g.id) == g
}

// Leave leaves the group. The group is forgotten once the server confirms.
func (g *Group) Leave(ctx context.Context) error {
	ch, err := g.client.connectedChannel()
	if err != nil {
		return err
	}
	if _, err := ch.Do(ctx, "delete", "/v1/groups", map[string]any{"groups": []string{g.id}}); err != nil {
		return err
	}
	g.client.forgetGroup(g)
	g.mu.Lock()
	g.members = nil
	g.mu.Unlock()
	return nil
}

// SendMessage publishes message to every member of the group.
func (g *Group) SendMessage(ctx context.Context, message string) error {
	ch, err := g.client.connectedChannel()
	if err != nil {
		return err
	}
	_, err = ch.Do(ctx, "post", fmt.Sprintf("/v1/channels/%s/publish/", url.PathEscape(g.id)), map[string]any{
		"message": message,
	})
	return err
}
