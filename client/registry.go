package client

import (
	"sort"
	"sync"

	"github.com/lcx/signaling/metrics"
)

// Registry tracks live clients. Clients join on creation and leave on Close.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// DefaultRegistry is the process-wide registry used unless WithRegistry says otherwise.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]*Client)}
}

func (r *Registry) add(c *Client) {
	r.mu.Lock()
	r.clients[c.ID()] = c
	n := len(r.clients)
	r.mu.Unlock()
	metrics.UpdateGaugeWithGroup("client", "registered", metrics.Value(n))
}

func (r *Registry) remove(c *Client) {
	r.mu.Lock()
	delete(r.clients, c.ID())
	n := len(r.clients)
	r.mu.Unlock()
	metrics.UpdateGaugeWithGroup("client", "registered", metrics.Value(n))
}

// Get returns the client with the given ID, or nil.
func (r *Registry) Get(id string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Clients returns the registered clients ordered by ID.
func (r *Registry) Clients() []*Client {
	r.mu.RLock()
	out := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered clients.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// FindByEndpoint returns a connected client logged in as endpointID, or nil.
func (r *Registry) FindByEndpoint(endpointID string) *Client {
	for _, c := range r.Clients() {
		if c.IsConnected() && c.EndpointID() == endpointID {
			return c
		}
	}
	return nil
}
