package client

import (
	"strings"
	"sync"

	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/net"
)

// ResolvePresenceFunc picks one presence for an endpoint out of the presences
// of its connections. It must not return nil when the input is non-empty.
type ResolvePresenceFunc func(presences []*codec.Presence) *codec.Presence

// PresenceUnavailable is what an endpoint resolves to when nothing better is known.
const PresenceUnavailable = "unavailable"

var presencePriority = []string{"chat", "available", "away", "dnd", "xa", PresenceUnavailable}

// DefaultResolvePresence returns the highest priority string presence in
// lower case. Non-string presences are never chosen.
func DefaultResolvePresence(presences []*codec.Presence) *codec.Presence {
	for _, want := range presencePriority {
		for _, p := range presences {
			if s, ok := codec.PresenceText(p); ok && strings.EqualFold(s, want) {
				return codec.PresenceString(want)
			}
		}
	}
	return codec.PresenceString(PresenceUnavailable)
}

// presenceRegistrar batches presence subscriptions. Endpoint lookups queue
// IDs; one flush per scheduling opportunity sends every queued ID that is not
// registered yet.
type presenceRegistrar struct {
	mu         sync.Mutex
	pending    []string
	registered map[string]struct{}
	scheduled  bool
	epoch      uint64

	post     func(func())
	register func(ids []string, cb func([]net.PresenceSnapshot, error)) error
	apply    func(ids []string, snapshots []net.PresenceSnapshot)
	logger   *log.ComponentLogger
}

func newPresenceRegistrar(logger *log.ComponentLogger) *presenceRegistrar {
	return &presenceRegistrar{
		registered: make(map[string]struct{}),
		post:       func(f func()) { go f() },
		logger:     logger,
	}
}

func (r *presenceRegistrar) queue(endpointID string) {
	if endpointID == "" {
		return
	}
	r.mu.Lock()
	if _, ok := r.registered[endpointID]; ok {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, endpointID)
	spawn := !r.scheduled
	r.scheduled = true
	r.mu.Unlock()

	if spawn {
		r.post(r.flush)
	}
}

func (r *presenceRegistrar) flush() {
	r.mu.Lock()
	seen := make(map[string]struct{}, len(r.pending))
	var batch []string
	for _, id := range r.pending {
		if _, ok := r.registered[id]; ok {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		batch = append(batch, id)
	}
	r.pending = nil
	r.scheduled = false
	epoch := r.epoch
	r.mu.Unlock()

	if len(batch) == 0 || r.register == nil {
		return
	}
	err := r.register(batch, func(snapshots []net.PresenceSnapshot, err error) {
		if err != nil {
			r.logger.Debug().Err(err).Strs("endpoints", batch).Msg("presence registration failed")
			return
		}
		r.mu.Lock()
		if r.epoch != epoch {
			r.mu.Unlock()
			return
		}
		for _, id := range batch {
			r.registered[id] = struct{}{}
		}
		r.mu.Unlock()

		if r.apply != nil {
			r.apply(batch, snapshots)
		}
	})
	if err != nil {
		r.logger.Debug().Err(err).Strs("endpoints", batch).Msg("presence registration not sent")
	}
}

func (r *presenceRegistrar) isRegistered(endpointID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.registered[endpointID]
	return ok
}

// reset forgets every registration. Answers to flushes sent before the reset are discarded.
func (r *presenceRegistrar) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.registered = make(map[string]struct{})
	r.scheduled = false
	r.epoch++
}
