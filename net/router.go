package net

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/tidwall/gjson"
)

type eventHandler func(d *EventDelivery) error

// EventRouter demultiplexes inbound events to the channel's listener.
// A payload that cannot be parsed is logged and dropped; it never stops later events.
type EventRouter struct {
	ch       *SignalingChannel
	handlers map[string]eventHandler
	filters  EventFilterChain
	logger   *log.ComponentLogger
}

func newEventRouter(ch *SignalingChannel, limiter *RecvLimiter) *EventRouter {
	r := &EventRouter{
		ch:     ch,
		logger: log.Named("router"),
	}
	r.handlers = map[string]eventHandler{
		"join":     r.onJoin,
		"leave":    r.onLeave,
		"message":  r.onMessage,
		"pubsub":   r.onPubSub,
		"presence": r.onPresence,
		"signal":   r.onSignal,
	}
	r.filters = EventFilterChain{recoverFilter, limiter.filter}
	return r
}

// Use appends a filter that runs after the built-in ones.
func (r *EventRouter) Use(f EventFilter) {
	r.filters = append(r.filters, f)
}

// OnEvent handles every argument of an inbound event separately.
func (r *EventRouter) OnEvent(name string, args []json.RawMessage) {
	h, ok := r.handlers[name]
	if !ok {
		metrics.IncrCounterWithDimGroup("net", "event_dropped_total", 1, metrics.Dimension{"event": "unknown", "reason": "unknown_event"})
		r.logger.Debug().Str("event", name).Msg("unknown event dropped")
		return
	}
	metrics.IncrCounterWithDimGroup("net", "event_recv_total", 1, metrics.Dimension{"event": name})

	for _, raw := range args {
		d := &EventDelivery{
			Name:     name,
			Raw:      raw,
			Payload:  gjson.ParseBytes(raw),
			Received: r.ch.Clock().Now(),
		}
		err := r.filters.Handle(d, func(d *EventDelivery) error {
			if !gjson.ValidBytes(d.Raw) || !d.Payload.IsObject() {
				return ignored("payload is not a JSON object")
			}
			return h(d)
		})
		if err == nil {
			continue
		}
		reason := "error"
		if errors.Is(err, ErrIgnored) {
			reason = "ignored"
			r.logger.Debug().Str("event", name).Err(err).Msg("event dropped")
		} else {
			r.logger.Warn().Str("event", name).Err(err).Msg("event handler failed")
		}
		metrics.IncrCounterWithDimGroup("net", "event_dropped_total", 1, metrics.Dimension{"event": name, "reason": reason})
	}
}

// eventTime reads a millisecond epoch timestamp, falling back to the receive time.
func eventTime(ts gjson.Result, fallback time.Time) time.Time {
	if ts.Type != gjson.Number {
		return fallback
	}
	return time.UnixMilli(ts.Int())
}

// text returns a string value as is and anything else as raw JSON.
func text(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	return v.Raw
}

func (r *EventRouter) membership(d *EventDelivery) (groupID, endpointID, connectionID string, err error) {
	p := d.Payload
	groupID = p.Get("header.channel").String()
	endpointID = p.Get("endpointId").String()
	connectionID = p.Get("connectionId").String()
	if groupID == "" || endpointID == "" {
		return "", "", "", ignored("%s without group or endpoint", d.Name)
	}
	return groupID, endpointID, connectionID, nil
}

func (r *EventRouter) onJoin(d *EventDelivery) error {
	groupID, endpointID, connectionID, err := r.membership(d)
	if err != nil {
		return err
	}
	r.ch.notify(func(l Listener) { l.OnJoinGroup(groupID, endpointID, connectionID) })
	return nil
}

func (r *EventRouter) onLeave(d *EventDelivery) error {
	groupID, endpointID, connectionID, err := r.membership(d)
	if err != nil {
		return err
	}
	r.ch.notify(func(l Listener) { l.OnLeaveGroup(groupID, endpointID, connectionID) })
	return nil
}

func (r *EventRouter) onMessage(d *EventDelivery) error {
	p := d.Payload
	from := p.Get("header.from").String()
	body := p.Get("body")
	if from == "" || !body.Exists() {
		return ignored("message without sender or body")
	}
	ts := eventTime(p.Get("header.timestamp"), d.Received)
	r.ch.notify(func(l Listener) { l.OnMessage(text(body), from, ts) })
	return nil
}

func (r *EventRouter) onPubSub(d *EventDelivery) error {
	p := d.Payload
	groupID := p.Get("header.channel").String()
	from := p.Get("header.from").String()
	msg := p.Get("message")
	if groupID == "" || !msg.Exists() {
		return ignored("pubsub without group or message")
	}
	ts := eventTime(p.Get("header.timestamp"), d.Received)
	r.ch.notify(func(l Listener) { l.OnGroupMessage(text(msg), groupID, from, ts) })
	return nil
}

func (r *EventRouter) onPresence(d *EventDelivery) error {
	p := d.Payload
	from := p.Get("header.from").String()
	fromConnection := p.Get("header.fromConnection").String()
	if from == "" || fromConnection == "" {
		return ignored("presence without sender")
	}
	presence, err := codec.PresenceFromJSON([]byte(p.Get("type").Raw))
	if err != nil {
		return ignored("presence type: %v", err)
	}
	r.ch.notify(func(l Listener) { l.OnPresence(presence, fromConnection, from) })
	return nil
}
