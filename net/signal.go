package net

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Signal types.
const (
	SignalOffer         = "offer"
	SignalAnswer        = "answer"
	SignalBye           = "bye"
	SignalConnected     = "connected"
	SignalICECandidates = "iceCandidates"
)

// Signal targets.
const (
	TargetCall             = "call"
	TargetDirectConnection = "directConnection"
)

// CallSession is the part of a call the router drives.
type CallSession interface {
	HangupReceived()
	AnswerReceived(sdp json.RawMessage, fromConnection string)
	ConnectedReceived()
	IceCandidatesReceived(candidates []json.RawMessage)
}

// IncomingSession describes an offer for a session nobody knows yet.
type IncomingSession struct {
	SessionID        string
	SDP              json.RawMessage
	EndpointID       string
	ConnectionID     string
	Timestamp        time.Time
	DirectConnection bool
}

// Signal is the body of a signal event, both directions.
type Signal struct {
	SignalType         string            `json:"signalType"`
	SessionID          string            `json:"sessionId"`
	Target             string            `json:"target"`
	SignalID           string            `json:"signalId,omitempty"`
	Version            string            `json:"version,omitempty"`
	ConnectionID       string            `json:"connectionId,omitempty"`
	SessionDescription json.RawMessage   `json:"sessionDescription,omitempty"`
	ICECandidates      []json.RawMessage `json:"iceCandidates,omitempty"`
}

type inboundSignal struct {
	signalType     string
	sessionID      string
	target         string
	connectionID   string
	from           string
	fromConnection string
	timestamp      time.Time
	body           gjson.Result
}

func (r *EventRouter) onSignal(d *EventDelivery) error {
	p := d.Payload
	body := p.Get("body")
	if body.Type == gjson.String {
		if !gjson.Valid(body.Str) {
			return ignored("signal body is not JSON")
		}
		body = gjson.Parse(body.Str)
	}
	if !body.IsObject() {
		return ignored("signal body is not an object")
	}

	sig := inboundSignal{
		signalType:     body.Get("signalType").String(),
		sessionID:      body.Get("sessionId").String(),
		target:         body.Get("target").String(),
		connectionID:   body.Get("connectionId").String(),
		from:           p.Get("header.from").String(),
		fromConnection: p.Get("header.fromConnection").String(),
		timestamp:      eventTime(p.Get("header.timestamp"), d.Received),
		body:           body,
	}
	if sig.signalType == "" || sig.sessionID == "" {
		return ignored("signal without type or session")
	}
	if sig.target != TargetCall && sig.target != TargetDirectConnection {
		return ignored("signal for unsupported target %q", sig.target)
	}
	return r.routeSignal(sig)
}

func (r *EventRouter) routeSignal(sig inboundSignal) error {
	session := r.ch.lookupSession(sig.sessionID)
	if session == nil {
		return r.newSession(sig)
	}

	switch sig.signalType {
	case SignalBye:
		session.HangupReceived()
	case SignalAnswer:
		sdp := sig.body.Get("sessionDescription")
		if !sdp.Exists() || sdp.Type == gjson.Null {
			return ignored("answer without session description")
		}
		session.AnswerReceived(json.RawMessage(sdp.Raw), sig.fromConnection)
	case SignalConnected:
		// Another device of ours took the call unless the winner is this connection.
		if sig.connectionID != "" && sig.connectionID == r.ch.ConnectionID() {
			session.ConnectedReceived()
		} else {
			session.HangupReceived()
		}
	case SignalICECandidates:
		list := sig.body.Get("iceCandidates")
		if !list.IsArray() {
			return ignored("iceCandidates without candidate list")
		}
		items := list.Array()
		candidates := make([]json.RawMessage, 0, len(items))
		for _, c := range items {
			candidates = append(candidates, json.RawMessage(c.Raw))
		}
		session.IceCandidatesReceived(candidates)
	default:
		return ignored("%s for existing session %s", sig.signalType, sig.sessionID)
	}
	return nil
}

func (r *EventRouter) newSession(sig inboundSignal) error {
	if sig.signalType != SignalOffer {
		return ignored("%s for unknown session %s", sig.signalType, sig.sessionID)
	}
	sdp := sig.body.Get("sessionDescription")
	if !sdp.Exists() || sdp.Type == gjson.Null {
		return ignored("offer without session description")
	}
	if sig.from == "" {
		return ignored("offer without sender")
	}

	incoming := IncomingSession{
		SessionID:        sig.sessionID,
		SDP:              json.RawMessage(sdp.Raw),
		EndpointID:       sig.from,
		ConnectionID:     sig.fromConnection,
		Timestamp:        sig.timestamp,
		DirectConnection: sig.target == TargetDirectConnection,
	}
	r.ch.notify(func(l Listener) { l.OnIncomingSession(incoming) })
	return nil
}
