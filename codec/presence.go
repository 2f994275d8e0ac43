package codec

import (
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Presence is an arbitrary JSON value describing availability, usually a
// string such as "available" or "dnd".
type Presence = structpb.Value

// NewPresence converts a plain Go value (string, number, bool, map, slice or nil) into a Presence.
func NewPresence(v any) (*Presence, error) {
	return structpb.NewValue(v)
}

// PresenceString wraps s.
func PresenceString(s string) *Presence {
	return structpb.NewStringValue(s)
}

// PresenceFromJSON parses a raw JSON value. Empty input yields nil.
func PresenceFromJSON(raw []byte) (*Presence, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	p := &structpb.Value{}
	if err := protojson.Unmarshal(raw, p); err != nil {
		return nil, err
	}
	return p, nil
}

// PresenceText returns the string form of p and whether p is a string.
func PresenceText(p *Presence) (string, bool) {
	if p == nil {
		return "", false
	}
	s, ok := p.GetKind().(*structpb.Value_StringValue)
	if !ok {
		return "", false
	}
	return s.StringValue, true
}

// PresenceInterface returns p as a plain Go value for embedding in request payloads.
func PresenceInterface(p *Presence) any {
	if p == nil {
		return nil
	}
	return p.AsInterface()
}
