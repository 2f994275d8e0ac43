package net

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lcx/signaling/codec"
	"github.com/tidwall/gjson"
)

// PresenceSnapshot is the initial presence of one endpoint returned by a registration.
type PresenceSnapshot struct {
	EndpointID       string
	ConnectionStates map[string]*codec.Presence
}

// RegisterPresence subscribes to presence updates for endpointIDs.
// cb receives the initial snapshot of each registered endpoint.
func (c *SignalingChannel) RegisterPresence(endpointIDs []string, cb func([]PresenceSnapshot, error)) error {
	return c.SendRequest("post", "/v1/presenceobservers", map[string]any{
		"endpointList": endpointIDs,
	}, func(body json.RawMessage, err error) {
		if cb == nil {
			return
		}
		if err != nil {
			cb(nil, err)
			return
		}
		snapshots, err := parsePresenceSnapshots(body)
		cb(snapshots, err)
	})
}

func parsePresenceSnapshots(body json.RawMessage) ([]PresenceSnapshot, error) {
	if len(body) == 0 {
		return nil, nil
	}
	r := gjson.ParseBytes(body)
	if !r.IsArray() {
		return nil, ErrUnexpectedResponse
	}
	var out []PresenceSnapshot
	for _, item := range r.Array() {
		endpointID := item.Get("endpointId").String()
		if endpointID == "" {
			continue
		}
		snap := PresenceSnapshot{EndpointID: endpointID, ConnectionStates: map[string]*codec.Presence{}}
		var perr error
		item.Get("connectionStates").ForEach(func(connID, state gjson.Result) bool {
			p, err := codec.PresenceFromJSON([]byte(state.Get("type").Raw))
			if err != nil {
				perr = fmt.Errorf("presence of %s/%s: %w", endpointID, connID.String(), err)
				return false
			}
			snap.ConnectionStates[connID.String()] = p
			return true
		})
		if perr != nil {
			return nil, perr
		}
		out = append(out, snap)
	}
	return out, nil
}

func signalPayload(endpointID, toConnection string, sig Signal) (map[string]any, error) {
	encoded, err := codec.Encode(sig)
	if err != nil {
		return nil, &EncodingError{Err: err}
	}
	data := map[string]any{
		"to":     endpointID,
		"signal": string(encoded),
		"toType": "web",
	}
	if toConnection != "" {
		data["toConnection"] = toConnection
	}
	return data, nil
}

// SendSignal delivers sig to endpointID, or only to toConnection when it is set.
func (c *SignalingChannel) SendSignal(endpointID, toConnection string, sig Signal, cb ResultFunc) error {
	data, err := signalPayload(endpointID, toConnection, sig)
	if err != nil {
		return err
	}
	return c.SendRequest("post", "/v1/signaling", data, cb)
}

// Signal is SendSignal that waits for the server to accept the signal.
func (c *SignalingChannel) Signal(ctx context.Context, endpointID, toConnection string, sig Signal) error {
	data, err := signalPayload(endpointID, toConnection, sig)
	if err != nil {
		return err
	}
	_, err = c.Do(ctx, "post", "/v1/signaling", data)
	return err
}
