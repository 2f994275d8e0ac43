package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDirectMessage(t *testing.T) {
	env := newTestEnv(t)
	env.holdPresenceObservers()
	env.connect(t, false)
	el := &endpointRecorder{}
	env.c.Endpoint("bob").SetListener(el)

	require.NoError(t, env.srv.Push("message", obj{"header": obj{"from": "bob", "timestamp": 1000}, "body": "hi"}))
	require.NoError(t, env.srv.Push("message", obj{"header": obj{"from": "carol", "timestamp": 2000}, "body": "yo"}))

	assert.Equal(t, []string{"message:hi:1000"}, el.Events())
	assert.Equal(t, []string{"connect", "message:hi:bob:1000", "message:yo:carol:2000"}, env.rec.Events())
}

func TestEndpointSendMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.c.Endpoint("bob")
	assert.ErrorIs(t, bob.SendMessage(ctx, "early", false), net.ErrNotConnected)

	env.connect(t, false)
	require.NoError(t, bob.SendMessage(ctx, "hello", true))
	reqs := env.srv.RequestsTo("/v1/messages")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"to":"bob","message":"hello","push":true}`, string(reqs[0].Data))
}

func TestGroupMembershipAndMessages(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, false)
	ctx := context.Background()

	groups, err := env.c.JoinGroups(ctx, []string{"room"})
	require.NoError(t, err)
	require.Len(t, groups, 1)
	g := groups[0]
	assert.Same(t, g, env.c.Group("room"))
	assert.True(t, g.IsJoined())
	gl := &groupRecorder{}
	g.SetListener(gl)

	membership := func(event, group, endpoint, conn string) {
		require.NoError(t, env.srv.Push(event, obj{"header": obj{"channel": group}, "endpointId": endpoint, "connectionId": conn}))
	}
	membership("join", "room", "carol", "c3")
	membership("join", "room", "alice", "conn-1")
	membership("join", "lobby", "dave", "c4")
	membership("leave", "room", "erin", "c9")
	require.Len(t, g.Members(), 1)
	assert.Equal(t, "carol", g.Members()[0].Endpoint().ID())

	require.NoError(t, env.srv.Push("pubsub", obj{"header": obj{"channel": "room", "from": "carol"}, "message": "hey all"}))
	require.NoError(t, env.srv.Push("pubsub", obj{"header": obj{"channel": "lobby", "from": "carol"}, "message": "lost"}))
	membership("leave", "room", "carol", "c3")

	assert.Equal(t, []string{"join:carol:c3", "message:hey all:carol", "leave:carol:c3"}, gl.Events())
	assert.Equal(t, []string{"connect", "group:hey all:room:carol"}, env.rec.Events())
	assert.Empty(t, g.Members())
	assert.Nil(t, env.c.Connection("c9", "erin", true))
}

func TestGroupRequests(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.c.JoinGroups(ctx, []string{"room"})
	assert.ErrorIs(t, err, net.ErrNotConnected)

	env.connect(t, false)
	_, err = env.c.JoinGroups(ctx, nil)
	assert.ErrorIs(t, err, ErrNoGroups)

	groups, err := env.c.JoinGroups(ctx, []string{"room", "lobby"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"groups":["room","lobby"]}`, string(env.srv.RequestsTo("/v1/groups")[0].Data))
	again, err := env.c.JoinGroups(ctx, []string{"room"})
	require.NoError(t, err)
	assert.Same(t, groups[0], again[0])

	env.srv.Handle("post", "/v1/channels/room/publish/", respondOK)
	require.NoError(t, groups[0].SendMessage(ctx, "ping"))
	reqs := env.srv.RequestsTo("/v1/channels/room/publish/")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"message":"ping"}`, string(reqs[0].Data))

	require.NoError(t, groups[0].Leave(ctx))
	var leave *net.MemoryRequest
	for _, req := range env.srv.RequestsTo("/v1/groups") {
		if req.Method == "delete" {
			leave = req
		}
	}
	require.NotNil(t, leave)
	assert.JSONEq(t, `{"groups":["room"]}`, string(leave.Data))
	assert.Nil(t, env.c.Group("room"))
	assert.False(t, groups[0].IsJoined())
	assert.Equal(t, []*Group{groups[1]}, env.c.Groups())
}

func TestPresenceRegistrationSnapshot(t *testing.T) {
	env := newTestEnv(t)
	env.srv.Handle("post", "/v1/presenceobservers", func(req *net.MemoryRequest) bool {
		req.Respond(200, nil, []any{
			obj{"endpointId": "bob", "connectionStates": obj{
				"c2": obj{"type": "away"},
				"c3": obj{"type": "DND"},
			}},
		})
		return true
	})
	env.connect(t, false)

	bob := env.c.Endpoint("bob")
	require.Eventually(t, func() bool { return env.c.registrar.isRegistered("bob") }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		text, _ := codec.PresenceText(bob.Presence())
		return text == "away"
	}, time.Second, 5*time.Millisecond)
	assert.Len(t, bob.Connections(), 2)

	reqs := env.srv.RequestsTo("/v1/presenceobservers")
	require.Len(t, reqs, 1)
	assert.JSONEq(t, `{"endpointList":["bob"]}`, string(reqs[0].Data))

	env.c.Endpoint("bob")
	assert.Len(t, env.srv.RequestsTo("/v1/presenceobservers"), 1)
}

func TestPresenceEvent(t *testing.T) {
	env := newTestEnv(t)
	env.holdPresenceObservers()
	env.connect(t, false)
	bob := env.c.Endpoint("bob")
	el := &endpointRecorder{}
	bob.SetListener(el)

	push := func(conn string, presence any) {
		require.NoError(t, env.srv.Push("presence", obj{"header": obj{"from": "bob", "fromConnection": conn}, "type": presence}))
	}
	push("c2", "xa")
	push("c3", obj{"status": "busy"})
	push("c4", "Chat")

	assert.Equal(t, []string{"presence:xa", "presence:xa", "presence:chat"}, el.Events())
	p := bob.Connection("c3", true).Presence()
	require.NotNil(t, p)
	assert.Equal(t, "busy", p.GetStructValue().GetFields()["status"].GetStringValue())
}

func TestCustomPresenceResolution(t *testing.T) {
	env := newTestEnv(t, WithResolvePresence(func(list []*codec.Presence) *codec.Presence {
		return codec.PresenceString("custom")
	}))
	env.connect(t, false)
	bob := env.c.Endpoint("bob")

	require.NoError(t, env.srv.Push("presence", obj{"header": obj{"from": "bob", "fromConnection": "c2"}, "type": "away"}))
	text, _ := codec.PresenceText(bob.Presence())
	assert.Equal(t, "custom", text)
}

func TestIncomingCall(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, false)
	ctx := context.Background()

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType":         net.SignalOffer,
		"sessionId":          "s1",
		"target":             net.TargetCall,
		"sessionDescription": obj{"type": "offer", "sdp": "v=0"},
	})))
	calls := env.rec.Calls()
	require.Len(t, calls, 1)
	call := calls[0]
	assert.Equal(t, []string{"connect", "call:s1"}, env.rec.Events())
	assert.Equal(t, CallOffering, call.State())
	assert.False(t, call.IsCaller())
	assert.Equal(t, "bob", call.Endpoint().ID())
	assert.Equal(t, "c2", call.RemoteConnection())
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(call.Offer()))
	assert.Equal(t, int64(42), call.Timestamp().UnixMilli())
	cl := &callRecorder{}
	call.SetListener(cl)

	require.NoError(t, call.Answer(ctx, json.RawMessage(`{"type":"answer","sdp":"v=1"}`)))
	assert.Equal(t, CallAnswered, call.State())
	assert.ErrorIs(t, call.Answer(ctx, nil), ErrCallState)

	sigs := env.signals()
	require.Len(t, sigs, 1)
	assert.Equal(t, net.SignalAnswer, sigs[0].Get("signalType").String())
	assert.Equal(t, "s1", sigs[0].Get("sessionId").String())
	assert.Equal(t, "v=1", sigs[0].Get("sessionDescription.sdp").String())
	req := env.srv.RequestsTo("/v1/signaling")[0]
	assert.Equal(t, "bob", gjson.GetBytes(req.Data, "to").String())
	assert.Equal(t, "c2", gjson.GetBytes(req.Data, "toConnection").String())

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalICECandidates, "sessionId": "s1", "target": net.TargetCall,
		"iceCandidates": []any{obj{"candidate": "a"}, obj{"candidate": "b"}},
	})))
	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalConnected, "sessionId": "s1", "target": net.TargetCall, "connectionId": "conn-1",
	})))
	assert.Equal(t, CallConnected, call.State())

	require.NoError(t, call.SendICECandidates(ctx, []json.RawMessage{json.RawMessage(`{"candidate":"x"}`)}))
	assert.Equal(t, net.SignalICECandidates, env.signals()[1].Get("signalType").String())

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalBye, "sessionId": "s1", "target": net.TargetCall,
	})))
	assert.Equal(t, CallTerminated, call.State())
	assert.Equal(t, []string{"ice:2", "connected", "hangup"}, cl.Events())
	assert.Empty(t, env.c.Calls())

	require.NoError(t, call.Hangup(ctx))
	assert.ErrorIs(t, call.Answer(ctx, nil), ErrCallTerminated)
	assert.ErrorIs(t, call.SendICECandidates(ctx, nil), ErrCallTerminated)
	assert.Len(t, env.signals(), 2)
}

func TestIncomingCallTakenElsewhere(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, false)

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalOffer, "sessionId": "s1", "target": net.TargetCall,
		"sessionDescription": obj{"sdp": "v=0"},
	})))
	call := env.rec.Calls()[0]
	cl := &callRecorder{}
	call.SetListener(cl)

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalConnected, "sessionId": "s1", "target": net.TargetCall, "connectionId": "conn-9",
	})))
	assert.Equal(t, CallTerminated, call.State())
	assert.Equal(t, []string{"hangup"}, cl.Events())
	assert.Nil(t, env.c.CallWithID("s1"))
}

func TestIncomingDirectConnection(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, false)

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c2", obj{
		"signalType": net.SignalOffer, "sessionId": "d1", "target": net.TargetDirectConnection,
		"sessionDescription": obj{"sdp": "v=0"},
	})))
	assert.Equal(t, []string{"connect", "direct:d1"}, env.rec.Events())
	assert.True(t, env.rec.Calls()[0].IsDirectConnection())
	assert.Same(t, env.rec.Calls()[0], env.c.CallWithID("d1"))
}

func TestOutgoingCall(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	bob := env.c.Endpoint("bob")
	_, err := bob.StartCall(ctx, json.RawMessage(`{"sdp":"v=0"}`), false)
	assert.ErrorIs(t, err, net.ErrNotConnected)
	assert.Empty(t, env.c.Calls())

	env.connect(t, false)
	call, err := bob.StartCall(ctx, json.RawMessage(`{"sdp":"v=0"}`), false)
	require.NoError(t, err)
	assert.True(t, call.IsCaller())
	assert.Equal(t, CallCalling, call.State())
	assert.Same(t, call, env.c.CallWithID(call.SessionID()))
	cl := &callRecorder{}
	call.SetListener(cl)

	offer := env.signals()[0]
	assert.Equal(t, net.SignalOffer, offer.Get("signalType").String())
	assert.Equal(t, call.SessionID(), offer.Get("sessionId").String())
	assert.Equal(t, net.TargetCall, offer.Get("target").String())
	assert.Equal(t, "v=0", offer.Get("sessionDescription.sdp").String())
	assert.NotEmpty(t, offer.Get("signalId").String())

	require.NoError(t, env.srv.Push("signal", signalEvent("bob", "c7", obj{
		"signalType": net.SignalAnswer, "sessionId": call.SessionID(), "target": net.TargetCall,
		"sessionDescription": obj{"sdp": "v=1"},
	})))
	assert.Equal(t, "c7", call.RemoteConnection())
	require.Eventually(t, func() bool { return call.State() == CallConnected }, time.Second, 5*time.Millisecond)

	connected := env.signals()[1]
	assert.Equal(t, net.SignalConnected, connected.Get("signalType").String())
	assert.Equal(t, "c7", connected.Get("connectionId").String())
	req := env.srv.RequestsTo("/v1/signaling")[1]
	assert.False(t, gjson.GetBytes(req.Data, "toConnection").Exists())

	require.NoError(t, call.Hangup(context.Background()))
	bye := env.signals()[2]
	assert.Equal(t, net.SignalBye, bye.Get("signalType").String())
	assert.Equal(t, "c7", gjson.GetBytes(env.srv.RequestsTo("/v1/signaling")[2].Data, "toConnection").String())
	assert.Equal(t, CallTerminated, call.State())
	assert.Empty(t, env.c.Calls())
	assert.Equal(t, []string{`answer:{"sdp":"v=1"}`, "connected"}, cl.Events())
}
