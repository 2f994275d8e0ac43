package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/net"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

type obj = map[string]any

type events struct {
	mu  sync.Mutex
	log []string
}

func (e *events) record(format string, args ...any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.log = append(e.log, fmt.Sprintf(format, args...))
}

func (e *events) Events() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.log...)
}

type clientRecorder struct {
	events
	mu    sync.Mutex
	calls []*Call
}

func (r *clientRecorder) OnConnect(c *Client) { r.record("connect") }
func (r *clientRecorder) OnDisconnect(c *Client, willReconnect bool) {
	r.record("disconnect:%t", willReconnect)
}
func (r *clientRecorder) OnError(c *Client, err error) { r.record("error:%v", err) }
func (r *clientRecorder) OnCall(c *Client, call *Call) {
	r.addCall(call)
	r.record("call:%s", call.SessionID())
}
func (r *clientRecorder) OnIncomingDirectConnection(c *Client, call *Call) {
	r.addCall(call)
	r.record("direct:%s", call.SessionID())
}
func (r *clientRecorder) OnMessage(c *Client, message string, endpoint *Endpoint, group *Group, ts time.Time) {
	from := ""
	if endpoint != nil {
		from = endpoint.ID()
	}
	if group != nil {
		r.record("group:%s:%s:%s", message, group.ID(), from)
		return
	}
	r.record("message:%s:%s:%d", message, from, ts.UnixMilli())
}

func (r *clientRecorder) addCall(call *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *clientRecorder) Calls() []*Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Call(nil), r.calls...)
}

type endpointRecorder struct{ events }

func (r *endpointRecorder) OnMessage(e *Endpoint, message string, ts time.Time) {
	r.record("message:%s:%d", message, ts.UnixMilli())
}
func (r *endpointRecorder) OnPresence(e *Endpoint, p *codec.Presence) {
	text, _ := codec.PresenceText(p)
	r.record("presence:%s", text)
}

type groupRecorder struct{ events }

func (r *groupRecorder) OnJoin(g *Group, conn *Connection) {
	r.record("join:%s:%s", conn.Endpoint().ID(), conn.ID())
}
func (r *groupRecorder) OnLeave(g *Group, conn *Connection) {
	r.record("leave:%s:%s", conn.Endpoint().ID(), conn.ID())
}
func (r *groupRecorder) OnMessage(g *Group, message string, sender *Endpoint, ts time.Time) {
	from := ""
	if sender != nil {
		from = sender.ID()
	}
	r.record("message:%s:%s", message, from)
}

type callRecorder struct{ events }

func (r *callRecorder) OnAnswer(call *Call, sdp json.RawMessage) { r.record("answer:%s", sdp) }
func (r *callRecorder) OnConnected(call *Call)                  { r.record("connected") }
func (r *callRecorder) OnICECandidates(call *Call, c []json.RawMessage) {
	r.record("ice:%d", len(c))
}
func (r *callRecorder) OnHangup(call *Call) { r.record("hangup") }

type fakeTokens struct {
	mu       sync.Mutex
	err      error
	requests []string
	sessions []string
}

func (f *fakeTokens) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeTokens) RequestToken(ctx context.Context, appID, endpointID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.requests = append(f.requests, appID+"/"+endpointID)
	return "tok-" + endpointID, nil
}

func (f *fakeTokens) OpenSession(ctx context.Context, tokenID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sessions = append(f.sessions, tokenID)
	return "app-token", nil
}

func (f *fakeTokens) Sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sessions...)
}

type testEnv struct {
	c      *Client
	srv    *net.MemoryServer
	mock   *clock.Mock
	rec    *clientRecorder
	tokens *fakeTokens
	reg    *Registry
}

func respondOK(req *net.MemoryRequest) bool {
	req.Respond(200, nil, obj{})
	return true
}

func newTestEnv(t *testing.T, opts ...Option) *testEnv {
	t.Helper()
	srv := net.NewMemoryServer("alice", "conn-1")
	srv.Handle("post", "/v1/presence", respondOK)
	srv.Handle("post", "/v1/signaling", respondOK)
	srv.Handle("post", "/v1/messages", respondOK)
	srv.Handle("post", "/v1/groups", respondOK)
	srv.Handle("delete", "/v1/groups", respondOK)
	srv.Handle("post", "/v1/presenceobservers", func(req *net.MemoryRequest) bool {
		req.Respond(200, nil, []any{})
		return true
	})

	env := &testEnv{
		srv:    srv,
		mock:   clock.NewMock(),
		rec:    &clientRecorder{},
		tokens: &fakeTokens{},
		reg:    NewRegistry(),
	}
	cfg := DefaultConfig()
	cfg.BaseURL = "https://api.example.com"

	base := []Option{
		WithDialer(srv),
		WithClock(env.mock),
		WithTokenSource(env.tokens),
		WithRegistry(env.reg),
		WithListener(env.rec),
	}
	c, err := NewClient(cfg, append(base, opts...)...)
	require.NoError(t, err)
	c.registrar.post = func(f func()) { f() }
	c.post = func(f func()) { f() }
	env.c = c
	t.Cleanup(c.Close)
	return env
}

// deliverAsync restores delivery of notifications on the client's event
// goroutine. newTestEnv runs them inline on the goroutine that raised them.
func (env *testEnv) deliverAsync() {
	env.c.post = func(f func()) { env.c.events.Post(f) }
}

// holdPresenceObservers leaves presence registrations unanswered so that no
// snapshot races the events a test pushes.
func (env *testEnv) holdPresenceObservers() {
	env.srv.Handle("post", "/v1/presenceobservers", func(req *net.MemoryRequest) bool { return true })
}

func (env *testEnv) connect(t *testing.T, reconnect bool) {
	t.Helper()
	require.NoError(t, env.c.Connect(context.Background(), "alice", "app-1", reconnect, nil))
	require.True(t, env.c.IsConnected())
}

// signals returns the decoded signals sent so far, in order.
func (env *testEnv) signals() []gjson.Result {
	var out []gjson.Result
	for _, req := range env.srv.RequestsTo("/v1/signaling") {
		out = append(out, gjson.Parse(gjson.GetBytes(req.Data, "signal").String()))
	}
	return out
}

func signalEvent(from, fromConnection string, body obj) obj {
	return obj{
		"header": obj{"from": from, "fromConnection": fromConnection, "timestamp": 42},
		"body":   body,
	}
}

var errTokenService = errors.New("token service down")
