package net

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		wantBody    string
		wantErr     error
		wantServer  string
		rateLimited bool
		delay       time.Duration
	}{
		{name: "ok object", args: []string{`{"statusCode":200,"body":{"id":"c1"}}`}, wantBody: `{"id":"c1"}`},
		{name: "no content", args: []string{`{"statusCode":204}`}},
		{name: "null body", args: []string{`{"statusCode":200,"body":null}`}},
		{name: "string null body", args: []string{`{"statusCode":200,"body":"null"}`}},
		{name: "string json body", args: []string{`{"statusCode":200,"body":"{\"a\":1}"}`}, wantBody: `{"a":1}`},
		{name: "plain string body", args: []string{`{"statusCode":200,"body":"hello"}`}, wantBody: `"hello"`},
		{name: "no args", args: nil, wantErr: ErrUnexpectedResponse},
		{name: "not json", args: []string{`{statusCode`}, wantErr: ErrUnexpectedResponse},
		{name: "not object", args: []string{`[200]`}, wantErr: ErrUnexpectedResponse},
		{name: "missing status", args: []string{`{"body":{}}`}, wantErr: ErrUnexpectedResponse},
		{name: "string status", args: []string{`{"statusCode":"200"}`}, wantErr: ErrUnexpectedResponse},
		{name: "fractional status", args: []string{`{"statusCode":200.5}`}, wantErr: ErrUnexpectedResponse},
		{name: "unknown status", args: []string{`{"statusCode":500,"body":{}}`}, wantErr: ErrUnknownServerError},
		{name: "server error", args: []string{`{"statusCode":403,"body":{"error":"forbidden","details":"bad token"}}`}, wantServer: "forbidden (bad token)"},
		{name: "rate limited default", args: []string{`{"statusCode":429}`}, rateLimited: true, delay: time.Second},
		{name: "rate limited header", args: []string{`{"statusCode":429,"headers":{"RateLimit-Limit":4}}`}, rateLimited: true, delay: 250 * time.Millisecond},
		{name: "rate limited string header", args: []string{`{"statusCode":429,"headers":{"RateLimit-Limit":"3"}}`}, rateLimited: true, delay: 333 * time.Millisecond},
		{name: "rate limited zero header", args: []string{`{"statusCode":429,"headers":{"RateLimit-Limit":0}}`}, rateLimited: true, delay: time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var args []json.RawMessage
			for _, a := range tt.args {
				args = append(args, json.RawMessage(a))
			}
			env := parseEnvelope(args)

			assert.Equal(t, tt.rateLimited, env.rateLimited)
			if tt.rateLimited {
				assert.Equal(t, tt.delay, env.retryDelay)
				return
			}
			switch {
			case tt.wantServer != "":
				var se *ServerError
				require.ErrorAs(t, env.err, &se)
				assert.Equal(t, tt.wantServer, se.Error())
			case tt.wantErr != nil:
				assert.ErrorIs(t, env.err, tt.wantErr)
			default:
				require.NoError(t, env.err)
			}
			if tt.wantBody == "" {
				assert.Nil(t, env.body)
			} else {
				assert.JSONEq(t, tt.wantBody, string(env.body))
			}
		})
	}
}

func TestSendRequestNotConnected(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, _ := newTestChannel(t, srv, newRecordingListener())

	called := false
	err := ch.SendRequest("post", "/v1/messages", map[string]string{"to": "bob"}, func(json.RawMessage, error) {
		called = true
	})
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.False(t, called)
	assert.Empty(t, srv.Requests())
	assert.Equal(t, 0, ch.queue.Len())
}

func TestSendRequestEncodingError(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, _ := connectTestChannel(t, srv, newRecordingListener())

	err := ch.SendRequest("post", "/v1/messages", map[string]any{"bad": make(chan int)}, nil)
	var encErr *EncodingError
	require.ErrorAs(t, err, &encErr)
	assert.Empty(t, srv.RequestsTo("/v1/messages"))
}

func TestSendRequestBodyTooLarge(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	cfg := DefaultChannelConfig()
	cfg.MaxBodySize = 256
	ch, _ := connectTestChannel(t, srv, newRecordingListener(), WithChannelConfig(cfg))

	err := ch.SendRequest("post", "/v1/messages", map[string]string{"message": strings.Repeat("x", 512)}, nil)
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, srv.RequestsTo("/v1/messages"))
}

func TestDoSendsFrame(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	srv.Handle("post", "/v1/messages", func(req *MemoryRequest) bool {
		req.Respond(200, nil, map[string]any{"delivered": true})
		return true
	})
	ch, _ := connectTestChannel(t, srv, newRecordingListener())

	body, err := ch.Do(context.Background(), "POST", "/v1/messages", map[string]string{"to": "bob", "message": "hi"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"delivered":true}`, string(body))

	reqs := srv.RequestsTo("/v1/messages")
	require.Len(t, reqs, 1)
	assert.Equal(t, "post", reqs[0].Method)
	assert.Equal(t, "app-token", reqs[0].Token)
	assert.JSONEq(t, `{"to":"bob","message":"hi"}`, string(reqs[0].Data))
}

func TestDoResultErrors(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, _ := connectTestChannel(t, srv, newRecordingListener())

	t.Run("server error", func(t *testing.T) {
		srv.Handle("get", "/v1/denied", func(req *MemoryRequest) bool {
			req.Respond(401, nil, map[string]any{"error": "unauthorized", "details": "token expired"})
			return true
		})
		_, err := ch.Do(context.Background(), "get", "/v1/denied", nil)
		var se *ServerError
		require.ErrorAs(t, err, &se)
		assert.Equal(t, 401, se.StatusCode)
		assert.Equal(t, "unauthorized", se.Message)
		assert.Equal(t, "token expired", se.Details)
	})

	t.Run("unknown status", func(t *testing.T) {
		srv.Handle("get", "/v1/broken", func(req *MemoryRequest) bool {
			req.Respond(500, nil, nil)
			return true
		})
		_, err := ch.Do(context.Background(), "get", "/v1/broken", nil)
		assert.ErrorIs(t, err, ErrUnknownServerError)
	})

	t.Run("null string body", func(t *testing.T) {
		srv.Handle("delete", "/v1/groups", func(req *MemoryRequest) bool {
			req.Respond(200, nil, "null")
			return true
		})
		body, err := ch.Do(context.Background(), "delete", "/v1/groups", nil)
		require.NoError(t, err)
		assert.Nil(t, body)
	})
}

func TestRateLimitedRequestRetries(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, mock := connectTestChannel(t, srv, newRecordingListener())

	res := make(chan error, 1)
	require.NoError(t, ch.SendRequest("post", "/v1/messages", map[string]string{"to": "bob"}, func(_ json.RawMessage, err error) {
		res <- err
	}))

	for attempt := 1; attempt <= 3; attempt++ {
		req := nextRequest(t, srv)
		assert.Equal(t, "/v1/messages", req.URL)
		req.Respond(429, map[string]any{"RateLimit-Limit": 4}, nil)
		if attempt == 3 {
			break
		}

		require.Eventually(t, func() bool { return ch.sched.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
		mock.Add(249 * time.Millisecond)
		assert.Len(t, srv.RequestsTo("/v1/messages"), attempt)
		mock.Add(time.Millisecond)
	}

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrRateLimitExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("no result after the last attempt")
	}
	assert.Len(t, srv.RequestsTo("/v1/messages"), 3)
}

func TestRateLimitedThenSucceeds(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, mock := connectTestChannel(t, srv, newRecordingListener())

	res := make(chan json.RawMessage, 1)
	require.NoError(t, ch.SendRequest("get", "/v1/endpoints", nil, func(body json.RawMessage, err error) {
		assert.NoError(t, err)
		res <- body
	}))

	nextRequest(t, srv).Respond(429, nil, nil)
	require.Eventually(t, func() bool { return ch.sched.Pending() == 1 }, 2*time.Second, 5*time.Millisecond)
	mock.Add(time.Second)
	nextRequest(t, srv).Respond(200, nil, []string{"bob"})

	select {
	case body := <-res:
		assert.JSONEq(t, `["bob"]`, string(body))
	case <-time.After(2 * time.Second):
		t.Fatal("no result")
	}
}

func TestRequestTimeout(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, mock := connectTestChannel(t, srv, newRecordingListener())

	res := make(chan error, 1)
	go func() {
		_, err := ch.Do(context.Background(), "get", "/v1/slow", nil)
		res <- err
	}()
	req := nextRequest(t, srv)
	mock.Add(DefaultRPCTimeout)

	select {
	case err := <-res:
		assert.ErrorIs(t, err, ErrRequestTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("request did not time out")
	}
	req.Respond(200, nil, nil)
}

func TestDisconnectAbandonsRequests(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	l := newRecordingListener()
	ch, _ := connectTestChannel(t, srv, l)

	called := make(chan struct{}, 2)
	require.NoError(t, ch.SendRequest("post", "/v1/a", nil, func(json.RawMessage, error) { called <- struct{}{} }))
	require.NoError(t, ch.SendRequest("post", "/v1/b", nil, func(json.RawMessage, error) { called <- struct{}{} }))
	first := nextRequest(t, srv)

	ch.Disconnect()
	first.Respond(200, nil, nil)

	assert.Never(t, func() bool { return len(called) > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	assert.Empty(t, srv.RequestsTo("/v1/b"))
	assert.Equal(t, []string{"connect:alice:conn-1", "disconnect"}, l.Events())
}

func TestDoReturnsDisconnected(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, _ := connectTestChannel(t, srv, newRecordingListener())

	res := make(chan error, 1)
	go func() {
		_, err := ch.Do(context.Background(), "get", "/v1/pending", nil)
		res <- err
	}()
	nextRequest(t, srv)
	ch.Disconnect()

	select {
	case err := <-res:
		assert.True(t, errors.Is(err, ErrDisconnected))
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after disconnect")
	}
}

func TestDoContextCanceled(t *testing.T) {
	srv := NewMemoryServer("alice", "conn-1")
	ch, _ := connectTestChannel(t, srv, newRecordingListener())

	ctx, cancel := context.WithCancel(context.Background())
	res := make(chan error, 1)
	go func() {
		_, err := ch.Do(ctx, "get", "/v1/pending", nil)
		res <- err
	}()
	nextRequest(t, srv)
	cancel()

	select {
	case err := <-res:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Do ignored cancellation")
	}
}
