package net

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/signaling/codec"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	mu     sync.Mutex
	events []string
}

func (s *fakeSession) record(e string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *fakeSession) Events() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.events...)
}

func (s *fakeSession) HangupReceived()    { s.record("hangup") }
func (s *fakeSession) ConnectedReceived() { s.record("connected") }
func (s *fakeSession) AnswerReceived(sdp json.RawMessage, fromConnection string) {
	s.record(fmt.Sprintf("answer:%s:%s", sdp, fromConnection))
}
func (s *fakeSession) IceCandidatesReceived(candidates []json.RawMessage) {
	s.record(fmt.Sprintf("ice:%d", len(candidates)))
}

type recordingListener struct {
	mu       sync.Mutex
	events   []string
	errs     []error
	incoming []IncomingSession
	presence []*codec.Presence
	calls    map[string]*fakeSession
	panicOn  string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{calls: make(map[string]*fakeSession)}
}

func (l *recordingListener) record(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.panicOn != "" && l.panicOn == e {
		panic("listener failure")
	}
	l.events = append(l.events, e)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) Errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) Incoming() []IncomingSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]IncomingSession(nil), l.incoming...)
}

func (l *recordingListener) addCall(sessionID string) *fakeSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := &fakeSession{}
	l.calls[sessionID] = s
	return s
}

func (l *recordingListener) OnConnect(ch *SignalingChannel, endpointID, connectionID string) {
	l.record("connect:" + endpointID + ":" + connectionID)
}

func (l *recordingListener) OnDisconnect(ch *SignalingChannel) { l.record("disconnect") }

func (l *recordingListener) OnError(ch *SignalingChannel, err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.record("error")
}

func (l *recordingListener) OnJoinGroup(groupID, endpointID, connectionID string) {
	l.record("join:" + groupID + ":" + endpointID + ":" + connectionID)
}

func (l *recordingListener) OnLeaveGroup(groupID, endpointID, connectionID string) {
	l.record("leave:" + groupID + ":" + endpointID + ":" + connectionID)
}

func (l *recordingListener) OnMessage(message, endpointID string, timestamp time.Time) {
	l.record(fmt.Sprintf("message:%s:%s:%d", message, endpointID, timestamp.UnixMilli()))
}

func (l *recordingListener) OnGroupMessage(message, groupID, endpointID string, timestamp time.Time) {
	l.record(fmt.Sprintf("group:%s:%s:%s:%d", message, groupID, endpointID, timestamp.UnixMilli()))
}

func (l *recordingListener) OnPresence(presence *codec.Presence, connectionID, endpointID string) {
	l.mu.Lock()
	l.presence = append(l.presence, presence)
	l.mu.Unlock()
	text, _ := codec.PresenceText(presence)
	l.record("presence:" + text + ":" + connectionID + ":" + endpointID)
}

func (l *recordingListener) OnIncomingSession(session IncomingSession) {
	l.mu.Lock()
	l.incoming = append(l.incoming, session)
	l.mu.Unlock()
	l.record("incoming:" + session.SessionID)
}

func (l *recordingListener) CallWithID(sessionID string) CallSession {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.calls[sessionID]; ok {
		return s
	}
	return nil
}

func newTestChannel(t *testing.T, srv *MemoryServer, l Listener, opts ...ChannelOption) (*SignalingChannel, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	opts = append([]ChannelOption{WithDialer(srv), WithClock(mock), WithListener(l)}, opts...)
	ch := NewSignalingChannel("wss://signal.example.com/", "app-token", opts...)
	t.Cleanup(ch.Close)
	return ch, mock
}

func connectTestChannel(t *testing.T, srv *MemoryServer, l Listener, opts ...ChannelOption) (*SignalingChannel, *clock.Mock) {
	t.Helper()
	ch, mock := newTestChannel(t, srv, l, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Authenticate(ctx))
	return ch, mock
}

func nextRequest(t *testing.T, srv *MemoryServer) *MemoryRequest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := srv.Next(ctx)
	require.NoError(t, err)
	return req
}
