package net

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/tidwall/gjson"
)

// Compile-time interface checks.
var (
	_ Dialer = (*MemoryServer)(nil)
	_ Socket = (*memorySocket)(nil)
)

// MemoryRequest is one request received by a MemoryServer.
type MemoryRequest struct {
	Method string
	URL    string
	Token  string
	Data   json.RawMessage

	ack AckFunc
	mu  sync.Mutex
}

// Respond acknowledges the request with a response envelope. Only the first call has an effect.
func (r *MemoryRequest) Respond(status int, headers map[string]any, body any) {
	env := map[string]any{"statusCode": status, "body": body}
	if headers != nil {
		env["headers"] = headers
	}
	b, _ := json.Marshal(env)
	r.RespondRaw(b)
}

// RespondRaw acknowledges the request with arbitrary bytes.
func (r *MemoryRequest) RespondRaw(arg json.RawMessage) {
	r.mu.Lock()
	ack := r.ack
	r.ack = nil
	r.mu.Unlock()
	if ack != nil {
		go ack([]json.RawMessage{arg})
	}
}

// MemoryRoute answers a request. Returning handled=false leaves it pending for a manual Respond.
type MemoryRoute func(req *MemoryRequest) (handled bool)

// MemoryServer is an in-process signaling server usable as a Dialer.
// Requests are matched to routes by method and path; unmatched requests stay
// pending until answered through Requests or Next.
type MemoryServer struct {
	mu       sync.Mutex
	routes   map[string]MemoryRoute
	sockets  []*memorySocket
	requests []*MemoryRequest
	arrived  chan *MemoryRequest
	dials    int
	dialErr  error
	urls     []string
}

// NewMemoryServer creates a server that answers the identity fetch with endpointID/connectionID.
func NewMemoryServer(endpointID, connectionID string) *MemoryServer {
	s := &MemoryServer{
		routes:  make(map[string]MemoryRoute),
		arrived: make(chan *MemoryRequest, 256),
	}
	s.Handle("post", "/v1/connections", func(req *MemoryRequest) bool {
		req.Respond(200, nil, map[string]any{"endpointId": endpointID, "id": connectionID})
		return true
	})
	return s
}

// Handle installs a route for method and path.
func (s *MemoryServer) Handle(method, path string, route MemoryRoute) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if route == nil {
		delete(s.routes, method+" "+path)
		return
	}
	s.routes[method+" "+path] = route
}

// FailDial makes subsequent dials fail with err. nil restores dialing.
func (s *MemoryServer) FailDial(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dialErr = err
}

// Dials returns the number of dial attempts.
func (s *MemoryServer) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// URLs returns the URLs of every dial attempt.
func (s *MemoryServer) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

// Requests returns every request received so far, in order.
func (s *MemoryServer) Requests() []*MemoryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*MemoryRequest(nil), s.requests...)
}

// RequestsTo returns the requests received for path.
func (s *MemoryServer) RequestsTo(path string) []*MemoryRequest {
	var out []*MemoryRequest
	for _, r := range s.Requests() {
		if r.URL == path {
			out = append(out, r)
		}
	}
	return out
}

// Next waits for the next request that no route handled.
func (s *MemoryServer) Next(ctx context.Context) (*MemoryRequest, error) {
	select {
	case r := <-s.arrived:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Push delivers an event to every open socket, on the caller's goroutine.
func (s *MemoryServer) Push(event string, args ...any) error {
	raw := make([]json.RawMessage, 0, len(args))
	for _, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return err
		}
		raw = append(raw, b)
	}
	for _, sock := range s.open() {
		sock.handler.OnEvent(event, raw)
	}
	return nil
}

// Drop closes every open socket from the server side with err.
func (s *MemoryServer) Drop(err error) {
	if err == nil {
		err = errors.New("connection reset by peer")
	}
	for _, sock := range s.open() {
		sock.shutdown(err)
	}
}

// OpenSockets returns the number of sockets not yet closed.
func (s *MemoryServer) OpenSockets() int {
	return len(s.open())
}

func (s *MemoryServer) open() []*memorySocket {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*memorySocket
	for _, sock := range s.sockets {
		if !sock.isClosed() {
			out = append(out, sock)
		}
	}
	return out
}

func (s *MemoryServer) Dial(ctx context.Context, url string, handler SocketHandler) (Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dials++
	s.urls = append(s.urls, url)
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sock := &memorySocket{server: s, handler: handler}
	s.sockets = append(s.sockets, sock)
	return sock, nil
}

func (s *MemoryServer) receive(method string, arg json.RawMessage, ack AckFunc) {
	r := gjson.ParseBytes(arg)
	req := &MemoryRequest{
		Method: method,
		URL:    r.Get("url").String(),
		Token:  r.Get("headers.App-Token").String(),
		ack:    ack,
	}
	if data := r.Get("data"); data.Exists() {
		req.Data = json.RawMessage(data.Raw)
	}

	s.mu.Lock()
	s.requests = append(s.requests, req)
	route := s.routes[method+" "+req.URL]
	s.mu.Unlock()

	if route != nil && route(req) {
		return
	}
	s.arrived <- req
}

type memorySocket struct {
	server  *MemoryServer
	handler SocketHandler

	mu     sync.Mutex
	closed bool
}

func (m *memorySocket) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *memorySocket) Emit(event string, args []json.RawMessage, ack AckFunc) error {
	if m.isClosed() {
		return ErrSocketClosed
	}
	var arg json.RawMessage
	if len(args) > 0 {
		arg = args[0]
	}
	m.server.receive(event, arg, ack)
	return nil
}

func (m *memorySocket) shutdown(cause error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.handler.OnDisconnect(cause)
}

func (m *memorySocket) Close() error {
	m.shutdown(nil)
	return nil
}
