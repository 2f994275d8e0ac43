package net

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-multierror"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/utils"
	"github.com/tidwall/gjson"
)

// Frame types on the wire.
const (
	frameEmit  = "emit"
	frameAck   = "ack"
	frameEvent = "event"
)

// wsFrame is one JSON text message.
type wsFrame struct {
	Type string            `json:"type"`
	ID   uint64            `json:"id,omitempty"`
	Name string            `json:"name,omitempty"`
	Args []json.RawMessage `json:"args"`
}

// WSTransportCfg configures the websocket transport. It is loaded as the "ws_transport" config.
type WSTransportCfg struct {
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	WriteTimeout     time.Duration `mapstructure:"writeTimeout"`
	PingInterval     time.Duration `mapstructure:"pingInterval"`
	PongWait         time.Duration `mapstructure:"pongWait"`
	ReadLimit        int64         `mapstructure:"readLimit"`
}

// DefaultWSTransportCfg returns the production defaults.
func DefaultWSTransportCfg() *WSTransportCfg {
	return &WSTransportCfg{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		PingInterval:     10 * time.Second,
		PongWait:         30 * time.Second,
		ReadLimit:        1 << 20,
	}
}

func (c *WSTransportCfg) GetName() string {
	return "ws_transport"
}

func (c *WSTransportCfg) Validate() error {
	var result error
	if c.HandshakeTimeout <= 0 || c.WriteTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("handshakeTimeout and writeTimeout must be positive"))
	}
	if c.PingInterval <= 0 || c.PongWait <= c.PingInterval {
		result = multierror.Append(result, fmt.Errorf("pongWait (%s) must exceed a positive pingInterval (%s)", c.PongWait, c.PingInterval))
	}
	if c.ReadLimit <= 0 {
		result = multierror.Append(result, fmt.Errorf("readLimit must be positive"))
	}
	return result
}

// WSDialer opens websocket sockets.
type WSDialer struct {
	cfg    atomic.Pointer[WSTransportCfg]
	header http.Header
	open   atomic.Int64
}

// NewWSDialer creates a dialer. A nil cfg uses the defaults.
func NewWSDialer(cfg *WSTransportCfg) *WSDialer {
	if cfg == nil {
		cfg = DefaultWSTransportCfg()
	}
	d := &WSDialer{header: http.Header{}}
	d.cfg.Store(cfg)
	return d
}

// Config returns the settings used by the next Dial.
func (d *WSDialer) Config() *WSTransportCfg {
	return d.cfg.Load()
}

// SetConfig replaces the settings for later dials. Open sockets keep theirs.
func (d *WSDialer) SetConfig(cfg *WSTransportCfg) {
	d.cfg.Store(cfg)
}

// OpenSockets returns the number of sockets dialed and not yet closed.
func (d *WSDialer) OpenSockets() int {
	return int(d.open.Load())
}

// Dial connects to url and starts the read and ping loops.
func (d *WSDialer) Dial(ctx context.Context, url string, handler SocketHandler) (Socket, error) {
	cfg := d.Config()
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, d.header)
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "ws_dial_total", 1, metrics.Dimension{"result": "error"})
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	metrics.IncrCounterWithDimGroup("net", "ws_dial_total", 1, metrics.Dimension{"result": "ok"})

	d.open.Add(1)
	s := newWSSocket(conn, cfg, handler)
	s.onClose = func() { d.open.Add(-1) }
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

// wsSocket reads on one goroutine and delivers on another. Acks are matched
// on the read loop; events and the final OnDisconnect go through events in
// arrival order, so a handler may block on a request of its own.
type wsSocket struct {
	conn    *websocket.Conn
	cfg     *WSTransportCfg
	handler SocketHandler
	events  *utils.Executor
	logger  *log.ComponentLogger

	wmu sync.Mutex
	seq atomic.Uint64

	mu   sync.Mutex
	acks map[uint64]AckFunc

	closeOnce sync.Once
	done      chan struct{}
	onClose   func()
}

func newWSSocket(conn *websocket.Conn, cfg *WSTransportCfg, handler SocketHandler) *wsSocket {
	s := &wsSocket{
		conn:    conn,
		cfg:     cfg,
		handler: handler,
		events:  utils.NewExecutor("ws"),
		logger:  log.Named("ws"),
		acks:    make(map[uint64]AckFunc),
		done:    make(chan struct{}),
	}
	conn.SetReadLimit(cfg.ReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})
	return s
}

func (s *wsSocket) Emit(event string, args []json.RawMessage, ack AckFunc) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	frame := wsFrame{Type: frameEmit, Name: event, Args: args}
	if ack != nil {
		frame.ID = s.seq.Add(1)
		s.mu.Lock()
		s.acks[frame.ID] = ack
		s.mu.Unlock()
	}

	if err := s.write(frame); err != nil {
		if ack != nil {
			s.mu.Lock()
			delete(s.acks, frame.ID)
			s.mu.Unlock()
		}
		return err
	}
	return nil
}

func (s *wsSocket) write(frame wsFrame) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *wsSocket) readLoop() {
	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.shutdown(err)
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
		s.dispatch(msg)
	}
}

func (s *wsSocket) dispatch(msg []byte) {
	if !gjson.ValidBytes(msg) {
		s.logger.Debug().Int("len", len(msg)).Msg("dropping non-JSON frame")
		return
	}
	frame := gjson.ParseBytes(msg)
	items := frame.Get("args").Array()
	args := make([]json.RawMessage, 0, len(items))
	for _, a := range items {
		args = append(args, json.RawMessage(a.Raw))
	}

	switch frame.Get("type").String() {
	case frameAck:
		id := frame.Get("id").Uint()
		s.mu.Lock()
		ack, ok := s.acks[id]
		delete(s.acks, id)
		s.mu.Unlock()
		if ok {
			ack(args)
		}
	case frameEvent:
		name := frame.Get("name").String()
		if name == "" {
			return
		}
		s.events.Post(func() { s.handler.OnEvent(name, args) })
	default:
		s.logger.Debug().Str("type", frame.Get("type").String()).Msg("dropping unknown frame")
	}
}

func (s *wsSocket) pingLoop() {
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.wmu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
			s.wmu.Unlock()
			if err != nil {
				s.shutdown(err)
				return
			}
		case <-s.done:
			return
		}
	}
}

// shutdown closes the connection once and reports it to the handler.
func (s *wsSocket) shutdown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)
		if cause == nil {
			s.wmu.Lock()
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
				time.Now().Add(s.cfg.WriteTimeout))
			s.wmu.Unlock()
		}
		_ = s.conn.Close()

		s.mu.Lock()
		s.acks = make(map[uint64]AckFunc)
		s.mu.Unlock()

		if s.onClose != nil {
			s.onClose()
		}
		if websocket.IsCloseError(cause, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			cause = nil
		}
		s.events.Post(func() { s.handler.OnDisconnect(cause) })
		s.events.Close()
	})
}

func (s *wsSocket) Close() error {
	s.shutdown(nil)
	return nil
}
