package net

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/config"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/utils"
	"github.com/tidwall/gjson"
)

// Listener receives everything the channel reports upward.
//
// Server events and the OnDisconnect of a dropped socket arrive in order on
// the socket's delivery goroutine, never on the goroutine that delivers
// acknowledgements, so a callback may wait on a request. OnConnect runs on the
// goroutine that called Authenticate, and OnDisconnect after a local
// Disconnect on the caller's goroutine.
type Listener interface {
	OnConnect(ch *SignalingChannel, endpointID, connectionID string)
	OnDisconnect(ch *SignalingChannel)
	OnError(ch *SignalingChannel, err error)

	OnJoinGroup(groupID, endpointID, connectionID string)
	OnLeaveGroup(groupID, endpointID, connectionID string)
	OnMessage(message, endpointID string, timestamp time.Time)
	OnGroupMessage(message, groupID, endpointID string, timestamp time.Time)
	OnPresence(presence *codec.Presence, connectionID, endpointID string)
	OnIncomingSession(session IncomingSession)

	// CallWithID looks up an existing call session. It returns nil if there is none.
	CallWithID(sessionID string) CallSession
}

// listenerRef is the channel's non-owning handle on its listener.
type listenerRef struct {
	l Listener
}

// socketSession binds the handler callbacks of one socket to the channel.
// Callbacks from a session that is no longer current are ignored.
type socketSession struct {
	ch     *SignalingChannel
	socket Socket
}

func (s *socketSession) OnEvent(name string, args []json.RawMessage) {
	if !s.ch.isCurrent(s) {
		return
	}
	s.ch.router.OnEvent(name, args)
}

func (s *socketSession) OnDisconnect(err error) {
	if err != nil {
		s.ch.logger.Warn().Err(err).Msg("socket closed")
	}
	s.ch.teardown(s)
}

// SignalingChannel owns the connection to the signaling server.
type SignalingChannel struct {
	baseURL  string
	appToken string
	dialer   Dialer
	cfg      atomic.Pointer[ChannelConfig]
	sched    *utils.Scheduler
	queue    *TransactionQueue
	router   *EventRouter
	limiter  *RecvLimiter
	listener atomic.Pointer[listenerRef]
	cm       config.ConfigManager
	logger   *log.ComponentLogger

	mu           sync.Mutex
	session      *socketSession
	connected    atomic.Bool
	endpointID   string
	connectionID string
	closed       bool
}

// ChannelOption configures a SignalingChannel.
type ChannelOption func(*SignalingChannel)

// WithDialer sets the socket dialer. The default is the websocket dialer with default settings.
func WithDialer(d Dialer) ChannelOption {
	return func(c *SignalingChannel) { c.dialer = d }
}

// WithClock sets the time source for timeouts and retry delays.
func WithClock(clk clock.Clock) ChannelOption {
	return func(c *SignalingChannel) { c.sched = utils.NewScheduler(clk) }
}

// WithChannelConfig overrides the default configuration.
func WithChannelConfig(cfg *ChannelConfig) ChannelOption {
	return func(c *SignalingChannel) {
		if cfg != nil {
			c.cfg.Store(cfg)
		}
	}
}

// WithListener attaches a listener at construction.
func WithListener(l Listener) ChannelOption {
	return func(c *SignalingChannel) { c.SetListener(l) }
}

// WithConfigManager subscribes the channel to "channel" config reloads.
func WithConfigManager(cm config.ConfigManager) ChannelOption {
	return func(c *SignalingChannel) { c.cm = cm }
}

// WithLogger replaces the channel's component logger.
func WithLogger(l *log.ComponentLogger) ChannelOption {
	return func(c *SignalingChannel) { c.logger = l }
}

// NewSignalingChannel creates an unconnected channel for baseURL authenticated by appToken.
func NewSignalingChannel(baseURL, appToken string, opts ...ChannelOption) *SignalingChannel {
	c := &SignalingChannel{
		baseURL:  baseURL,
		appToken: appToken,
		logger:   log.Named("channel"),
	}
	c.cfg.Store(DefaultChannelConfig())
	for _, opt := range opts {
		opt(c)
	}
	if c.sched == nil {
		c.sched = utils.NewScheduler(nil)
	}
	if c.dialer == nil {
		c.dialer = NewWSDialer(nil)
	}

	cfg := c.config()
	c.limiter = NewTokenRecvLimiter(cfg.RecvRateLimit, cfg.TokenBurst)
	c.queue = NewTransactionQueue(c.sched, cfg.RPCTimeout, cfg.SendRateLimit)
	c.router = newEventRouter(c, c.limiter)

	if c.cm != nil {
		c.cm.AddChangeListener(c)
	}
	return c
}

func (c *SignalingChannel) config() *ChannelConfig {
	return c.cfg.Load()
}

// OnConfigChanged applies a reloaded "channel" config.
func (c *SignalingChannel) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "channel" {
		return nil
	}
	newCfg, ok := newConfig.(*ChannelConfig)
	if !ok {
		return fmt.Errorf("invalid configuration type for SignalingChannel")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid channel configuration: %w", err)
	}

	c.cfg.Store(newCfg)
	c.limiter.Reload(newCfg.RecvRateLimit, newCfg.TokenBurst)
	c.queue.SetTimeout(newCfg.RPCTimeout)
	c.queue.SetSendRate(newCfg.SendRateLimit)

	c.logger.Info().Str("configName", configName).Msg("channel configuration updated")
	return nil
}

// SetListener replaces the listener. nil detaches it; notifications are then dropped.
func (c *SignalingChannel) SetListener(l Listener) {
	if l == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&listenerRef{l: l})
}

func (c *SignalingChannel) notify(fn func(l Listener)) {
	if ref := c.listener.Load(); ref != nil {
		fn(ref.l)
	}
}

func (c *SignalingChannel) lookupSession(sessionID string) CallSession {
	ref := c.listener.Load()
	if ref == nil {
		return nil
	}
	return ref.l.CallWithID(sessionID)
}

// IsConnected reports whether the channel holds an authenticated connection.
func (c *SignalingChannel) IsConnected() bool {
	return c.connected.Load()
}

// EndpointID returns the local endpoint ID learnt at authentication.
func (c *SignalingChannel) EndpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointID
}

// ConnectionID returns the local connection ID learnt at authentication.
func (c *SignalingChannel) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Clock returns the channel's time source.
func (c *SignalingChannel) Clock() clock.Clock {
	return c.sched.Clock()
}

func (c *SignalingChannel) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	q.Set("__sails_io_sdk_version", c.config().SDKVersion)
	q.Set("app-token", c.appToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *SignalingChannel) isCurrent(s *socketSession) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session == s
}

func (c *SignalingChannel) socket() Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	return c.session.socket
}

// Authenticate opens the socket and fetches the local identity. It returns
// once the channel is connected or the attempt failed. Failures are also
// reported through Listener.OnError.
func (c *SignalingChannel) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrSocketClosed
	}
	if c.session != nil {
		c.mu.Unlock()
		return errors.New("connection already in progress")
	}
	sess := &socketSession{ch: c}
	c.session = sess
	c.mu.Unlock()

	target, err := c.socketURL()
	if err == nil {
		var sock Socket
		sock, err = c.dialer.Dial(ctx, target, sess)
		if err == nil {
			c.mu.Lock()
			if c.session != sess {
				c.mu.Unlock()
				_ = sock.Close()
				err = ErrDisconnected
			} else {
				sess.socket = sock
				c.mu.Unlock()
			}
		}
	}
	if err != nil {
		metrics.IncrCounterWithDimGroup("net", "connect_total", 1, metrics.Dimension{"result": "dial_error"})
		c.teardown(sess)
		c.notify(func(l Listener) { l.OnError(c, err) })
		return err
	}

	if err := c.fetchIdentity(ctx, sess); err != nil {
		metrics.IncrCounterWithDimGroup("net", "connect_total", 1, metrics.Dimension{"result": "identity_error"})
		c.teardown(sess)
		c.notify(func(l Listener) { l.OnError(c, err) })
		return err
	}
	metrics.IncrCounterWithDimGroup("net", "connect_total", 1, metrics.Dimension{"result": "ok"})
	return nil
}

func (c *SignalingChannel) fetchIdentity(ctx context.Context, sess *socketSession) error {
	body, err := c.do(ctx, "post", "/v1/connections", nil, false)
	if err != nil {
		return err
	}
	r := gjson.ParseBytes(body)
	endpointID := r.Get("endpointId").String()
	connectionID := r.Get("id").String()
	if !r.IsObject() || endpointID == "" || connectionID == "" {
		return ErrUnexpectedResponse
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return ErrDisconnected
	}
	c.endpointID = endpointID
	c.connectionID = connectionID
	c.connected.Store(true)
	c.mu.Unlock()

	metrics.UpdateGaugeWithGroup("net", "connected", 1)
	c.logger.Info().Str("endpointId", endpointID).Str("connectionId", connectionID).Msg("signaling channel connected")
	c.notify(func(l Listener) { l.OnConnect(c, endpointID, connectionID) })
	return nil
}

// Disconnect abandons all pending requests and closes the socket.
// OnDisconnect is reported once, and only if the channel was connected.
func (c *SignalingChannel) Disconnect() {
	c.queue.CancelAll()
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		c.teardown(sess)
	}
}

// teardown releases sess if it is still current. Every close path ends here.
func (c *SignalingChannel) teardown(sess *socketSession) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	c.session = nil
	wasConnected := c.connected.Swap(false)
	sock := sess.socket
	c.mu.Unlock()

	c.queue.CancelAll()
	if sock != nil {
		_ = sock.Close()
	}
	if !wasConnected {
		return
	}
	metrics.UpdateGaugeWithGroup("net", "connected", 0)
	c.logger.Info().Msg("signaling channel disconnected")
	c.notify(func(l Listener) { l.OnDisconnect(c) })
}

// Close disconnects and stops the channel for good.
func (c *SignalingChannel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.Disconnect()
	c.queue.Close()
	if c.cm != nil {
		c.cm.RemoveChangeListener(c)
	}
}
