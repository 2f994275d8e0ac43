package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/lcx/signaling/codec"
	"github.com/lcx/signaling/config"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/net"
	"github.com/lcx/signaling/plugin"
	"github.com/lcx/signaling/utils"
)

var (
	ErrAlreadyConnected   = errors.New("already connected or connecting")
	ErrMissingCredentials = errors.New("appID and endpointID must be specified")
	ErrMissingToken       = errors.New("tokenID must be specified")
	ErrNoGroups           = errors.New("at least one group must be specified")
	ErrClientClosed       = errors.New("client closed")
)

// PresenceAvailable is sent when no presence has been chosen.
const PresenceAvailable = "available"

// Listener receives client-wide notifications.
//
// Every notification of a client, including those of its endpoints, groups
// and calls, runs on one event goroutine owned by the client, in the order
// the client observed the events. A callback may call blocking methods such
// as Call.Answer or Client.SetPresence; while it runs, later notifications
// wait but the connection keeps reading.
type Listener interface {
	OnConnect(c *Client)

	// OnDisconnect reports a lost connection. willReconnect is true when a
	// reconnect attempt has been scheduled.
	OnDisconnect(c *Client, willReconnect bool)
	OnError(c *Client, err error)

	OnCall(c *Client, call *Call)
	OnIncomingDirectConnection(c *Client, call *Call)

	// OnMessage reports a direct message (group is nil) or a group message.
	// endpoint is nil for a group message from an unknown sender.
	OnMessage(c *Client, message string, endpoint *Endpoint, group *Group, timestamp time.Time)
}

// NopListener ignores every notification. Embed it to implement only some methods.
type NopListener struct{}

func (NopListener) OnConnect(*Client)                                       {}
func (NopListener) OnDisconnect(*Client, bool)                              {}
func (NopListener) OnError(*Client, error)                                  {}
func (NopListener) OnCall(*Client, *Call)                                   {}
func (NopListener) OnIncomingDirectConnection(*Client, *Call)               {}
func (NopListener) OnMessage(*Client, string, *Endpoint, *Group, time.Time) {}

type listenerRef struct {
	l Listener
}

// Resolver finds the REST base URL at connect time.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Option configures a Client.
type Option func(*Client)

// WithTokenSource replaces the HTTP bootstrap.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.tokens = ts }
}

// WithResolver looks the base URL up before every connect.
func WithResolver(r Resolver) Option {
	return func(c *Client) { c.resolver = r }
}

// WithDialer bypasses transport plugin lookup.
func WithDialer(d net.Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithClock sets the time source for reconnect delays and the channel's timers.
func WithClock(clk clock.Clock) Option {
	return func(c *Client) { c.clock = clk }
}

// WithRegistry registers the client somewhere other than DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(c *Client) { c.registry = r }
}

// WithConfigManager follows "client" reloads and passes cm on to each channel.
func WithConfigManager(cm config.ConfigManager) Option {
	return func(c *Client) { c.cm = cm }
}

// WithResolvePresence replaces DefaultResolvePresence.
func WithResolvePresence(fn ResolvePresenceFunc) Option {
	return func(c *Client) { c.resolveFn = fn }
}

// WithChannelOptions adds options to every channel the client opens.
func WithChannelOptions(opts ...net.ChannelOption) Option {
	return func(c *Client) { c.chOpts = append(c.chOpts, opts...) }
}

// WithListener attaches a listener at construction.
func WithListener(l Listener) Option {
	return func(c *Client) { c.SetListener(l) }
}

// Client is one signaling login. It owns at most one channel at a time and
// keeps the endpoints, groups and calls seen through it.
type Client struct {
	id        string
	cfg       atomic.Pointer[Config]
	tokens    TokenSource
	resolver  Resolver
	dialer    net.Dialer
	chOpts    []net.ChannelOption
	clock     clock.Clock
	sched     *utils.Scheduler
	registry  *Registry
	cm        config.ConfigManager
	resolveFn ResolvePresenceFunc
	listener  atomic.Pointer[listenerRef]
	registrar *presenceRegistrar
	reconnect *reconnector
	logger    *log.ComponentLogger

	// events delivers every listener notification of the client and of its
	// endpoints, groups and calls, one at a time and in order.
	events *utils.Executor
	post   func(fn func())

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	channel       *net.SignalingChannel
	connecting    bool
	abort         context.CancelFunc
	autoReconnect bool
	appID         string
	endpointID    string
	connectionID  string
	presence      *codec.Presence
	endpoints     map[string]*Endpoint
	groups        map[string]*Group
	calls         map[string]*Call
	closed        bool
}

// NewClient creates a disconnected client. A nil cfg uses DefaultConfig.
func NewClient(cfg *Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid client configuration: %w", err)
	}

	c := &Client{
		id:        uuid.NewString(),
		registry:  DefaultRegistry,
		endpoints: make(map[string]*Endpoint),
		groups:    make(map[string]*Group),
		calls:     make(map[string]*Call),
	}
	c.cfg.Store(cfg)
	c.logger = log.Named("client").ForClient(c.id)
	for _, opt := range opts {
		opt(c)
	}
	if c.clock == nil {
		c.clock = clock.New()
	}
	c.sched = utils.NewScheduler(c.clock)
	c.events = utils.NewExecutor("client")
	c.post = func(fn func()) { c.events.Post(fn) }

	if c.dialer == nil {
		d, err := transportDialer(cfg.Transport)
		if err != nil {
			return nil, err
		}
		c.dialer = d
	}
	if c.resolver == nil && cfg.Consul.Enabled() {
		r, err := NewConsulResolver(cfg.Consul)
		if err != nil {
			return nil, err
		}
		c.resolver = r
	}

	c.registrar = newPresenceRegistrar(c.logger)
	c.registrar.register = c.registerPresence
	c.registrar.apply = c.applyPresence
	c.reconnect = newReconnector(c.sched, func() time.Duration {
		return c.config().ReconnectInterval
	}, c.actuallyReconnect)

	c.ctx, c.cancel = context.WithCancel(context.Background())
	if c.registry != nil {
		c.registry.add(c)
	}
	if c.cm != nil {
		c.cm.AddChangeListener(c)
	}
	return c, nil
}

// transportDialer returns the configured instance of the named transport
// plugin, or a fresh one with default settings.
func transportDialer(name string) (net.Dialer, error) {
	p, err := plugin.GetDefaultPlugin(string(plugin.Transport), name)
	if err != nil {
		p, err = plugin.NewInstance(plugin.Transport, name, nil)
		if err != nil {
			return nil, fmt.Errorf("transport %q: %w", name, err)
		}
	}
	d, ok := p.(net.Dialer)
	if !ok {
		return nil, fmt.Errorf("transport %q is a %T, not a dialer", name, p)
	}
	return d, nil
}

func (c *Client) config() *Config {
	return c.cfg.Load()
}

// OnConfigChanged applies a reloaded "client" config to later connects.
func (c *Client) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "client" {
		return nil
	}
	newCfg, ok := newConfig.(*Config)
	if !ok {
		return fmt.Errorf("invalid configuration type for Client")
	}
	if err := newCfg.Validate(); err != nil {
		return fmt.Errorf("invalid client configuration: %w", err)
	}
	if newCfg.Transport != c.config().Transport {
		c.logger.Warn().Str("transport", newCfg.Transport).Msg("transport change takes effect for new clients only")
	}
	c.cfg.Store(newCfg)
	c.logger.Info().Str("configName", configName).Msg("client configuration updated")
	return nil
}

// ID identifies the client in the registry and in log lines.
func (c *Client) ID() string {
	return c.id
}

// SetListener replaces the listener. nil detaches it.
func (c *Client) SetListener(l Listener) {
	if l == nil {
		c.listener.Store(nil)
		return
	}
	c.listener.Store(&listenerRef{l: l})
}

// notify hands fn to the event goroutine. The listener is looked up when fn
// runs, so a listener detached in the meantime hears nothing.
func (c *Client) notify(fn func(l Listener)) {
	c.post(func() {
		if ref := c.listener.Load(); ref != nil {
			fn(ref.l)
		}
	})
}

func (c *Client) resolve(list []*codec.Presence) *codec.Presence {
	if c.resolveFn != nil {
		return c.resolveFn(list)
	}
	return DefaultResolvePresence(list)
}

// IsConnected reports whether the client holds an authenticated channel.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel != nil && c.channel.IsConnected()
}

// EndpointID returns the local endpoint ID.
func (c *Client) EndpointID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpointID
}

// ConnectionID returns the local connection ID, or "" before the first connect.
func (c *Client) ConnectionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionID
}

// Presence returns the last presence accepted by the server, or the initial
// presence before that.
func (c *Client) Presence() *codec.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence
}

func (c *Client) currentChannel() *net.SignalingChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

func (c *Client) connectedChannel() (*net.SignalingChannel, error) {
	ch := c.currentChannel()
	if ch == nil || !ch.IsConnected() {
		return nil, net.ErrNotConnected
	}
	return ch, nil
}

// Connect logs endpointID into appID. With reconnect set, a lost connection
// is retried until Disconnect.
func (c *Client) Connect(ctx context.Context, endpointID, appID string, reconnect bool, initialPresence *codec.Presence) error {
	if endpointID == "" || appID == "" {
		return ErrMissingCredentials
	}
	ctx, cancel, err := c.begin(ctx, func() {
		c.appID = appID
		c.endpointID = endpointID
		c.autoReconnect = reconnect
		c.presence = initialPresence
	})
	if err != nil {
		return err
	}
	defer cancel()
	_, err = c.connect(ctx, endpointID, appID)
	return err
}

// ConnectWithToken logs in with a single-use token obtained elsewhere. Such
// connections are never reconnected automatically.
func (c *Client) ConnectWithToken(ctx context.Context, tokenID string, initialPresence *codec.Presence) error {
	if tokenID == "" {
		return ErrMissingToken
	}
	ctx, cancel, err := c.begin(ctx, func() {
		c.appID = ""
		c.autoReconnect = false
		c.presence = initialPresence
	})
	if err != nil {
		return err
	}
	defer cancel()
	c.reconnect.cancel()

	base, ts, err := c.bootstrapTarget(ctx)
	var appToken, socketBase string
	if err == nil {
		appToken, err = ts.OpenSession(ctx, tokenID)
	}
	if err == nil {
		socketBase, err = c.socketBase(base)
	}
	if err != nil {
		c.connectFailed()
		return err
	}
	return c.open(ctx, socketBase, appToken)
}

// begin claims the client for one connect attempt. The returned context is
// cancelled by Disconnect while the attempt is still running.
func (c *Client) begin(ctx context.Context, set func()) (context.Context, context.CancelFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, nil, ErrClientClosed
	}
	if c.connecting || (c.channel != nil && c.channel.IsConnected()) {
		return nil, nil, ErrAlreadyConnected
	}
	c.connecting = true
	set()
	ctx, cancel := context.WithCancel(ctx)
	c.abort = cancel
	return ctx, cancel, nil
}

func (c *Client) connectFailed() {
	c.mu.Lock()
	c.connecting = false
	c.mu.Unlock()
	metrics.IncrCounterWithDimGroup("client", "connect_total", 1, metrics.Dimension{"result": "bootstrap_error"})
}

// connect runs the token bootstrap and authenticates a new channel. started
// is false when the attempt failed before the channel was involved; channel
// failures are also reported through onError.
func (c *Client) connect(ctx context.Context, endpointID, appID string) (started bool, err error) {
	base, ts, err := c.bootstrapTarget(ctx)
	var tokenID, appToken, socketBase string
	if err == nil {
		tokenID, err = ts.RequestToken(ctx, appID, endpointID)
	}
	if err == nil {
		appToken, err = ts.OpenSession(ctx, tokenID)
	}
	if err == nil {
		socketBase, err = c.socketBase(base)
	}
	if err != nil {
		c.connectFailed()
		c.logger.Warn().Err(err).Str("endpointId", endpointID).Msg("bootstrap failed")
		return false, err
	}
	return true, c.open(ctx, socketBase, appToken)
}

func (c *Client) bootstrapTarget(ctx context.Context) (string, TokenSource, error) {
	cfg := c.config()
	base := cfg.BaseURL
	if c.resolver != nil {
		var err error
		if base, err = c.resolver.Resolve(ctx); err != nil {
			return "", nil, err
		}
	}
	ts := c.tokens
	if ts == nil {
		ts = NewHTTPTokenSource(base, cfg.TokenTTL, cfg.HTTPTimeout)
	}
	return base, ts, nil
}

func (c *Client) socketBase(base string) (string, error) {
	if u := c.config().SocketURL; u != "" {
		return u, nil
	}
	return socketURLFor(base)
}

func (c *Client) open(ctx context.Context, socketBase, appToken string) error {
	opts := []net.ChannelOption{
		net.WithDialer(c.dialer),
		net.WithClock(c.clock),
		net.WithLogger(log.Named("channel").ForClient(c.id)),
	}
	if c.cm != nil {
		if cfg, err := c.cm.GetConfig("channel"); err == nil {
			if chCfg, ok := cfg.(*net.ChannelConfig); ok {
				opts = append(opts, net.WithChannelConfig(chCfg))
			}
		}
		opts = append(opts, net.WithConfigManager(c.cm))
	}
	opts = append(opts, c.chOpts...)

	ch := net.NewSignalingChannel(socketBase, appToken, opts...)
	ch.SetListener(&channelListener{c: c, ch: ch})

	c.mu.Lock()
	if c.closed {
		c.connecting = false
		c.mu.Unlock()
		ch.Close()
		return ErrClientClosed
	}
	c.channel = ch
	c.mu.Unlock()

	return ch.Authenticate(ctx)
}

// Disconnect closes the connection and turns auto-reconnect off. A Connect
// still in flight is cancelled and returns context.Canceled.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.autoReconnect = false
	ch := c.channel
	abort := c.abort
	c.abort = nil
	c.mu.Unlock()

	if abort != nil {
		abort()
	}
	c.reconnect.cancel()
	if ch == nil {
		return
	}
	ch.Disconnect()

	c.mu.Lock()
	if c.channel == ch {
		c.channel = nil
		c.connecting = false
	}
	c.mu.Unlock()
	go ch.Close()
}

// Close disconnects and removes the client from its registry. A closed
// client cannot connect again.
func (c *Client) Close() {
	c.Disconnect()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.sched.CancelAll()
	c.events.Close()
	if c.registry != nil {
		c.registry.remove(c)
	}
	if c.cm != nil {
		c.cm.RemoveChangeListener(c)
	}
}

func (c *Client) actuallyReconnect() {
	c.mu.Lock()
	if c.closed || !c.autoReconnect || c.appID == "" || (c.channel != nil && c.channel.IsConnected()) {
		c.mu.Unlock()
		return
	}
	if c.connecting {
		// A manual connect is in flight. Look again later.
		c.mu.Unlock()
		c.reconnect.postpone()
		return
	}
	c.connecting = true
	ctx, cancel := context.WithCancel(c.ctx)
	c.abort = cancel
	endpointID, appID := c.endpointID, c.appID
	c.mu.Unlock()
	defer cancel()

	c.logger.Info().Int("attempt", c.reconnect.Count()).Str("endpointId", endpointID).Msg("reconnecting")
	metrics.IncrCounterWithGroup("client", "reconnect_attempts_total", 1)

	started, err := c.connect(ctx, endpointID, appID)
	if err != nil && !started {
		c.notify(func(l Listener) { l.OnError(c, err) })
		c.reconnect.perform()
	}
}

// SetPresence publishes the local presence. nil means "available".
func (c *Client) SetPresence(ctx context.Context, presence *codec.Presence) error {
	ch, err := c.connectedChannel()
	if err != nil {
		return err
	}
	if presence == nil {
		presence = codec.PresenceString(PresenceAvailable)
	}
	if _, err := ch.Do(ctx, "post", "/v1/presence", presencePayload(presence)); err != nil {
		return err
	}
	c.mu.Lock()
	c.presence = presence
	c.mu.Unlock()
	return nil
}

func presencePayload(p *codec.Presence) map[string]any {
	return map[string]any{"presence": map[string]any{"type": codec.PresenceInterface(p)}}
}

// JoinGroups joins every group in groupIDs and returns their handles.
func (c *Client) JoinGroups(ctx context.Context, groupIDs []string) ([]*Group, error) {
	if len(groupIDs) == 0 {
		return nil, ErrNoGroups
	}
	ch, err := c.connectedChannel()
	if err != nil {
		return nil, err
	}
	if _, err := ch.Do(ctx, "post", "/v1/groups", map[string]any{"groups": groupIDs}); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Group, 0, len(groupIDs))
	for _, id := range groupIDs {
		g, ok := c.groups[id]
		if !ok {
			g = newGroup(c, id)
			c.groups[id] = g
		}
		out = append(out, g)
	}
	return out, nil
}

// Group returns a joined group, or nil.
func (c *Client) Group(groupID string) *Group {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groups[groupID]
}

// Groups returns the joined groups ordered by ID.
func (c *Client) Groups() []*Group {
	c.mu.Lock()
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (c *Client) forgetGroup(g *Group) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.groups[g.id] == g {
		delete(c.groups, g.id)
	}
}

// Endpoint returns the endpoint with the given ID, creating it if needed,
// and subscribes to its presence.
func (c *Client) Endpoint(endpointID string) *Endpoint {
	return c.endpoint(endpointID, false)
}

func (c *Client) endpoint(endpointID string, skipCreate bool) *Endpoint {
	if endpointID == "" {
		return nil
	}
	c.mu.Lock()
	e, ok := c.endpoints[endpointID]
	if !ok && !skipCreate {
		e = newEndpoint(c, endpointID)
		c.endpoints[endpointID] = e
	}
	c.mu.Unlock()

	if e != nil {
		c.registrar.queue(endpointID)
	}
	return e
}

func (c *Client) knownEndpoint(endpointID string) *Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endpoints[endpointID]
}

// Connection returns a connection of endpointID. With skipCreate set neither
// the endpoint nor the connection is created.
func (c *Client) Connection(connectionID, endpointID string, skipCreate bool) *Connection {
	if connectionID == "" {
		return nil
	}
	e := c.endpoint(endpointID, skipCreate)
	if e == nil {
		return nil
	}
	return e.Connection(connectionID, skipCreate)
}

// Calls returns the calls that have not terminated.
func (c *Client) Calls() []*Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Call, 0, len(c.calls))
	for _, call := range c.calls {
		out = append(out, call)
	}
	return out
}

// CallWithID returns the live call with sessionID, or nil.
func (c *Client) CallWithID(sessionID string) *Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[sessionID]
}

func (c *Client) callCreated(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[call.sessionID] = call
}

func (c *Client) callTerminated(call *Call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls[call.sessionID] == call {
		delete(c.calls, call.sessionID)
	}
}

func (c *Client) registerPresence(ids []string, cb func([]net.PresenceSnapshot, error)) error {
	ch, err := c.connectedChannel()
	if err != nil {
		return err
	}
	return ch.RegisterPresence(ids, cb)
}

func (c *Client) applyPresence(ids []string, snapshots []net.PresenceSnapshot) {
	for _, snap := range snapshots {
		e := c.knownEndpoint(snap.EndpointID)
		if e == nil {
			continue
		}
		for connID, p := range snap.ConnectionStates {
			if p == nil {
				continue
			}
			e.setConnectionPresence(e.Connection(connID, false), p)
		}
	}
	for _, id := range ids {
		if e := c.knownEndpoint(id); e != nil {
			e.resolvePresence()
		}
	}
}

func (c *Client) onConnect(ch *net.SignalingChannel, endpointID, connectionID string) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.connecting = false
	c.endpointID = endpointID
	c.connectionID = connectionID
	presence := c.presence
	c.mu.Unlock()

	c.reconnect.reset()
	metrics.IncrCounterWithDimGroup("client", "connect_total", 1, metrics.Dimension{"result": "ok"})
	c.logger.Info().Str("endpointId", endpointID).Str("connectionId", connectionID).Msg("client connected")

	if presence == nil {
		presence = codec.PresenceString(PresenceAvailable)
	}
	err := ch.SendRequest("post", "/v1/presence", presencePayload(presence), func(_ json.RawMessage, err error) {
		if err != nil {
			c.logger.Debug().Err(err).Msg("restoring presence failed")
			return
		}
		c.mu.Lock()
		c.presence = presence
		c.mu.Unlock()
	})
	if err != nil {
		c.logger.Debug().Err(err).Msg("restoring presence not sent")
	}

	c.notify(func(l Listener) { l.OnConnect(c) })
}

func (c *Client) onDisconnect(ch *net.SignalingChannel) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	c.channel = nil
	c.connecting = false
	willReconnect := c.autoReconnect && c.appID != ""
	calls := c.calls
	c.calls = make(map[string]*Call)
	c.groups = make(map[string]*Group)
	c.endpoints = make(map[string]*Endpoint)
	c.mu.Unlock()

	c.registrar.reset()
	go ch.Close()

	for _, call := range calls {
		call.HangupReceived()
	}

	c.logger.Info().Bool("willReconnect", willReconnect).Msg("client disconnected")
	c.notify(func(l Listener) { l.OnDisconnect(c, willReconnect) })

	if willReconnect {
		c.reconnect.perform()
	}
}

func (c *Client) onError(ch *net.SignalingChannel, err error) {
	c.mu.Lock()
	if c.channel != ch {
		c.mu.Unlock()
		return
	}
	retry := false
	if !ch.IsConnected() {
		c.channel = nil
		c.connecting = false
		retry = c.autoReconnect && c.appID != ""
		go ch.Close()
	}
	c.mu.Unlock()

	c.logger.Warn().Err(err).Bool("retry", retry).Msg("channel error")
	c.notify(func(l Listener) { l.OnError(c, err) })
	if retry {
		c.reconnect.perform()
	}
}

// channelListener feeds one channel's notifications into its client.
// Notifications from a channel the client has let go of are dropped.
type channelListener struct {
	c  *Client
	ch *net.SignalingChannel
}

var _ net.Listener = (*channelListener)(nil)

func (a *channelListener) current() bool {
	return a.c.currentChannel() == a.ch
}

func (a *channelListener) OnConnect(ch *net.SignalingChannel, endpointID, connectionID string) {
	a.c.onConnect(ch, endpointID, connectionID)
}

func (a *channelListener) OnDisconnect(ch *net.SignalingChannel) {
	a.c.onDisconnect(ch)
}

func (a *channelListener) OnError(ch *net.SignalingChannel, err error) {
	a.c.onError(ch, err)
}

func (a *channelListener) OnJoinGroup(groupID, endpointID, connectionID string) {
	c := a.c
	if !a.current() || endpointID == c.EndpointID() {
		return
	}
	g := c.Group(groupID)
	if g == nil {
		return
	}
	if conn := c.Connection(connectionID, endpointID, false); conn != nil {
		g.connectionDidJoin(conn)
	}
}

func (a *channelListener) OnLeaveGroup(groupID, endpointID, connectionID string) {
	c := a.c
	if !a.current() || endpointID == c.EndpointID() {
		return
	}
	g := c.Group(groupID)
	if g == nil {
		return
	}
	if conn := c.Connection(connectionID, endpointID, true); conn != nil {
		g.connectionDidLeave(conn)
	}
}

func (a *channelListener) OnMessage(message, endpointID string, timestamp time.Time) {
	c := a.c
	if !a.current() {
		return
	}
	e := c.endpoint(endpointID, false)
	if e == nil {
		return
	}
	e.didReceiveMessage(message, timestamp)
	c.notify(func(l Listener) { l.OnMessage(c, message, e, nil, timestamp) })
}

func (a *channelListener) OnGroupMessage(message, groupID, endpointID string, timestamp time.Time) {
	c := a.c
	if !a.current() {
		return
	}
	g := c.Group(groupID)
	if g == nil {
		return
	}
	e := c.endpoint(endpointID, false)
	g.didReceiveMessage(message, e, timestamp)
	c.notify(func(l Listener) { l.OnMessage(c, message, e, g, timestamp) })
}

func (a *channelListener) OnPresence(presence *codec.Presence, connectionID, endpointID string) {
	c := a.c
	if !a.current() {
		return
	}
	conn := c.Connection(connectionID, endpointID, false)
	if conn == nil {
		return
	}
	conn.endpoint.setConnectionPresence(conn, presence)
	conn.endpoint.resolvePresence()
}

func (a *channelListener) OnIncomingSession(s net.IncomingSession) {
	c := a.c
	if !a.current() {
		return
	}
	e := c.endpoint(s.EndpointID, false)
	if e == nil {
		c.logger.Debug().Str("sessionId", s.SessionID).Msg("no endpoint for incoming session")
		return
	}
	call := newCall(c, e, s.SessionID, s.ConnectionID, s.DirectConnection, false, s.Timestamp)
	call.offer = s.SDP
	if s.DirectConnection {
		c.notify(func(l Listener) { l.OnIncomingDirectConnection(c, call) })
		return
	}
	c.notify(func(l Listener) { l.OnCall(c, call) })
}

func (a *channelListener) CallWithID(sessionID string) net.CallSession {
	if !a.current() {
		return nil
	}
	if call := a.c.CallWithID(sessionID); call != nil {
		return call
	}
	return nil
}
