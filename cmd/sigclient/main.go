// Command sigclient connects one endpoint to the signaling service and logs
// everything it hears until interrupted.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lcx/signaling/client"
	"github.com/lcx/signaling/config"
	"github.com/lcx/signaling/log"
	"github.com/lcx/signaling/metrics"
	"github.com/lcx/signaling/plugin"
	"github.com/spf13/pflag"
)

type options struct {
	configDir   string
	env         string
	appID       string
	endpointID  string
	tokenID     string
	baseURL     string
	reconnect   bool
	metricsAddr string
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("sigclient", pflag.ContinueOnError)
	fs.StringVar(&o.configDir, "config", "./configs", "directory holding the yaml configs")
	fs.StringVar(&o.env, "env", "development", "config environment subdirectory")
	fs.StringVar(&o.appID, "app-id", "", "application ID for developer-mode authentication")
	fs.StringVar(&o.endpointID, "endpoint-id", "", "endpoint ID to connect as")
	fs.StringVar(&o.tokenID, "token", "", "token ID issued by an application server")
	fs.StringVar(&o.baseURL, "base-url", "", "override the REST base URL")
	fs.BoolVar(&o.reconnect, "reconnect", true, "reconnect after a lost connection")
	fs.StringVar(&o.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.tokenID == "" && (o.appID == "" || o.endpointID == "") {
		return nil, errors.New("either --token or both --app-id and --endpoint-id are required")
	}
	return o, nil
}

// loadClientConfig reads the "client" config on top of the defaults. A missing file keeps the defaults.
func loadClientConfig(cm config.ConfigManager, o *options) (*client.Config, error) {
	cfg := client.DefaultConfig()
	if err := cm.LoadConfig("client", cfg); err != nil {
		log.Warn().Err(err).Msg("client config not loaded, using defaults")
		cfg = client.DefaultConfig()
	}
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type logListener struct {
	logger *log.ComponentLogger
}

func (l *logListener) OnConnect(c *client.Client) {
	l.logger.Info().Str("endpointId", c.EndpointID()).Str("connectionId", c.ConnectionID()).Msg("connected")
}

func (l *logListener) OnDisconnect(_ *client.Client, willReconnect bool) {
	l.logger.Warn().Bool("willReconnect", willReconnect).Msg("disconnected")
}

func (l *logListener) OnError(_ *client.Client, err error) {
	l.logger.Error().Err(err).Msg("client error")
}

func (l *logListener) OnCall(_ *client.Client, call *client.Call) {
	l.logger.Info().Str("sessionId", call.SessionID()).Str("from", call.Endpoint().ID()).Msg("incoming call")
}

func (l *logListener) OnIncomingDirectConnection(_ *client.Client, call *client.Call) {
	l.logger.Info().Str("sessionId", call.SessionID()).Str("from", call.Endpoint().ID()).Msg("incoming direct connection")
}

func (l *logListener) OnMessage(_ *client.Client, message string, endpoint *client.Endpoint, group *client.Group, timestamp time.Time) {
	ev := l.logger.Info().Str("message", message).Time("timestamp", timestamp)
	if endpoint != nil {
		ev = ev.Str("from", endpoint.ID())
	}
	if group != nil {
		ev = ev.Str("group", group.ID())
	}
	ev.Msg("message")
}

func serveMetrics(ctx context.Context, addr string) {
	srv := &http.Server{Addr: addr, Handler: metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}

func run(ctx context.Context, o *options) error {
	cm := config.GetInstance()
	cm.SetBasePath(o.configDir)
	cm.SetEnvironment(o.env)
	defer config.ResetInstance()

	if err := log.Initialize(); err != nil {
		log.Warn().Err(err).Msg("logger config not loaded, using defaults")
	}
	if err := plugin.InitPlugins(); err != nil {
		log.Warn().Err(err).Msg("plugin config not loaded, using built-in transports")
	}
	defer plugin.DestroyAll()

	cfg, err := loadClientConfig(cm, o)
	if err != nil {
		return fmt.Errorf("client config: %w", err)
	}

	c, err := client.NewClient(cfg, client.WithConfigManager(cm))
	if err != nil {
		return err
	}
	defer c.Close()
	c.SetListener(&logListener{logger: log.Named("sigclient").ForClient(c.ID())})

	if o.metricsAddr != "" {
		serveMetrics(ctx, o.metricsAddr)
	}

	if o.tokenID != "" {
		err = c.ConnectWithToken(ctx, o.tokenID, nil)
	} else {
		err = c.Connect(ctx, o.endpointID, o.appID, o.reconnect, nil)
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	return nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, o); err != nil {
		log.Error().Err(err).Msg("sigclient failed")
		stop()
		os.Exit(1)
	}
}
