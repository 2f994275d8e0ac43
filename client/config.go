package client

import (
	"fmt"
	"net/url"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Config configures a Client. It is loaded as the "client" config.
type Config struct {
	// BaseURL is the REST API root used for the token bootstrap.
	BaseURL string `mapstructure:"baseURL"`

	// SocketURL overrides the signaling socket address. By default it is
	// BaseURL with the scheme switched to ws or wss.
	SocketURL string `mapstructure:"socketURL"`

	// Transport names the transport plugin that dials the socket.
	Transport string `mapstructure:"transport"`

	// ReconnectInterval is the step added to each successive reconnect delay.
	ReconnectInterval time.Duration `mapstructure:"reconnectInterval"`

	// AutoReconnect is the default for the command line client.
	AutoReconnect bool `mapstructure:"autoReconnect"`

	// TokenTTL is requested for bootstrap tokens.
	TokenTTL time.Duration `mapstructure:"tokenTTL"`

	// HTTPTimeout bounds each bootstrap HTTP request.
	HTTPTimeout time.Duration `mapstructure:"httpTimeout"`

	Consul ConsulConfig `mapstructure:"consul"`
}

// ConsulConfig enables base address discovery when Service is set.
type ConsulConfig struct {
	Address    string `mapstructure:"address"`
	Scheme     string `mapstructure:"scheme"`
	Datacenter string `mapstructure:"datacenter"`
	Service    string `mapstructure:"service"`
	Tag        string `mapstructure:"tag"`

	// ServiceScheme is the scheme of the discovered signaling service.
	ServiceScheme string `mapstructure:"serviceScheme"`
}

// Enabled reports whether discovery is configured.
func (c ConsulConfig) Enabled() bool {
	return c.Service != ""
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:           "https://api.respoke.io",
		Transport:         "websocket",
		ReconnectInterval: 500 * time.Millisecond,
		AutoReconnect:     true,
		TokenTTL:          24 * time.Hour,
		HTTPTimeout:       30 * time.Second,
		Consul: ConsulConfig{
			ServiceScheme: "https",
		},
	}
}

func (c *Config) GetName() string {
	return "client"
}

func (c *Config) Validate() error {
	var result error
	if !c.Consul.Enabled() {
		if err := checkURL(c.BaseURL, "http", "https"); err != nil {
			result = multierror.Append(result, fmt.Errorf("baseURL: %w", err))
		}
	}
	if c.SocketURL != "" {
		if err := checkURL(c.SocketURL, "ws", "wss", "http", "https"); err != nil {
			result = multierror.Append(result, fmt.Errorf("socketURL: %w", err))
		}
	}
	if c.Transport == "" {
		result = multierror.Append(result, fmt.Errorf("transport must be set"))
	}
	if c.ReconnectInterval <= 0 {
		result = multierror.Append(result, fmt.Errorf("reconnectInterval must be positive, got %s", c.ReconnectInterval))
	}
	if c.TokenTTL < time.Second {
		result = multierror.Append(result, fmt.Errorf("tokenTTL must be at least 1s, got %s", c.TokenTTL))
	}
	if c.HTTPTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("httpTimeout must be positive"))
	}
	if c.Consul.Enabled() {
		switch c.Consul.ServiceScheme {
		case "http", "https":
		default:
			result = multierror.Append(result, fmt.Errorf("consul.serviceScheme must be http or https, got %q", c.Consul.ServiceScheme))
		}
	}
	return result
}

// SocketBase returns the address the signaling socket is dialed at.
func (c *Config) SocketBase() (string, error) {
	if c.SocketURL != "" {
		return c.SocketURL, nil
	}
	return socketURLFor(c.BaseURL)
}

func socketURLFor(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return fmt.Errorf("%q has no host", raw)
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("%q must use one of %v", raw, schemes)
}
