package client

import (
	"context"
	"fmt"
	stdnet "net"
	"strconv"

	"github.com/hashicorp/consul/api"
)

// ConsulResolver finds the signaling base URL among the healthy instances of
// a service in the Consul catalog.
type ConsulResolver struct {
	client  *api.Client
	service string
	tag     string
	scheme  string
}

// NewConsulResolver creates a resolver from cfg.
func NewConsulResolver(cfg ConsulConfig) (*ConsulResolver, error) {
	if !cfg.Enabled() {
		return nil, fmt.Errorf("consul service name is not configured")
	}
	c := api.DefaultConfig()
	if cfg.Address != "" {
		c.Address = cfg.Address
	}
	if cfg.Scheme != "" {
		c.Scheme = cfg.Scheme
	}
	c.Datacenter = cfg.Datacenter

	client, err := api.NewClient(c)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	scheme := cfg.ServiceScheme
	if scheme == "" {
		scheme = "https"
	}
	return &ConsulResolver{client: client, service: cfg.Service, tag: cfg.Tag, scheme: scheme}, nil
}

// Resolve returns scheme://address:port of the first passing instance.
func (r *ConsulResolver) Resolve(ctx context.Context) (string, error) {
	opts := (&api.QueryOptions{}).WithContext(ctx)
	entries, _, err := r.client.Health().Service(r.service, r.tag, true, opts)
	if err != nil {
		return "", fmt.Errorf("query consul for %s: %w", r.service, err)
	}
	for _, e := range entries {
		if e.Service == nil || e.Service.Port == 0 {
			continue
		}
		addr := e.Service.Address
		if addr == "" && e.Node != nil {
			addr = e.Node.Address
		}
		if addr == "" {
			continue
		}
		return fmt.Sprintf("%s://%s", r.scheme, stdnet.JoinHostPort(addr, strconv.Itoa(e.Service.Port))), nil
	}
	return "", fmt.Errorf("no healthy instance of %s", r.service)
}
