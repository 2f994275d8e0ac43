package net

import (
	"fmt"

	"github.com/lcx/signaling/plugin"
)

// WSFactoryName is the transport plugin name of the websocket dialer.
const WSFactoryName = "websocket"

func init() {
	plugin.RegisterPlugin(&wsTransportFactory{})
}

// FactoryName implements plugin.Plugin.
func (d *WSDialer) FactoryName() string {
	return WSFactoryName
}

// wsTransportFactory builds WSDialers from "transport.websocket" plugin config.
type wsTransportFactory struct{}

func (f *wsTransportFactory) Type() plugin.Type {
	return plugin.Transport
}

func (f *wsTransportFactory) Name() string {
	return WSFactoryName
}

func (f *wsTransportFactory) decode(v map[string]any) (*WSTransportCfg, error) {
	cfg := DefaultWSTransportCfg()
	if err := plugin.Decode(v, cfg); err != nil {
		return nil, fmt.Errorf("decode ws_transport config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (f *wsTransportFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	cfg, err := f.decode(v)
	if err != nil {
		return nil, err
	}
	return NewWSDialer(cfg), nil
}

func (f *wsTransportFactory) Destroy(p plugin.Plugin, _ any) error {
	if _, ok := p.(*WSDialer); !ok {
		return fmt.Errorf("unexpected plugin type %T", p)
	}
	return nil
}

func (f *wsTransportFactory) Reload(p plugin.Plugin, v map[string]any) error {
	d, ok := p.(*WSDialer)
	if !ok {
		return fmt.Errorf("unexpected plugin type %T", p)
	}
	cfg, err := f.decode(v)
	if err != nil {
		return err
	}
	d.SetConfig(cfg)
	return nil
}

// CanDelete is always true. Sockets outlive the dialer that opened them.
func (f *wsTransportFactory) CanDelete(p plugin.Plugin) bool {
	return true
}
