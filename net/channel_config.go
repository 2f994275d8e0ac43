package net

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
)

// ChannelConfig tunes the signaling channel. It is loaded as the "channel" config.
type ChannelConfig struct {
	// RPCTimeout bounds the wait for each acknowledgement.
	RPCTimeout time.Duration `mapstructure:"rpcTimeout"`

	// MaxAttempts is the number of tries for a rate-limited request.
	MaxAttempts int `mapstructure:"maxAttempts"`

	// MaxBodySize rejects larger encoded requests up front. 0 disables the check.
	MaxBodySize int `mapstructure:"maxBodySize"`

	// RecvRateLimit caps inbound events per second. 0 disables the limiter.
	RecvRateLimit int `mapstructure:"recvRateLimit"`
	TokenBurst    int `mapstructure:"tokenBurst"`

	// SendRateLimit paces outbound requests per second. 0 disables pacing.
	SendRateLimit int `mapstructure:"sendRateLimit"`

	// SDKVersion is reported in the socket handshake query.
	SDKVersion string `mapstructure:"sdkVersion"`
}

// DefaultChannelConfig returns the production defaults.
func DefaultChannelConfig() *ChannelConfig {
	return &ChannelConfig{
		RPCTimeout:  DefaultRPCTimeout,
		MaxAttempts: 3,
		MaxBodySize: 20000,
		TokenBurst:  100,
		SDKVersion:  "0.10.0",
	}
}

func (c *ChannelConfig) GetName() string {
	return "channel"
}

func (c *ChannelConfig) Validate() error {
	var result error
	if c.RPCTimeout <= 0 {
		result = multierror.Append(result, fmt.Errorf("rpcTimeout must be positive, got %s", c.RPCTimeout))
	}
	if c.MaxAttempts < 1 {
		result = multierror.Append(result, fmt.Errorf("maxAttempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.MaxBodySize < 0 {
		result = multierror.Append(result, fmt.Errorf("maxBodySize must not be negative"))
	}
	if c.RecvRateLimit < 0 || c.SendRateLimit < 0 {
		result = multierror.Append(result, fmt.Errorf("rate limits must not be negative"))
	}
	if c.RecvRateLimit > 0 && c.TokenBurst <= 0 {
		result = multierror.Append(result, fmt.Errorf("tokenBurst must be positive when recvRateLimit is set"))
	}
	return result
}
