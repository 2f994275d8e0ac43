package net

import (
	"context"
	"sync/atomic"

	"go.uber.org/ratelimit"
	"golang.org/x/time/rate"
)

// RecvLimiter is a reloadable token bucket applied to inbound events.
// A limit of 0 disables limiting.
type RecvLimiter struct {
	limiter atomic.Pointer[rate.Limiter]
}

// NewTokenRecvLimiter creates a limiter allowing limit events per second with the given burst.
func NewTokenRecvLimiter(limit int, burst int) *RecvLimiter {
	l := &RecvLimiter{}
	l.Reload(limit, burst)
	return l
}

// Take blocks until a token is available or ctx is done.
func (l *RecvLimiter) Take(ctx context.Context) error {
	return l.limiter.Load().Wait(ctx)
}

// Reload swaps in new limits without disturbing concurrent Take calls.
func (l *RecvLimiter) Reload(limit int, burst int) {
	lim := rate.Limit(limit)
	if limit <= 0 {
		lim = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	l.limiter.Store(rate.NewLimiter(lim, burst))
}

func (l *RecvLimiter) filter(d *EventDelivery, f EventFilterHandleFunc) error {
	if err := l.Take(context.Background()); err != nil {
		return err
	}
	return f(d)
}

// SendPacer spaces outbound requests evenly (leaky bucket). A rate of 0 disables pacing.
type SendPacer struct {
	limiter atomic.Pointer[ratelimit.Limiter]
	clock   ratelimit.Clock
}

// NewSendPacer creates a pacer. clk may be nil for wall-clock time.
func NewSendPacer(perSecond int, clk ratelimit.Clock) *SendPacer {
	p := &SendPacer{clock: clk}
	p.Reload(perSecond)
	return p
}

// Take blocks until the next request may be sent.
func (p *SendPacer) Take() {
	_ = (*p.limiter.Load()).Take()
}

// Reload changes the rate.
func (p *SendPacer) Reload(perSecond int) {
	var l ratelimit.Limiter
	switch {
	case perSecond <= 0:
		l = ratelimit.NewUnlimited()
	case p.clock != nil:
		l = ratelimit.New(perSecond, ratelimit.WithClock(p.clock))
	default:
		l = ratelimit.New(perSecond)
	}
	p.limiter.Store(&l)
}
