package statesync

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/agentworkforce/relaystate/internal/telemetry"
)

type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ReconnectPolicy controls replica channel redials.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	MaxAttempts int
	// Jitter is the fraction of the computed delay added at random.
	Jitter float64
}

func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		BaseDelay:   250 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    10 * time.Second,
		MaxAttempts: 8,
		Jitter:      0.2,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	d := DefaultReconnectPolicy()
	if p == (ReconnectPolicy{}) {
		return d
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = d.BaseDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = d.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = d.MaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	p.Jitter = clampJitterRatio(p.Jitter)
	return p
}

// Delay returns min(base*multiplier^attempt, max) plus sample*jitter of that
// value. sample is expected in [0, 1].
func (p ReconnectPolicy) Delay(attempt int, sample float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	raw := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt))
	if math.IsInf(raw, 0) || math.IsNaN(raw) || raw > float64(p.MaxDelay) {
		raw = float64(p.MaxDelay)
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	jitter := raw * clampJitterRatio(p.Jitter) * sample
	return time.Duration(raw + jitter)
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// reconnector keeps at most one channel open, redialing with backoff until
// it connects, the context is invalidated or the attempt cap is reached.
type reconnector struct {
	policy  ReconnectPolicy
	dial    func(ctx context.Context) (Connection, error)
	invalid func() bool
	random  func() float64
	logger  *zap.Logger

	// onConnect runs on the loop goroutine before the loop waits on conn.
	onConnect    func(conn Connection)
	onDisconnect func(err error)
	// onGiveUp receives ErrContextInvalidated or ErrReconnectExhausted.
	onGiveUp func(err error)

	state atomic.Int32
	dials atomic.Int64
}

func (r *reconnector) State() ConnState {
	return ConnState(r.state.Load())
}

// Dials reports how many times the loop has dialed.
func (r *reconnector) Dials() int64 {
	return r.dials.Load()
}

func (r *reconnector) run(ctx context.Context) {
	failures := 0
	for {
		if ctx.Err() != nil {
			r.state.Store(int32(StateDisconnected))
			return
		}
		if r.invalid != nil && r.invalid() {
			r.giveUp(ErrContextInvalidated)
			return
		}

		r.state.Store(int32(StateConnecting))
		r.dials.Add(1)
		conn, err := r.dial(ctx)
		if ctx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			r.state.Store(int32(StateDisconnected))
			return
		}
		if err != nil {
			r.state.Store(int32(StateDisconnected))
			telemetry.ReconnectAttempts.WithLabelValues("error").Inc()
			if errors.Is(err, ErrContextInvalidated) {
				r.giveUp(ErrContextInvalidated)
				return
			}
			failures++
			if failures >= r.policy.MaxAttempts {
				r.logger.Warn("reconnect attempts exhausted",
					zap.Int("attempt", failures),
					zap.Error(err),
				)
				r.giveUp(ErrReconnectExhausted)
				return
			}
			delay := r.policy.Delay(failures-1, r.sample())
			r.logger.Debug("channel dial failed",
				zap.Int("attempt", failures),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			if waitWithContext(ctx, delay) != nil {
				r.state.Store(int32(StateDisconnected))
				return
			}
			continue
		}

		failures = 0
		telemetry.ReconnectAttempts.WithLabelValues("ok").Inc()
		r.state.Store(int32(StateConnected))
		if r.onConnect != nil {
			r.onConnect(conn)
		}

		select {
		case <-ctx.Done():
			_ = conn.Close()
			r.state.Store(int32(StateDisconnected))
			return
		case <-conn.Done():
		}
		r.state.Store(int32(StateDisconnected))
		cause := conn.Err()
		if r.onDisconnect != nil {
			r.onDisconnect(cause)
		}
		if errors.Is(cause, ErrContextInvalidated) {
			r.giveUp(ErrContextInvalidated)
			return
		}
		delay := r.policy.Delay(0, r.sample())
		if waitWithContext(ctx, delay) != nil {
			return
		}
	}
}

func (r *reconnector) giveUp(err error) {
	r.state.Store(int32(StateDisconnected))
	if r.onGiveUp != nil {
		r.onGiveUp(err)
	}
}

func (r *reconnector) sample() float64 {
	if r.random == nil {
		return 0
	}
	return r.random()
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
