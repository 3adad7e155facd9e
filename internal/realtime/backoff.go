package realtime

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxAttempts  = 10
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMultiplier   = 2.0
	defaultJitter       = 0.2
)

// ReconnectPolicy bounds the exponential backoff used after a connection drop.
type ReconnectPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
}

// DefaultReconnectPolicy returns the policy used when none is configured.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		MaxAttempts:  defaultMaxAttempts,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
		Jitter:       defaultJitter,
	}
}

func (p ReconnectPolicy) normalized() ReconnectPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

func (p ReconnectPolicy) newBackOff() *backoff.ExponentialBackOff {
	policy := p.normalized()
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialDelay
	exponential.MaxInterval = policy.MaxDelay
	exponential.Multiplier = policy.Multiplier
	exponential.RandomizationFactor = policy.Jitter
	exponential.Reset()
	return exponential
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
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
