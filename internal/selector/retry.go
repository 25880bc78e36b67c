package selector

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig shapes the exponential backoff used while waiting for the
// official FQDN to show up in DNS.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64 // 0 disables jitter
}

// DefaultRetryConfig is the retry policy for DNS fast-path retries.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.5,
	}
}

// backOff builds a policy bounded only by ctx.
func (r RetryConfig) backOff(ctx context.Context) backoff.BackOffContext {
	def := DefaultRetryConfig()
	if r.InitialInterval <= 0 {
		r.InitialInterval = def.InitialInterval
	}
	if r.MaxInterval < r.InitialInterval {
		r.MaxInterval = r.InitialInterval
	}
	if r.Multiplier < 1 {
		r.Multiplier = 1
	}
	if r.RandomizationFactor < 0 || r.RandomizationFactor >= 1 {
		r.RandomizationFactor = 0
	}
	b := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(r.InitialInterval),
		backoff.WithMaxInterval(r.MaxInterval),
		backoff.WithMultiplier(r.Multiplier),
		backoff.WithRandomizationFactor(r.RandomizationFactor),
		backoff.WithMaxElapsedTime(0),
	)
	return backoff.WithContext(b, ctx)
}

// retry calls fn until it succeeds or ctx ends. notify sees every failure
// that is followed by another attempt.
func (r RetryConfig) retry(ctx context.Context, fn func(ctx context.Context) error, notify func(err error, next time.Duration)) error {
	return backoff.RetryNotify(func() error {
		return fn(ctx)
	}, r.backOff(ctx), notify)
}
