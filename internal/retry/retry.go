// Package retry runs a unit of work with bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds subtask retries. MaxRetries counts additional attempts after the first.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// OnRetry is called before each backoff wait; used for metrics.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy retries three times starting from a two second delay.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do calls fn until it succeeds or the policy is exhausted, waiting
// BaseDelay*2^n between attempts. The last error is returned unchanged.
func Do(ctx context.Context, p Policy, name string, fn func(ctx context.Context) error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		slog.Warn("attempt failed, retrying",
			"task", name, "attempt", attempt, "max_attempts", p.MaxRetries+1, "wait", wait, "error", err)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
	}

	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	if err != nil {
		slog.Error("attempts exhausted", "task", name, "attempts", attempt, "error", err)
	}
	return err
}
