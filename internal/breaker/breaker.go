// Package breaker guards job execution with a consecutive-failure circuit breaker.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned without running the work while the circuit is open or
// while the half-open trial call is still in flight.
var ErrOpen = errors.New("circuit open")

// State names exposed in metrics.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half-open"
)

// Settings configures a Breaker.
type Settings struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration
	OnStateChange    func(from, to string)
}

// Breaker trips after FailureThreshold consecutive failures, stays open for
// Cooldown, then lets a single trial call through.
type Breaker struct {
	cb *gobreaker.TwoStepCircuitBreaker
}

// New builds a breaker. Consecutive failures are counted for the breaker's
// lifetime while closed; they are never reset by elapsed time.
func New(s Settings) *Breaker {
	threshold := uint32(s.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	cooldown := s.Cooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	return &Breaker{cb: gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Info("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if s.OnStateChange != nil {
				s.OnStateChange(from.String(), to.String())
			}
		},
	})}
}

// Acquire takes a slot for one call. It fails with ErrOpen while the circuit
// is open or the half-open trial call has not reported back. The returned done
// must be called exactly once with the call's result.
func (b *Breaker) Acquire() (done func(err error), err error) {
	report, err := b.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}
	return func(err error) { report(successful(err)) }, nil
}

// Execute runs fn through the breaker.
func (b *Breaker) Execute(fn func() error) error {
	done, err := b.Acquire()
	if err != nil {
		return err
	}
	err = fn()
	done(err)
	return err
}

// State returns closed, open or half-open. Reading the state advances an
// open breaker to half-open once the cooldown has elapsed.
func (b *Breaker) State() string {
	return b.cb.State().String()
}

// A user cancellation says nothing about the renderer's health.
func successful(err error) bool {
	return err == nil || errors.Is(err, context.Canceled)
}
