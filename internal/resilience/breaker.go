// Package resilience wraps transport calls with a circuit breaker so a
// failing network (or storage) dependency trips and sheds load instead
// of every caller piling up on a dead backend, using
// github.com/sony/gobreaker's failure-ratio trip condition.
package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// Config describes a named breaker with a minimum sample size before
// its failure ratio is evaluated.
type Config struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold float64
	MinRequests      uint32
	OnStateChange    func(name string, from, to gobreaker.State)
}

// DefaultConfig returns a conservative set of breaker thresholds.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      3,
		Interval:         10 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 0.6,
		MinRequests:      3,
	}
}

// Breaker wraps a transport call with gobreaker, tripping once the
// failure ratio over the sampled window meets the configured
// threshold.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a Breaker from cfg.
func New(cfg Config) *Breaker {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, from, to)
			}
		},
	})
	return &Breaker{cb: cb}
}

// Call runs fn through the breaker. A tripped-open or too-many-requests
// rejection is returned unwrapped (gobreaker.ErrOpenState /
// gobreaker.ErrTooManyRequests) so callers can map it to a
// cachebay TransportError without inspecting breaker internals.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	return b.cb.Execute(func() (any, error) {
		return fn(ctx)
	})
}

// State reports the breaker's current state (closed, half-open, open).
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
