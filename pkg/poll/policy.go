package poll

import (
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrUnbounded is returned for a policy with neither an attempt budget nor
// a timeout.
var ErrUnbounded = errors.New("poll: policy must bound attempts or time")

// Default budget for device convergence waits.
const (
	DefaultInterval    = 5 * time.Second
	DefaultMaxAttempts = 50
)

// Policy bounds a wait.
type Policy struct {
	// Interval is the fixed delay between attempts.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// MaxAttempts caps the number of condition evaluations. Zero means no
	// attempt cap, in which case Timeout must be set.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// Timeout caps the wall-clock duration of the wait.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// TolerateErrors keeps polling after a condition error instead of
	// failing the wait. Permanent errors are never tolerated.
	TolerateErrors bool `json:"tolerate_errors" yaml:"tolerate_errors"`

	// Backoff, when set, replaces the fixed interval. It is called once
	// per wait so the returned strategy is never shared.
	Backoff func() backoff.BackOff `json:"-" yaml:"-"`
}

// DefaultPolicy returns 50 attempts at a 5 second interval, failing fast
// on errors.
func DefaultPolicy() Policy {
	return Policy{
		Interval:    DefaultInterval,
		MaxAttempts: DefaultMaxAttempts,
	}
}

// Validate checks that the policy is bounded and well formed.
func (p Policy) Validate() error {
	if p.Interval < 0 {
		return fmt.Errorf("poll: negative interval %s", p.Interval)
	}
	if p.MaxAttempts < 0 {
		return fmt.Errorf("poll: negative attempt budget %d", p.MaxAttempts)
	}
	if p.Timeout < 0 {
		return fmt.Errorf("poll: negative timeout %s", p.Timeout)
	}
	if p.MaxAttempts == 0 && p.Timeout == 0 {
		return ErrUnbounded
	}
	return nil
}

// ExponentialBackoff returns a Policy.Backoff factory that grows the delay
// from initial up to max without jitter.
func ExponentialBackoff(initial, max time.Duration) func() backoff.BackOff {
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = max
		b.RandomizationFactor = 0
		return b
	}
}

// delays yields the delay after each failed attempt.
type delays struct {
	interval time.Duration
	strategy backoff.BackOff
}

func (p Policy) delays() *delays {
	d := &delays{interval: p.Interval}
	if p.Backoff != nil {
		d.strategy = p.Backoff()
		d.strategy.Reset()
	}
	return d
}

// next returns the next delay and false once the strategy gives up.
func (d *delays) next() (time.Duration, bool) {
	if d.strategy == nil {
		return d.interval, true
	}
	delay := d.strategy.NextBackOff()
	if delay == backoff.Stop {
		return 0, false
	}
	// The interval is a floor for any strategy.
	return max(delay, d.interval), true
}
