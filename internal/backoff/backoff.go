// Package backoff computes retry delays for failed jobs.
package backoff

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the delay before the next attempt of a failed job.
// attempt is the number of attempts already made (1 after the first failure).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Strategy names accepted by New
const (
	NameConstant    = "constant"
	NameLinear      = "linear"
	NameExponential = "exponential"
	NameJitter      = "exponential_jitter"
)

// Constant waits the same interval before every retry
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(_ int) time.Duration {
	return c.Interval
}

// Linear waits Initial * attempt, capped at Max
type Linear struct {
	Initial time.Duration
	Max     time.Duration
}

func (l Linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return capped(l.Initial*time.Duration(attempt), l.Max)
}

// Exponential waits Initial * 2^(attempt-1), capped at Max
type Exponential struct {
	Initial time.Duration
	Max     time.Duration
}

func (e Exponential) Delay(attempt int) time.Duration {
	return capped(exponential(e.Initial, attempt), e.Max)
}

// ExponentialJitter picks a random delay in [0, min(Initial * 2^(attempt-1), Max)]
// so that jobs failing together do not retry together.
type ExponentialJitter struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialJitter) Delay(attempt int) time.Duration {
	base := capped(exponential(e.Initial, attempt), e.Max)
	return time.Duration(rand.Float64() * float64(base)) //nolint:gosec // jitter does not need crypto rand
}

// New builds a strategy by name
func New(name string, initial, maxDelay time.Duration) (Strategy, error) {
	switch name {
	case NameConstant:
		return Constant{Interval: initial}, nil
	case NameLinear:
		return Linear{Initial: initial, Max: maxDelay}, nil
	case NameExponential, "":
		return Exponential{Initial: initial, Max: maxDelay}, nil
	case NameJitter:
		return ExponentialJitter{Initial: initial, Max: maxDelay}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}

// Default is exponential backoff starting at one second and capped at one minute
func Default() Strategy {
	return Exponential{Initial: time.Second, Max: time.Minute}
}

func exponential(initial time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	f := float64(initial) * math.Pow(2, float64(attempt-1))
	if f > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

func capped(d, maxDelay time.Duration) time.Duration {
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}
