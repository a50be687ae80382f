package delivery

import (
	"math/rand"
	"time"

	"github.com/scanagent/scanagent/agent/internal/config"
)

// Policy is a truncated exponential backoff with jitter.
type Policy struct {
	// MaxAttempts counts every send, the first one included.
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter is the ± fraction applied to each delay.
	Jitter float64
}

// DefaultPolicy returns the backlog retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: config.DefaultMaxAttempts,
		BaseDelay:   config.DefaultBaseDelay,
		Multiplier:  config.DefaultMultiplier,
		MaxDelay:    config.DefaultMaxDelay,
		Jitter:      0.25,
	}
}

// PolicyFromConfig builds a Policy from the agent retry settings.
func PolicyFromConfig(rc config.RetryConfig) Policy {
	p := DefaultPolicy()
	if rc.MaxAttempts > 0 {
		p.MaxAttempts = rc.MaxAttempts
	}
	if rc.BaseDelay > 0 {
		p.BaseDelay = rc.BaseDelay
	}
	if rc.Multiplier >= 1 {
		p.Multiplier = rc.Multiplier
	}
	if rc.MaxDelay > 0 {
		p.MaxDelay = rc.MaxDelay
	}
	return p
}

// Delay returns the wait before attempt+1, where attempt is the number of
// sends already made (starting at 1).
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1) //nolint:gosec // not crypto
	}
	if d < 0 {
		d = 0
	}
	if ceiling := float64(p.MaxDelay); d > ceiling {
		d = ceiling
	}
	return time.Duration(d)
}

// wait picks the delay after a failed attempt, preferring the server's
// Retry-After when it sent one.
func (p Policy) wait(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		if retryAfter > p.MaxDelay {
			return p.MaxDelay
		}
		return retryAfter
	}
	return p.Delay(attempt)
}
