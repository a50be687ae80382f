package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scanagent/scanagent/agent/internal/config"
)

func TestPolicy_DelayGrowsAndCaps(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30}
	for i, w := range want {
		assert.Equal(t, w*time.Second, p.Delay(i+1), "attempt %d", i+1)
	}
}

func TestPolicy_JitterBounds(t *testing.T) {
	p := DefaultPolicy()
	for attempt := 1; attempt <= 8; attempt++ {
		noJitter := Policy{BaseDelay: p.BaseDelay, Multiplier: p.Multiplier, MaxDelay: p.MaxDelay}.Delay(attempt)
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt)
			assert.GreaterOrEqual(t, d, time.Duration(float64(noJitter)*0.75)-time.Nanosecond)
			assert.LessOrEqual(t, d, p.MaxDelay)
		}
	}
}

func TestPolicy_WaitPrefersRetryAfter(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: time.Second, Multiplier: 2, MaxDelay: 10 * time.Second}
	assert.Equal(t, 4*time.Second, p.wait(1, 4*time.Second))
	assert.Equal(t, 10*time.Second, p.wait(1, time.Minute))
	assert.Equal(t, time.Second, p.wait(1, 0))
}

func TestPolicyFromConfig(t *testing.T) {
	p := PolicyFromConfig(config.RetryConfig{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, Multiplier: 3, MaxDelay: 5 * time.Second})
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, p.BaseDelay)
	assert.Equal(t, 3.0, p.Multiplier)
	assert.Equal(t, 5*time.Second, p.MaxDelay)
	assert.Equal(t, 0.25, p.Jitter)

	assert.Equal(t, DefaultPolicy(), PolicyFromConfig(config.RetryConfig{}))
}
