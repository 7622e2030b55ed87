package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPolicy_Delay(t *testing.T) {
	p := Policy{Initial: 200 * time.Millisecond, Multiplier: 2, Max: time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 200 * time.Millisecond},
		{0, 200 * time.Millisecond},
		{1, 400 * time.Millisecond},
		{2, 800 * time.Millisecond},
		{3, time.Second},
		{10, time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_DelayWithoutCap(t *testing.T) {
	p := Policy{Initial: time.Second, Multiplier: 3}
	assert.Equal(t, 9*time.Second, p.Delay(2))
}

func TestPolicy_MultiplierBelowOneIsFlat(t *testing.T) {
	p := Policy{Initial: time.Second, Multiplier: 0.5, Max: time.Minute}
	assert.Equal(t, time.Second, p.Delay(4))
}

func TestPolicy_Jitter(t *testing.T) {
	p := Policy{Initial: time.Second, Multiplier: 1, Max: time.Second, Jitter: 0.3}
	for i := 0; i < 100; i++ {
		d := p.Delay(0)
		assert.GreaterOrEqual(t, d, 700*time.Millisecond)
		assert.LessOrEqual(t, d, 1300*time.Millisecond)
	}
}

func TestFixed(t *testing.T) {
	p := Fixed(1500*time.Millisecond, 5)
	assert.Equal(t, 1500*time.Millisecond, p.Delay(0))
	assert.Equal(t, 1500*time.Millisecond, p.Delay(4))
	assert.False(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(5))
}

func TestPolicy_ExhaustedUnlimited(t *testing.T) {
	p := Policy{Initial: time.Second}
	assert.False(t, p.Exhausted(1_000_000))
}
