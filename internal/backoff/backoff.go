// Package backoff implements the retry delay policy shared by every retry
// site of the messaging client.
//
// The schedule is delay = min(Initial * Multiplier^attempt, Max), optionally
// spread by a jitter factor.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a capped exponential (or fixed, with Multiplier 1) delay.
type Policy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int     // 0 means unlimited
	Jitter      float64 // 0.0-1.0
}

// Fixed returns a policy that always waits d, for at most attempts tries.
func Fixed(d time.Duration, attempts int) Policy {
	return Policy{Initial: d, Multiplier: 1, Max: d, MaxAttempts: attempts}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	delay := float64(p.Initial) * math.Pow(mult, float64(attempt))
	if p.Max > 0 && delay > float64(p.Max) {
		delay = float64(p.Max)
	}

	if p.Jitter > 0 {
		delay += delay * p.Jitter * (2*rand.Float64() - 1)
		if delay < 0 {
			delay = 0
		}
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt has used up the allowed tries.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}
