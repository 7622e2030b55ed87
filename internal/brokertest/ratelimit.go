package brokertest

import (
	"sync"

	"golang.org/x/time/rate"
)

// publishLimiter throttles publishes per client ID.
type publishLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
}

// newPublishLimiter allows perMinute publishes per client, with a burst of
// 10% (at least 5).
func newPublishLimiter(perMinute int) *publishLimiter {
	return &publishLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(perMinute) / 60.0),
		burst:    max(perMinute/10, 5),
	}
}

func (pl *publishLimiter) allow(clientID string) bool {
	pl.mu.Lock()
	limiter, ok := pl.limiters[clientID]
	if !ok {
		limiter = rate.NewLimiter(pl.rate, pl.burst)
		pl.limiters[clientID] = limiter
	}
	pl.mu.Unlock()
	return limiter.Allow()
}

// forget drops the limiter of a departed client.
func (pl *publishLimiter) forget(clientID string) {
	pl.mu.Lock()
	delete(pl.limiters, clientID)
	pl.mu.Unlock()
}
