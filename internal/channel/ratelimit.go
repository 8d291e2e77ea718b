package channel

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket for Bot API sends into the operator chat.
// Telegram throttles bots that post to one chat faster than about once a
// second. A nil *RateLimiter never waits.
type RateLimiter struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	rate   float64 // tokens per second
	last   time.Time
}

func NewRateLimiter(burst int, perMinute float64) *RateLimiter {
	if burst <= 0 {
		burst = 10
	}
	if perMinute <= 0 {
		perMinute = 60
	}
	return &RateLimiter{
		tokens: float64(burst),
		burst:  float64(burst),
		rate:   perMinute / 60.0,
		last:   time.Now(),
	}
}

// take consumes a token if one is available, otherwise it reports how long
// until the next one.
func (rl *RateLimiter) take(now time.Time) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = min(rl.burst, rl.tokens+now.Sub(rl.last).Seconds()*rl.rate)
	rl.last = now
	if rl.tokens >= 1 {
		rl.tokens--
		return 0
	}
	return time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
}

// Wait blocks until a send is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl == nil {
		return nil
	}
	for {
		wait := rl.take(time.Now())
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
