// Package server throttles inbound frames per connection so a single chatty
// session cannot crowd out the rest of the hub.
package server

import (
	"math"
	"sync"
	"time"
)

// tokenBucket is a connection's inbound budget: Burst tokens, refilled
// continuously at Burst per RefillInterval. Each accepted frame costs one
// token; frames arriving on an empty bucket are discarded by the read pump.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

func newTokenBucket(cfg RateLimitConfig) *tokenBucket {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		tokens: float64(burst),
		burst:  float64(burst),
		perSec: float64(burst) / interval.Seconds(),
		last:   time.Now(),
	}
}

// allow takes one token if available.
func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(b.burst, b.tokens+elapsed*b.perSec)
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
