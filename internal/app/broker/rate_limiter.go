package broker

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/dkeye/huddle/internal/core"
)

// SendRateLimiter is a token bucket per connection guarding SEND frames.
type SendRateLimiter struct {
	mu      sync.Mutex
	buckets map[core.SocketID]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func NewSendRateLimiter(perSecond float64, burst int) *SendRateLimiter {
	return &SendRateLimiter{
		buckets: make(map[core.SocketID]*rate.Limiter),
		limit:   rate.Limit(perSecond),
		burst:   burst,
	}
}

func (rl *SendRateLimiter) Allow(id core.SocketID) bool {
	if rl.limit <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l, ok := rl.buckets[id]
	if !ok {
		l = rate.NewLimiter(rl.limit, rl.burst)
		rl.buckets[id] = l
	}
	return l.Allow()
}

// Forget drops the bucket of a closed connection.
func (rl *SendRateLimiter) Forget(id core.SocketID) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, id)
}
