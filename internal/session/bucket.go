package session

import (
	"sync"
	"time"
)

// TokenBucket rate-limits unsolicited model calls. Refill is proportional to
// elapsed time and the level never exceeds the capacity.
type TokenBucket struct {
	mu sync.Mutex

	capacity     float64
	refillPerMin float64
	tokens       float64
	last         time.Time

	now func() time.Time
}

func NewTokenBucket(capacity, refillPerMin float64) *TokenBucket {
	if capacity <= 0 {
		capacity = 1
	}
	if refillPerMin <= 0 {
		refillPerMin = 1
	}
	b := &TokenBucket{
		capacity:     capacity,
		refillPerMin: refillPerMin,
		now:          time.Now,
	}
	b.tokens = capacity
	b.last = b.now()
	return b
}

// Take consumes one token. Returns false when the bucket is empty.
func (b *TokenBucket) Take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Level reports the current token count after refill.
func (b *TokenBucket) Level() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	return b.tokens
}

func (b *TokenBucket) refillLocked() {
	now := b.now()
	elapsed := now.Sub(b.last).Minutes()
	if elapsed <= 0 {
		return
	}
	b.last = now
	b.tokens += elapsed * b.refillPerMin
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
}
