package security

import (
	"sync"
	"time"
)

// RateLimiter is a token bucket.
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows burst operations at once and rate per second after.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow reports whether an operation may proceed and takes a token if so.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if elapsed := now.Sub(r.lastRefill); elapsed > 0 {
		r.tokens += elapsed.Seconds() * r.rate
	}
	if r.tokens > float64(r.burst) {
		r.tokens = float64(r.burst)
	}
	r.lastRefill = now

	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// KeyedLimiter keeps one RateLimiter per key and counts what it drops, so
// a caller can report how many operations were suppressed once the key is
// allowed again.
type KeyedLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      int
	limiters   map[string]*RateLimiter
	suppressed map[string]int
	now        func() time.Time
}

// NewKeyedLimiter creates a limiter with the given per-key rate and burst.
func NewKeyedLimiter(rate float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		rate:       rate,
		burst:      burst,
		limiters:   make(map[string]*RateLimiter),
		suppressed: make(map[string]int),
		now:        time.Now,
	}
}

// Allow reports whether key may proceed. When it may, it also returns the
// number of operations dropped for key since the last allowed one.
func (k *KeyedLimiter) Allow(key string) (bool, int) {
	k.mu.Lock()
	defer k.mu.Unlock()

	l, ok := k.limiters[key]
	if !ok {
		l = NewRateLimiter(k.rate, k.burst)
		l.now = k.now
		l.lastRefill = k.now()
		k.limiters[key] = l
	}
	if !l.Allow() {
		k.suppressed[key]++
		return false, 0
	}
	dropped := k.suppressed[key]
	delete(k.suppressed, key)
	return true, dropped
}

// Forget drops the state for key, e.g. when a device goes away.
func (k *KeyedLimiter) Forget(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
	delete(k.suppressed, key)
}
