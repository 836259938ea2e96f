package authentication

import (
	"sync"
	"time"
)

// DefaultLockout is how long an exhausted key takes to earn back its full budget.
const DefaultLockout = time.Minute

// Budget limits rejected passwords per key, usually a remote host, with a token
// bucket. Each rejection spends a token and tokens refill steadily up to the burst.
// It is safe for concurrent use.
type Budget struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   int
	nowFunc func() time.Time
}

type bucket struct {
	tokens    float64
	lastCheck time.Time
}

// NewBudget allows burst rejections per key and refills the whole burst over
// lockout. Non-positive values use DefaultMaxFailures and DefaultLockout.
func NewBudget(burst int, lockout time.Duration) *Budget {
	if burst <= 0 {
		burst = DefaultMaxFailures
	}
	if lockout <= 0 {
		lockout = DefaultLockout
	}
	return &Budget{
		buckets: make(map[string]*bucket),
		rate:    float64(burst) / lockout.Seconds(),
		burst:   burst,
		nowFunc: time.Now,
	}
}

// refill tops up the bucket for key and returns it, or nil when key has a full budget.
func (b *Budget) refill(key string) *bucket {
	bk, ok := b.buckets[key]
	if !ok {
		return nil
	}
	now := b.nowFunc()
	if elapsed := now.Sub(bk.lastCheck).Seconds(); elapsed > 0 {
		bk.tokens += b.rate * elapsed
		bk.lastCheck = now
	}
	if bk.tokens >= float64(b.burst) {
		// full buckets are forgotten so the map only holds recent offenders
		delete(b.buckets, key)
		return nil
	}
	return bk
}

// Exhausted reports whether key has no rejections left.
func (b *Budget) Exhausted(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.refill(key)
	return bk != nil && bk.tokens < 1
}

// Spend records a rejection for key. It returns false once key is exhausted.
func (b *Budget) Spend(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.refill(key)
	if bk == nil {
		bk = &bucket{tokens: float64(b.burst), lastCheck: b.nowFunc()}
		b.buckets[key] = bk
	}
	if bk.tokens >= 1 {
		bk.tokens--
	}
	return bk.tokens >= 1
}

// RetryAfter is how long until key may be rejected again, zero when it is not exhausted.
func (b *Budget) RetryAfter(key string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	bk := b.refill(key)
	if bk == nil || bk.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - bk.tokens) / b.rate * float64(time.Second))
}
