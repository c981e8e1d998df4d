// Package ratelimit provides per-user token buckets for location reports.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultTokensPerMinute is the bucket capacity and refill rate used when the
// configured value is not positive.
const DefaultTokensPerMinute = 60

// Limiter keeps one token bucket per user. The bucket map is guarded by mu;
// each rate.Limiter is itself safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New returns a Limiter whose buckets hold tokensPerMinute tokens and refill
// at tokensPerMinute per minute.
func New(tokensPerMinute int, opts ...Option) *Limiter {
	if tokensPerMinute <= 0 {
		tokensPerMinute = DefaultTokensPerMinute
	}
	l := &Limiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Every(time.Minute / time.Duration(tokensPerMinute)),
		burst:   tokensPerMinute,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryConsume takes one token from the user's bucket, creating the bucket on
// first use. It never blocks; false means the report must be rejected.
func (l *Limiter) TryConsume(userID string) bool {
	return l.bucket(userID).AllowN(l.now(), 1)
}

// Forget releases the user's bucket. The next TryConsume starts full.
func (l *Limiter) Forget(userID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, userID)
}

// Len returns the number of tracked buckets.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Capacity returns the bucket size.
func (l *Limiter) Capacity() int {
	return l.burst
}

func (l *Limiter) bucket(userID string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[userID] = b
	}
	return b
}
