// Package retry wraps sethvargo/go-retry in a reusable policy object so call
// sites share one definition of attempts and backoff.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

// BackoffFunc builds a fresh backoff sequence for one Do call. go-retry
// backoffs are stateful, so a policy must not share one across calls.
type BackoffFunc func() goretry.Backoff

// Exponential starts at base and doubles on every retry.
func Exponential(base time.Duration) BackoffFunc {
	return func() goretry.Backoff {
		return goretry.NewExponential(base)
	}
}

// Constant waits the same interval between attempts.
func Constant(interval time.Duration) BackoffFunc {
	return func() goretry.Backoff {
		return goretry.NewConstant(interval)
	}
}

// Policy runs an operation up to a fixed number of attempts.
type Policy struct {
	attempts  uint64
	backoff   BackoffFunc
	retryable func(error) bool
}

// Option configures a Policy.
type Option func(*Policy)

// WithRetryable limits retries to errors for which fn returns true. Other
// errors are returned immediately.
func WithRetryable(fn func(error) bool) Option {
	return func(p *Policy) {
		p.retryable = fn
	}
}

// NewPolicy returns a policy making at most attempts calls. Values below one
// are treated as one.
func NewPolicy(attempts int, backoff BackoffFunc, opts ...Option) *Policy {
	if attempts < 1 {
		attempts = 1
	}
	if backoff == nil {
		backoff = Exponential(time.Second)
	}
	p := &Policy{
		attempts:  uint64(attempts),
		backoff:   backoff,
		retryable: func(error) bool { return true },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attempts returns the maximum number of calls Do makes.
func (p *Policy) Attempts() int {
	return int(p.attempts)
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempt
// budget runs out, or ctx is done. The last error from fn is returned
// unwrapped.
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := goretry.WithMaxRetries(p.attempts-1, p.backoff())
	return goretry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && p.retryable(err) {
			return goretry.RetryableError(err)
		}
		return err
	})
}
