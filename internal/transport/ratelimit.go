package transport

import (
	"context"
	"sync"
	"time"
)

const rateWindow = 60 * time.Second

// RateLimiter enforces per-minute request and token budgets for one
// provider instance. A zero budget disables that dimension.
type RateLimiter struct {
	mu                sync.Mutex
	requestsPerMinute int
	tokensPerMinute   int
	windowStart       time.Time
	requests          int
	tokens            int

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// NewRateLimiter returns a limiter, or nil when both budgets are disabled.
func NewRateLimiter(requestsPerMinute, tokensPerMinute int) *RateLimiter {
	if requestsPerMinute <= 0 && tokensPerMinute <= 0 {
		return nil
	}
	return &RateLimiter{
		requestsPerMinute: requestsPerMinute,
		tokensPerMinute:   tokensPerMinute,
		now:               time.Now,
		sleep:             SleepContext,
	}
}

// Acquire blocks until the request fits the current window. A single request
// larger than the token budget is admitted into an empty window.
func (l *RateLimiter) Acquire(ctx context.Context, estimatedTokens int) error {
	if l == nil {
		return nil
	}
	for {
		wait, ok := l.reserve(estimatedTokens)
		if ok {
			return nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (l *RateLimiter) reserve(tokens int) (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= rateWindow {
		l.windowStart = now
		l.requests = 0
		l.tokens = 0
	}

	requestsOK := l.requestsPerMinute <= 0 || l.requests < l.requestsPerMinute
	tokensOK := l.tokensPerMinute <= 0 || l.tokens+tokens <= l.tokensPerMinute || l.requests == 0
	if requestsOK && tokensOK {
		l.requests++
		l.tokens += tokens
		return 0, true
	}
	return rateWindow - now.Sub(l.windowStart), false
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
