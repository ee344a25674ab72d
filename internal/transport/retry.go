package transport

import (
	"context"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"llm-relay/internal/models"
)

const (
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Retrier runs an attempt function with exponential backoff. The limiter is
// consulted before every attempt, including retries.
type Retrier struct {
	Provider   string
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Limiter    *RateLimiter
	Logger     *zap.Logger
	Sleep      func(context.Context, time.Duration) error
}

// Backoff returns the delay before retry number attempt (zero based).
func (r *Retrier) Backoff(attempt int) time.Duration {
	base := r.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := r.MaxDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxDelay
	}
	return retryablehttp.DefaultBackoff(base, maxDelay, attempt, nil)
}

// Do invokes fn until it succeeds, fails with a non-retryable error, or the
// retry budget is spent. The returned error is always a ProviderError.
func (r *Retrier) Do(ctx context.Context, estimatedTokens int, fn func(ctx context.Context, attempt int) error) error {
	sleep := r.Sleep
	if sleep == nil {
		sleep = SleepContext
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for attempt := 0; ; attempt++ {
		if err := r.Limiter.Acquire(ctx, estimatedTokens); err != nil {
			return ClassifyError(r.Provider, err)
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		pe := ClassifyError(r.Provider, err)
		if ctx.Err() != nil && pe.Code != models.ErrTimeout {
			pe = ClassifyError(r.Provider, ctx.Err())
		}
		if !pe.Retryable || attempt >= r.MaxRetries {
			return pe
		}

		delay := pe.RetryAfter
		if delay <= 0 {
			delay = r.Backoff(attempt)
		}
		logger.Warn("retrying upstream call",
			zap.String("provider", r.Provider),
			zap.Int("attempt", attempt+1),
			zap.String("code", string(pe.Code)),
			zap.Duration("delay", delay),
		)
		if err := sleep(ctx, delay); err != nil {
			return ClassifyError(r.Provider, err)
		}
	}
}
