package taskrunner

import (
	"context"
	"math/rand"
	"time"
)

// RetryConfig controls the backoff applied between failed runs.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig backs off 250ms * 2^k, capped at 30s.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:     2,
	InitialBackoff: 250 * time.Millisecond,
	MaxBackoff:     30 * time.Second,
}

type retryingRunner struct {
	inner TaskRunner
	cfg   RetryConfig
	rnd   *rand.Rand
}

// WithRetry wraps inner so failed runs are retried per cfg, honoring
// RATE_LIMIT's RetryAfter instead of exponential backoff, and treating
// a SIGTERM-killed run as retryable exactly once even when
// cfg.MaxRetries is exhausted. The Scheduler still owns maxRetries
// bookkeeping per agent; this wrapper is the mechanical
// backoff/kill-once layer it delegates to.
func WithRetry(inner TaskRunner, cfg RetryConfig) TaskRunner {
	if inner == nil {
		return inner
	}
	if cfg.MaxRetries <= 0 {
		return inner
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultRetryConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultRetryConfig.MaxBackoff
	}
	return &retryingRunner{inner: inner, cfg: cfg, rnd: rand.New(rand.NewSource(1))}
}

// maxRateLimitRetries bounds RATE_LIMIT retries, which are exempt from
// the ordinary maxRetries budget but must still terminate eventually.
const maxRateLimitRetries = 20

func (r *retryingRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	var killedOnceUsed bool
	var lastResult Result
	var lastErr error

	attempt := 0
	rateLimitAttempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		res, err := r.inner.Run(ctx, prompt, opts)
		lastResult, lastErr = res, err
		if err != nil {
			return res, err
		}
		if res.Success {
			return res, nil
		}

		if res.ErrorType == ErrorRateLimit && res.RetryAfter > 0 {
			rateLimitAttempts++
			if rateLimitAttempts > maxRateLimitRetries {
				break
			}
			if !r.sleep(ctx, res.RetryAfter) {
				return Result{}, ctx.Err()
			}
			continue
		}

		killedThisAttempt := res.ErrorType == ErrorKilled
		canKillOnceRetry := killedThisAttempt && !killedOnceUsed && attempt == r.cfg.MaxRetries
		if attempt == r.cfg.MaxRetries && !canKillOnceRetry {
			break
		}
		if canKillOnceRetry {
			killedOnceUsed = true
		}

		if !r.sleep(ctx, r.backoffForAttempt(attempt)) {
			return Result{}, ctx.Err()
		}
		attempt++
	}

	return lastResult, lastErr
}

func (r *retryingRunner) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (r *retryingRunner) backoffForAttempt(attempt int) time.Duration {
	backoff := r.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= r.cfg.MaxBackoff {
			backoff = r.cfg.MaxBackoff
			break
		}
	}
	if backoff > r.cfg.MaxBackoff {
		backoff = r.cfg.MaxBackoff
	}
	jitterFrac := r.rnd.Float64()*0.4 - 0.2
	sleep := backoff + time.Duration(float64(backoff)*jitterFrac)
	if sleep < 0 {
		sleep = 0
	}
	return sleep
}
