package taskrunner

import (
	"context"
	"testing"
	"time"
)

// scriptedRunner returns canned results in order, repeating the last.
type scriptedRunner struct {
	results []Result
	calls   int
}

func (s *scriptedRunner) Run(ctx context.Context, prompt string, opts Options) (Result, error) {
	idx := s.calls
	if idx >= len(s.results) {
		idx = len(s.results) - 1
	}
	s.calls++
	return s.results[idx], nil
}

func fastRetry(max int) RetryConfig {
	return RetryConfig{MaxRetries: max, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	inner := &scriptedRunner{results: []Result{
		{Success: false, Error: "flaky"},
		{Success: false, Error: "flaky"},
		{Success: true, Output: "{}"},
	}}
	r := WithRetry(inner, fastRetry(2))

	res, err := r.Run(context.Background(), "p", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryExhaustsBudget(t *testing.T) {
	inner := &scriptedRunner{results: []Result{{Success: false, Error: "always"}}}
	r := WithRetry(inner, fastRetry(2))

	res, err := r.Run(context.Background(), "p", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Success {
		t.Fatal("expected failure after budget exhausted")
	}
	if inner.calls != 3 {
		t.Fatalf("maxRetries=2 means 3 attempts, got %d", inner.calls)
	}
}

func TestRateLimitRetrySpendsNoBudget(t *testing.T) {
	inner := &scriptedRunner{results: []Result{
		{Success: false, ErrorType: ErrorRateLimit, RetryAfter: time.Millisecond},
		{Success: false, ErrorType: ErrorRateLimit, RetryAfter: time.Millisecond},
		{Success: false, ErrorType: ErrorRateLimit, RetryAfter: time.Millisecond},
		{Success: false, Error: "real failure"},
		{Success: true, Output: "{}"},
	}}
	r := WithRetry(inner, fastRetry(1))

	res, err := r.Run(context.Background(), "p", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Three rate-limit rounds spend nothing; the real failure spends
	// one retry; the fifth attempt succeeds.
	if !res.Success {
		t.Fatalf("expected success, got %+v", res)
	}
	if inner.calls != 5 {
		t.Fatalf("expected 5 attempts, got %d", inner.calls)
	}
}

func TestKilledRunRetriesOnceBeyondBudget(t *testing.T) {
	inner := &scriptedRunner{results: []Result{
		{Success: false, Error: "boom"},
		{Success: false, Error: "Task killed", ErrorType: ErrorKilled},
		{Success: true, Output: "{}"},
	}}
	r := WithRetry(inner, fastRetry(1))

	res, err := r.Run(context.Background(), "p", Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	// Attempt 1 fails, attempt 2 (the last budgeted one) is killed —
	// the kill carve-out grants exactly one extra attempt.
	if !res.Success {
		t.Fatalf("expected success via the kill carve-out, got %+v", res)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	inner := &scriptedRunner{results: []Result{{Success: false, Error: "always"}}}
	r := WithRetry(inner, RetryConfig{MaxRetries: 5, InitialBackoff: time.Hour, MaxBackoff: time.Hour})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := r.Run(ctx, "p", Options{}); err == nil {
		t.Fatal("expected a context error while backing off")
	}
}
