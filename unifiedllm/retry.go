package unifiedllm

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures exponential backoff. Delays are in seconds so the
// policy can be written directly in configuration files.
type RetryPolicy struct {
	MaxRetries        int     // retries after the first attempt
	BaseDelay         float64 // delay before the first retry
	MaxDelay          float64 // cap on any single delay, including Retry-After
	BackoffMultiplier float64
	// Jitter scales each delay by a random factor in [0.5, 1.5).
	Jitter  bool
	OnRetry func(err error, attempt int, delay time.Duration)
	// ShouldRetry overrides IsRetryable when set.
	ShouldRetry func(err error) bool
}

// DefaultRetryPolicy returns two jittered retries starting at one second and
// doubling, capped at one minute.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:        2,
		BaseDelay:         1,
		MaxDelay:          60,
		BackoffMultiplier: 2,
		Jitter:            true,
	}
}

// Delay returns the wait before retry number attempt, counting from zero.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	mult := p.BackoffMultiplier
	if mult <= 0 {
		mult = 1
	}
	secs := min(p.BaseDelay*math.Pow(mult, float64(attempt)), p.MaxDelay)
	if p.Jitter {
		secs *= 0.5 + rand.Float64()
	}
	return seconds(max(secs, 0))
}

func (p RetryPolicy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	return IsRetryable(err)
}

// wait returns the delay before retry attempt for err. ok is false when the
// provider asked for a longer pause than MaxDelay allows.
func (p RetryPolicy) wait(err error, attempt int) (d time.Duration, ok bool) {
	after, hinted := RetryAfterOf(err)
	if !hinted {
		return p.Delay(attempt), true
	}
	if after > p.MaxDelay {
		return 0, false
	}
	return seconds(after), true
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// Sleep waits for d or until ctx is done. It returns an AbortError when the
// context ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return &AbortError{SDKError: SDKError{Message: "cancelled while waiting", Cause: ctx.Err()}}
	case <-timer.C:
		return nil
	}
}

// Retry calls fn until it succeeds, returns an error the policy will not
// retry, or MaxRetries retries are spent. The last error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if attempt >= policy.MaxRetries || !policy.retryable(err) {
			return zero, err
		}
		delay, ok := policy.wait(err, attempt)
		if !ok {
			return zero, err
		}
		if policy.OnRetry != nil {
			policy.OnRetry(err, attempt+1, delay)
		}
		if Sleep(ctx, delay) != nil {
			return zero, &AbortError{SDKError: SDKError{Message: "request cancelled during retry", Cause: ctx.Err()}}
		}
	}
}
