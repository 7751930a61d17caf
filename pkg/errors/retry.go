package errors

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines the retry behavior for failed operations
type RetryPolicy struct {
	// MaxAttempts is the maximum number of retries after the first attempt (0 = no retries, -1 = infinite)
	MaxAttempts int
	// InitialBackoff is the initial backoff duration
	InitialBackoff time.Duration
	// MaxBackoff is the maximum backoff duration
	MaxBackoff time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds randomness to backoff (0.0-1.0)
	Jitter float64
	// RetriableFunc determines if an error is retriable (optional)
	RetriableFunc func(error) bool
}

// DefaultRetryPolicy returns the policy used for store bookkeeping writes
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            0.1,
		RetriableFunc:     IsRetriable,
	}
}

// NoRetryPolicy returns a policy that never retries
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 0,
	}
}

// RestartPolicy returns the policy used to relaunch failed runners
func RestartPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:       5,
		InitialBackoff:    time.Second,
		MaxBackoff:        time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
		RetriableFunc:     IsRetriable,
	}
}

// RetryableOperation is a function that can be retried
type RetryableOperation func(ctx context.Context) error

// RetryResult contains the result of a retry operation
type RetryResult struct {
	Success      bool
	Attempts     int
	LastError    error
	TotalBackoff time.Duration
}

// RetryCallback is called after each failed attempt, nextBackoff is 0 when no retry follows
type RetryCallback func(attempt int, err error, nextBackoff time.Duration)

// Execute executes an operation with retry logic
func (rp *RetryPolicy) Execute(ctx context.Context, operation RetryableOperation) *RetryResult {
	return rp.ExecuteWithCallback(ctx, operation, nil)
}

// ExecuteWithCallback executes an operation with retry and calls callback on each failure
func (rp *RetryPolicy) ExecuteWithCallback(
	ctx context.Context,
	operation RetryableOperation,
	callback RetryCallback,
) *RetryResult {
	result := &RetryResult{}

	for attempt := 0; ; attempt++ {
		result.Attempts++

		err := operation(ctx)
		if err == nil {
			result.Success = true
			return result
		}
		result.LastError = err

		if !rp.ShouldRetry(err, attempt+1) {
			if callback != nil {
				callback(attempt+1, err, 0)
			}
			return result
		}

		backoff := rp.NextBackoff(attempt)
		result.TotalBackoff += backoff
		if callback != nil {
			callback(attempt+1, err, backoff)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.LastError = ctx.Err()
			return result
		case <-timer.C:
		}
	}
}

// ShouldRetry checks if an error should be retried after the given number of attempts
func (rp *RetryPolicy) ShouldRetry(err error, attempts int) bool {
	if err == nil {
		return false
	}
	if rp.MaxAttempts >= 0 && attempts > rp.MaxAttempts {
		return false
	}
	if rp.RetriableFunc != nil {
		return rp.RetriableFunc(err)
	}
	return true
}

// NextBackoff returns the backoff duration following a failed attempt (0-based)
func (rp *RetryPolicy) NextBackoff(attempt int) time.Duration {
	multiplier := rp.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	// Exponential backoff: initialBackoff * (multiplier ^ attempt)
	backoff := float64(rp.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if rp.MaxBackoff > 0 && backoff > float64(rp.MaxBackoff) {
		backoff = float64(rp.MaxBackoff)
	}
	if rp.Jitter > 0 {
		jitterAmount := backoff * rp.Jitter
		backoff += (rand.Float64()*2 - 1) * jitterAmount
		if backoff < 0 {
			backoff = float64(rp.InitialBackoff)
		}
	}
	return time.Duration(backoff)
}
