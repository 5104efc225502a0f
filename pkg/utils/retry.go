package utils

import (
	"context"
	"errors"
	"strings"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// DefaultBackoffConfig returns the recommended exponential backoff
// configuration with 10% jitter
func DefaultBackoffConfig() wait.Backoff {
	return wait.Backoff{
		Steps:    5,               // Maximum 5 attempts
		Duration: 1 * time.Second, // Initial delay: 1 second
		Factor:   2.0,             // Double each time: 1s, 2s, 4s, 8s, 16s
		Jitter:   0.1,             // 10% jitter
	}
}

// RetryWithBackoff retries an operation with exponential backoff until
// success or exhaustion. Nothing inside the mount core retries; this exists
// for callers that choose to re-invoke an operation, and it distinguishes
// retryable from fatal errors.
//
// Returns:
//   - nil if fn() succeeds
//   - wait.ErrWaitTimeout if all retries exhausted with retryable errors
//   - the actual error if fn() returns a non-retryable error
//   - context.Canceled or context.DeadlineExceeded if ctx is cancelled
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			klog.V(4).Infof("Operation succeeded on attempt %d", attempt)
			return true, nil
		}

		if IsRetryableError(lastErr) {
			klog.V(4).Infof("Attempt %d failed with retryable error: %v", attempt, lastErr)
			return false, nil
		}

		klog.V(4).Infof("Attempt %d failed with non-retryable error: %v", attempt, lastErr)
		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		klog.V(2).Infof("All %d retry attempts exhausted, last error: %v", attempt, lastErr)
	}

	return err
}

// IsRetryableError determines if an error is transient and worth retrying.
// Card communication drops and timing-dependent directory visibility both
// clear up on a later attempt; an open breaker or a read-only rejection
// never does.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrBreakerOpen) || IsReadOnlyError(err) {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Transient card and driver conditions
	retryablePatterns := []string{
		"no response from sd card",
		"sd card initialization failed",
		"mount timeout",
		"mount failed",
		"i/o timeout",
		"io timeout",
		"input/output error",
		"card not ready",
		"timed out",
		"temporary failure",
		"resource temporarily unavailable",
		"try again",
	}

	for _, pattern := range retryablePatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
