package resilience

import (
	"errors"
	"fmt"
	"time"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
)

// CircuitBreakerError is returned when the circuit rejects a call without
// invoking the operation.
type CircuitBreakerError struct {
	Name  string
	State CircuitState
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitBreakerError checks if an error is a circuit breaker rejection
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// BulkheadFullError is returned when both the bulkhead and its wait queue are
// at capacity. It is raised synchronously, before any waiting.
type BulkheadFullError struct {
	Name string
}

func (e *BulkheadFullError) Error() string {
	return fmt.Sprintf("bulkhead '%s' is at capacity", e.Name)
}

// BulkheadTimeoutError is returned when a queued call did not get a slot, or a
// running call did not finish, within the bulkhead timeout.
type BulkheadTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *BulkheadTimeoutError) Error() string {
	return fmt.Sprintf("bulkhead '%s' timed out after %s", e.Name, e.Timeout)
}

// IsBulkheadError checks if an error is a bulkhead capacity or timeout rejection
func IsBulkheadError(err error) bool {
	var fullErr *BulkheadFullError
	var timeoutErr *BulkheadTimeoutError
	return errors.As(err, &fullErr) || errors.As(err, &timeoutErr)
}

// RateLimitError is returned when the limiter refuses admission. RetryAfter is
// the time until the oldest recorded request exits the window.
type RateLimitError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for '%s', retry after %s", e.Name, e.RetryAfter)
}

// IsRateLimitError checks if an error is a rate limiter rejection
func IsRateLimitError(err error) bool {
	var rlErr *RateLimitError
	return errors.As(err, &rlErr)
}

// PoolTimeoutError is returned when an acquire waited past its deadline.
type PoolTimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *PoolTimeoutError) Error() string {
	return fmt.Sprintf("resource pool '%s' acquire timed out after %s", e.Name, e.Timeout)
}

// PoolClosedError is returned for operations against a shut-down pool.
type PoolClosedError struct {
	Name string
}

func (e *PoolClosedError) Error() string {
	return fmt.Sprintf("resource pool '%s' is closed", e.Name)
}

// RetryExhaustedError wraps the last classified failure after all retry
// attempts were spent. Unwrap preserves the original kind for callers.
type RetryExhaustedError struct {
	OperationID string
	Attempts    int
	Last        *apperrors.Record
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("operation '%s' failed after %d attempts: %v", e.OperationID, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// IsRetryExhausted checks if an error is a retry exhaustion wrapper
func IsRetryExhausted(err error) bool {
	var reErr *RetryExhaustedError
	return errors.As(err, &reErr)
}
