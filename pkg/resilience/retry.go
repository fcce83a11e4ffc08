package resilience

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// Operation is a protected unit of work returning a result
type Operation func(context.Context) (interface{}, error)

// RetryConfig holds configuration for the retry engine
type RetryConfig struct {
	// OperationID names the operation for logging, metrics, and error metadata
	OperationID string
	// MaxRetries is the number of retries after the initial attempt.
	// 0 disables retrying entirely.
	MaxRetries int
	// InitialDelay is the base delay before the first retry
	InitialDelay time.Duration
	// MaxDelay caps the backoff delay
	MaxDelay time.Duration
	// Multiplier is the exponential backoff multiplier
	Multiplier float64
	// Jitter applies a uniform +/-25% spread to computed delays
	Jitter bool
	// AttemptTimeout bounds each individual attempt; 0 disables it.
	// An attempt that exceeds it fails with a timeout record subject to
	// the same retry policy.
	AttemptTimeout time.Duration
	// Component is stamped onto classified failures
	Component string
	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, rec *apperrors.Record, delay time.Duration)
	// Metrics receives engine instrumentation; nil disables it
	Metrics *metrics.Metrics
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// RetryMetrics is a snapshot of the retrier's running counters
type RetryMetrics struct {
	TotalAttempts     int64         `json:"total_attempts"`
	SuccessfulRetries int64         `json:"successful_retries"`
	FailedRetries     int64         `json:"failed_retries"`
	AverageDelay      time.Duration `json:"average_delay"`
}

// Retrier executes operations with classification-aware backoff
type Retrier struct {
	config RetryConfig
	logger *logging.Logger

	mutex             sync.Mutex
	totalAttempts     int64
	successfulRetries int64
	failedRetries     int64
	totalDelay        time.Duration
	delayCount        int64
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}
	if config.OperationID == "" {
		config.OperationID = "operation"
	}

	return &Retrier{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation with retry logic
func (r *Retrier) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := r.ExecuteWithResult(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, op(ctx)
	})
	return err
}

// ExecuteWithResult runs the operation with retry logic and returns its result.
// Failed attempts are classified; a non-retryable failure aborts immediately,
// and exhausting all attempts returns a RetryExhaustedError wrapping the last
// classified failure.
func (r *Retrier) ExecuteWithResult(ctx context.Context, op Operation) (interface{}, error) {
	var lastRec *apperrors.Record
	maxAttempts := r.config.MaxRetries + 1

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		result, err := r.runAttempt(ctx, op)
		r.recordAttempt()

		if err == nil {
			r.config.Metrics.ObserveRetryAttempt(r.config.OperationID, "success")
			if attempt > 1 {
				r.recordSuccessfulRetry()
				r.logger.Info("Operation succeeded after retry",
					"operation", r.config.OperationID,
					"attempt", attempt,
				)
			}
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastRec = apperrors.ClassifyWithComponent(err, r.config.Component)
		r.config.Metrics.ObserveRetryAttempt(r.config.OperationID, "failure")
		r.config.Metrics.ObserveError(string(lastRec.Kind), lastRec.Component)

		if !lastRec.Retryable {
			r.logger.Debug("Error is not retryable, stopping",
				"operation", r.config.OperationID,
				"kind", lastRec.Kind,
				"attempt", attempt,
			)
			if attempt > 1 {
				r.recordFailedRetry()
			}
			return nil, lastRec
		}

		if attempt == maxAttempts {
			break
		}

		delay := r.delayFor(attempt, lastRec)
		r.recordDelay(delay)
		r.config.Metrics.ObserveRetryDelay(r.config.OperationID, delay)

		r.logger.Debug("Operation failed, retrying",
			"operation", r.config.OperationID,
			"kind", lastRec.Kind,
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
		)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, lastRec, delay)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	r.recordFailedRetry()
	r.config.Metrics.ObserveRetryExhausted(r.config.OperationID)
	r.logger.Error("Operation failed after all retry attempts",
		"operation", r.config.OperationID,
		"kind", lastRec.Kind,
		"attempts", maxAttempts,
	)

	return nil, &RetryExhaustedError{
		OperationID: r.config.OperationID,
		Attempts:    maxAttempts,
		Last:        lastRec,
	}
}

// runAttempt races the operation against the per-attempt timeout. The
// operation goroutine is left to settle on its own after a timeout; the
// buffered channel keeps it from leaking.
func (r *Retrier) runAttempt(ctx context.Context, op Operation) (interface{}, error) {
	if r.config.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, r.config.AttemptTimeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := op(attemptCtx)
		done <- outcome{result, err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-attemptCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, apperrors.NewTimeoutError(r.config.OperationID)
	}
}

// delayFor computes the sleep before the next attempt. A rate-limit failure
// carrying an explicit retry-after hint overrides computed backoff.
func (r *Retrier) delayFor(attempt int, rec *apperrors.Record) time.Duration {
	if rec.Kind == apperrors.KindRateLimit && rec.RetryAfter > 0 {
		return rec.RetryAfter
	}
	return r.calculateDelay(attempt)
}

// calculateDelay returns min(initial * multiplier^(attempt-1), max), with a
// uniform +/-25% spread when jitter is enabled.
func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay *= 0.75 + rand.Float64()*0.5
	}

	return time.Duration(delay)
}

// Wrap returns a retry-wrapped version of the operation
func (r *Retrier) Wrap(op Operation) Operation {
	return func(ctx context.Context) (interface{}, error) {
		return r.ExecuteWithResult(ctx, op)
	}
}

// ExecuteParallel runs all operations concurrently, each with retry logic.
// The first operation to fail with a non-recoverable result cancels the rest.
func (r *Retrier) ExecuteParallel(ctx context.Context, ops []Operation) ([]interface{}, error) {
	results := make([]interface{}, len(ops))
	g, gctx := errgroup.WithContext(ctx)

	for i, op := range ops {
		i, op := i, op
		g.Go(func() error {
			result, err := r.ExecuteWithResult(gctx, op)
			if err != nil {
				return err
			}
			results[i] = result
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// ExecuteSequential runs operations in order, stopping at the first failure.
// Results collected before the failure are returned alongside the error.
func (r *Retrier) ExecuteSequential(ctx context.Context, ops []Operation) ([]interface{}, error) {
	results := make([]interface{}, 0, len(ops))
	for _, op := range ops {
		result, err := r.ExecuteWithResult(ctx, op)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// Metrics returns a snapshot of the running retry counters
func (r *Retrier) Metrics() RetryMetrics {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	m := RetryMetrics{
		TotalAttempts:     r.totalAttempts,
		SuccessfulRetries: r.successfulRetries,
		FailedRetries:     r.failedRetries,
	}
	if r.delayCount > 0 {
		m.AverageDelay = r.totalDelay / time.Duration(r.delayCount)
	}
	return m
}

// ResetMetrics clears the running retry counters
func (r *Retrier) ResetMetrics() {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.totalAttempts = 0
	r.successfulRetries = 0
	r.failedRetries = 0
	r.totalDelay = 0
	r.delayCount = 0
}

func (r *Retrier) recordAttempt() {
	r.mutex.Lock()
	r.totalAttempts++
	r.mutex.Unlock()
}

func (r *Retrier) recordSuccessfulRetry() {
	r.mutex.Lock()
	r.successfulRetries++
	r.mutex.Unlock()
}

func (r *Retrier) recordFailedRetry() {
	r.mutex.Lock()
	r.failedRetries++
	r.mutex.Unlock()
}

func (r *Retrier) recordDelay(d time.Duration) {
	r.mutex.Lock()
	r.totalDelay += d
	r.delayCount++
	r.mutex.Unlock()
}

// Retry is a convenience function using the default configuration
func Retry(ctx context.Context, op func(context.Context) error) error {
	return NewRetrier(DefaultRetryConfig()).Execute(ctx, op)
}

// RetryWithConfig is a convenience function to execute an operation with retry
func RetryWithConfig(ctx context.Context, config RetryConfig, op func(context.Context) error) error {
	return NewRetrier(config).Execute(ctx, op)
}
