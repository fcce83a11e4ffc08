package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// RateLimiterConfig holds configuration for the rate limiter
type RateLimiterConfig struct {
	// Name of the rate-limited resource
	Name string
	// Window is the trailing window duration
	Window time.Duration
	// MaxRequests is the maximum number of admissions inside any trailing window
	MaxRequests int
	// Metrics receives engine instrumentation; nil disables it
	Metrics *metrics.Metrics
}

// DefaultRateLimiterConfig returns a default rate limiter configuration
func DefaultRateLimiterConfig(name string) RateLimiterConfig {
	return RateLimiterConfig{
		Name:        name,
		Window:      time.Second,
		MaxRequests: 100,
	}
}

// RateLimiterStatus reports current window usage
type RateLimiterStatus struct {
	Name        string        `json:"name"`
	Used        int           `json:"used"`
	Remaining   int           `json:"remaining"`
	MaxRequests int           `json:"max_requests"`
	Window      time.Duration `json:"window"`
}

// RateLimiter admits at most MaxRequests calls inside any trailing window.
// Timestamps are pruned lazily on each decision.
type RateLimiter struct {
	name        string
	window      time.Duration
	maxRequests int
	sink        *metrics.Metrics

	mutex      sync.Mutex
	timestamps []time.Time
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	if config.Window <= 0 {
		config.Window = time.Second
	}
	if config.MaxRequests <= 0 {
		config.MaxRequests = 100
	}

	return &RateLimiter{
		name:        config.Name,
		window:      config.Window,
		maxRequests: config.MaxRequests,
		sink:        config.Metrics,
		timestamps:  make([]time.Time, 0, config.MaxRequests),
	}
}

// Allow reports whether a call is admitted, recording it if so
func (rl *RateLimiter) Allow() bool {
	allowed, _ := rl.admit()
	return allowed
}

// Execute runs the operation if admitted. A refused call fails with a
// RateLimitError whose RetryAfter is the time until the oldest recorded
// request exits the window.
func (rl *RateLimiter) Execute(ctx context.Context, op Operation) (interface{}, error) {
	allowed, retryAfter := rl.admit()
	if !allowed {
		rl.sink.ObserveRateLimitDecision(rl.name, "limited")
		return nil, &RateLimitError{Name: rl.name, RetryAfter: retryAfter}
	}
	rl.sink.ObserveRateLimitDecision(rl.name, "allowed")
	return op(ctx)
}

// admit prunes expired timestamps and decides admission under one lock
func (rl *RateLimiter) admit() (bool, time.Duration) {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	now := time.Now()
	rl.pruneLocked(now)

	if len(rl.timestamps) < rl.maxRequests {
		rl.timestamps = append(rl.timestamps, now)
		return true, 0
	}

	retryAfter := rl.timestamps[0].Add(rl.window).Sub(now)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return false, retryAfter
}

func (rl *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-rl.window)
	idx := 0
	for idx < len(rl.timestamps) && !rl.timestamps[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		rl.timestamps = rl.timestamps[idx:]
	}
}

// Name returns the limiter name
func (rl *RateLimiter) Name() string {
	return rl.name
}

// Status reports the current count and remaining budget
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	rl.pruneLocked(time.Now())
	used := len(rl.timestamps)

	return RateLimiterStatus{
		Name:        rl.name,
		Used:        used,
		Remaining:   rl.maxRequests - used,
		MaxRequests: rl.maxRequests,
		Window:      rl.window,
	}
}

// Reset clears the recorded window
func (rl *RateLimiter) Reset() {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	rl.timestamps = rl.timestamps[:0]
}
