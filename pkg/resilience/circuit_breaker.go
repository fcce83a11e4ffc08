package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, a single probe is allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the protected category; each name owns independent state
	Name string
	// FailureThreshold is the consecutive-failure count that opens the circuit
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before allowing a probe
	RecoveryTimeout time.Duration
	// OnStateChange is called whenever the state changes
	OnStateChange func(name string, from CircuitState, to CircuitState)
	// Metrics receives engine instrumentation; nil disables it
	Metrics *metrics.Metrics
}

// DefaultCircuitBreakerConfig returns a default circuit breaker configuration
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// CircuitBreakerStatus is a snapshot of breaker state
type CircuitBreakerStatus struct {
	Name            string       `json:"name"`
	State           string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
	Threshold       int          `json:"threshold"`
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
}

// CircuitBreaker is a per-category state machine that stops calling a failing
// dependency until a recovery window elapses. Failure counting is consecutive:
// any success while closed resets the count.
type CircuitBreaker struct {
	name            string
	threshold       int
	recoveryTimeout time.Duration
	onStateChange   func(name string, from CircuitState, to CircuitState)
	sink            *metrics.Metrics

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	lastFailureTime time.Time
	probing         bool

	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}

	cb := &CircuitBreaker{
		name:            config.Name,
		threshold:       config.FailureThreshold,
		recoveryTimeout: config.RecoveryTimeout,
		onStateChange:   config.OnStateChange,
		sink:            config.Metrics,
		state:           StateClosed,
		logger:          logging.GetLogger(),
	}
	cb.sink.SetCircuitState(cb.name, float64(StateClosed))
	return cb
}

// Execute runs the operation if the circuit accepts it. When the circuit is
// open and the recovery window has not elapsed, the fallback is invoked if
// supplied; otherwise a CircuitBreakerError is returned without invoking the
// operation.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation, fallback Operation) (interface{}, error) {
	probe, err := cb.beforeRequest()
	if err != nil {
		cb.sink.ObserveCircuitRejection(cb.name)
		if fallback != nil {
			return fallback(ctx)
		}
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(probe, false)
			panic(r)
		}
	}()

	result, err := op(ctx)
	cb.afterRequest(probe, err == nil)
	return result, err
}

// Call is a convenience method for operations that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	}, nil)
}

// beforeRequest decides admission. It returns whether this call is the
// half-open probe.
func (cb *CircuitBreaker) beforeRequest() (bool, error) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	cb.advanceLocked(now)

	switch cb.state {
	case StateOpen:
		return false, &CircuitBreakerError{Name: cb.name, State: StateOpen}
	case StateHalfOpen:
		if cb.probing {
			// Only one probe at a time
			return false, &CircuitBreakerError{Name: cb.name, State: StateHalfOpen}
		}
		cb.probing = true
		return true, nil
	default:
		return false, nil
	}
}

func (cb *CircuitBreaker) afterRequest(probe bool, success bool) {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	now := time.Now()
	if probe {
		cb.probing = false
	}

	if success {
		cb.onSuccess(now)
	} else {
		cb.onFailure(now)
	}
}

func (cb *CircuitBreaker) onSuccess(now time.Time) {
	switch cb.state {
	case StateHalfOpen:
		cb.setStateLocked(StateClosed, now)
		cb.failureCount = 0
	case StateClosed:
		cb.failureCount = 0
	}
}

func (cb *CircuitBreaker) onFailure(now time.Time) {
	cb.failureCount++
	cb.lastFailureTime = now

	switch cb.state {
	case StateHalfOpen:
		// Failed probe restarts the recovery window
		cb.setStateLocked(StateOpen, now)
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			cb.setStateLocked(StateOpen, now)
		}
	}
}

// advanceLocked moves OPEN to HALF_OPEN once the recovery window has elapsed
func (cb *CircuitBreaker) advanceLocked(now time.Time) {
	if cb.state == StateOpen && now.Sub(cb.lastFailureTime) > cb.recoveryTimeout {
		cb.setStateLocked(StateHalfOpen, now)
		cb.probing = false
	}
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state

	cb.sink.SetCircuitState(cb.name, float64(state))
	cb.sink.ObserveCircuitTransition(cb.name, state.String())

	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, prev, state)
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
		"failure_count", cb.failureCount,
	)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.advanceLocked(time.Now())
	return cb.state
}

// FailureCount returns the current consecutive failure count
func (cb *CircuitBreaker) FailureCount() int {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.failureCount
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Status returns a snapshot of the breaker state
func (cb *CircuitBreaker) Status() CircuitBreakerStatus {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.advanceLocked(time.Now())
	return CircuitBreakerStatus{
		Name:            cb.name,
		State:           cb.state.String(),
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		Threshold:       cb.threshold,
		RecoveryTimeout: cb.recoveryTimeout,
	}
}

// Reset forces the breaker back to CLOSED with a clean count
func (cb *CircuitBreaker) Reset() {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	cb.setStateLocked(StateClosed, time.Now())
	cb.failureCount = 0
	cb.probing = false
}
