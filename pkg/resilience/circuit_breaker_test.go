package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func failingOp(ctx context.Context) (interface{}, error) {
	return nil, errBoom
}

func succeedingOp(ctx context.Context) (interface{}, error) {
	return "ok", nil
}

func tripBreaker(t *testing.T, cb *CircuitBreaker, failures int) {
	t.Helper()
	for i := 0; i < failures; i++ {
		cb.Execute(context.Background(), failingOp, nil)
	}
}

func TestCircuitBreakerOpensAtThreshold(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 3})

	tripBreaker(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())

	tripBreaker(t, cb, 1)
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerRejectsWithoutInvoking(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 2, RecoveryTimeout: time.Minute})
	tripBreaker(t, cb, 2)

	var invoked atomic.Bool
	_, err := cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		invoked.Store(true)
		return nil, nil
	}, nil)

	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))
	assert.False(t, invoked.Load())
}

func TestCircuitBreakerSuccessResetsConsecutiveCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 3})

	tripBreaker(t, cb, 2)
	cb.Execute(context.Background(), succeedingOp, nil)
	assert.Equal(t, 0, cb.FailureCount())

	// the count restarted, so two more failures stay under threshold
	tripBreaker(t, cb, 2)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerFallbackOnRejection(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 1, RecoveryTimeout: time.Minute})
	tripBreaker(t, cb, 1)

	result, err := cb.Execute(context.Background(), failingOp, func(ctx context.Context) (interface{}, error) {
		return "fallback", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fallback", result)
}

func TestCircuitBreakerHalfOpenProbeSuccessCloses(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "api",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})
	tripBreaker(t, cb, 1)
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	result, err := cb.Execute(context.Background(), succeedingOp, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, 0, cb.FailureCount())
}

func TestCircuitBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "api",
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})
	tripBreaker(t, cb, 1)

	time.Sleep(30 * time.Millisecond)
	_, err := cb.Execute(context.Background(), failingOp, nil)
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, StateOpen, cb.State())

	// the recovery window restarted, so the circuit stays open for now
	_, err = cb.Execute(context.Background(), failingOp, nil)
	assert.True(t, IsCircuitBreakerError(err))
}

func TestCircuitBreakerSingleProbeInHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "api",
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
	})
	tripBreaker(t, cb, 1)
	time.Sleep(20 * time.Millisecond)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return "ok", nil
		}, nil)
	}()

	<-started
	// a second call while the probe is in flight is rejected
	_, err := cb.Execute(context.Background(), succeedingOp, nil)
	assert.True(t, IsCircuitBreakerError(err))

	close(release)
	wg.Wait()
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerStateChangeCallback(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "api",
		FailureThreshold: 1,
		RecoveryTimeout:  10 * time.Millisecond,
		OnStateChange: func(name string, from, to CircuitState) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	})

	tripBreaker(t, cb, 1)
	time.Sleep(20 * time.Millisecond)
	cb.Execute(context.Background(), succeedingOp, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"CLOSED->OPEN", "OPEN->HALF_OPEN", "HALF_OPEN->CLOSED"}, transitions)
}

func TestCircuitBreakerPanicCountsAsFailure(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 1})

	assert.Panics(t, func() {
		cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
			panic("op exploded")
		}, nil)
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 1, RecoveryTimeout: time.Minute})
	tripBreaker(t, cb, 1)
	require.Equal(t, StateOpen, cb.State())

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())

	result, err := cb.Execute(context.Background(), succeedingOp, nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCircuitBreakerStatus(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "api", FailureThreshold: 5})
	tripBreaker(t, cb, 2)

	status := cb.Status()
	assert.Equal(t, "api", status.Name)
	assert.Equal(t, "CLOSED", status.State)
	assert.Equal(t, 2, status.FailureCount)
	assert.Equal(t, 5, status.Threshold)
}
