package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipeshield/pipeshield/pkg/alerting"
	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
)

func TestProtectedOperationPlainSuccess(t *testing.T) {
	op := NewProtectedOperation(ProtectedOperationConfig{Name: "deploy"})

	result, err := op.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestProtectedOperationRetriesThroughBreaker(t *testing.T) {
	m := NewManager(nil)
	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:      "deploy",
		Component: "deployer",
		Breaker:   m.GetCircuitBreaker("deploy", &CircuitBreakerConfig{FailureThreshold: 10}),
		Retrier: m.GetRetrier("deploy", &RetryConfig{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
		}),
	})

	var calls atomic.Int32
	result, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("connection refused")
		}
		return "deployed", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "deployed", result)
	assert.Equal(t, int32(3), calls.Load())
}

func TestProtectedOperationOpenBreakerShortCircuitsRetries(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "deploy", FailureThreshold: 1, RecoveryTimeout: time.Minute})
	tripBreaker(t, cb, 1)

	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:    "deploy",
		Breaker: cb,
		Retrier: NewRetrier(RetryConfig{MaxRetries: 3, InitialDelay: time.Millisecond}),
	})

	var calls atomic.Int32
	_, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	})

	require.Error(t, err)
	// rejections never reach the operation
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, apperrors.KindTemporaryUnavailable, apperrors.GetKind(err))
}

func TestProtectedOperationRateLimitClassification(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{Name: "deploy", MaxRequests: 1, Window: time.Minute})
	op := NewProtectedOperation(ProtectedOperationConfig{Name: "deploy", RateLimiter: rl})

	_, err := op.Execute(context.Background(), succeedingOp)
	require.NoError(t, err)

	_, err = op.Execute(context.Background(), succeedingOp)
	require.Error(t, err)

	rec := errToRecord(t, err)
	assert.Equal(t, apperrors.KindRateLimit, rec.Kind)
	assert.Greater(t, rec.RetryAfter, time.Duration(0))
}

func TestProtectedOperationRecoveryAfterExhaustion(t *testing.T) {
	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:     "fetch-config",
		Retrier:  NewRetrier(RetryConfig{MaxRetries: 1, InitialDelay: time.Millisecond}),
		Recovery: NewChain(&FallbackStrategy{Value: "defaults"}),
	})

	result, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})

	require.NoError(t, err)
	assert.Equal(t, "defaults", result)
}

func TestProtectedOperationCachesSuccessForRecovery(t *testing.T) {
	cache := &CacheStrategy{Store: NewMemoryCacheStore()}
	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:     "fetch-config",
		Recovery: NewChain(cache),
	})

	// a success populates the cache
	_, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return "live-config", nil
	})
	require.NoError(t, err)

	// a later transient failure serves the cached result
	result, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	require.NoError(t, err)
	assert.Equal(t, "live-config", result)
}

func TestProtectedOperationQueuedFailureReplaysOnDrain(t *testing.T) {
	queue := NewQueueStrategy(10)
	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:      "deploy",
		Component: "deployer",
		Recovery:  NewChain(queue),
	})

	var calls atomic.Int32
	backendUp := &atomic.Bool{}
	deploy := func(ctx context.Context) (interface{}, error) {
		calls.Add(1)
		if !backendUp.Load() {
			return nil, errors.New("connection refused")
		}
		return "deployed", nil
	}

	result, err := op.Execute(context.Background(), deploy)
	require.NoError(t, err)

	deferred, ok := result.(Deferred)
	require.True(t, ok)
	assert.Equal(t, "deploy", deferred.OperationID)
	require.Equal(t, 1, queue.Depth())

	// the backend comes back and drain replays the parked operation itself
	backendUp.Store(true)
	replayed, failed := queue.Drain(context.Background())
	assert.Equal(t, 1, replayed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, queue.Depth())
}

func TestProtectedOperationAlertsOnUnrecoveredFailure(t *testing.T) {
	config := alerting.DefaultConfig()
	config.DefaultChannels = []string{"capture"}
	alerts := alerting.NewManager(config)

	captured := &countingProvider{}
	alerts.RegisterProvider("capture", captured)

	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:      "deploy",
		Component: "deployer",
		Alerts:    alerts,
	})

	_, err := op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})
	alerts.Drain()

	require.Error(t, err)
	assert.Equal(t, int32(1), captured.sent.Load())
	assert.Equal(t, "deployer", errToRecord(t, err).Component)
}

type countingProvider struct {
	sent atomic.Int32
}

func (p *countingProvider) Name() string { return "counting" }

func (p *countingProvider) Send(ctx context.Context, alert *alerting.Alert) error {
	p.sent.Add(1)
	return nil
}

func TestProtectedOperationTracksFailures(t *testing.T) {
	m := NewManager(nil)
	op := NewProtectedOperation(ProtectedOperationConfig{
		Name:      "deploy",
		Component: "deployer",
		Tracker:   m.Errors(),
	})

	op.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("connection refused")
	})

	snapshot := m.GetSystemStatus().Errors
	assert.Equal(t, int64(1), snapshot.Total)
	assert.Equal(t, int64(1), snapshot.ByKind[apperrors.KindNetwork])
	assert.Equal(t, int64(1), snapshot.ByComponent["deployer"])
}

func TestProtectedOperationBulkheadLayer(t *testing.T) {
	b := NewBulkhead(BulkheadConfig{Name: "deploy", MaxConcurrent: 1, QueueCapacity: 0, Timeout: time.Second})
	op := NewProtectedOperation(ProtectedOperationConfig{Name: "deploy", Bulkhead: b})

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	go op.Execute(context.Background(), blockingOp(started, release))
	<-started

	_, err := op.Execute(context.Background(), succeedingOp)
	require.Error(t, err)
	close(release)
}
