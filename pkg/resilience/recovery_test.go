package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
)

func TestChainStopsAtFirstResolution(t *testing.T) {
	cache := &CacheStrategy{Store: NewMemoryCacheStore()}
	cache.RecordSuccess(context.Background(), "op-1", "cached-result")

	var fallbackUsed bool
	chain := NewChain(
		cache,
		&FallbackStrategy{Fn: func(ctx context.Context) (interface{}, error) {
			fallbackUsed = true
			return "fallback-result", nil
		}},
	)

	rec := apperrors.NewNetworkError("primary down")
	result, err := chain.Recover(context.Background(), rec, RecoveryContext{OperationID: "op-1"})

	require.NoError(t, err)
	assert.Equal(t, "cached-result", result)
	assert.False(t, fallbackUsed)
}

func TestChainFallsThroughFailedStrategies(t *testing.T) {
	chain := NewChain(
		&CacheStrategy{Store: NewMemoryCacheStore()}, // empty cache cannot recover
		&FallbackStrategy{Value: "static"},
	)

	rec := apperrors.NewNetworkError("primary down")
	result, err := chain.Recover(context.Background(), rec, RecoveryContext{OperationID: "op-2"})

	require.NoError(t, err)
	assert.Equal(t, "static", result)
}

func TestChainReturnsOriginalErrorWhenExhausted(t *testing.T) {
	chain := NewChain(&CacheStrategy{Store: NewMemoryCacheStore()})

	rec := apperrors.NewNetworkError("primary down")
	_, err := chain.Recover(context.Background(), rec, RecoveryContext{OperationID: "op-3"})

	assert.Same(t, rec, errToRecord(t, err))
}

func TestNilChainPropagates(t *testing.T) {
	var chain *Chain
	rec := apperrors.NewNetworkError("down")
	_, err := chain.Recover(context.Background(), rec, RecoveryContext{})
	assert.Same(t, rec, errToRecord(t, err))

	// RecordSuccess on a nil chain is a no-op
	chain.RecordSuccess(context.Background(), "op", nil)
}

func TestCacheStrategySkipsNonRetryable(t *testing.T) {
	cache := &CacheStrategy{Store: NewMemoryCacheStore()}
	cache.RecordSuccess(context.Background(), "op-4", "cached")

	rec := apperrors.NewValidationError("bad request")
	assert.False(t, cache.CanRecover(rec))
}

func TestMemoryCacheStoreTTL(t *testing.T) {
	store := NewMemoryCacheStore()
	require.NoError(t, store.Set(context.Background(), "k", "v", 20*time.Millisecond))

	value, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v", value)

	time.Sleep(30 * time.Millisecond)
	_, ok, err = store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAlternativeServiceStrategyCategories(t *testing.T) {
	strategy := &AlternativeServiceStrategy{
		ServiceName: "secondary",
		Execute: func(ctx context.Context) (interface{}, error) {
			return "from-secondary", nil
		},
	}

	assert.True(t, strategy.CanRecover(apperrors.NewNetworkError("down")))
	assert.True(t, strategy.CanRecover(apperrors.NewDatabaseError("pool dead")))
	assert.False(t, strategy.CanRecover(apperrors.NewValidationError("bad")))

	result, err := strategy.Recover(context.Background(), apperrors.NewNetworkError("down"), RecoveryContext{})
	require.NoError(t, err)
	assert.Equal(t, "from-secondary", result)
}

func TestQueueStrategyParksAndDrains(t *testing.T) {
	queue := NewQueueStrategy(10)

	var parkedRuns int
	rec := apperrors.NewTemporaryUnavailableError("deploy-api")
	result, err := queue.Recover(context.Background(), rec, RecoveryContext{
		OperationID: "op-5",
		Component:   "deployer",
		Op: func(ctx context.Context) (interface{}, error) {
			parkedRuns++
			return nil, nil
		},
	})
	require.NoError(t, err)

	deferred, ok := result.(Deferred)
	require.True(t, ok)
	assert.Equal(t, "op-5", deferred.OperationID)
	assert.Equal(t, 1, queue.Depth())

	var enqueuedRuns int
	require.NoError(t, queue.Enqueue("op-6", "deployer", func(ctx context.Context) (interface{}, error) {
		enqueuedRuns++
		return nil, nil
	}))

	// both entry points park a closure, and drain replays both
	replayed, failed := queue.Drain(context.Background())
	assert.Equal(t, 2, replayed)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 1, parkedRuns)
	assert.Equal(t, 1, enqueuedRuns)
	assert.Equal(t, 0, queue.Depth())
}

func TestQueueStrategyRejectsMissingClosure(t *testing.T) {
	queue := NewQueueStrategy(10)

	rec := apperrors.NewNetworkError("down")
	_, err := queue.Recover(context.Background(), rec, RecoveryContext{OperationID: "op-x"})
	assert.Error(t, err)
	assert.Equal(t, 0, queue.Depth())

	assert.Error(t, queue.Enqueue("op-y", "deployer", nil))
}

func TestQueueStrategyBoundedCapacity(t *testing.T) {
	queue := NewQueueStrategy(2)
	rec := apperrors.NewNetworkError("down")
	op := func(ctx context.Context) (interface{}, error) { return nil, nil }

	for i := 0; i < 2; i++ {
		_, err := queue.Recover(context.Background(), rec, RecoveryContext{Op: op})
		require.NoError(t, err)
	}

	_, err := queue.Recover(context.Background(), rec, RecoveryContext{Op: op})
	assert.Error(t, err)
}

func TestQueueStrategyFailedReplayRequeues(t *testing.T) {
	queue := NewQueueStrategy(10)
	require.NoError(t, queue.Enqueue("op-7", "deployer", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("still down")
	}))

	replayed, failed := queue.Drain(context.Background())
	assert.Equal(t, 0, replayed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, queue.Depth())
}

func errToRecord(t *testing.T, err error) *apperrors.Record {
	t.Helper()
	var rec *apperrors.Record
	require.ErrorAs(t, err, &rec)
	return rec
}
