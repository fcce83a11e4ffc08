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

type fakeConn struct {
	id     int32
	closed atomic.Bool
	stale  atomic.Bool
}

type connPoolCounters struct {
	created   atomic.Int32
	destroyed atomic.Int32
}

func newConnPool(t *testing.T, config PoolConfig[*fakeConn]) (*Pool[*fakeConn], *connPoolCounters) {
	t.Helper()
	counters := &connPoolCounters{}

	config.Name = "conns"
	config.Factory = func(ctx context.Context) (*fakeConn, error) {
		return &fakeConn{id: counters.created.Add(1)}, nil
	}
	config.Validator = func(c *fakeConn) bool { return !c.stale.Load() }
	config.Destroyer = func(c *fakeConn) {
		c.closed.Store(true)
		counters.destroyed.Add(1)
	}

	pool, err := NewPool(config)
	require.NoError(t, err)
	return pool, counters
}

func TestPoolRequiresFactory(t *testing.T) {
	_, err := NewPool(PoolConfig[int]{Name: "broken"})
	assert.Error(t, err)
}

func TestPoolWarmUp(t *testing.T) {
	pool, counters := newConnPool(t, PoolConfig[*fakeConn]{MinSize: 3, MaxSize: 5})

	assert.Equal(t, int32(3), counters.created.Load())
	assert.Equal(t, 3, pool.Status().Available)
}

func TestPoolWarmUpFactoryFailureIsBestEffort(t *testing.T) {
	var calls atomic.Int32
	pool, err := NewPool(PoolConfig[int]{
		Name:    "flaky",
		MinSize: 3,
		MaxSize: 5,
		Factory: func(ctx context.Context) (int, error) {
			if calls.Add(1) == 2 {
				return 0, errors.New("transient")
			}
			return int(calls.Load()), nil
		},
	})

	require.NoError(t, err)
	assert.Equal(t, 2, pool.Status().Available)
}

func TestPoolAcquireReleaseCycle(t *testing.T) {
	pool, counters := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 2})

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Status().InUse)

	pool.Release(handle)
	assert.Equal(t, 0, pool.Status().InUse)
	assert.Equal(t, 1, pool.Status().Available)

	// the released resource is reused, not recreated
	again, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, handle.Value.id, again.Value.id)
	assert.Equal(t, int32(1), counters.created.Load())
}

func TestPoolNeverExceedsMaxSize(t *testing.T) {
	pool, counters := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 3, AcquireTimeout: 30 * time.Millisecond})

	var handles []*Resource[*fakeConn]
	for i := 0; i < 3; i++ {
		handle, err := pool.Acquire(context.Background())
		require.NoError(t, err)
		handles = append(handles, handle)
	}

	_, err := pool.Acquire(context.Background())
	var timeout *PoolTimeoutError
	require.ErrorAs(t, err, &timeout)
	assert.Equal(t, int32(3), counters.created.Load())

	for _, handle := range handles {
		pool.Release(handle)
	}
}

func TestPoolNoSharedHandles(t *testing.T) {
	pool, _ := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 4})

	var mu sync.Mutex
	held := make(map[int32]int)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}

			mu.Lock()
			held[handle.Value.id]++
			assert.Equal(t, 1, held[handle.Value.id], "resource %d held twice", handle.Value.id)
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			held[handle.Value.id]--
			mu.Unlock()
			pool.Release(handle)
		}()
	}
	wg.Wait()
}

func TestPoolWaitersServedFIFO(t *testing.T) {
	pool, _ := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 1, AcquireTimeout: time.Second})

	first, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	for i := 1; i <= 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			handle, err := pool.Acquire(context.Background())
			if err != nil {
				return
			}
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
			pool.Release(handle)
		}(i)
		assert.Eventually(t, func() bool { return pool.Status().Waiting == i }, time.Second, time.Millisecond)
	}

	pool.Release(first)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPoolReleaseTimeoutRaceDoesNotStrandResources(t *testing.T) {
	pool, _ := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 1, AcquireTimeout: time.Millisecond})

	for i := 0; i < 200; i++ {
		held, err := pool.Acquire(context.Background())
		require.NoError(t, err)

		done := make(chan struct{})
		go func() {
			defer close(done)
			if handle, err := pool.Acquire(context.Background()); err == nil {
				pool.Release(handle)
			}
		}()

		// Land the release near the waiter's deadline so the grant and the
		// timeout race; whichever wins, the handle must stay accounted for.
		time.Sleep(time.Millisecond)
		pool.Release(held)
		<-done

		require.Equal(t, 0, pool.Status().InUse, "iteration %d stranded a handle", i)
	}
}

func TestPoolValidatorReplacesStaleResources(t *testing.T) {
	pool, counters := newConnPool(t, PoolConfig[*fakeConn]{MinSize: 1, MaxSize: 2})

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	handle.Value.stale.Store(true)
	pool.Release(handle)

	fresh, err := pool.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, handle.Value.id, fresh.Value.id)
	assert.Equal(t, int32(1), counters.destroyed.Load())
	assert.True(t, handle.Value.closed.Load())
}

func TestPoolDoubleReleaseIgnored(t *testing.T) {
	pool, _ := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 2})

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Release(handle)
	pool.Release(handle)
	assert.Equal(t, 1, pool.Status().Available)
}

func TestPoolShutdownDestroysEverything(t *testing.T) {
	pool, counters := newConnPool(t, PoolConfig[*fakeConn]{MinSize: 2, MaxSize: 4})

	held, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	pool.Shutdown()

	// both idle resources and the one still checked out are destroyed
	assert.True(t, held.Value.closed.Load())
	assert.Equal(t, counters.created.Load(), counters.destroyed.Load())

	_, err = pool.Acquire(context.Background())
	var closed *PoolClosedError
	assert.ErrorAs(t, err, &closed)

	// releasing after shutdown is a safe no-op
	pool.Release(held)

	// shutdown is idempotent
	pool.Shutdown()
}

func TestPoolShutdownRejectsWaiters(t *testing.T) {
	pool, _ := newConnPool(t, PoolConfig[*fakeConn]{MaxSize: 1, AcquireTimeout: time.Second})

	handle, err := pool.Acquire(context.Background())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := pool.Acquire(context.Background())
		errCh <- err
	}()
	assert.Eventually(t, func() bool { return pool.Status().Waiting == 1 }, time.Second, time.Millisecond)

	pool.Shutdown()

	var closed *PoolClosedError
	assert.ErrorAs(t, <-errCh, &closed)
	assert.True(t, handle.Value.closed.Load())
}
