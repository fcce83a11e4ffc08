package resilience

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// PoolConfig holds configuration for a resource pool
type PoolConfig[T any] struct {
	// Name of the pool
	Name string
	// MinSize is the number of resources created up front, best effort
	MinSize int
	// MaxSize is the hard cap on live resources
	MaxSize int
	// AcquireTimeout bounds how long an acquire waits at capacity
	AcquireTimeout time.Duration
	// Factory creates a new resource
	Factory func(ctx context.Context) (T, error)
	// Validator reports whether an idle resource is still usable; nil
	// accepts everything
	Validator func(T) bool
	// Destroyer tears a resource down; nil is a no-op
	Destroyer func(T)
	// Metrics receives engine instrumentation; nil disables it
	Metrics *metrics.Metrics
}

// Resource is a live handle to a pooled value. It must be returned via
// Pool.Release exactly once.
type Resource[T any] struct {
	Value T
}

// PoolStatus is a snapshot of pool occupancy
type PoolStatus struct {
	Name      string `json:"name"`
	Available int    `json:"available"`
	InUse     int    `json:"in_use"`
	Waiting   int    `json:"waiting"`
	MinSize   int    `json:"min_size"`
	MaxSize   int    `json:"max_size"`
	Closed    bool   `json:"closed"`
}

type poolWaiter[T any] struct {
	grant chan *Resource[T]
	elem  *list.Element
}

// Pool manages the acquire/release lifecycle of expensive resources. Idle
// resources are validated on acquire and replaced when stale; waiters at
// capacity are served strictly FIFO.
type Pool[T any] struct {
	name           string
	minSize        int
	maxSize        int
	acquireTimeout time.Duration
	factory        func(ctx context.Context) (T, error)
	validator      func(T) bool
	destroyer      func(T)
	sink           *metrics.Metrics

	mutex     sync.Mutex
	available []T
	inUse     map[*Resource[T]]struct{}
	waiters   *list.List
	creating  int
	closed    bool

	logger *logging.Logger
}

// NewPool creates a pool and pre-warms MinSize resources. Factory failures
// during warm-up are logged and skipped; they do not abort initialization.
func NewPool[T any](config PoolConfig[T]) (*Pool[T], error) {
	if config.Factory == nil {
		return nil, fmt.Errorf("pool '%s': factory is required", config.Name)
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 10
	}
	if config.MinSize < 0 {
		config.MinSize = 0
	}
	if config.MinSize > config.MaxSize {
		config.MinSize = config.MaxSize
	}
	if config.AcquireTimeout <= 0 {
		config.AcquireTimeout = 30 * time.Second
	}

	p := &Pool[T]{
		name:           config.Name,
		minSize:        config.MinSize,
		maxSize:        config.MaxSize,
		acquireTimeout: config.AcquireTimeout,
		factory:        config.Factory,
		validator:      config.Validator,
		destroyer:      config.Destroyer,
		sink:           config.Metrics,
		available:      make([]T, 0, config.MaxSize),
		inUse:          make(map[*Resource[T]]struct{}),
		waiters:        list.New(),
		logger:         logging.GetLogger(),
	}

	for i := 0; i < p.minSize; i++ {
		res, err := p.factory(context.Background())
		if err != nil {
			p.logger.Warn("Pool warm-up factory failure",
				"pool", p.name,
				"error", err.Error(),
			)
			continue
		}
		p.available = append(p.available, res)
	}
	p.publishOccupancy()

	return p, nil
}

// Acquire returns a validated resource, creating one if the pool has room,
// or waiting FIFO up to the acquire timeout otherwise.
func (p *Pool[T]) Acquire(ctx context.Context) (*Resource[T], error) {
	p.mutex.Lock()

	if p.closed {
		p.mutex.Unlock()
		return nil, &PoolClosedError{Name: p.name}
	}

	// Reuse an idle resource, destroying any that fail validation
	for len(p.available) > 0 {
		last := len(p.available) - 1
		value := p.available[last]
		p.available = p.available[:last]

		if p.validator != nil && !p.validator(value) {
			p.destroy(value)
			continue
		}

		handle := &Resource[T]{Value: value}
		p.inUse[handle] = struct{}{}
		p.publishOccupancyLocked()
		p.mutex.Unlock()
		return handle, nil
	}

	// Grow while under the cap. The creating count keeps concurrent growth
	// from overshooting MaxSize during the transient factory call.
	if len(p.inUse)+p.creating < p.maxSize {
		p.creating++
		p.mutex.Unlock()

		value, err := p.factory(ctx)

		p.mutex.Lock()
		p.creating--
		if err != nil {
			p.mutex.Unlock()
			return nil, err
		}
		if p.closed {
			p.mutex.Unlock()
			p.destroy(value)
			return nil, &PoolClosedError{Name: p.name}
		}
		handle := &Resource[T]{Value: value}
		p.inUse[handle] = struct{}{}
		p.publishOccupancyLocked()
		p.mutex.Unlock()
		return handle, nil
	}

	// At capacity: wait FIFO
	w := &poolWaiter[T]{grant: make(chan *Resource[T], 1)}
	w.elem = p.waiters.PushBack(w)
	p.mutex.Unlock()

	timer := time.NewTimer(p.acquireTimeout)
	defer timer.Stop()

	select {
	case handle, ok := <-w.grant:
		if !ok {
			return nil, &PoolClosedError{Name: p.name}
		}
		return handle, nil
	case <-timer.C:
		if handle := p.abandonWait(w); handle != nil {
			// Granted concurrently with the timeout; keep it
			return handle, nil
		}
		p.sink.ObservePoolTimeout(p.name)
		return nil, &PoolTimeoutError{Name: p.name, Timeout: p.acquireTimeout}
	case <-ctx.Done():
		if handle := p.abandonWait(w); handle != nil {
			return handle, nil
		}
		return nil, ctx.Err()
	}
}

// abandonWait removes the waiter, returning a handle if one was granted in
// the race with the timeout.
func (p *Pool[T]) abandonWait(w *poolWaiter[T]) *Resource[T] {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	select {
	case handle, ok := <-w.grant:
		if ok {
			return handle
		}
		return nil
	default:
		p.waiters.Remove(w.elem)
		return nil
	}
}

// Release returns a resource to the pool and serves the oldest waiter, if
// any. Releasing into a closed pool destroys the resource.
func (p *Pool[T]) Release(handle *Resource[T]) {
	if handle == nil {
		return
	}

	p.mutex.Lock()

	if _, ok := p.inUse[handle]; !ok {
		// Unknown or already-released handle
		p.mutex.Unlock()
		return
	}
	delete(p.inUse, handle)

	if p.closed {
		p.mutex.Unlock()
		p.destroy(handle.Value)
		return
	}

	if front := p.waiters.Front(); front != nil {
		p.waiters.Remove(front)
		w := front.Value.(*poolWaiter[T])
		next := &Resource[T]{Value: handle.Value}
		p.inUse[next] = struct{}{}
		p.publishOccupancyLocked()
		// Send under the mutex so a waiter abandoning its wait either sees
		// the grant or removes itself before one can happen; the channel is
		// buffered, so this never blocks.
		w.grant <- next
		p.mutex.Unlock()
		return
	}

	p.available = append(p.available, handle.Value)
	p.publishOccupancyLocked()
	p.mutex.Unlock()
}

// Status returns a snapshot of pool occupancy
func (p *Pool[T]) Status() PoolStatus {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	return PoolStatus{
		Name:      p.name,
		Available: len(p.available),
		InUse:     len(p.inUse),
		Waiting:   p.waiters.Len(),
		MinSize:   p.minSize,
		MaxSize:   p.maxSize,
		Closed:    p.closed,
	}
}

// Shutdown destroys all resources, available and in use, and rejects
// outstanding waiters.
func (p *Pool[T]) Shutdown() {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return
	}
	p.closed = true

	available := p.available
	p.available = nil

	handles := make([]*Resource[T], 0, len(p.inUse))
	for handle := range p.inUse {
		handles = append(handles, handle)
	}
	p.inUse = make(map[*Resource[T]]struct{})

	for e := p.waiters.Front(); e != nil; e = e.Next() {
		close(e.Value.(*poolWaiter[T]).grant)
	}
	p.waiters.Init()
	p.publishOccupancyLocked()
	p.mutex.Unlock()

	for _, value := range available {
		p.destroy(value)
	}
	for _, handle := range handles {
		p.destroy(handle.Value)
	}

	p.logger.Info("Resource pool shut down",
		"pool", p.name,
		"destroyed", len(available)+len(handles),
	)
}

func (p *Pool[T]) destroy(value T) {
	if p.destroyer != nil {
		p.destroyer(value)
	}
}

func (p *Pool[T]) publishOccupancy() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.publishOccupancyLocked()
}

func (p *Pool[T]) publishOccupancyLocked() {
	p.sink.SetPoolOccupancy(p.name, len(p.inUse), len(p.available))
}
