package resilience

import (
	"container/list"
	"context"
	"sync"
	"time"

	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// BulkheadConfig holds configuration for the bulkhead
type BulkheadConfig struct {
	// Name of the isolated resource
	Name string
	// MaxConcurrent is the maximum number of operations running at once
	MaxConcurrent int
	// QueueCapacity is the maximum number of operations allowed to wait
	QueueCapacity int
	// Timeout bounds both the wait for a slot and the execution itself
	Timeout time.Duration
	// Metrics receives engine instrumentation; nil disables it
	Metrics *metrics.Metrics
}

// DefaultBulkheadConfig returns a default bulkhead configuration
func DefaultBulkheadConfig(name string) BulkheadConfig {
	return BulkheadConfig{
		Name:          name,
		MaxConcurrent: 10,
		QueueCapacity: 10,
		Timeout:       30 * time.Second,
	}
}

// BulkheadStatus is a snapshot of bulkhead occupancy
type BulkheadStatus struct {
	Name             string `json:"name"`
	Active           int    `json:"active"`
	Queued           int    `json:"queued"`
	MaxConcurrent    int    `json:"max_concurrent"`
	QueueCapacity    int    `json:"queue_capacity"`
	Executed         int64  `json:"executed"`
	RejectedCapacity int64  `json:"rejected_capacity"`
	RejectedTimeout  int64  `json:"rejected_timeout"`
}

type bulkheadWaiter struct {
	grant chan struct{}
	elem  *list.Element
}

// Bulkhead bounds concurrent operations against a named resource, queueing
// overflow strictly FIFO up to a fixed capacity.
type Bulkhead struct {
	name          string
	maxConcurrent int
	queueCapacity int
	timeout       time.Duration
	sink          *metrics.Metrics

	mutex  sync.Mutex
	active int
	queue  *list.List

	executed         int64
	rejectedCapacity int64
	rejectedTimeout  int64

	logger *logging.Logger
}

// NewBulkhead creates a new bulkhead
func NewBulkhead(config BulkheadConfig) *Bulkhead {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 10
	}
	if config.QueueCapacity < 0 {
		config.QueueCapacity = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &Bulkhead{
		name:          config.Name,
		maxConcurrent: config.MaxConcurrent,
		queueCapacity: config.QueueCapacity,
		timeout:       config.Timeout,
		sink:          config.Metrics,
		queue:         list.New(),
		logger:        logging.GetLogger(),
	}
}

// Execute runs the operation inside the bulkhead. A call past queue capacity
// is rejected synchronously with BulkheadFullError; a queued call that does
// not get a slot in time, or a running call that does not finish in time,
// fails with BulkheadTimeoutError. A timed-out execution does not block slot
// reclamation: the slot is released once the operation eventually settles.
func (b *Bulkhead) Execute(ctx context.Context, op Operation) (interface{}, error) {
	if err := b.acquire(ctx); err != nil {
		return nil, err
	}
	return b.run(ctx, op)
}

func (b *Bulkhead) acquire(ctx context.Context) error {
	b.mutex.Lock()

	if b.active < b.maxConcurrent {
		b.active++
		b.publishOccupancyLocked()
		b.mutex.Unlock()
		return nil
	}

	if b.queue.Len() >= b.queueCapacity {
		b.rejectedCapacity++
		b.mutex.Unlock()
		b.sink.ObserveBulkheadRejection(b.name, "capacity")
		return &BulkheadFullError{Name: b.name}
	}

	w := &bulkheadWaiter{grant: make(chan struct{}, 1)}
	w.elem = b.queue.PushBack(w)
	b.publishOccupancyLocked()
	b.mutex.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case <-w.grant:
		return nil
	case <-timer.C:
		if b.abandonWait(w) {
			b.sink.ObserveBulkheadRejection(b.name, "timeout")
			return &BulkheadTimeoutError{Name: b.name, Timeout: b.timeout}
		}
		return nil
	case <-ctx.Done():
		if b.abandonWait(w) {
			return ctx.Err()
		}
		return nil
	}
}

// abandonWait removes the waiter from the queue. It returns false when the
// slot was granted concurrently, in which case the caller keeps the slot.
func (b *Bulkhead) abandonWait(w *bulkheadWaiter) bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	select {
	case <-w.grant:
		// Granted while timing out; keep the slot and proceed
		return false
	default:
		b.queue.Remove(w.elem)
		b.rejectedTimeout++
		b.publishOccupancyLocked()
		return true
	}
}

func (b *Bulkhead) run(ctx context.Context, op Operation) (interface{}, error) {
	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		result, err := op(ctx)
		b.release()
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case out := <-done:
		b.mutex.Lock()
		b.executed++
		b.mutex.Unlock()
		return out.result, out.err
	case <-timer.C:
		b.sink.ObserveBulkheadRejection(b.name, "timeout")
		return nil, &BulkheadTimeoutError{Name: b.name, Timeout: b.timeout}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release hands the slot to the oldest waiter, or frees it
func (b *Bulkhead) release() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if front := b.queue.Front(); front != nil {
		b.queue.Remove(front)
		w := front.Value.(*bulkheadWaiter)
		w.grant <- struct{}{}
	} else {
		b.active--
	}
	b.publishOccupancyLocked()
}

func (b *Bulkhead) publishOccupancyLocked() {
	b.sink.SetBulkheadOccupancy(b.name, b.active, b.queue.Len())
}

// Name returns the bulkhead name
func (b *Bulkhead) Name() string {
	return b.name
}

// Status returns a snapshot of current occupancy and counters
func (b *Bulkhead) Status() BulkheadStatus {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	return BulkheadStatus{
		Name:             b.name,
		Active:           b.active,
		Queued:           b.queue.Len(),
		MaxConcurrent:    b.maxConcurrent,
		QueueCapacity:    b.queueCapacity,
		Executed:         b.executed,
		RejectedCapacity: b.rejectedCapacity,
		RejectedTimeout:  b.rejectedTimeout,
	}
}
