package resilience

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pipeshield/pipeshield/pkg/alerting"
	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/logging"
)

// RecoveryContext carries operation identity into recovery strategies. Op is
// the failed operation itself, for strategies that park it and replay later.
type RecoveryContext struct {
	OperationID string
	Component   string
	Attempts    int
	Op          Operation
}

// Strategy attempts to produce a substitute result for a failed operation
type Strategy interface {
	Name() string
	CanRecover(rec *apperrors.Record) bool
	Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error)
}

// successRecorder is implemented by strategies that want to observe
// successful results, e.g. to refresh a last-known-good cache
type successRecorder interface {
	RecordSuccess(ctx context.Context, operationID string, value interface{})
}

// Chain runs strategies in order and stops at the first one that resolves.
// If no strategy resolves, the original classified error is returned.
type Chain struct {
	strategies []Strategy
	logger     *logging.Logger
}

// NewChain creates a recovery chain from ordered strategies
func NewChain(strategies ...Strategy) *Chain {
	return &Chain{
		strategies: strategies,
		logger:     logging.GetLogger(),
	}
}

// Recover walks the chain. A strategy error moves on to the next strategy;
// resolution short-circuits the rest.
func (c *Chain) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	if c == nil || rec == nil {
		return nil, rec
	}

	for _, strategy := range c.strategies {
		if !strategy.CanRecover(rec) {
			continue
		}

		result, err := strategy.Recover(ctx, rec, rctx)
		if err != nil {
			c.logger.Debug("Recovery strategy failed",
				"strategy", strategy.Name(),
				"operation_id", rctx.OperationID,
				"error", err.Error(),
			)
			continue
		}

		c.logger.Info("Operation recovered",
			"strategy", strategy.Name(),
			"operation_id", rctx.OperationID,
			"error_kind", rec.Kind,
		)
		return result, nil
	}

	return nil, rec
}

// RecordSuccess forwards a successful result to strategies that track them
func (c *Chain) RecordSuccess(ctx context.Context, operationID string, value interface{}) {
	if c == nil {
		return
	}
	for _, strategy := range c.strategies {
		if recorder, ok := strategy.(successRecorder); ok {
			recorder.RecordSuccess(ctx, operationID, value)
		}
	}
}

// FallbackStrategy resolves any failure with a static value or a
// caller-supplied fallback function
type FallbackStrategy struct {
	Value interface{}
	Fn    Operation
}

func (s *FallbackStrategy) Name() string { return "fallback" }

func (s *FallbackStrategy) CanRecover(rec *apperrors.Record) bool {
	return s.Value != nil || s.Fn != nil
}

func (s *FallbackStrategy) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	if s.Fn != nil {
		return s.Fn(ctx)
	}
	return s.Value, nil
}

// CacheStore persists last-known-good results keyed by operation ID
type CacheStore interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// MemoryCacheStore is an in-process CacheStore with per-entry expiry
type MemoryCacheStore struct {
	mutex   sync.RWMutex
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// NewMemoryCacheStore creates an empty in-memory cache store
func NewMemoryCacheStore() *MemoryCacheStore {
	return &MemoryCacheStore{entries: make(map[string]memoryCacheEntry)}
}

func (s *MemoryCacheStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	s.mutex.RLock()
	entry, ok := s.entries[key]
	s.mutex.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		s.mutex.Lock()
		delete(s.entries, key)
		s.mutex.Unlock()
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (s *MemoryCacheStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}

	s.mutex.Lock()
	s.entries[key] = memoryCacheEntry{value: value, expiresAt: expiresAt}
	s.mutex.Unlock()
	return nil
}

// RedisCacheStore keeps last-known-good results in Redis as JSON so they
// survive process restarts
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore creates a Redis-backed cache store
func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = "recovery:cache"
	}
	return &RedisCacheStore{client: client, prefix: prefix}
}

func (s *RedisCacheStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisCacheStore) Get(ctx context.Context, key string) (interface{}, bool, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cached result: %w", err)
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return value, true, nil
}

func (s *RedisCacheStore) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to cache result: %w", err)
	}
	return nil
}

// CacheStrategy serves the last-known-good result for transient failures
type CacheStrategy struct {
	Store CacheStore
	TTL   time.Duration

	logger *logging.Logger
	once   sync.Once
}

func (s *CacheStrategy) Name() string { return "cache" }

func (s *CacheStrategy) CanRecover(rec *apperrors.Record) bool {
	return s.Store != nil && rec.Retryable
}

func (s *CacheStrategy) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	value, ok, err := s.Store.Get(ctx, rctx.OperationID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no cached result for operation %s", rctx.OperationID)
	}
	return value, nil
}

// RecordSuccess refreshes the cached result after a successful execution
func (s *CacheStrategy) RecordSuccess(ctx context.Context, operationID string, value interface{}) {
	if s.Store == nil || operationID == "" {
		return
	}
	s.once.Do(func() { s.logger = logging.GetLogger() })

	if err := s.Store.Set(ctx, operationID, value, s.TTL); err != nil {
		s.logger.Warn("Failed to cache successful result",
			"operation_id", operationID,
			"error", err.Error(),
		)
	}
}

// AlternativeServiceStrategy routes the operation to a secondary backend
// when the primary looks unavailable
type AlternativeServiceStrategy struct {
	ServiceName string
	Execute     Operation
}

func (s *AlternativeServiceStrategy) Name() string { return "alternative_service" }

func (s *AlternativeServiceStrategy) CanRecover(rec *apperrors.Record) bool {
	if s.Execute == nil {
		return false
	}
	switch rec.Category {
	case apperrors.CategoryExternalService, apperrors.CategoryInfrastructure:
		return true
	}
	return false
}

func (s *AlternativeServiceStrategy) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	return s.Execute(ctx)
}

// Deferred is the substitute result returned when an operation has been
// parked for later replay
type Deferred struct {
	OperationID string    `json:"operation_id"`
	QueuedAt    time.Time `json:"queued_at"`
}

// QueuedOperation is a parked operation awaiting replay
type QueuedOperation struct {
	OperationID string
	Component   string
	QueuedAt    time.Time
	Op          Operation
}

// QueueStrategy parks failed retryable operations in a bounded queue for
// later replay. Recovery resolves with a Deferred marker.
type QueueStrategy struct {
	Capacity int

	mutex sync.Mutex
	queue []QueuedOperation
}

// NewQueueStrategy creates a queue strategy with the given capacity
func NewQueueStrategy(capacity int) *QueueStrategy {
	if capacity <= 0 {
		capacity = 100
	}
	return &QueueStrategy{Capacity: capacity}
}

func (s *QueueStrategy) Name() string { return "queue" }

func (s *QueueStrategy) CanRecover(rec *apperrors.Record) bool {
	return rec.Retryable
}

func (s *QueueStrategy) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	if rctx.Op == nil {
		// Nothing to replay; a Deferred without a parked operation would be
		// a promise Drain cannot keep
		return nil, fmt.Errorf("operation %s carries no replayable closure", rctx.OperationID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) >= s.Capacity {
		return nil, fmt.Errorf("replay queue full (%d operations)", s.Capacity)
	}

	queued := QueuedOperation{
		OperationID: rctx.OperationID,
		Component:   rctx.Component,
		QueuedAt:    time.Now(),
		Op:          rctx.Op,
	}
	s.queue = append(s.queue, queued)

	return Deferred{OperationID: rctx.OperationID, QueuedAt: queued.QueuedAt}, nil
}

// Enqueue parks an operation with its closure so Drain can replay it
func (s *QueueStrategy) Enqueue(operationID, component string, op Operation) error {
	if op == nil {
		return fmt.Errorf("operation %s carries no replayable closure", operationID)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.queue) >= s.Capacity {
		return fmt.Errorf("replay queue full (%d operations)", s.Capacity)
	}
	s.queue = append(s.queue, QueuedOperation{
		OperationID: operationID,
		Component:   component,
		QueuedAt:    time.Now(),
		Op:          op,
	})
	return nil
}

// Depth returns the number of parked operations
func (s *QueueStrategy) Depth() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.queue)
}

// Drain replays parked operations in FIFO order. A failed replay is
// re-parked at the back unless the queue has refilled.
func (s *QueueStrategy) Drain(ctx context.Context) (replayed, failed int) {
	s.mutex.Lock()
	pending := s.queue
	s.queue = nil
	s.mutex.Unlock()

	for _, queued := range pending {
		if ctx.Err() != nil {
			s.requeue(queued)
			continue
		}
		if _, err := queued.Op(ctx); err != nil {
			failed++
			s.requeue(queued)
			continue
		}
		replayed++
	}
	return replayed, failed
}

func (s *QueueStrategy) requeue(queued QueuedOperation) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if len(s.queue) < s.Capacity {
		s.queue = append(s.queue, queued)
	}
}

// NotificationStrategy raises an alert for failures nothing else could
// recover. It never resolves; the original error continues to propagate.
type NotificationStrategy struct {
	Alerts *alerting.Manager
}

func (s *NotificationStrategy) Name() string { return "notification" }

func (s *NotificationStrategy) CanRecover(rec *apperrors.Record) bool {
	return s.Alerts != nil
}

func (s *NotificationStrategy) Recover(ctx context.Context, rec *apperrors.Record, rctx RecoveryContext) (interface{}, error) {
	s.Alerts.SendAlert(ctx, rec, alerting.Context{
		Source:      rctx.Component,
		OperationID: rctx.OperationID,
		Metadata:    map[string]string{"attempts": fmt.Sprintf("%d", rctx.Attempts)},
	})
	return nil, rec
}
