// Package resilience provides circuit breaking, retry with backoff, bulkhead
// isolation, rate limiting, resource pooling, and recovery strategies for
// operations against unreliable dependencies.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker tracks consecutive failures per named dependency and
// stops calling it once a threshold is reached. After a recovery window a
// single probe is allowed through; its outcome closes or reopens the circuit.
//
//	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
//		Name:             "deploy-api",
//		FailureThreshold: 5,
//		RecoveryTimeout:  30 * time.Second,
//	})
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return deployAPI.Call(ctx, req)
//	}, nil)
//
// # Retry with Exponential Backoff
//
// Failed operations are classified first: only retryable failures are
// retried, with exponential backoff, jitter, and retry-after hints from
// rate-limited upstreams honored over the computed delay.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig())
//	err := retrier.Execute(ctx, func(ctx context.Context) error {
//		return riskyOperation(ctx)
//	})
//
// # Bulkhead Isolation
//
// A bulkhead bounds how many operations run against a resource at once,
// queueing overflow strictly FIFO up to a fixed capacity and rejecting the
// rest synchronously.
//
//	b := resilience.NewBulkhead(resilience.DefaultBulkheadConfig("scanner"))
//	result, err := b.Execute(ctx, scanOp)
//
// # Rate Limiting
//
// The rate limiter admits a bounded number of calls inside any trailing
// window and reports how long a rejected caller should wait.
//
// # Resource Pooling
//
// Pool manages acquire/release lifecycles for expensive resources such as
// connections, validating idle entries on acquire and serving waiters FIFO.
//
//	pool, err := resilience.NewPool(resilience.PoolConfig[*Conn]{
//		Name:    "db-conns",
//		MinSize: 2,
//		MaxSize: 10,
//		Factory: dialConn,
//	})
//
// # Recovery Strategies
//
// A Chain tries fallback values, cached last-known-good results, alternative
// services, and deferred replay, in order, before letting a failure
// propagate to alerting.
//
// # Combined Usage
//
// ProtectedOperation layers everything for one logical operation: rate
// limiter outermost, then bulkhead, then the retry loop consulting the
// circuit breaker on every attempt, with recovery and alerting applied to
// whatever survives.
//
//	op := resilience.NewProtectedOperation(resilience.ProtectedOperationConfig{
//		Name:     "trigger-deploy",
//		Breaker:  manager.GetCircuitBreaker("deploy-api", nil),
//		Retrier:  manager.GetRetrier("trigger-deploy", nil),
//		Recovery: resilience.NewChain(&resilience.FallbackStrategy{Value: cached}),
//	})
//	result, err := op.Execute(ctx, deployOp)
//
// All types are safe for concurrent use.
package resilience
