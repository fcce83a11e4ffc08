package resilience

import (
	"context"
	"errors"

	"github.com/pipeshield/pipeshield/pkg/alerting"
	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/logging"
)

// ProtectedOperationConfig assembles the full protection layering for one
// operation. Any nil layer is skipped.
type ProtectedOperationConfig struct {
	Name      string
	Component string

	RateLimiter *RateLimiter
	Bulkhead    *Bulkhead
	Breaker     *CircuitBreaker
	Retrier     *Retrier

	Recovery *Chain
	Alerts   *alerting.Manager
	// Tracker records classified failures for status reporting
	Tracker *apperrors.Tracker
}

// ProtectedOperation runs work through the full resilience layering:
// rate limiter, bulkhead, then the retry loop consulting the circuit
// breaker before each attempt. Failures that survive all of that go through
// the recovery chain, and unrecovered failures raise an alert before
// propagating.
type ProtectedOperation struct {
	config ProtectedOperationConfig
	logger *logging.Logger
}

// NewProtectedOperation composes the configured layers
func NewProtectedOperation(config ProtectedOperationConfig) *ProtectedOperation {
	if config.Name == "" {
		config.Name = "operation"
	}
	return &ProtectedOperation{
		config: config,
		logger: logging.GetLogger(),
	}
}

// Execute runs the operation through every configured layer
func (p *ProtectedOperation) Execute(ctx context.Context, op Operation) (interface{}, error) {
	guarded := p.wrap(op)

	result, err := guarded(ctx)
	if err == nil {
		p.config.Recovery.RecordSuccess(ctx, p.config.Name, result)
		return result, nil
	}

	rec := p.classify(err)
	if p.config.Tracker != nil {
		p.config.Tracker.Track(rec)
	}
	rctx := RecoveryContext{
		OperationID: p.config.Name,
		Component:   p.config.Component,
		Attempts:    attemptsFrom(err),
		Op:          op,
	}

	if p.config.Recovery != nil {
		if recovered, rerr := p.config.Recovery.Recover(ctx, rec, rctx); rerr == nil {
			return recovered, nil
		}
	}

	if p.config.Alerts != nil {
		p.config.Alerts.SendAlert(ctx, rec, alerting.Context{
			Source:      p.config.Component,
			OperationID: p.config.Name,
		})
	}

	return nil, rec
}

// wrap builds the layered operation inner-to-outer: breaker closest to the
// work, then retry around the breaker, bulkhead around the retry loop, and
// the rate limiter outermost
func (p *ProtectedOperation) wrap(op Operation) Operation {
	guarded := op

	if cb := p.config.Breaker; cb != nil {
		inner := guarded
		guarded = func(ctx context.Context) (interface{}, error) {
			return cb.Execute(ctx, inner, nil)
		}
	}

	if r := p.config.Retrier; r != nil {
		inner := guarded
		guarded = func(ctx context.Context) (interface{}, error) {
			return r.ExecuteWithResult(ctx, inner)
		}
	}

	if b := p.config.Bulkhead; b != nil {
		inner := guarded
		guarded = func(ctx context.Context) (interface{}, error) {
			return b.Execute(ctx, inner)
		}
	}

	if rl := p.config.RateLimiter; rl != nil {
		inner := guarded
		guarded = func(ctx context.Context) (interface{}, error) {
			return rl.Execute(ctx, inner)
		}
	}

	return guarded
}

// classify normalizes layer errors into classified records. Engine
// rejections keep their kind so recovery strategies see accurate categories.
func (p *ProtectedOperation) classify(err error) *apperrors.Record {
	var rec *apperrors.Record

	var exhausted *RetryExhaustedError
	var rateLimited *RateLimitError
	var breakerOpen *CircuitBreakerError

	switch {
	case errors.As(err, &rateLimited):
		rec = apperrors.NewRateLimitError(err.Error(), rateLimited.RetryAfter)
	case errors.As(err, &breakerOpen):
		// Also matches exhaustion wrappers whose last failure was a
		// breaker rejection
		rec = apperrors.NewTemporaryUnavailableError(breakerOpen.Name).WithCause(err)
	case errors.As(err, &exhausted) && exhausted.Last != nil:
		rec = exhausted.Last
	default:
		rec = apperrors.Classify(err)
	}

	if rec.Component == "" && p.config.Component != "" {
		rec = rec.WithComponent(p.config.Component)
	}
	return rec
}

func attemptsFrom(err error) int {
	var exhausted *RetryExhaustedError
	if errors.As(err, &exhausted) {
		return exhausted.Attempts
	}
	return 1
}
