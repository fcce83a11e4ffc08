package resilience

import (
	"fmt"
	"sync"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/health"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// poolHandle is the type-erased surface shared by all resource pools so the
// manager can report and shut them down without knowing T
type poolHandle interface {
	Status() PoolStatus
	Shutdown()
}

// SystemStatus aggregates the state of every registered component
type SystemStatus struct {
	CircuitBreakers map[string]CircuitBreakerStatus `json:"circuit_breakers"`
	Bulkheads       map[string]BulkheadStatus       `json:"bulkheads"`
	RateLimiters    map[string]RateLimiterStatus     `json:"rate_limiters"`
	Pools           map[string]PoolStatus            `json:"pools"`
	Retriers        map[string]RetryMetrics          `json:"retriers"`
	Health          map[string]health.StatusSnapshot `json:"health"`
	Errors          apperrors.TrackerSnapshot        `json:"errors"`
}

// Manager is the central registry for resilience components. Lookups are
// get-or-create: the first caller's config wins and later callers share the
// same instance.
type Manager struct {
	mutex sync.Mutex

	breakers  map[string]*CircuitBreaker
	bulkheads map[string]*Bulkhead
	limiters  map[string]*RateLimiter
	retriers  map[string]*Retrier
	pools     map[string]poolHandle
	checkers  map[string]*health.Checker

	tracker *apperrors.Tracker
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewManager creates an empty component registry. The metrics sink may be
// nil; it is injected into every component the manager creates.
func NewManager(sink *metrics.Metrics) *Manager {
	return &Manager{
		breakers:  make(map[string]*CircuitBreaker),
		bulkheads: make(map[string]*Bulkhead),
		limiters:  make(map[string]*RateLimiter),
		retriers:  make(map[string]*Retrier),
		pools:     make(map[string]poolHandle),
		checkers:  make(map[string]*health.Checker),
		tracker:   apperrors.NewTracker(500),
		metrics:   sink,
		logger:    logging.GetLogger(),
	}
}

// Errors returns the shared failure tracker
func (m *Manager) Errors() *apperrors.Tracker {
	return m.tracker
}

// GetCircuitBreaker returns the breaker registered under name, creating it
// from config on first use. A nil config yields defaults.
func (m *Manager) GetCircuitBreaker(name string, config *CircuitBreakerConfig) *CircuitBreaker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	cfg := CircuitBreakerConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.Name = name
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	cb := NewCircuitBreaker(cfg)
	m.breakers[name] = cb
	return cb
}

// GetBulkhead returns the bulkhead registered under name, creating it on
// first use
func (m *Manager) GetBulkhead(name string, config *BulkheadConfig) *Bulkhead {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if b, ok := m.bulkheads[name]; ok {
		return b
	}

	cfg := BulkheadConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.Name = name
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	b := NewBulkhead(cfg)
	m.bulkheads[name] = b
	return b
}

// GetRateLimiter returns the rate limiter registered under name, creating it
// on first use
func (m *Manager) GetRateLimiter(name string, config *RateLimiterConfig) *RateLimiter {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if rl, ok := m.limiters[name]; ok {
		return rl
	}

	cfg := RateLimiterConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.Name = name
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	rl := NewRateLimiter(cfg)
	m.limiters[name] = rl
	return rl
}

// GetRetrier returns the retrier registered under name, creating it on
// first use
func (m *Manager) GetRetrier(name string, config *RetryConfig) *Retrier {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if r, ok := m.retriers[name]; ok {
		return r
	}

	cfg := DefaultRetryConfig()
	if config != nil {
		cfg = *config
	}
	if cfg.OperationID == "" {
		cfg.OperationID = name
	}
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	r := NewRetrier(cfg)
	m.retriers[name] = r
	return r
}

// GetHealthChecker returns the checker registered under name, creating and
// starting it on first use
func (m *Manager) GetHealthChecker(name string, config *health.CheckerConfig) *health.Checker {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if c, ok := m.checkers[name]; ok {
		return c
	}

	cfg := health.CheckerConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.Name = name
	if cfg.Metrics == nil {
		cfg.Metrics = m.metrics
	}

	c := health.NewChecker(cfg)
	if cfg.Probe != nil {
		c.Start()
	}
	m.checkers[name] = c
	return c
}

// GetPool returns the resource pool registered under name, creating it from
// config on first use. Generic methods are not permitted, so this is a
// package-level function over the manager. Requesting an existing pool with
// a mismatched type parameter is an error.
func GetPool[T any](m *Manager, name string, config PoolConfig[T]) (*Pool[T], error) {
	m.mutex.Lock()
	if existing, ok := m.pools[name]; ok {
		m.mutex.Unlock()
		return assertPoolType[T](name, existing)
	}
	m.mutex.Unlock()

	config.Name = name
	if config.Metrics == nil {
		config.Metrics = m.metrics
	}

	// Warm-up runs arbitrary factory calls, so construct outside the
	// registry lock and recheck; the loser of a racing create is torn down
	pool, err := NewPool(config)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	if existing, ok := m.pools[name]; ok {
		m.mutex.Unlock()
		pool.Shutdown()
		return assertPoolType[T](name, existing)
	}
	m.pools[name] = pool
	m.mutex.Unlock()
	return pool, nil
}

func assertPoolType[T any](name string, handle poolHandle) (*Pool[T], error) {
	pool, ok := handle.(*Pool[T])
	if !ok {
		return nil, fmt.Errorf("pool %q already registered with a different resource type", name)
	}
	return pool, nil
}

// GetSystemStatus reports the state of every registered component
func (m *Manager) GetSystemStatus() SystemStatus {
	m.mutex.Lock()
	status := SystemStatus{
		CircuitBreakers: make(map[string]CircuitBreakerStatus, len(m.breakers)),
		Bulkheads:       make(map[string]BulkheadStatus, len(m.bulkheads)),
		RateLimiters:    make(map[string]RateLimiterStatus, len(m.limiters)),
		Pools:           make(map[string]PoolStatus, len(m.pools)),
		Retriers:        make(map[string]RetryMetrics, len(m.retriers)),
		Health:          make(map[string]health.StatusSnapshot, len(m.checkers)),
	}

	breakers := make(map[string]*CircuitBreaker, len(m.breakers))
	for name, cb := range m.breakers {
		breakers[name] = cb
	}
	bulkheads := make(map[string]*Bulkhead, len(m.bulkheads))
	for name, b := range m.bulkheads {
		bulkheads[name] = b
	}
	limiters := make(map[string]*RateLimiter, len(m.limiters))
	for name, rl := range m.limiters {
		limiters[name] = rl
	}
	pools := make(map[string]poolHandle, len(m.pools))
	for name, p := range m.pools {
		pools[name] = p
	}
	retriers := make(map[string]*Retrier, len(m.retriers))
	for name, r := range m.retriers {
		retriers[name] = r
	}
	checkers := make(map[string]*health.Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mutex.Unlock()

	// Component snapshots take their own locks, so collect outside ours
	for name, cb := range breakers {
		status.CircuitBreakers[name] = cb.Status()
	}
	for name, b := range bulkheads {
		status.Bulkheads[name] = b.Status()
	}
	for name, rl := range limiters {
		status.RateLimiters[name] = rl.Status()
	}
	for name, p := range pools {
		status.Pools[name] = p.Status()
	}
	for name, r := range retriers {
		status.Retriers[name] = r.Metrics()
	}
	for name, c := range checkers {
		status.Health[name] = c.Snapshot()
	}
	status.Errors = m.tracker.Snapshot()
	return status
}

// ResetCircuitBreakers forces every registered breaker closed
func (m *Manager) ResetCircuitBreakers() {
	m.mutex.Lock()
	breakers := make([]*CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mutex.Unlock()

	for _, cb := range breakers {
		cb.Reset()
	}
}

// Shutdown stops health checkers and drains resource pools
func (m *Manager) Shutdown() {
	m.mutex.Lock()
	checkers := make([]*health.Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	pools := make([]poolHandle, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mutex.Unlock()

	for _, c := range checkers {
		c.Stop()
	}
	for _, p := range pools {
		p.Shutdown()
	}

	m.logger.Info("Resilience manager shut down",
		"health_checkers", len(checkers),
		"pools", len(pools),
	)
}
