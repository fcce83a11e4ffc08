package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the resilience engine
type Metrics struct {
	// Retry metrics
	RetryAttempts    *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	RetryDelay       *prometheus.HistogramVec

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Bulkhead metrics
	BulkheadActive     *prometheus.GaugeVec
	BulkheadQueued     *prometheus.GaugeVec
	BulkheadRejections *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitDecisions *prometheus.CounterVec

	// Resource pool metrics
	PoolInUse     *prometheus.GaugeVec
	PoolAvailable *prometheus.GaugeVec
	PoolTimeouts  *prometheus.CounterVec

	// Health check metrics
	HealthStatus  *prometheus.GaugeVec
	ProbeDuration *prometheus.HistogramVec

	// Alerting metrics
	AlertsDelivered *prometheus.CounterVec
	AlertsThrottled *prometheus.CounterVec
	AlertsEscalated *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "pipeshield",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}
	if !config.Enabled {
		return nil
	}

	m := &Metrics{
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of operation attempts made by the retry engine",
			},
			[]string{"operation", "outcome"},
		),
		RetriesExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_exhausted_total",
				Help:      "Operations that failed after exhausting all retry attempts",
			},
			[]string{"operation"},
		),
		RetryDelay: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_delay_seconds",
				Help:      "Backoff delay applied between retry attempts",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"operation"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"name"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Circuit breaker state transitions",
			},
			[]string{"name", "to"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Calls rejected because the circuit was open",
			},
			[]string{"name"},
		),
		BulkheadActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "bulkhead_active",
				Help:      "Operations currently executing inside the bulkhead",
			},
			[]string{"name"},
		),
		BulkheadQueued: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "bulkhead_queued",
				Help:      "Operations waiting for a bulkhead slot",
			},
			[]string{"name"},
		),
		BulkheadRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "bulkhead_rejections_total",
				Help:      "Bulkhead rejections by reason",
			},
			[]string{"name", "reason"},
		),
		RateLimitDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter admission decisions",
			},
			[]string{"name", "decision"},
		),
		PoolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_in_use",
				Help:      "Resources currently checked out of the pool",
			},
			[]string{"name"},
		),
		PoolAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_available",
				Help:      "Idle resources available in the pool",
			},
			[]string{"name"},
		),
		PoolTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "pool_acquire_timeouts_total",
				Help:      "Pool acquisitions that timed out waiting for a resource",
			},
			[]string{"name"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_status",
				Help:      "Health check status (0=unknown, 1=healthy, 2=unhealthy)",
			},
			[]string{"service"},
		),
		ProbeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "probe_duration_seconds",
				Help:      "Health probe duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		AlertsDelivered: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_delivered_total",
				Help:      "Alert deliveries by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),
		AlertsThrottled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_throttled_total",
				Help:      "Alerts suppressed by throttling",
			},
			[]string{"type"},
		),
		AlertsEscalated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "alerts_escalated_total",
				Help:      "Alerts escalated after the grace period",
			},
			[]string{"type"},
		),
		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Classified failures by kind and component",
			},
			[]string{"kind", "component"},
		),
	}

	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.RetryAttempts, m.RetriesExhausted, m.RetryDelay,
		m.CircuitState, m.CircuitTransitions, m.CircuitRejections,
		m.BulkheadActive, m.BulkheadQueued, m.BulkheadRejections,
		m.RateLimitDecisions,
		m.PoolInUse, m.PoolAvailable, m.PoolTimeouts,
		m.HealthStatus, m.ProbeDuration,
		m.AlertsDelivered, m.AlertsThrottled, m.AlertsEscalated,
		m.ErrorsTotal,
	)

	return m
}

// Handler returns a Gin handler exposing the metrics endpoint
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// The recorder methods below are nil-safe so components can carry an optional
// *Metrics without guarding every call site.

// ObserveRetryAttempt records one operation attempt
func (m *Metrics) ObserveRetryAttempt(operation, outcome string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(operation, outcome).Inc()
}

// ObserveRetryExhausted records an operation that ran out of retries
func (m *Metrics) ObserveRetryExhausted(operation string) {
	if m == nil {
		return
	}
	m.RetriesExhausted.WithLabelValues(operation).Inc()
}

// ObserveRetryDelay records a backoff delay
func (m *Metrics) ObserveRetryDelay(operation string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RetryDelay.WithLabelValues(operation).Observe(delay.Seconds())
}

// SetCircuitState records the current breaker state
func (m *Metrics) SetCircuitState(name string, state float64) {
	if m == nil {
		return
	}
	m.CircuitState.WithLabelValues(name).Set(state)
}

// ObserveCircuitTransition records a breaker state change
func (m *Metrics) ObserveCircuitTransition(name, to string) {
	if m == nil {
		return
	}
	m.CircuitTransitions.WithLabelValues(name, to).Inc()
}

// ObserveCircuitRejection records a call rejected by an open breaker
func (m *Metrics) ObserveCircuitRejection(name string) {
	if m == nil {
		return
	}
	m.CircuitRejections.WithLabelValues(name).Inc()
}

// SetBulkheadOccupancy records current bulkhead usage
func (m *Metrics) SetBulkheadOccupancy(name string, active, queued int) {
	if m == nil {
		return
	}
	m.BulkheadActive.WithLabelValues(name).Set(float64(active))
	m.BulkheadQueued.WithLabelValues(name).Set(float64(queued))
}

// ObserveBulkheadRejection records a bulkhead rejection
func (m *Metrics) ObserveBulkheadRejection(name, reason string) {
	if m == nil {
		return
	}
	m.BulkheadRejections.WithLabelValues(name, reason).Inc()
}

// ObserveRateLimitDecision records an admission decision
func (m *Metrics) ObserveRateLimitDecision(name, decision string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(name, decision).Inc()
}

// SetPoolOccupancy records current pool usage
func (m *Metrics) SetPoolOccupancy(name string, inUse, available int) {
	if m == nil {
		return
	}
	m.PoolInUse.WithLabelValues(name).Set(float64(inUse))
	m.PoolAvailable.WithLabelValues(name).Set(float64(available))
}

// ObservePoolTimeout records an acquisition timeout
func (m *Metrics) ObservePoolTimeout(name string) {
	if m == nil {
		return
	}
	m.PoolTimeouts.WithLabelValues(name).Inc()
}

// SetHealthStatus records the current probe state
func (m *Metrics) SetHealthStatus(service string, status float64) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(service).Set(status)
}

// ObserveProbeDuration records how long a probe took
func (m *Metrics) ObserveProbeDuration(service string, d time.Duration) {
	if m == nil {
		return
	}
	m.ProbeDuration.WithLabelValues(service).Observe(d.Seconds())
}

// ObserveAlertDelivery records a per-channel delivery outcome
func (m *Metrics) ObserveAlertDelivery(channel, outcome string) {
	if m == nil {
		return
	}
	m.AlertsDelivered.WithLabelValues(channel, outcome).Inc()
}

// ObserveAlertThrottled records a throttled alert
func (m *Metrics) ObserveAlertThrottled(alertType string) {
	if m == nil {
		return
	}
	m.AlertsThrottled.WithLabelValues(alertType).Inc()
}

// ObserveAlertEscalated records an escalated alert
func (m *Metrics) ObserveAlertEscalated(alertType string) {
	if m == nil {
		return
	}
	m.AlertsEscalated.WithLabelValues(alertType).Inc()
}

// ObserveError records a classified failure
func (m *Metrics) ObserveError(kind, component string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(kind, component).Inc()
}
