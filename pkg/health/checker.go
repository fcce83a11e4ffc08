package health

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// Status represents the health state of a monitored dependency
type Status string

const (
	StatusUnknown   Status = "unknown"
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// Probe performs one health check against a dependency. The returned
// payload is diagnostic detail surfaced in status reports.
type Probe func(ctx context.Context) (interface{}, error)

// CheckerConfig holds health checker configuration
type CheckerConfig struct {
	Name     string
	Probe    Probe
	Interval time.Duration
	Timeout  time.Duration
	// HealthyThreshold and UnhealthyThreshold are the consecutive result
	// counts required to change state
	HealthyThreshold   int
	UnhealthyThreshold int
	HistorySize        int
	OnStatusChange     func(name string, from, to Status)
	Metrics            *metrics.Metrics
}

// CheckResult records the outcome of a single probe
type CheckResult struct {
	Timestamp time.Time   `json:"timestamp"`
	Healthy   bool        `json:"healthy"`
	Duration  time.Duration `json:"duration"`
	Payload   interface{} `json:"payload,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// StatusSnapshot is a point-in-time view of a checker
type StatusSnapshot struct {
	Name                 string     `json:"name"`
	Status               Status     `json:"status"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	LastCheck            *time.Time `json:"last_check,omitempty"`
	LastError            string     `json:"last_error,omitempty"`
	Availability         float64    `json:"availability"`
}

// Checker periodically probes one dependency and tracks its health through
// a threshold state machine: UNKNOWN until the first streak completes, then
// HEALTHY/UNHEALTHY on consecutive results.
type Checker struct {
	config CheckerConfig

	mutex                sync.Mutex
	status               Status
	consecutiveSuccesses int
	consecutiveFailures  int
	lastCheck            *time.Time
	lastError            string
	history              []CheckResult

	running bool
	stop    chan struct{}
	done    chan struct{}

	logger *logging.Logger
	sink   *metrics.Metrics
}

// NewChecker creates a health checker; call Start to begin periodic probing
func NewChecker(config CheckerConfig) *Checker {
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = 2
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = 2
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 50
	}

	return &Checker{
		config: config,
		status: StatusUnknown,
		logger: logging.GetLogger(),
		sink:   config.Metrics,
	}
}

// Name returns the checker's dependency name
func (c *Checker) Name() string {
	return c.config.Name
}

// Start launches the periodic probe loop. Starting a running checker is a
// no-op.
func (c *Checker) Start() {
	c.mutex.Lock()
	if c.running {
		c.mutex.Unlock()
		return
	}
	c.running = true
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	stop, done := c.stop, c.done
	c.mutex.Unlock()

	c.logger.Info("Health checker started",
		"name", c.config.Name,
		"interval", c.config.Interval.String(),
	)

	go c.loop(stop, done)
}

// Stop halts the probe loop and waits for it to exit. The last observed
// status is retained.
func (c *Checker) Stop() {
	c.mutex.Lock()
	if !c.running {
		c.mutex.Unlock()
		return
	}
	c.running = false
	stop, done := c.stop, c.done
	c.mutex.Unlock()

	close(stop)
	<-done
	c.logger.Info("Health checker stopped", "name", c.config.Name)
}

func (c *Checker) loop(stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	c.PerformCheck(context.Background())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.PerformCheck(context.Background())
		}
	}
}

// PerformCheck runs one probe with the configured timeout and updates the
// state machine
func (c *Checker) PerformCheck(ctx context.Context) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	start := time.Now()
	payload, err := c.runProbe(probeCtx)
	result := CheckResult{
		Timestamp: start,
		Healthy:   err == nil,
		Duration:  time.Since(start),
		Payload:   payload,
	}
	if err != nil {
		result.Error = err.Error()
	}

	c.record(result)
	c.sink.ObserveProbeDuration(c.config.Name, result.Duration)
	return result
}

// runProbe races the probe against its timeout so a hung dependency cannot
// stall the check loop
func (c *Checker) runProbe(ctx context.Context) (interface{}, error) {
	type probeResult struct {
		payload interface{}
		err     error
	}

	done := make(chan probeResult, 1)
	go func() {
		payload, err := c.config.Probe(ctx)
		done <- probeResult{payload: payload, err: err}
	}()

	select {
	case r := <-done:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, apperrors.NewTimeoutError(c.config.Name + " health probe")
	}
}

func (c *Checker) record(result CheckResult) {
	c.mutex.Lock()

	now := result.Timestamp
	c.lastCheck = &now
	if result.Healthy {
		c.consecutiveSuccesses++
		c.consecutiveFailures = 0
		c.lastError = ""
	} else {
		c.consecutiveFailures++
		c.consecutiveSuccesses = 0
		c.lastError = result.Error
	}

	if len(c.history) >= c.config.HistorySize {
		c.history = c.history[1:]
	}
	c.history = append(c.history, result)

	from := c.status
	to := from
	if result.Healthy && c.consecutiveSuccesses >= c.config.HealthyThreshold {
		to = StatusHealthy
	} else if !result.Healthy && c.consecutiveFailures >= c.config.UnhealthyThreshold {
		to = StatusUnhealthy
	}
	c.status = to
	c.mutex.Unlock()

	c.sink.SetHealthStatus(c.config.Name, statusGauge(to))

	if from != to {
		c.logger.Info("Health status changed",
			"name", c.config.Name,
			"from", from,
			"to", to,
		)
		if c.config.OnStatusChange != nil {
			c.config.OnStatusChange(c.config.Name, from, to)
		}
	}
}

// Status returns the current health state
func (c *Checker) Status() Status {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.status
}

// Snapshot returns the current state including trailing availability
func (c *Checker) Snapshot() StatusSnapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return StatusSnapshot{
		Name:                 c.config.Name,
		Status:               c.status,
		ConsecutiveSuccesses: c.consecutiveSuccesses,
		ConsecutiveFailures:  c.consecutiveFailures,
		LastCheck:            c.lastCheck,
		LastError:            c.lastError,
		Availability:         c.availabilityLocked(time.Hour),
	}
}

// Availability returns the fraction of healthy results in the trailing
// window; 1.0 when no checks have run yet
func (c *Checker) Availability(window time.Duration) float64 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.availabilityLocked(window)
}

// ErrorRate returns 1 - Availability over the trailing window
func (c *Checker) ErrorRate(window time.Duration) float64 {
	return 1 - c.Availability(window)
}

// History returns recorded check results, oldest first
func (c *Checker) History() []CheckResult {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	out := make([]CheckResult, len(c.history))
	copy(out, c.history)
	return out
}

func (c *Checker) availabilityLocked(window time.Duration) float64 {
	cutoff := time.Now().Add(-window)
	total, healthy := 0, 0
	for _, result := range c.history {
		if result.Timestamp.Before(cutoff) {
			continue
		}
		total++
		if result.Healthy {
			healthy++
		}
	}
	if total == 0 {
		return 1.0
	}
	return float64(healthy) / float64(total)
}

func statusGauge(s Status) float64 {
	switch s {
	case StatusHealthy:
		return 1
	case StatusUnhealthy:
		return 0
	default:
		return 0.5
	}
}
