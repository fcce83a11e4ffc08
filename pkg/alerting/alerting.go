package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
)

// Type categorizes an alert for routing and throttling
type Type string

const (
	TypeServiceDown       Type = "service_down"
	TypeResourceExhausted Type = "resource_exhausted"
	TypeRateLimited       Type = "rate_limited"
	TypeAuthFailure       Type = "auth_failure"
	TypeDataError         Type = "data_error"
	TypeSystemError       Type = "system_error"
)

// Severity represents alert severity levels
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert represents a dispatched alert
type Alert struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Type      Type              `json:"type"`
	Severity  Severity          `json:"severity"`
	Title     string            `json:"title"`
	Message   string            `json:"message"`
	Source    string            `json:"source"`
	Escalated bool              `json:"escalated"`
	Resolved  bool              `json:"resolved"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Context carries caller-supplied detail into alert construction
type Context struct {
	Source      string
	OperationID string
	Metadata    map[string]string
}

// Provider delivers alerts through one channel
type Provider interface {
	Send(ctx context.Context, alert *Alert) error
	Name() string
}

// RuleAction is what a matched rule does to an alert
type RuleAction string

const (
	ActionSuppress RuleAction = "suppress"
	ActionModify   RuleAction = "modify"
	ActionEscalate RuleAction = "escalate"
)

// Rule filters or rewrites alerts before delivery. Match keys are alert
// fields: "type", "severity", "source", "title".
type Rule struct {
	Name        string            `json:"name"`
	Match       map[string]string `json:"match"`
	Action      RuleAction        `json:"action"`
	SetSeverity Severity          `json:"set_severity,omitempty"`
}

// Config holds alert manager configuration
type Config struct {
	// ThrottleWindow and MaxAlertsPerWindow bound deliveries per
	// (type, source) key
	ThrottleWindow     time.Duration
	MaxAlertsPerWindow int
	// EscalationDelay is the grace period before an unresolved critical
	// alert is re-notified on the escalation channels
	EscalationDelay    time.Duration
	DefaultChannels    []string
	SeverityChannels   map[Severity][]string
	TypeChannels       map[Type][]string
	ComponentChannels  map[string][]string
	EscalationChannels []string
	HistorySize        int
	Metrics            *metrics.Metrics
}

// DefaultConfig returns default alerting configuration
func DefaultConfig() *Config {
	return &Config{
		ThrottleWindow:     5 * time.Minute,
		MaxAlertsPerWindow: 5,
		EscalationDelay:    15 * time.Minute,
		DefaultChannels:    []string{"log"},
		EscalationChannels: []string{"log"},
		HistorySize:        200,
	}
}

// Statistics reports alert manager counters
type Statistics struct {
	TotalSent        int64            `json:"total_sent"`
	TotalThrottled   int64            `json:"total_throttled"`
	TotalSuppressed  int64            `json:"total_suppressed"`
	TotalEscalated   int64            `json:"total_escalated"`
	TotalResolved    int64            `json:"total_resolved"`
	DeliveryFailures map[string]int64 `json:"delivery_failures"`
	ActiveAlerts     int              `json:"active_alerts"`
}

// Manager is a terminal alert sink: it throttles, filters, routes, and
// escalates alerts, and never propagates delivery failures to callers.
type Manager struct {
	config *Config

	mutex     sync.Mutex
	providers map[string]Provider
	rules     []Rule
	throttle  map[string][]time.Time
	active    map[string]*Alert
	history   []*Alert

	escalations map[string]*time.Timer

	totalSent        int64
	totalThrottled   int64
	totalSuppressed  int64
	totalEscalated   int64
	totalResolved    int64
	deliveryFailures map[string]int64

	deliveries sync.WaitGroup
	logger     *logging.Logger
	sink       *metrics.Metrics
}

// NewManager creates a new alert manager
func NewManager(config *Config) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	if config.ThrottleWindow <= 0 {
		config.ThrottleWindow = 5 * time.Minute
	}
	if config.MaxAlertsPerWindow <= 0 {
		config.MaxAlertsPerWindow = 5
	}
	if config.EscalationDelay <= 0 {
		config.EscalationDelay = 15 * time.Minute
	}
	if config.HistorySize <= 0 {
		config.HistorySize = 200
	}

	return &Manager{
		config:           config,
		providers:        make(map[string]Provider),
		throttle:         make(map[string][]time.Time),
		active:           make(map[string]*Alert),
		history:          make([]*Alert, 0, config.HistorySize),
		escalations:      make(map[string]*time.Timer),
		deliveryFailures: make(map[string]int64),
		logger:           logging.GetLogger(),
		sink:             config.Metrics,
	}
}

// RegisterProvider registers a delivery provider under a channel name
func (m *Manager) RegisterProvider(channel string, provider Provider) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.providers[channel] = provider
	m.logger.Info("Alert provider registered", "channel", channel, "provider", provider.Name())
}

// AddRule appends a rule; rules are evaluated in registration order
func (m *Manager) AddRule(rule Rule) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rules = append(m.rules, rule)
}

// SendAlert builds an alert from a classified failure and dispatches it.
// Throttled and suppressed alerts return nil without error. Delivery happens
// on isolated goroutines; provider failures are captured and counted.
func (m *Manager) SendAlert(ctx context.Context, rec *apperrors.Record, actx Context) *Alert {
	if rec == nil {
		return nil
	}

	alert := m.buildAlert(rec, actx)

	m.mutex.Lock()

	if !m.admitLocked(alert) {
		m.totalThrottled++
		m.mutex.Unlock()
		m.sink.ObserveAlertThrottled(string(alert.Type))
		m.logger.Warn("Alert throttled",
			"type", alert.Type,
			"source", alert.Source,
			"title", alert.Title,
		)
		return nil
	}

	if suppressed := m.applyRulesLocked(alert); suppressed {
		m.totalSuppressed++
		m.mutex.Unlock()
		m.logger.Debug("Alert suppressed by rule", "type", alert.Type, "source", alert.Source)
		return nil
	}

	channels := m.resolveChannelsLocked(alert)
	m.active[alert.ID] = alert
	m.appendHistoryLocked(alert)
	m.totalSent++

	if m.shouldEscalate(alert) {
		m.scheduleEscalationLocked(alert)
	}
	snapshot := *alert
	m.mutex.Unlock()

	m.logger.Info("Sending alert",
		"id", snapshot.ID,
		"type", snapshot.Type,
		"severity", snapshot.Severity,
		"source", snapshot.Source,
		"channels", channels,
	)

	m.deliver(ctx, &snapshot, channels)
	return alert
}

// ResolveAlert marks an active alert resolved and cancels its pending
// escalation timer
func (m *Manager) ResolveAlert(id string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	alert, ok := m.active[id]
	if !ok {
		return fmt.Errorf("alert %s not found", id)
	}

	alert.Resolved = true
	delete(m.active, id)
	m.totalResolved++

	if timer, ok := m.escalations[id]; ok {
		timer.Stop()
		delete(m.escalations, id)
	}

	m.logger.Info("Alert resolved",
		"id", id,
		"type", alert.Type,
		"duration", time.Since(alert.Timestamp).String(),
	)
	return nil
}

// GetStatistics returns current counters
func (m *Manager) GetStatistics() Statistics {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	failures := make(map[string]int64, len(m.deliveryFailures))
	for k, v := range m.deliveryFailures {
		failures[k] = v
	}

	return Statistics{
		TotalSent:        m.totalSent,
		TotalThrottled:   m.totalThrottled,
		TotalSuppressed:  m.totalSuppressed,
		TotalEscalated:   m.totalEscalated,
		TotalResolved:    m.totalResolved,
		DeliveryFailures: failures,
		ActiveAlerts:     len(m.active),
	}
}

// ActiveAlerts returns all unresolved alerts
func (m *Manager) ActiveAlerts() []*Alert {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	alerts := make([]*Alert, 0, len(m.active))
	for _, alert := range m.active {
		alerts = append(alerts, alert)
	}
	return alerts
}

// History returns the bounded recent alert history
func (m *Manager) History() []*Alert {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	out := make([]*Alert, len(m.history))
	copy(out, m.history)
	return out
}

// Drain waits for in-flight deliveries to settle
func (m *Manager) Drain() {
	m.deliveries.Wait()
}

// Shutdown cancels all pending escalation timers and waits for in-flight
// deliveries
func (m *Manager) Shutdown() {
	m.mutex.Lock()
	for id, timer := range m.escalations {
		timer.Stop()
		delete(m.escalations, id)
	}
	m.mutex.Unlock()
	m.deliveries.Wait()
}

func (m *Manager) buildAlert(rec *apperrors.Record, actx Context) *Alert {
	source := actx.Source
	if source == "" {
		source = rec.Component
	}
	if source == "" {
		source = "unknown"
	}

	metadata := make(map[string]string, len(actx.Metadata)+2)
	for k, v := range actx.Metadata {
		metadata[k] = v
	}
	metadata["error_id"] = rec.ID
	metadata["error_kind"] = string(rec.Kind)
	if actx.OperationID != "" {
		metadata["operation_id"] = actx.OperationID
	}

	alertType := typeForKind(rec.Kind)
	return &Alert{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Type:      alertType,
		Severity:  severityFor(rec.Severity),
		Title:     titleForType(alertType, source),
		Message:   rec.Message,
		Source:    source,
		Metadata:  metadata,
	}
}

// admitLocked applies sliding-window throttling per (type, source) key
func (m *Manager) admitLocked(alert *Alert) bool {
	key := string(alert.Type) + ":" + alert.Source
	now := time.Now()
	cutoff := now.Add(-m.config.ThrottleWindow)

	window := m.throttle[key]
	idx := 0
	for idx < len(window) && window[idx].Before(cutoff) {
		idx++
	}
	window = window[idx:]

	if len(window) >= m.config.MaxAlertsPerWindow {
		m.throttle[key] = window
		return false
	}

	m.throttle[key] = append(window, now)
	return true
}

// applyRulesLocked runs ordered rules; it reports whether the alert was
// suppressed
func (m *Manager) applyRulesLocked(alert *Alert) bool {
	for _, rule := range m.rules {
		if !ruleMatches(rule, alert) {
			continue
		}
		switch rule.Action {
		case ActionSuppress:
			return true
		case ActionModify:
			if rule.SetSeverity != "" {
				alert.Severity = rule.SetSeverity
			}
		case ActionEscalate:
			alert.Severity = SeverityCritical
			alert.Escalated = true
		}
	}
	return false
}

func ruleMatches(rule Rule, alert *Alert) bool {
	for field, want := range rule.Match {
		var got string
		switch field {
		case "type":
			got = string(alert.Type)
		case "severity":
			got = string(alert.Severity)
		case "source":
			got = alert.Source
		case "title":
			got = alert.Title
		default:
			got = alert.Metadata[field]
		}
		if got != want {
			return false
		}
	}
	return len(rule.Match) > 0
}

// resolveChannelsLocked unions default, severity, type, and component routes
func (m *Manager) resolveChannelsLocked(alert *Alert) []string {
	seen := make(map[string]struct{})
	var channels []string

	add := func(names []string) {
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			channels = append(channels, name)
		}
	}

	add(m.config.DefaultChannels)
	add(m.config.SeverityChannels[alert.Severity])
	add(m.config.TypeChannels[alert.Type])
	add(m.config.ComponentChannels[alert.Source])
	return channels
}

func (m *Manager) appendHistoryLocked(alert *Alert) {
	if len(m.history) >= m.config.HistorySize {
		m.history = m.history[1:]
	}
	m.history = append(m.history, alert)
}

func (m *Manager) shouldEscalate(alert *Alert) bool {
	if alert.Severity == SeverityCritical {
		return true
	}
	return alert.Type == TypeServiceDown || alert.Type == TypeResourceExhausted
}

func (m *Manager) scheduleEscalationLocked(alert *Alert) {
	id := alert.ID
	m.escalations[id] = time.AfterFunc(m.config.EscalationDelay, func() {
		m.escalate(id)
	})
}

// escalate re-notifies an unresolved alert through the escalation channels
func (m *Manager) escalate(id string) {
	m.mutex.Lock()
	delete(m.escalations, id)

	alert, ok := m.active[id]
	if !ok || alert.Resolved {
		m.mutex.Unlock()
		return
	}

	alert.Escalated = true
	alert.Severity = SeverityCritical
	m.totalEscalated++
	channels := append([]string(nil), m.config.EscalationChannels...)
	snapshot := *alert
	m.mutex.Unlock()

	m.sink.ObserveAlertEscalated(string(snapshot.Type))
	m.logger.Warn("Alert escalated",
		"id", snapshot.ID,
		"type", snapshot.Type,
		"source", snapshot.Source,
	)

	m.deliver(context.Background(), &snapshot, channels)
}

// deliver fans out to channels on isolated goroutines. Callers pass a
// snapshot taken under the mutex so a later escalation cannot mutate an alert
// while a provider is still reading it. A provider failure is logged and
// counted, never propagated.
func (m *Manager) deliver(ctx context.Context, alert *Alert, channels []string) {
	for _, channel := range channels {
		m.mutex.Lock()
		provider, ok := m.providers[channel]
		m.mutex.Unlock()
		if !ok {
			continue
		}

		m.deliveries.Add(1)
		go func(channel string, provider Provider) {
			defer m.deliveries.Done()

			if err := provider.Send(ctx, alert); err != nil {
				m.mutex.Lock()
				m.deliveryFailures[channel]++
				m.mutex.Unlock()

				m.sink.ObserveAlertDelivery(channel, "failure")
				m.logger.Error("Alert delivery failed",
					"channel", channel,
					"alert_id", alert.ID,
					"error", err.Error(),
				)
				return
			}
			m.sink.ObserveAlertDelivery(channel, "success")
		}(channel, provider)
	}
}

// typeForKind maps error kinds onto alert types
func typeForKind(kind apperrors.Kind) Type {
	switch kind {
	case apperrors.KindNetwork, apperrors.KindConnectionReset,
		apperrors.KindTemporaryUnavailable, apperrors.KindServer,
		apperrors.KindTimeout, apperrors.KindDependency:
		return TypeServiceDown
	case apperrors.KindResourceExhausted, apperrors.KindMemory,
		apperrors.KindFileSystem, apperrors.KindDatabase:
		return TypeResourceExhausted
	case apperrors.KindRateLimit, apperrors.KindQuotaExceeded:
		return TypeRateLimited
	case apperrors.KindAuthentication, apperrors.KindAuthorization:
		return TypeAuthFailure
	case apperrors.KindValidation, apperrors.KindMalformedRequest,
		apperrors.KindNotFound, apperrors.KindValidationFailed:
		return TypeDataError
	default:
		return TypeSystemError
	}
}

func severityFor(s apperrors.Severity) Severity {
	switch s {
	case apperrors.SeverityCritical:
		return SeverityCritical
	case apperrors.SeverityHigh:
		return SeverityError
	case apperrors.SeverityMedium:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

func titleForType(t Type, source string) string {
	switch t {
	case TypeServiceDown:
		return fmt.Sprintf("Service Unavailable: %s", source)
	case TypeResourceExhausted:
		return fmt.Sprintf("Resource Exhausted: %s", source)
	case TypeRateLimited:
		return fmt.Sprintf("Rate Limited: %s", source)
	case TypeAuthFailure:
		return fmt.Sprintf("Authentication Failure: %s", source)
	case TypeDataError:
		return fmt.Sprintf("Data Error: %s", source)
	default:
		return fmt.Sprintf("System Error: %s", source)
	}
}
