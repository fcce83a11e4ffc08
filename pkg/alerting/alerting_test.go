package alerting

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
)

type captureProvider struct {
	name string
	fail bool

	mutex  sync.Mutex
	alerts []*Alert
}

func (p *captureProvider) Name() string { return p.name }

func (p *captureProvider) Send(ctx context.Context, alert *Alert) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.fail {
		return errors.New("delivery refused")
	}
	p.alerts = append(p.alerts, alert)
	return nil
}

func (p *captureProvider) count() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.alerts)
}

func newTestManager(config *Config) (*Manager, *captureProvider) {
	if config == nil {
		config = DefaultConfig()
	}
	config.DefaultChannels = []string{"capture"}
	config.EscalationChannels = []string{"capture"}

	manager := NewManager(config)
	provider := &captureProvider{name: "capture"}
	manager.RegisterProvider("capture", provider)
	return manager, provider
}

func TestSendAlertDelivers(t *testing.T) {
	manager, provider := newTestManager(nil)

	rec := apperrors.NewNetworkError("connection refused").WithComponent("deploy-api")
	alert := manager.SendAlert(context.Background(), rec, Context{OperationID: "op-1"})
	manager.Drain()

	require.NotNil(t, alert)
	assert.Equal(t, TypeServiceDown, alert.Type)
	assert.Equal(t, "deploy-api", alert.Source)
	assert.Equal(t, "op-1", alert.Metadata["operation_id"])
	assert.Equal(t, 1, provider.count())

	stats := manager.GetStatistics()
	assert.Equal(t, int64(1), stats.TotalSent)
	assert.Equal(t, 1, stats.ActiveAlerts)
}

func TestThrottlePerTypeAndSource(t *testing.T) {
	config := DefaultConfig()
	config.MaxAlertsPerWindow = 2
	config.ThrottleWindow = time.Minute
	manager, provider := newTestManager(config)

	rec := apperrors.NewNetworkError("down").WithComponent("svc-a")
	for i := 0; i < 5; i++ {
		manager.SendAlert(context.Background(), rec, Context{})
	}
	// different source is tracked independently
	other := apperrors.NewNetworkError("down").WithComponent("svc-b")
	require.NotNil(t, manager.SendAlert(context.Background(), other, Context{}))
	manager.Drain()

	assert.Equal(t, 3, provider.count())
	stats := manager.GetStatistics()
	assert.Equal(t, int64(3), stats.TotalThrottled)
}

func TestSuppressRule(t *testing.T) {
	manager, provider := newTestManager(nil)
	manager.AddRule(Rule{
		Name:   "mute-validation",
		Match:  map[string]string{"type": string(TypeDataError)},
		Action: ActionSuppress,
	})

	alert := manager.SendAlert(context.Background(), apperrors.NewValidationError("bad input"), Context{})
	manager.Drain()

	assert.Nil(t, alert)
	assert.Equal(t, 0, provider.count())
	assert.Equal(t, int64(1), manager.GetStatistics().TotalSuppressed)
}

func TestModifyRuleRewritesSeverity(t *testing.T) {
	manager, _ := newTestManager(nil)
	manager.AddRule(Rule{
		Name:        "downgrade-rate-limits",
		Match:       map[string]string{"type": string(TypeRateLimited)},
		Action:      ActionModify,
		SetSeverity: SeverityInfo,
	})

	rec := apperrors.NewRateLimitError("too many requests", 2*time.Second)
	alert := manager.SendAlert(context.Background(), rec, Context{})
	manager.Drain()

	require.NotNil(t, alert)
	assert.Equal(t, SeverityInfo, alert.Severity)
}

func TestEscalationFiresWhenUnresolved(t *testing.T) {
	config := DefaultConfig()
	config.EscalationDelay = 20 * time.Millisecond
	manager, provider := newTestManager(config)

	rec := apperrors.NewNetworkError("gateway unreachable").WithComponent("gateway")
	alert := manager.SendAlert(context.Background(), rec, Context{})
	require.NotNil(t, alert)

	assert.Eventually(t, func() bool {
		return manager.GetStatistics().TotalEscalated == 1
	}, time.Second, 5*time.Millisecond)
	manager.Drain()

	// initial delivery plus the escalation re-notification
	assert.Equal(t, 2, provider.count())
}

type slowProvider struct {
	delay time.Duration

	mutex sync.Mutex
	seen  []Alert
}

func (p *slowProvider) Name() string { return "slow" }

func (p *slowProvider) Send(ctx context.Context, alert *Alert) error {
	time.Sleep(p.delay)
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.seen = append(p.seen, *alert)
	return nil
}

func TestEscalationDoesNotMutateInFlightDelivery(t *testing.T) {
	config := DefaultConfig()
	config.EscalationDelay = 10 * time.Millisecond
	config.DefaultChannels = []string{"slow"}
	config.EscalationChannels = []string{"slow"}
	manager := NewManager(config)
	provider := &slowProvider{delay: 40 * time.Millisecond}
	manager.RegisterProvider("slow", provider)

	// the initial delivery is still sleeping inside Send when the
	// escalation fires; each delivery must see its own consistent view
	rec := apperrors.NewNetworkError("gateway unreachable").WithComponent("gateway")
	require.NotNil(t, manager.SendAlert(context.Background(), rec, Context{}))
	manager.Drain()

	provider.mutex.Lock()
	defer provider.mutex.Unlock()
	require.Len(t, provider.seen, 2)

	var initial, escalated int
	for _, alert := range provider.seen {
		if alert.Escalated {
			escalated++
			assert.Equal(t, SeverityCritical, alert.Severity)
		} else {
			initial++
		}
	}
	assert.Equal(t, 1, initial)
	assert.Equal(t, 1, escalated)
}

func TestResolveCancelsEscalation(t *testing.T) {
	config := DefaultConfig()
	config.EscalationDelay = 30 * time.Millisecond
	manager, provider := newTestManager(config)

	rec := apperrors.NewNetworkError("gateway unreachable").WithComponent("gateway")
	alert := manager.SendAlert(context.Background(), rec, Context{})
	require.NotNil(t, alert)

	require.NoError(t, manager.ResolveAlert(alert.ID))
	time.Sleep(80 * time.Millisecond)
	manager.Drain()

	stats := manager.GetStatistics()
	assert.Equal(t, int64(0), stats.TotalEscalated)
	assert.Equal(t, int64(1), stats.TotalResolved)
	assert.Equal(t, 0, stats.ActiveAlerts)
	assert.Equal(t, 1, provider.count())
}

func TestResolveUnknownAlert(t *testing.T) {
	manager, _ := newTestManager(nil)
	assert.Error(t, manager.ResolveAlert("missing"))
}

func TestChannelRoutingUnion(t *testing.T) {
	config := DefaultConfig()
	config.DefaultChannels = []string{"capture"}
	config.SeverityChannels = map[Severity][]string{
		SeverityCritical: {"pager", "capture"},
	}
	config.ComponentChannels = map[string][]string{
		"database": {"pager"},
	}

	manager := NewManager(config)
	capture := &captureProvider{name: "capture"}
	pager := &captureProvider{name: "pager"}
	manager.RegisterProvider("capture", capture)
	manager.RegisterProvider("pager", pager)

	rec := apperrors.NewDatabaseError("connection pool exhausted").WithComponent("database")
	manager.SendAlert(context.Background(), rec, Context{})
	manager.Drain()

	// pager appears in both severity and component routes but receives one copy
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, 1, pager.count())
}

func TestDeliveryFailureIsIsolated(t *testing.T) {
	config := DefaultConfig()
	config.DefaultChannels = []string{"broken", "capture"}
	manager := NewManager(config)
	broken := &captureProvider{name: "broken", fail: true}
	capture := &captureProvider{name: "capture"}
	manager.RegisterProvider("broken", broken)
	manager.RegisterProvider("capture", capture)

	alert := manager.SendAlert(context.Background(), apperrors.NewTimeoutError("probe timed out"), Context{})
	manager.Drain()

	require.NotNil(t, alert)
	assert.Equal(t, 1, capture.count())
	assert.Equal(t, int64(1), manager.GetStatistics().DeliveryFailures["broken"])
}

func TestTypeForKind(t *testing.T) {
	tests := []struct {
		kind apperrors.Kind
		want Type
	}{
		{apperrors.KindNetwork, TypeServiceDown},
		{apperrors.KindTimeout, TypeServiceDown},
		{apperrors.KindMemory, TypeResourceExhausted},
		{apperrors.KindRateLimit, TypeRateLimited},
		{apperrors.KindAuthentication, TypeAuthFailure},
		{apperrors.KindValidation, TypeDataError},
		{apperrors.KindUnknown, TypeSystemError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, typeForKind(tt.kind), string(tt.kind))
	}
}
