package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Resilience.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.Resilience.InitialDelay)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("RESILIENCE_MAX_RETRIES", "7")
	t.Setenv("RESILIENCE_RECOVERY_TIMEOUT", "45s")
	t.Setenv("ALERT_SLACK_CHANNEL", "#ops")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Resilience.MaxRetries)
	assert.Equal(t, 45*time.Second, cfg.Resilience.RecoveryTimeout)
	assert.Equal(t, "#ops", cfg.Alerting.SlackChannel)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("RESILIENCE_MAX_RETRIES", "lots")
	t.Setenv("HEALTH_INTERVAL", "sometimes")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Resilience.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.Health.Interval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Setenv("SERVER_PORT", "-1")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("SERVER_PORT", "8090")
	t.Setenv("RESILIENCE_FAILURE_THRESHOLD", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestConnectionURLs(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres://pipeshield:@localhost:5432/pipeshield?sslmode=disable", cfg.DatabaseURL())
	assert.Equal(t, "localhost:6379", cfg.RedisAddr())
}
