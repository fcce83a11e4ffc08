package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the sentinel application configuration
type Config struct {
	Server     ServerConfig     `json:"server"`
	Database   DatabaseConfig   `json:"database"`
	Redis      RedisConfig      `json:"redis"`
	Resilience ResilienceConfig `json:"resilience"`
	Health     HealthConfig     `json:"health"`
	Alerting   AlertingConfig   `json:"alerting"`
	Logging    LoggingConfig    `json:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig contains database connection configuration
type DatabaseConfig struct {
	Host            string        `json:"host"`
	Port            int           `json:"port"`
	Name            string        `json:"name"`
	User            string        `json:"user"`
	Password        string        `json:"password"`
	SSLMode         string        `json:"ssl_mode"`
	MaxOpenConns    int           `json:"max_open_conns"`
	MaxIdleConns    int           `json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime"`
}

// RedisConfig contains Redis connection configuration
type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// ResilienceConfig contains engine defaults applied to protected operations
type ResilienceConfig struct {
	MaxRetries       int           `json:"max_retries"`
	InitialDelay     time.Duration `json:"initial_delay"`
	MaxDelay         time.Duration `json:"max_delay"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
	MaxConcurrent    int           `json:"max_concurrent"`
	QueueCapacity    int           `json:"queue_capacity"`
	RateLimit        int           `json:"rate_limit"`
	RateWindow       time.Duration `json:"rate_window"`
}

// HealthConfig contains health monitoring configuration
type HealthConfig struct {
	Interval           time.Duration `json:"interval"`
	Timeout            time.Duration `json:"timeout"`
	HealthyThreshold   int           `json:"healthy_threshold"`
	UnhealthyThreshold int           `json:"unhealthy_threshold"`
	Targets            string        `json:"targets"`
}

// AlertingConfig contains alert routing configuration
type AlertingConfig struct {
	ThrottleWindow     time.Duration `json:"throttle_window"`
	MaxAlertsPerWindow int           `json:"max_alerts_per_window"`
	EscalationDelay    time.Duration `json:"escalation_delay"`
	SlackWebhookURL    string        `json:"slack_webhook_url"`
	SlackChannel       string        `json:"slack_channel"`
	WebhookURL         string        `json:"webhook_url"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Load loads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("SERVER_HOST", "0.0.0.0"),
			Port:         getEnvInt("SERVER_PORT", 8090),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 30*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 120*time.Second),
		},
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "pipeshield"),
			User:            getEnvString("DB_USER", "pipeshield"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			Host:     getEnvString("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnvString("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 10),
		},
		Resilience: ResilienceConfig{
			MaxRetries:       getEnvInt("RESILIENCE_MAX_RETRIES", 3),
			InitialDelay:     getEnvDuration("RESILIENCE_INITIAL_DELAY", 100*time.Millisecond),
			MaxDelay:         getEnvDuration("RESILIENCE_MAX_DELAY", 30*time.Second),
			FailureThreshold: getEnvInt("RESILIENCE_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvDuration("RESILIENCE_RECOVERY_TIMEOUT", 30*time.Second),
			MaxConcurrent:    getEnvInt("RESILIENCE_MAX_CONCURRENT", 10),
			QueueCapacity:    getEnvInt("RESILIENCE_QUEUE_CAPACITY", 10),
			RateLimit:        getEnvInt("RESILIENCE_RATE_LIMIT", 100),
			RateWindow:       getEnvDuration("RESILIENCE_RATE_WINDOW", time.Minute),
		},
		Health: HealthConfig{
			Interval:           getEnvDuration("HEALTH_INTERVAL", 30*time.Second),
			Timeout:            getEnvDuration("HEALTH_TIMEOUT", 5*time.Second),
			HealthyThreshold:   getEnvInt("HEALTH_HEALTHY_THRESHOLD", 2),
			UnhealthyThreshold: getEnvInt("HEALTH_UNHEALTHY_THRESHOLD", 2),
			Targets:            getEnvString("HEALTH_TARGETS", ""),
		},
		Alerting: AlertingConfig{
			ThrottleWindow:     getEnvDuration("ALERT_THROTTLE_WINDOW", 5*time.Minute),
			MaxAlertsPerWindow: getEnvInt("ALERT_MAX_PER_WINDOW", 5),
			EscalationDelay:    getEnvDuration("ALERT_ESCALATION_DELAY", 15*time.Minute),
			SlackWebhookURL:    getEnvString("ALERT_SLACK_WEBHOOK_URL", ""),
			SlackChannel:       getEnvString("ALERT_SLACK_CHANNEL", "#pipeline-alerts"),
			WebhookURL:         getEnvString("ALERT_WEBHOOK_URL", ""),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}

	if c.Resilience.MaxRetries < 0 {
		return fmt.Errorf("max retries must not be negative")
	}

	if c.Resilience.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive")
	}

	return nil
}

// DatabaseURL returns the database connection URL
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
