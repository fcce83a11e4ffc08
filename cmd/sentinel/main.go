package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/pipeshield/pipeshield/pkg/alerting"
	"github.com/pipeshield/pipeshield/pkg/config"
	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
	"github.com/pipeshield/pipeshield/pkg/health"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
	"github.com/pipeshield/pipeshield/pkg/resilience"
)

const version = "0.3.0"

func main() {
	// Load .env if present; real deployments set variables directly
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := logging.NewLogger(&logging.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      "stdout",
		ServiceName: "pipeshield-sentinel",
		Version:     version,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	logging.SetGlobalLogger(logger)

	sink := metrics.NewMetrics(metrics.DefaultConfig())
	manager := resilience.NewManager(sink)
	defer manager.Shutdown()

	alerts := buildAlertManager(cfg, sink)
	defer alerts.Shutdown()

	healthService := health.NewService(version)
	wireDependencyCheckers(cfg, manager, healthService, alerts, logger)
	wireHTTPTargets(cfg, manager, healthService, logger)

	router := setupRoutes(cfg, manager, healthService, sink, alerts)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("Starting sentinel server", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down sentinel")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	logger.Info("Sentinel exited")
}

// buildAlertManager wires the configured delivery channels
func buildAlertManager(cfg *config.Config, sink *metrics.Metrics) *alerting.Manager {
	alertConfig := alerting.DefaultConfig()
	alertConfig.ThrottleWindow = cfg.Alerting.ThrottleWindow
	alertConfig.MaxAlertsPerWindow = cfg.Alerting.MaxAlertsPerWindow
	alertConfig.EscalationDelay = cfg.Alerting.EscalationDelay
	alertConfig.Metrics = sink

	channels := []string{"log"}
	if cfg.Alerting.SlackWebhookURL != "" {
		channels = append(channels, "slack")
	}
	if cfg.Alerting.WebhookURL != "" {
		channels = append(channels, "webhook")
	}
	alertConfig.DefaultChannels = channels
	alertConfig.EscalationChannels = channels

	alerts := alerting.NewManager(alertConfig)
	alerts.RegisterProvider("log", alerting.NewLogProvider())
	if cfg.Alerting.SlackWebhookURL != "" {
		alerts.RegisterProvider("slack", alerting.NewSlackProvider(cfg.Alerting.SlackWebhookURL, cfg.Alerting.SlackChannel))
	}
	if cfg.Alerting.WebhookURL != "" {
		alerts.RegisterProvider("webhook", alerting.NewWebhookProvider("webhook", cfg.Alerting.WebhookURL, nil))
	}
	return alerts
}

// wireDependencyCheckers starts health monitoring for the database and Redis
// when they are configured. Missing dependencies are skipped, not fatal: the
// sentinel protects pipelines even with no backing stores of its own.
func wireDependencyCheckers(cfg *config.Config, manager *resilience.Manager, healthService *health.Service, alerts *alerting.Manager, logger *logging.Logger) {
	onChange := statusAlerter(alerts)

	if cfg.Database.Password != "" || cfg.Database.Host != "localhost" {
		db, err := sqlx.Open("postgres", cfg.DatabaseURL())
		if err != nil {
			logger.Warn("Skipping database monitoring", "error", err.Error())
		} else {
			db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
			db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
			db.SetConnMaxLifetime(cfg.Database.ConnMaxLifetime)

			checker := manager.GetHealthChecker("database", &health.CheckerConfig{
				Probe:              health.DatabaseProber(db),
				Interval:           cfg.Health.Interval,
				Timeout:            cfg.Health.Timeout,
				HealthyThreshold:   cfg.Health.HealthyThreshold,
				UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
				OnStatusChange:     onChange,
			})
			healthService.Register(checker)
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		PoolSize: cfg.Redis.PoolSize,
	})
	checker := manager.GetHealthChecker("redis", &health.CheckerConfig{
		Probe:              health.RedisProber(redisClient),
		Interval:           cfg.Health.Interval,
		Timeout:            cfg.Health.Timeout,
		HealthyThreshold:   cfg.Health.HealthyThreshold,
		UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		OnStatusChange:     onChange,
	})
	healthService.Register(checker)
}

// wireHTTPTargets monitors the comma-separated name=url pairs from
// HEALTH_TARGETS, e.g. "deploy-api=http://deploy:8080/health,scm=https://git.local/ping"
func wireHTTPTargets(cfg *config.Config, manager *resilience.Manager, healthService *health.Service, logger *logging.Logger) {
	if cfg.Health.Targets == "" {
		return
	}

	for _, target := range strings.Split(cfg.Health.Targets, ",") {
		name, url, ok := strings.Cut(strings.TrimSpace(target), "=")
		if !ok || name == "" || url == "" {
			logger.Warn("Ignoring malformed health target", "target", target)
			continue
		}

		checker := manager.GetHealthChecker(name, &health.CheckerConfig{
			Probe:              health.HTTPProber(url),
			Interval:           cfg.Health.Interval,
			Timeout:            cfg.Health.Timeout,
			HealthyThreshold:   cfg.Health.HealthyThreshold,
			UnhealthyThreshold: cfg.Health.UnhealthyThreshold,
		})
		healthService.Register(checker)
		logger.Info("Monitoring health target", "name", name, "url", url)
	}
}

// statusAlerter raises an alert when a dependency turns unhealthy
func statusAlerter(alerts *alerting.Manager) func(name string, from, to health.Status) {
	return func(name string, from, to health.Status) {
		if to != health.StatusUnhealthy {
			return
		}
		rec := apperrors.NewTemporaryUnavailableError(name).WithComponent(name)
		alerts.SendAlert(context.Background(), rec, alerting.Context{Source: name})
	}
}
