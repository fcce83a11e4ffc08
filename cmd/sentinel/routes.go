package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pipeshield/pipeshield/pkg/alerting"
	"github.com/pipeshield/pipeshield/pkg/config"
	"github.com/pipeshield/pipeshield/pkg/health"
	"github.com/pipeshield/pipeshield/pkg/logging"
	"github.com/pipeshield/pipeshield/pkg/metrics"
	"github.com/pipeshield/pipeshield/pkg/resilience"
)

// setupRoutes builds the sentinel HTTP surface: health endpoints, Prometheus
// metrics, and a status/alert API for operators.
func setupRoutes(cfg *config.Config, manager *resilience.Manager, healthService *health.Service, sink *metrics.Metrics, alerts *alerting.Manager) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	router.GET("/health", healthService.Handler())
	router.GET("/ready", healthService.ReadinessHandler())
	router.GET("/live", healthService.LivenessHandler())

	if sink != nil {
		router.GET("/metrics", sink.Handler())
	}

	v1 := router.Group("/v1")
	{
		v1.GET("/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"components": manager.GetSystemStatus(),
				"alerting":   alerts.GetStatistics(),
			})
		})

		v1.GET("/alerts", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"alerts": alerts.ActiveAlerts()})
		})

		v1.POST("/alerts/:id/resolve", func(c *gin.Context) {
			if err := alerts.ResolveAlert(c.Param("id")); err != nil {
				c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, gin.H{"status": "resolved"})
		})

		v1.GET("/errors", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{
				"summary": manager.Errors().Snapshot(),
				"recent":  manager.Errors().Recent(50),
			})
		})

		v1.POST("/circuit-breakers/reset", func(c *gin.Context) {
			manager.ResetCircuitBreakers()
			c.JSON(http.StatusOK, gin.H{"status": "reset"})
		})
	}

	return router
}

// requestLogger logs each request with latency and status
func requestLogger() gin.HandlerFunc {
	logger := logging.GetLogger()

	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"latency", time.Since(start).String(),
			"client_ip", c.ClientIP(),
		)
	}
}
