package health

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"

	apperrors "github.com/pipeshield/pipeshield/pkg/errors"
)

// HTTPProber probes an HTTP endpoint; any 2xx or 3xx status is healthy
func HTTPProber(url string) Probe {
	client := &http.Client{Timeout: 10 * time.Second}

	return func(ctx context.Context) (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}

		start := time.Now()
		resp, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload := map[string]interface{}{
			"status_code": resp.StatusCode,
			"latency_ms":  time.Since(start).Milliseconds(),
		}
		if resp.StatusCode >= 400 {
			return payload, &apperrors.StatusError{
				Code:    resp.StatusCode,
				Message: fmt.Sprintf("endpoint %s returned status %d", url, resp.StatusCode),
			}
		}
		return payload, nil
	}
}

// RedisProber probes a Redis connection with PING
func RedisProber(client *redis.Client) Probe {
	return func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}

		payload := map[string]interface{}{
			"latency_ms": time.Since(start).Milliseconds(),
		}
		if size, err := client.DBSize(ctx).Result(); err == nil {
			payload["keys"] = size
		}
		return payload, nil
	}
}

// DatabaseProber probes a SQL database connection
func DatabaseProber(db *sqlx.DB) Probe {
	return func(ctx context.Context) (interface{}, error) {
		start := time.Now()
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("database ping failed: %w", err)
		}

		stats := db.Stats()
		return map[string]interface{}{
			"latency_ms":       time.Since(start).Milliseconds(),
			"open_connections": stats.OpenConnections,
			"in_use":           stats.InUse,
			"idle":             stats.Idle,
		}, nil
	}
}
