package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pipeshield/pipeshield/pkg/logging"
)

// LogProvider writes alerts to the structured log. It is the default
// channel and never fails.
type LogProvider struct {
	logger *logging.Logger
}

// NewLogProvider creates a log-backed alert provider
func NewLogProvider() *LogProvider {
	return &LogProvider{logger: logging.GetLogger()}
}

func (p *LogProvider) Name() string {
	return "log"
}

func (p *LogProvider) Send(ctx context.Context, alert *Alert) error {
	entry := p.logger.WithFields(logging.Fields{
		"alert_id": alert.ID,
		"type":     alert.Type,
		"source":   alert.Source,
		"title":    alert.Title,
	})

	switch alert.Severity {
	case SeverityCritical, SeverityError:
		entry.Error(alert.Message)
	case SeverityWarning:
		entry.Warn(alert.Message)
	default:
		entry.Info(alert.Message)
	}
	return nil
}

// SlackProvider posts alerts to a Slack incoming webhook
type SlackProvider struct {
	webhookURL string
	channel    string
	client     *http.Client
}

// NewSlackProvider creates a Slack webhook provider
func NewSlackProvider(webhookURL, channel string) *SlackProvider {
	return &SlackProvider{
		webhookURL: webhookURL,
		channel:    channel,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *SlackProvider) Name() string {
	return "slack"
}

func (p *SlackProvider) Send(ctx context.Context, alert *Alert) error {
	payload := map[string]interface{}{
		"channel": p.channel,
		"text":    fmt.Sprintf("%s %s", severityEmoji(alert.Severity), alert.Title),
		"attachments": []map[string]interface{}{
			{
				"color": severityColor(alert.Severity),
				"fields": []map[string]interface{}{
					{"title": "Severity", "value": string(alert.Severity), "short": true},
					{"title": "Source", "value": alert.Source, "short": true},
					{"title": "Message", "value": alert.Message, "short": false},
				},
				"ts": alert.Timestamp.Unix(),
			},
		},
	}

	return postJSON(ctx, p.client, p.webhookURL, nil, payload)
}

// WebhookProvider posts the alert JSON to an arbitrary HTTP endpoint
type WebhookProvider struct {
	name    string
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookProvider creates a generic webhook provider
func NewWebhookProvider(name, url string, headers map[string]string) *WebhookProvider {
	return &WebhookProvider{
		name:    name,
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *WebhookProvider) Name() string {
	return p.name
}

func (p *WebhookProvider) Send(ctx context.Context, alert *Alert) error {
	return postJSON(ctx, p.client, p.url, p.headers, alert)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("alert endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func severityEmoji(s Severity) string {
	switch s {
	case SeverityCritical:
		return ":rotating_light:"
	case SeverityError:
		return ":x:"
	case SeverityWarning:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

func severityColor(s Severity) string {
	switch s {
	case SeverityCritical:
		return "#8B0000"
	case SeverityError:
		return "danger"
	case SeverityWarning:
		return "warning"
	default:
		return "good"
	}
}
