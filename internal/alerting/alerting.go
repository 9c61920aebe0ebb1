package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

// AlertConfig holds alerting configuration.
type AlertConfig struct {
	// WebhookURL is a generic webhook endpoint (Slack, Discord, or custom)
	WebhookURL string
	// WebhookType determines the payload format: "slack", "discord", or "generic"
	WebhookType string

	// SendGridAPIKey and EmailTo enable the email channel.
	SendGridAPIKey string
	EmailFrom      string
	EmailTo        string

	// Timeout for HTTP requests
	Timeout time.Duration
}

// Normalize fills the webhook type from the URL when unset.
func (c AlertConfig) Normalize() AlertConfig {
	if c.WebhookType == "" {
		switch {
		case strings.Contains(c.WebhookURL, "slack.com"):
			c.WebhookType = "slack"
		case strings.Contains(c.WebhookURL, "discord.com"):
			c.WebhookType = "discord"
		default:
			c.WebhookType = "generic"
		}
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c
}

// Outcome of a refresh worth alerting about.
const (
	OutcomeFailed   = "failed"
	OutcomeDegraded = "degraded"
)

// RefreshAlert describes a refresh that failed or completed without rates.
type RefreshAlert struct {
	RunID     string
	Outcome   string
	Count     int
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// Alerter sends alerts to the configured webhook and email channels.
type Alerter struct {
	cfg    AlertConfig
	client *http.Client
	email  *sendgrid.Client
	log    *zap.Logger
}

// NewAlerter creates a new alerter instance.
func NewAlerter(cfg AlertConfig, log *zap.Logger) *Alerter {
	cfg = cfg.Normalize()
	if log == nil {
		log = zap.NewNop()
	}
	a := &Alerter{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
		log: log.Named("alerting"),
	}
	if cfg.SendGridAPIKey != "" && cfg.EmailTo != "" {
		a.email = sendgrid.NewSendClient(cfg.SendGridAPIKey)
	}
	return a
}

// Enabled reports whether at least one channel is configured.
func (a *Alerter) Enabled() bool {
	return a.cfg.WebhookURL != "" || a.email != nil
}

// SendRefreshAlert delivers alert on every configured channel. Errors from
// each channel are joined.
func (a *Alerter) SendRefreshAlert(ctx context.Context, alert RefreshAlert) error {
	if !a.Enabled() {
		a.log.Debug("alerts disabled, skipping", zap.String("outcome", alert.Outcome))
		return nil
	}

	var errs []error
	if a.cfg.WebhookURL != "" {
		if err := a.sendWebhook(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("webhook: %w", err))
		}
	}
	if a.email != nil {
		if err := a.sendEmail(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.log.Info("sent refresh alert", zap.String("outcome", alert.Outcome), zap.String("run_id", alert.RunID))
	return nil
}

func (a *Alerter) sendWebhook(ctx context.Context, alert RefreshAlert) error {
	var payload []byte
	var err error

	switch a.cfg.WebhookType {
	case "slack":
		payload, err = buildSlackPayload(alert)
	case "discord":
		payload, err = buildDiscordPayload(alert)
	default:
		payload, err = buildGenericPayload(alert)
	}
	if err != nil {
		return fmt.Errorf("build payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}

func (a *Alerter) sendEmail(ctx context.Context, alert RefreshAlert) error {
	from := mail.NewEmail("countryrates", a.cfg.EmailFrom)
	to := mail.NewEmail("", a.cfg.EmailTo)
	body := summaryLine(alert)
	msg := mail.NewSingleEmail(from, title(alert), to, body, "<p>"+body+"</p>")

	resp, err := a.email.SendWithContext(ctx, msg)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: %d %s", resp.StatusCode, resp.Body)
	}
	return nil
}

func title(alert RefreshAlert) string {
	if alert.Outcome == OutcomeDegraded {
		return "Country refresh degraded"
	}
	return "Country refresh failed"
}

func summaryLine(alert RefreshAlert) string {
	if alert.Outcome == OutcomeDegraded {
		return fmt.Sprintf("Refresh %s stored %d countries without exchange rates: %s",
			alert.RunID, alert.Count, alert.Error)
	}
	return fmt.Sprintf("Refresh %s failed after %s: %s",
		alert.RunID, alert.Duration.Round(time.Millisecond), alert.Error)
}

func buildSlackPayload(alert RefreshAlert) ([]byte, error) {
	emoji := ":x:"
	if alert.Outcome == OutcomeDegraded {
		emoji = ":warning:"
	}

	payload := map[string]interface{}{
		"blocks": []map[string]interface{}{
			{
				"type": "header",
				"text": map[string]string{
					"type": "plain_text",
					"text": fmt.Sprintf("%s %s", emoji, title(alert)),
				},
			},
			{
				"type": "section",
				"fields": []map[string]string{
					{"type": "mrkdwn", "text": fmt.Sprintf("*Run:*\n%s", alert.RunID)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Duration:*\n%s", alert.Duration.Round(time.Millisecond))},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Countries:*\n%d", alert.Count)},
					{"type": "mrkdwn", "text": fmt.Sprintf("*Timestamp:*\n%s", alert.Timestamp.Format(time.RFC3339))},
				},
			},
			{
				"type": "section",
				"text": map[string]string{
					"type": "mrkdwn",
					"text": fmt.Sprintf("*Error:*\n%s", alert.Error),
				},
			},
		},
	}

	return json.Marshal(payload)
}

func buildDiscordPayload(alert RefreshAlert) ([]byte, error) {
	color := 16711680 // Red
	if alert.Outcome == OutcomeDegraded {
		color = 16776960 // Yellow
	}

	payload := map[string]interface{}{
		"embeds": []map[string]interface{}{
			{
				"title":       title(alert),
				"description": summaryLine(alert),
				"color":       color,
				"fields": []map[string]interface{}{
					{"name": "Countries", "value": fmt.Sprintf("%d", alert.Count), "inline": true},
					{"name": "Duration", "value": alert.Duration.Round(time.Millisecond).String(), "inline": true},
				},
				"timestamp": alert.Timestamp.Format(time.RFC3339),
			},
		},
	}

	return json.Marshal(payload)
}

func buildGenericPayload(alert RefreshAlert) ([]byte, error) {
	payload := map[string]interface{}{
		"alert_type":  "country_refresh_" + alert.Outcome,
		"run_id":      alert.RunID,
		"outcome":     alert.Outcome,
		"count":       alert.Count,
		"error":       alert.Error,
		"duration_ms": alert.Duration.Milliseconds(),
		"timestamp":   alert.Timestamp.Format(time.RFC3339),
	}

	return json.Marshal(payload)
}
