package webhook

import (
	"context"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/dwarvesf/escrow-settlement/internal/orchestrator"
	"github.com/dwarvesf/escrow-settlement/internal/utils/logger"
)

// Client calls uptime monitors and posts escalation alerts. Failures are
// logged and swallowed; a dead webhook never blocks settlement.
type Client struct {
	client   *resty.Client
	logger   *logger.Logger
	alertURL string
}

// New creates a new webhook client with timeout
func New(logger *logger.Logger, alertURL string) *Client {
	return &Client{
		client: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(500 * time.Millisecond),
		logger:   logger,
		alertURL: alertURL,
	}
}

// CallUptimeWebhook makes a simple GET request to the webhook URL
func (c *Client) CallUptimeWebhook(ctx context.Context, webhookURL string) {
	if webhookURL == "" {
		return
	}

	resp, err := c.client.R().SetContext(ctx).Get(webhookURL)
	if err != nil {
		c.logger.Error("[CallUptimeWebhook][Get]", map[string]string{
			"url":   webhookURL,
			"error": err.Error(),
		})
		return
	}

	c.logger.Debug("[CallUptimeWebhook][Done]", map[string]string{
		"url":         webhookURL,
		"status_code": resp.Status(),
	})
}

type alertPayload struct {
	Event string             `json:"event"`
	Alert orchestrator.Alert `json:"alert"`
}

// AlertEscalation posts the escalation to the configured alert endpoint.
func (c *Client) AlertEscalation(ctx context.Context, alert orchestrator.Alert) {
	if c.alertURL == "" {
		return
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(alertPayload{Event: "payment.escalated", Alert: alert}).
		Post(c.alertURL)
	if err != nil {
		c.logger.Error("[AlertEscalation][Post]", map[string]string{
			"payment_id": alert.PaymentID,
			"error":      err.Error(),
		})
		return
	}
	if resp.IsError() {
		c.logger.Error("[AlertEscalation][Post]", map[string]string{
			"payment_id":  alert.PaymentID,
			"status_code": resp.Status(),
		})
	}
}
