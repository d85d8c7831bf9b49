// Package outbound delivers ping and reminder webhooks to the per-tenant
// endpoints configured in tenant settings.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"aurum_backend/platform/config"
	"aurum_backend/platform/logger"
)

// Dispatcher delivers webhook payloads. Satisfied by Client; faked in tests.
type Dispatcher interface {
	SendPing(ctx context.Context, url string, payload PingPayload) error
	SendReminder(ctx context.Context, url string, payload ReminderPayload) error
}

type Client struct {
	http     *http.Client
	revision string
	log      *logger.Logger
}

func NewClient(cfg config.WebhookConfig, log *logger.Logger) *Client {
	timeout := cfg.GetWebhookTimeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		http:     &http.Client{Timeout: timeout},
		revision: cfg.GetRevision(),
		log:      log,
	}
}

func (c *Client) SendPing(ctx context.Context, url string, payload PingPayload) error {
	return c.post(ctx, url, payload, payload.TraceID)
}

func (c *Client) SendReminder(ctx context.Context, url string, payload ReminderPayload) error {
	return c.post(ctx, url, payload, payload.TraceID)
}

func (c *Client) post(ctx context.Context, url string, payload any, traceID string) error {
	if url == "" {
		return fmt.Errorf("webhook url not configured")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Aurum-Rev", c.revision)
	if traceID != "" {
		req.Header.Set("X-Trace-Id", traceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	return nil
}
