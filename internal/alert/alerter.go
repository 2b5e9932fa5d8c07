// Package alert implements fire-and-forget alert dispatch: a
// bounded-timeout dispatch whose failures must never propagate to the
// call path.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Alert is the plain subject/body payload handed to an Alerter.
type Alert struct {
	TenantID string
	Subject  string
	Body     string
}

// Alerter is the narrow seam to an out-of-scope notification backend.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// LogAlerter logs the alert via zap and always succeeds; it is the default
// alerter when no webhook is configured.
type LogAlerter struct {
	logger *zap.Logger
}

func NewLogAlerter(logger *zap.Logger) *LogAlerter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogAlerter{logger: logger}
}

func (a *LogAlerter) Send(_ context.Context, alert Alert) error {
	a.logger.Warn("budget alert",
		zap.String("tenant_id", alert.TenantID),
		zap.String("subject", alert.Subject),
		zap.String("body", alert.Body),
	)
	return nil
}

// WebhookAlerter POSTs the alert as JSON with a bounded timeout.
type WebhookAlerter struct {
	url     string
	client  *http.Client
	logger  *zap.Logger
}

func NewWebhookAlerter(url string, timeout time.Duration, logger *zap.Logger) *WebhookAlerter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookAlerter{url: url, client: &http.Client{Timeout: timeout}, logger: logger}
}

func (a *WebhookAlerter) Send(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return nil
}

// Dispatch fires alert.Send in its own goroutine, recovering any panic and
// swallowing any error so alerter failures never reach the call path.
func Dispatch(alerter Alerter, logger *zap.Logger, alert Alert) {
	if logger == nil {
		logger = zap.NewNop()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("alert dispatch panicked", zap.Any("recover", r))
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if err := alerter.Send(ctx, alert); err != nil {
			logger.Warn("alert dispatch failed", zap.Error(err))
		}
	}()
}
