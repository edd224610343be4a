// Package notify delivers failure alerts to a chat webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/dqflow/internal/platform/env"
)

var ErrDelivery = errors.New("alert delivery failed")

// DeliveryError carries the non-2xx response of the alert channel.
type DeliveryError struct {
	Status int
	Body   string
}

func (e *DeliveryError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook responded %d", e.Status)
	}
	return fmt.Sprintf("webhook responded %d: %s", e.Status, e.Body)
}

func (e *DeliveryError) Unwrap() error {
	return ErrDelivery
}

// Alert is the structured content of one failure notification.
type Alert struct {
	Title    string
	Details  []string
	Pipeline string
	RunID    string
	Cause    string
}

// Text renders the alert in the chat markup the channel expects.
func (a Alert) Text() string {
	var b strings.Builder
	b.WriteString(":warning: *")
	b.WriteString(strings.TrimSpace(a.Title))
	b.WriteString("*")
	for _, line := range a.Details {
		if line = strings.TrimSpace(line); line != "" {
			b.WriteString("\n• ")
			b.WriteString(line)
		}
	}
	if a.Pipeline != "" {
		b.WriteString("\n• Pipeline: ")
		b.WriteString(a.Pipeline)
	}
	if a.RunID != "" {
		b.WriteString("\n• Run: ")
		b.WriteString(a.RunID)
	}
	if a.Cause != "" {
		b.WriteString("\n• Cause: ")
		b.WriteString(a.Cause)
	}
	return b.String()
}

type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

type Config struct {
	WebhookURL string
	Timeout    time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("NOTIFY_TIMEOUT", 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	if timeout <= 0 {
		return Config{}, errors.New("NOTIFY_TIMEOUT must be positive")
	}
	url, _ := env.Optional("SLACK_WEBHOOK_URL")
	return Config{WebhookURL: url, Timeout: timeout}, nil
}

// Webhook posts {"text": ...} to an incoming-webhook URL. Without a URL it
// logs the alert and returns nil.
type Webhook struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

func NewWebhook(cfg Config, logger *slog.Logger) *Webhook {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:    strings.TrimSpace(cfg.WebhookURL),
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (w *Webhook) Configured() bool {
	return w != nil && w.url != ""
}

func (w *Webhook) Notify(ctx context.Context, alert Alert) error {
	if !w.Configured() {
		w.logger.Warn("alert webhook not configured; skipping delivery", "title", alert.Title, "run_id", alert.RunID)
		return nil
	}

	payload, err := json.Marshal(map[string]string{"text": alert.Text()})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &DeliveryError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	w.logger.Info("alert delivered", "title", alert.Title, "run_id", alert.RunID)
	return nil
}
