package observability

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// BudgetAlertEvent is the payload posted when a spend threshold fires.
type BudgetAlertEvent struct {
	Event     string    `json:"event"`
	Scope     string    `json:"scope"`
	Period    string    `json:"period"`
	Threshold float64   `json:"threshold"`
	SpendUSD  float64   `json:"spend_usd"`
	BudgetUSD float64   `json:"budget_usd"`
	FiredAt   time.Time `json:"fired_at"`
}

// WebhookConfig contains configuration for alert webhooks.
type WebhookConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// DefaultWebhookConfig returns sensible defaults.
func DefaultWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Timeout: 10 * time.Second,
	}
}

// AlertWebhook posts alert events to a configured URL.
type AlertWebhook struct {
	config WebhookConfig
	client *http.Client
	logger *Logger
}

// NewAlertWebhook creates a webhook notifier.
func NewAlertWebhook(cfg WebhookConfig, logger *Logger) (*AlertWebhook, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = NewLogger(LoggerConfig{JSONFormat: true}, nil)
	}
	return &AlertWebhook{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}, nil
}

// NotifyBudgetAlert posts a budget alert. Failures are logged and returned;
// callers fire-and-forget from the alert path.
func (w *AlertWebhook) NotifyBudgetAlert(ctx context.Context, event BudgetAlertEvent) error {
	if event.Event == "" {
		event.Event = "budget_alert"
	}
	if event.FiredAt.IsZero() {
		event.FiredAt = time.Now().UTC()
	}

	if err := w.post(ctx, event); err != nil {
		w.logger.Error("budget alert webhook failed",
			"scope", event.Scope,
			"period", event.Period,
			"threshold", event.Threshold,
			"error", err,
		)
		return err
	}
	return nil
}

func (w *AlertWebhook) post(ctx context.Context, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("webhook: failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.config.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.config.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: failed to send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: returned status %d", resp.StatusCode)
	}
	return nil
}
