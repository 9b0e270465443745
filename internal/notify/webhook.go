// Package notify posts run lifecycle events to a configured webhook.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Phase names a run lifecycle moment.
type Phase string

// Notification phases.
const (
	PhaseStarted   Phase = "started"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
)

// Payload is the JSON body posted to the webhook.
type Payload struct {
	RunID      string             `json:"run_id"`
	Experiment string             `json:"experiment"`
	Phase      Phase              `json:"phase"`
	DurationS  float64            `json:"duration_s,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Error      string             `json:"error,omitempty"`
}

// Webhook delivers notifications over HTTP POST. A zero URL disables
// delivery.
type Webhook struct {
	URL    string
	client *http.Client
}

// NewWebhook builds a notifier for url.
func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether a webhook URL is configured.
func (w *Webhook) Enabled() bool {
	return w != nil && w.URL != ""
}

// Send posts the payload. Delivery problems are returned, not fatal to
// the caller.
func (w *Webhook) Send(ctx context.Context, p Payload) error {
	if !w.Enabled() {
		return nil
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
