// Package notify delivers asynchronous command results back to the
// original sender through the messaging gateway.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// WebhookNotifier POSTs result notifications to the gateway's push
// endpoint as {"userId", "text"} JSON.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhook creates a notifier for the given push URL.
func NewWebhook(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type payload struct {
	UserID string `json:"userId"`
	Text   string `json:"text"`
}

func (n *WebhookNotifier) Notify(ctx context.Context, userID, text string) error {
	body, err := json.Marshal(payload{UserID: userID, Text: text})
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: gateway returned %d", resp.StatusCode)
	}
	return nil
}

// LogNotifier is the fallback when no webhook is configured: results are
// only visible in the relay's own log.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, userID, text string) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("result notification", "userId", userID, "text", text)
	return nil
}
