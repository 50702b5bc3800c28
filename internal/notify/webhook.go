package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSink POSTs each notification as JSON. The payload carries a
// plain "text" field so chat webhooks render it without a template.
type WebhookSink struct {
	handlerSet
	url    string
	client *http.Client
}

// NewWebhookSink returns a sink posting to url.
func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{url: url, client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Text      string         `json:"text"`
	SessionID string         `json:"sessionId"`
	Kind      Kind           `json:"kind"`
	Name      string         `json:"sessionName"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Time      time.Time      `json:"time"`
}

// Send posts n. Any non-2xx response is an error.
func (w *WebhookSink) Send(ctx context.Context, sessionID string, n Notification) error {
	body, err := json.Marshal(webhookPayload{
		Text:      FormatText(n),
		SessionID: sessionID,
		Kind:      n.Kind,
		Name:      n.SessionName,
		Message:   n.Message,
		Metadata:  n.Metadata,
		Time:      n.Time,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}
	return nil
}

// Close is a no-op.
func (w *WebhookSink) Close() error { return nil }

// FormatText renders n as a single human-readable line.
func FormatText(n Notification) string {
	name := n.SessionName
	if name == "" {
		name = "session"
	}
	return fmt.Sprintf("[ccremote] %s %s: %s", kindIcon(n.Kind), name, n.Message)
}

func kindIcon(k Kind) string {
	switch k {
	case KindLimit:
		return "⏸"
	case KindContinued:
		return "▶"
	case KindApproval:
		return "❓"
	case KindError:
		return "⚠"
	case KindQuota:
		return "⏰"
	case KindEnded:
		return "⏹"
	}
	return "•"
}
