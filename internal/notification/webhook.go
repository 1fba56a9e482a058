package notification

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// webhookPayload is the wire format the sink expects.
type webhookPayload struct {
	Text     string `json:"text"`
	Severity string `json:"severity"`
}

// WebhookNotifier posts notifications as JSON to a single webhook URL.
type WebhookNotifier struct {
	client  *resty.Client
	url     string
	enabled bool
}

// NewWebhookNotifier builds the webhook provider. An empty URL yields a
// disabled notifier.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			// Retry transport errors and 5xx only; a 429 must not be
			// hammered further.
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	return &WebhookNotifier{client: client, url: url, enabled: url != ""}
}

func (w *WebhookNotifier) Name() string { return "webhook" }

func (w *WebhookNotifier) IsEnabled() bool { return w.enabled }

// Send posts the notification. A 429 from the sink is its rate limit
// talking: the message is dropped silently.
func (w *WebhookNotifier) Send(ctx context.Context, n *Notification) error {
	text := n.Title
	if n.Message != "" {
		text = n.Title + "\n" + n.Message
	}
	if n.Account != "" {
		text = "[" + n.Account + "] " + text
	}

	resp, err := w.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(webhookPayload{Text: text, Severity: string(n.Severity)}).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook post failed: %w", err)
	}
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil
	case resp.StatusCode() >= 400:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode(), resp.String())
	}
	return nil
}
