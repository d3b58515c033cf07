package alert

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// WebhookNotifier posts alerts to a contact-calling gateway.
type WebhookNotifier struct {
	client *resty.Client
	url    string
}

// WebhookOptions configures NewWebhookNotifier.
type WebhookOptions struct {
	URL        string
	Token      string // sent as a bearer token when set
	Timeout    time.Duration
	RetryCount int
}

// NewWebhookNotifier creates a notifier posting JSON payloads to o.URL.
func NewWebhookNotifier(o WebhookOptions) (*WebhookNotifier, error) {
	if o.URL == "" {
		return nil, fmt.Errorf("webhook url cannot be empty")
	}
	if o.Timeout <= 0 {
		o.Timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(o.Timeout).
		SetRetryCount(o.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if o.Token != "" {
		client.SetAuthToken(o.Token)
	}
	return &WebhookNotifier{client: client, url: o.URL}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, a Alert) error {
	resp, err := n.client.R().
		SetContext(ctx).
		SetBody(a.Payload()).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call alert webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode())
	}
	return nil
}
