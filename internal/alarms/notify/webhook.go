package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// Channel delivers rendered content to the given recipients.
type Channel interface {
	Send(ctx context.Context, content string, recipients []string) error
}

type webhookPayload struct {
	MsgType string      `json:"msgtype"`
	Text    webhookText `json:"text"`
	At      *webhookAt  `json:"at,omitempty"`
}

type webhookText struct {
	Content string `json:"content"`
}

type webhookAt struct {
	Recipients []string `json:"recipients"`
}

// WebhookChannel posts notifications to an HTTP endpoint.
type WebhookChannel struct {
	url    string
	client *resty.Client
}

// WebhookOption configures the webhook channel.
type WebhookOption func(*WebhookChannel)

// WithTimeout overrides the per-request timeout.
func WithTimeout(d time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if d > 0 {
			ch.client.SetTimeout(d)
		}
	}
}

// WithRetries retries transport failures n times before giving up.
func WithRetries(n int, wait time.Duration) WebhookOption {
	return func(ch *WebhookChannel) {
		if n > 0 {
			ch.client.SetRetryCount(n).SetRetryWaitTime(wait)
		}
	}
}

// WithHeader adds a request header such as an authorization token.
func WithHeader(name, value string) WebhookOption {
	return func(ch *WebhookChannel) {
		if name != "" {
			ch.client.SetHeader(name, value)
		}
	}
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, opts ...WebhookOption) (*WebhookChannel, error) {
	if url == "" {
		return nil, errors.New("webhook channel: empty url")
	}
	channel := &WebhookChannel{
		url: url,
		client: resty.New().
			SetTimeout(10*time.Second).
			SetHeader("Content-Type", "application/json"),
	}
	for _, opt := range opts {
		opt(channel)
	}
	return channel, nil
}

// Send posts the content as a text message.
func (w *WebhookChannel) Send(ctx context.Context, content string, recipients []string) error {
	if w == nil || w.url == "" {
		return errors.New("webhook channel: empty url")
	}
	payload := webhookPayload{
		MsgType: "text",
		Text:    webhookText{Content: content},
	}
	if len(recipients) > 0 {
		payload.At = &webhookAt{Recipients: recipients}
	}
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(payload).
		Post(w.url)
	if err != nil {
		return fmt.Errorf("webhook channel: %w", err)
	}
	if resp.IsError() || resp.StatusCode() >= 300 {
		return fmt.Errorf("webhook channel: non-2xx response %d", resp.StatusCode())
	}
	return nil
}
